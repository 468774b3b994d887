// ABOUTME: Load balancing strategies for candidate selection
// ABOUTME: Implements round robin, least connections, weighted random, and hash based

package router

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"

	"github.com/2389/swarm-manager/internal/store"
)

// selectCandidate applies the strategy to a non-empty candidate list.
// Tag-based resolution happens before selection, so it falls through to
// round robin here.
func (r *Router) selectCandidate(strategy store.Strategy, candidates []*store.Service, req *RouteRequest) *store.Service {
	switch strategy {
	case store.StrategyLeastConnections:
		return r.selectLeastConnections(candidates)
	case store.StrategyWeightedRandom:
		return r.selectWeightedRandom(candidates)
	case store.StrategyHashBased:
		return r.selectHashBased(candidates, req.ClientIP)
	case store.StrategyRoundRobin, store.StrategyTagBased:
		return r.selectRoundRobin(candidates)
	}
	return r.selectRoundRobin(candidates)
}

// selectRoundRobin cycles through candidates using one shared counter, so
// the rotation is observable across rules. The per-set option keys the
// counter by candidate set instead.
func (r *Router) selectRoundRobin(candidates []*store.Service) *store.Service {
	key := "global"
	if r.perSetCounter {
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		sort.Strings(names)
		key = strings.Join(names, ",")
	}

	r.mu.Lock()
	n := r.counters[key]
	r.counters[key] = n + 1
	r.mu.Unlock()

	return candidates[n%uint64(len(candidates))]
}

// selectLeastConnections picks the candidate with the fewest active
// connections, preferring earlier candidates on ties.
func (r *Router) selectLeastConnections(candidates []*store.Service) *store.Service {
	best := candidates[0]
	bestActive := r.ActiveConnections(best.ID)
	for _, c := range candidates[1:] {
		if active := r.ActiveConnections(c.ID); active < bestActive {
			best = c
			bestActive = active
		}
	}
	return best
}

// selectWeightedRandom picks randomly with weight 1/(active+1), so loaded
// services are chosen less often.
func (r *Router) selectWeightedRandom(candidates []*store.Service) *store.Service {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := 1.0 / float64(r.ActiveConnections(c.ID)+1)
		weights[i] = w
		total += w
	}

	pick := rand.Float64() * total
	for i, w := range weights {
		pick -= w
		if pick <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// selectHashBased maps the client IP onto a candidate, so one client keeps
// hitting the same service while the candidate set is stable.
func (r *Router) selectHashBased(candidates []*store.Service, clientIP string) *store.Service {
	h := fnv.New32a()
	h.Write([]byte(clientIP))
	return candidates[h.Sum32()%uint32(len(candidates))]
}
