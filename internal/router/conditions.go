// ABOUTME: Routing rule condition evaluation
// ABOUTME: Matches request fields against rule operators

package router

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/2389/swarm-manager/internal/store"
)

// RouteRequest carries the connection attributes rules can match on.
type RouteRequest struct {
	ClientIP   string
	ClientPort int
	UserAgent  string
	Path       string
	Headers    map[string]string
	Query      map[string]string
}

// fieldValue extracts the named field from the request. Header and query
// fields use dotted names like "header.x-client-type".
func fieldValue(req *RouteRequest, field string) (string, bool) {
	switch {
	case field == "path":
		return req.Path, true
	case field == "client_ip":
		return req.ClientIP, true
	case field == "client_port":
		return strconv.Itoa(req.ClientPort), true
	case field == "user_agent":
		return req.UserAgent, true
	case strings.HasPrefix(field, "header."):
		name := strings.TrimPrefix(field, "header.")
		for k, v := range req.Headers {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
		return "", false
	case strings.HasPrefix(field, "query."):
		v, ok := req.Query[strings.TrimPrefix(field, "query.")]
		return v, ok
	}
	return "", false
}

// matchCondition evaluates one condition against the request. A missing
// field never matches. Malformed regex patterns are treated as non-matches.
func matchCondition(req *RouteRequest, cond store.RoutingCondition, logger *slog.Logger) bool {
	value, ok := fieldValue(req, cond.Field)
	if !ok {
		return false
	}

	target := cond.Value
	if !cond.CaseSensitive && cond.Operator != store.OpRegexMatch {
		value = strings.ToLower(value)
		target = strings.ToLower(target)
	}

	switch cond.Operator {
	case store.OpEquals:
		return value == target
	case store.OpNotEquals:
		return value != target
	case store.OpContains:
		return strings.Contains(value, target)
	case store.OpNotContains:
		return !strings.Contains(value, target)
	case store.OpStartsWith:
		return strings.HasPrefix(value, target)
	case store.OpEndsWith:
		return strings.HasSuffix(value, target)
	case store.OpRegexMatch:
		// Lowercasing a pattern would corrupt classes like \D, so
		// case-insensitivity is expressed to the regex engine instead.
		if !cond.CaseSensitive {
			target = "(?i)" + target
		}
		re, err := regexp.Compile(target)
		if err != nil {
			logger.Warn("invalid regex in routing condition", "field", cond.Field, "pattern", cond.Value, "error", err)
			return false
		}
		return re.MatchString(value)
	case store.OpInList:
		return inList(value, target)
	case store.OpNotInList:
		return !inList(value, target)
	}

	logger.Warn("unknown condition operator", "operator", cond.Operator)
	return false
}

// inList checks membership in a comma-separated list value.
func inList(value, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == value {
			return true
		}
	}
	return false
}

// ruleMatches reports whether every condition of the rule matches. Rules
// with no conditions match everything.
func ruleMatches(req *RouteRequest, rule *store.RoutingRule, logger *slog.Logger) bool {
	for _, cond := range rule.Conditions {
		if !matchCondition(req, cond, logger) {
			return false
		}
	}
	return true
}
