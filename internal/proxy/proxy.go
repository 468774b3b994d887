// ABOUTME: WebSocket proxy server relaying client connections to workers
// ABOUTME: Routes each connection through the rule engine then pipes frames both ways

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/swarm-manager/internal/manager"
	"github.com/2389/swarm-manager/internal/router"
	"github.com/2389/swarm-manager/internal/store"
)

// Server accepts client WebSocket connections and proxies them to workers.
type Server struct {
	manager *manager.Manager
	logger  *slog.Logger

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	mux      *http.ServeMux

	httpServer *http.Server
}

// New creates a proxy server over the given manager.
func New(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		logger:  slog.Default().With("component", "proxy"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are reached through us, not directly, so any
			// origin may open a client connection
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/services", s.handleServices)
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on the listener until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info("proxy server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down proxy server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.logger.Error("building status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.manager.Registry().ListServices(r.Context())
	if err != nil {
		s.logger.Error("listing services", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if services == nil {
		services = []*store.Service{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(services)
}

// errorFrame is sent to clients when proxying cannot proceed.
type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// connectedFrame announces a successful upstream connection.
type connectedFrame struct {
	Type         string       `json:"type"`
	Event        string       `json:"event"`
	Service      serviceBrief `json:"service"`
	ConnectionID string       `json:"connection_id"`
}

type serviceBrief struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	Tags     []string `json:"tags,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	req := routeRequestFrom(r)

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "client_ip", req.ClientIP, "error", err)
		return
	}

	cw := &wsConn{conn: client}
	defer client.Close()

	decision, err := s.manager.RouteConnection(r.Context(), req)
	if err != nil {
		s.logger.Warn("routing failed", "client_ip", req.ClientIP, "error", err)
		cw.writeJSON(errorFrame{
			Type:      "error",
			Message:   "no services available",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	svc := decision.Service

	upstream, _, err := s.dialer.DialContext(r.Context(), svc.Endpoint(), nil)
	if err != nil {
		s.logger.Error("upstream dial failed", "service", svc.Name, "endpoint", svc.Endpoint(), "error", err)
		if rerr := s.manager.Registry().RecordError(r.Context(), svc.ID); rerr != nil {
			s.logger.Warn("failed to record service error", "service", svc.Name, "error", rerr)
		}
		cw.writeJSON(errorFrame{
			Type:      "error",
			Message:   fmt.Sprintf("service %s unavailable", svc.Name),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	uw := &wsConn{conn: upstream}
	defer upstream.Close()

	connID := uuid.New().String()
	rt := s.manager.Router()
	rt.RegisterConnection(&router.ConnectionInfo{
		ID:          connID,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		ClientIP:    req.ClientIP,
		ClientPort:  req.ClientPort,
		UserAgent:   req.UserAgent,
		Strategy:    decision.Strategy,
	})
	defer rt.UnregisterConnection(connID)

	s.recordConnection(r.Context(), svc)

	if err := cw.writeJSON(connectedFrame{
		Type:         "system",
		Event:        "connected",
		Service:      serviceBrief{ID: svc.ID, Name: svc.Name, Endpoint: svc.Endpoint(), Tags: svc.Tags},
		ConnectionID: connID,
	}); err != nil {
		s.logger.Warn("failed to send connected frame", "connection_id", connID, "error", err)
		return
	}

	s.logger.Info("connection proxied", "connection_id", connID, "service", svc.Name, "client_ip", req.ClientIP)

	s.relay(connID, cw, uw)
}

// relay pipes frames both ways until either side closes, then tears both
// down. Frames pass through untouched.
func (s *Server) relay(connID string, client, upstream *wsConn) {
	rt := s.manager.Router()
	done := make(chan struct{}, 2)

	pipe := func(src, dst *wsConn, dir router.Direction) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := src.conn.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.writeMessage(msgType, data); err != nil {
				return
			}
			rt.RecordFrame(connID, dir, len(data))
		}
	}

	go pipe(client, upstream, router.ToService)
	go pipe(upstream, client, router.ToClient)

	// First side to fail ends the session; closing both unblocks the
	// other pipe's read
	<-done
	client.conn.Close()
	upstream.conn.Close()
	<-done

	s.logger.Debug("connection closed", "connection_id", connID)
}

// recordConnection bumps the service's connection counters.
func (s *Server) recordConnection(ctx context.Context, svc *store.Service) {
	active := s.manager.Router().ActiveConnections(svc.ID)
	if err := s.manager.Registry().RecordConnection(ctx, svc.ID, active); err != nil {
		s.logger.Warn("failed to update service stats", "service", svc.Name, "error", err)
	}
}

// routeRequestFrom extracts the routable attributes of an HTTP request.
func routeRequestFrom(r *http.Request) *router.RouteRequest {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	ip, port := clientAddr(r)
	return &router.RouteRequest{
		ClientIP:   ip,
		ClientPort: port,
		UserAgent:  r.UserAgent(),
		Path:       r.URL.Path,
		Headers:    headers,
		Query:      query,
	}
}

// clientAddr prefers the forwarded-for chain's first hop over the socket
// peer. The port is only known for direct peers.
func clientAddr(r *http.Request) (string, int) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0]), 0
	}
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// wsConn wraps a websocket connection with a write lock, since gorilla
// connections allow only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}
