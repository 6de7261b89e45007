// Package introspect exposes a read-only HTTP view over a registry node's
// in-process API (snapshot, known peers, statistics). It is a new
// observability surface, not a health-check endpoint.
package introspect

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"svcregistry/internal/logging"
	"svcregistry/internal/registry"
)

// Node is the subset of *registry.Node this package depends on, kept as an
// interface so the server can be tested without a live gossip transport.
type Node interface {
	Snapshot() (registry.Snapshot, error)
	KnownPeers() []string
	Statistics() map[string]any
}

// Server serves the introspection routes. It never mutates registry state.
type Server struct {
	node    Node
	log     *logging.Logger
	started time.Time
}

// NewServer builds a Server over node.
func NewServer(node Node) *Server {
	return &Server{node: node, log: logging.New("introspect"), started: time.Now()}
}

// Router builds the mux.Router exposing /snapshot, /peers and /stats.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/snapshot", s.snapshotHandler).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.node.Snapshot()
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"peers": s.node.KnownPeers()})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Statistics()
	stats["uptimeSeconds"] = time.Since(s.started).Seconds()
	s.writeJSON(w, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
