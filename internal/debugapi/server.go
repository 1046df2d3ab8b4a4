// Package debugapi exposes the router's runtime tables over HTTP, for the
// CLI's "routes dump" / "arp dump" / "nat dump" subcommands (SPEC_FULL.md's
// supplemented sr_arpcache_dump-style inspection) — wired the
// options-constructor way api/internal/server.go builds its ApiServer.
package debugapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/l2l3/softrouter/internal/arpcache"
	"github.com/l2l3/softrouter/internal/nat"
	"github.com/l2l3/softrouter/internal/routing"
)

// Server serves read-only JSON snapshots of the routing table, ARP cache
// and NAT table.
type Server struct {
	routes     *routing.Table
	arp        *arpcache.Cache
	nat        *nat.Table
	httpServer *http.Server
	logger     *slog.Logger
	listenAddr string
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithListenAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

// New constructs a Server over the router's live tables.
func New(routes *routing.Table, arp *arpcache.Cache, natTable *nat.Table, opts ...Option) *Server {
	s := &Server{
		routes:     routes,
		arp:        arp,
		nat:        natTable,
		logger:     slog.Default(),
		listenAddr: "127.0.0.1:7080",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/arp", s.handleARP)
	mux.HandleFunc("/nat", s.handleNAT)

	s.httpServer = &http.Server{Addr: s.listenAddr, Handler: mux}
	s.logger.Info("debugapi: server starting", "address", s.listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debugapi: listen on %s: %w", s.listenAddr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.routes.Snapshot()
	out := make([]routing.Dump, 0, len(routes))
	for _, rt := range routes {
		out = append(out, rt.Dump())
	}
	writeJSON(w, out)
}

func (s *Server) handleARP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.arp.Snapshot())
}

// natDump is the stable, CLI-facing shape of a nat.Mapping snapshot —
// kept separate from nat.Mapping so the table's internal representation
// can change without breaking the dump format.
type natDump struct {
	Type       string    `json:"type"`
	Internal   string    `json:"internal"`
	External   string    `json:"external"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (s *Server) handleNAT(w http.ResponseWriter, r *http.Request) {
	mappings := s.nat.Snapshot()
	out := make([]natDump, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, natDump{
			Type:       m.Type.String(),
			Internal:   fmt.Sprintf("%s:%d", m.IntIP, m.IntAux),
			External:   fmt.Sprintf("%s:%d", m.ExtIP, m.ExtAux),
			CreatedAt:  m.CreatedAt,
			LastUsedAt: m.LastUsedAt,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
