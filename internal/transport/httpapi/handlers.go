// Package httpapi serves the health check and the local-only admin endpoints
// of cmd/indexer.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"peopleland.ai/internal/land"
)

// Processor is the slice of *ingest.Processor the admin endpoints use.
type Processor interface {
	Cursor() land.Position
	Halted() error
	Snapshot(ctx context.Context) (string, error)
}

type Server struct {
	Reader  land.Reader
	Proc    Processor
	ChainID string
	Logger  *zap.Logger
	// Admin enables /admin/v1/*. Admin requests must come from loopback.
	Admin bool
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.Admin {
		mux.HandleFunc("GET /admin/v1/state", loopbackOnly(s.state))
		mux.HandleFunc("POST /admin/v1/snapshot", loopbackOnly(s.snapshot))
		mux.HandleFunc("GET /admin/v1/verify", loopbackOnly(s.verify))
	}
}

// healthz reports 503 once the processor has halted so orchestrators notice.
func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	if s.Proc != nil {
		if err := s.Proc.Halted(); err != nil {
			http.Error(rw, "halted: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

type stateResponse struct {
	ChainID string        `json:"chain_id"`
	Cursor  land.Position `json:"cursor"`
	Halted  bool          `json:"halted"`
	Fault   string        `json:"fault,omitempty"`
}

func (s *Server) state(rw http.ResponseWriter, r *http.Request) {
	resp := stateResponse{ChainID: s.ChainID, Cursor: s.Proc.Cursor()}
	if err := s.Proc.Halted(); err != nil {
		resp.Halted = true
		resp.Fault = err.Error()
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) snapshot(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	path, err := s.Proc.Snapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func (s *Server) verify(rw http.ResponseWriter, r *http.Request) {
	vs, err := land.Verify(r.Context(), s.Reader)
	if err != nil {
		s.internal(rw, "verify", err)
		return
	}
	if vs == nil {
		vs = []land.Violation{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": len(vs) == 0, "violations": vs})
}

func (s *Server) internal(rw http.ResponseWriter, what string, err error) {
	if s.Logger != nil {
		s.Logger.Error(what, zap.Error(err))
	}
	http.Error(rw, "internal error", http.StatusInternalServerError)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
