// Package server wires the HTTP mux: the price index endpoint plus a
// liveness probe, following the teacher's thin-mux-plus-health-check shape
// in _examples/Alexandrazhao-HFT_test/internal/server/server.go (the
// dashboard/turnover-stream/static-asset routes it also served have no
// SPEC_FULL.md component and are dropped, not adapted — see DESIGN.md).
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"priceindex/internal/httpapi"
)

// Server is the top-level HTTP handler.
type Server struct {
	mux *http.ServeMux
	log zerolog.Logger
}

// New constructs a Server with the global-price handler and a /healthz
// probe registered.
func New(api *httpapi.Handler, log zerolog.Logger) *Server {
	srv := &Server{
		mux: http.NewServeMux(),
		log: log.With().Str("component", "server").Logger(),
	}
	api.Routes(srv.mux)
	srv.mux.HandleFunc("/healthz", srv.handleHealth)
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
