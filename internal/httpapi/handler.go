// Package httpapi exposes the single GET /global-price endpoint over the
// aggregator, following the teacher's handler shape in
// _examples/Alexandrazhao-HFT_test/internal/server/server.go (JSON
// encode-to-ResponseWriter, explicit Content-Type, no framework).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"priceindex/internal/aggregator"
)

// Handler serves the global price index.
type Handler struct {
	agg *aggregator.Aggregator
	log zerolog.Logger
}

// New constructs a Handler over agg.
func New(agg *aggregator.Aggregator, log zerolog.Logger) *Handler {
	return &Handler{agg: agg, log: log.With().Str("component", "httpapi").Logger()}
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/global-price", h.handleGlobalPrice)
}

// handleGlobalPrice implements spec §4.G: 200 with PriceData on success,
// 503 with {"error": "All exchanges unavailable"} when every exchange
// failed.
func (h *Handler) handleGlobalPrice(w http.ResponseWriter, r *http.Request) {
	data, err := h.agg.Aggregate(r.Context())
	w.Header().Set("Content-Type", "application/json")

	if err != nil {
		if errors.Is(err, aggregator.ErrNoData) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "All exchanges unavailable"})
			return
		}
		h.log.Error().Err(err).Msg("unexpected aggregate error")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("response encode failed")
	}
}
