// Package huobi implements the one-shot REST adapter for Huobi's public
// market depth endpoint, grounded on
// _examples/original_source/.../exchanges/huobi.rs for the response
// envelope and _examples/IMFIBIN-CryptoBot/internal/adapters/exchange/htx
// for the Go-side shape of a polling REST adapter.
package huobi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"priceindex/internal/model"
	"priceindex/internal/xchg"
)

const requestTimeout = 5 * time.Second

// Exchange is the Huobi adapter. Like Kraken, it holds no persistent state.
type Exchange struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// New constructs a Huobi adapter targeting baseURL (…/market/depth).
func New(baseURL string, log zerolog.Logger) *Exchange {
	return &Exchange{
		url:    baseURL,
		client: &http.Client{Timeout: requestTimeout},
		log:    log.With().Str("exchange", "Huobi").Logger(),
	}
}

// Name returns "Huobi".
func (e *Exchange) Name() string { return "Huobi" }

type huobiTick struct {
	Bids [][]float64 `json:"bids"`
	Asks [][]float64 `json:"asks"`
}

type huobiResponse struct {
	Status string     `json:"status"`
	Tick   *huobiTick `json:"tick"`
}

// GetMidPrice fetches the current book and returns its mid-price.
func (e *Exchange) GetMidPrice(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := e.fetch(ctx)
	if err != nil {
		return 0, err
	}

	var resp huobiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		e.log.Error().Err(err).Msg("parse error")
		return 0, fmt.Errorf("%w: %v", xchg.ErrParse, err)
	}

	if resp.Status != "ok" {
		return 0, xchg.NewAPIError("Huobi", fmt.Sprintf("status=%s", resp.Status))
	}
	if resp.Tick == nil {
		return 0, fmt.Errorf("%w: missing tick", xchg.ErrParse)
	}

	bids, err := parseLevels(resp.Tick.Bids)
	if err != nil {
		return 0, err
	}
	asks, err := parseLevels(resp.Tick.Asks)
	if err != nil {
		return 0, err
	}
	if len(bids) == 0 || len(asks) == 0 {
		return 0, xchg.ErrEmptyOrderBook
	}

	ob, err := model.NewOrderBook(bids, asks)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", xchg.ErrParse, err)
	}

	mid, ok := ob.MidPrice()
	if !ok {
		return 0, xchg.ErrInvalidMid
	}
	return mid, nil
}

func (e *Exchange) fetch(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(e.url)
	if err != nil {
		return nil, fmt.Errorf("huobi: parse url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", "btcusdt")
	q.Set("type", "step0")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("huobi: build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Error().Err(err).Msg("http request failed")
		return nil, fmt.Errorf("huobi: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, xchg.NewAPIError("Huobi", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}

	return io.ReadAll(resp.Body)
}

// parseLevels converts Huobi's [price, amount] float pairs into
// PriceLevel. Huobi sends numbers directly (no string encoding), unlike
// Binance/Kraken.
func parseLevels(raw [][]float64) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: level needs price and amount", xchg.ErrParse)
		}
		price, qty := entry[0], entry[1]
		if price <= 0 {
			return nil, fmt.Errorf("%w: non-positive price", xchg.ErrParse)
		}
		levels = append(levels, model.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}
