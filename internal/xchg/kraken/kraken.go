// Package kraken implements the one-shot REST adapter for Kraken's public
// order book depth endpoint, grounded on
// _examples/original_source/.../exchanges/kraken.rs for the response
// envelope and _examples/IMFIBIN-CryptoBot/internal/shared/retry for the
// shape of a timeout-bounded REST adapter. Each call makes a single HTTP
// attempt; failed requests are not retried.
package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"priceindex/internal/model"
	"priceindex/internal/xchg"
)

const requestTimeout = 5 * time.Second

// Exchange is the Kraken adapter. It holds no persistent state: every call
// to GetMidPrice is a self-contained HTTP round trip.
type Exchange struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// New constructs a Kraken adapter targeting url, with a client carrying the
// 5s hard timeout spec §4.C requires.
func New(url string, log zerolog.Logger) *Exchange {
	return &Exchange{
		url: url,
		client: &http.Client{
			Timeout: requestTimeout,
		},
		log: log.With().Str("exchange", "Kraken").Logger(),
	}
}

// Name returns "Kraken".
func (e *Exchange) Name() string { return "Kraken" }

// krakenResponse mirrors the envelope in spec §4.C: an error array plus a
// result object whose single key is the pair (its exact spelling varies —
// "XBTUSDT" vs "XXBTZUSDT" depending on venue/listing history — so it's
// decoded as a raw map and its entry is taken, rather than hard-coded
// the way the original Rust source does it).
type krakenResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

type krakenBook struct {
	Bids [][]json.RawMessage `json:"bids"`
	Asks [][]json.RawMessage `json:"asks"`
}

// GetMidPrice fetches the current book and returns its mid-price.
func (e *Exchange) GetMidPrice(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := e.fetch(ctx)
	if err != nil {
		return 0, err
	}

	var resp krakenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		e.log.Error().Err(err).Msg("parse error")
		return 0, fmt.Errorf("%w: %v", xchg.ErrParse, err)
	}

	if len(resp.Error) > 0 {
		return 0, xchg.NewAPIError("Kraken", fmt.Sprint(resp.Error))
	}

	pairKey, raw, err := firstResultEntry(resp.Result)
	if err != nil {
		return 0, err
	}

	var book krakenBook
	if err := json.Unmarshal(raw, &book); err != nil {
		e.log.Error().Err(err).Str("pair", pairKey).Msg("parse error")
		return 0, fmt.Errorf("%w: %v", xchg.ErrParse, err)
	}

	bids, err := parseLevels(book.Bids)
	if err != nil {
		return 0, err
	}
	asks, err := parseLevels(book.Asks)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("kraken: build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Error().Err(err).Msg("http request failed")
		return nil, fmt.Errorf("kraken: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, xchg.NewAPIError("Kraken", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}

	return io.ReadAll(resp.Body)
}

// firstResultEntry returns the first key/value pair yielded by Go map
// iteration over "result". With the single pair key Kraken sends for a
// one-pair query this is that key; when the object holds several keys,
// which one is returned is not defined (it is not the first in the JSON
// text).
func firstResultEntry(result map[string]json.RawMessage) (string, json.RawMessage, error) {
	if len(result) == 0 {
		return "", nil, xchg.NewAPIError("Kraken", "empty result object")
	}
	for key, raw := range result {
		return key, raw, nil
	}
	return "", nil, xchg.NewAPIError("Kraken", "empty result object")
}

// parseLevels converts Kraken's [price_str, volume_str, ts] triples into
// PriceLevel. A non-parseable or non-positive price rejects the entire
// message, per spec §4.A's parsing rule.
func parseLevels(raw [][]json.RawMessage) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: level needs at least price and volume", xchg.ErrParse)
		}
		price, err := decodeNumericString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("%w: price: %v", xchg.ErrParse, err)
		}
		qty, err := decodeNumericString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("%w: volume: %v", xchg.ErrParse, err)
		}
		if price <= 0 {
			return nil, fmt.Errorf("%w: non-positive price", xchg.ErrParse)
		}
		levels = append(levels, model.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// decodeNumericString accepts either a JSON string or a bare JSON number,
// per spec §4.A: "strings or numbers are accepted".
func decodeNumericString(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	return 0, fmt.Errorf("value is neither a numeric string nor a number: %s", raw)
}
