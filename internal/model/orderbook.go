// Package model holds the exchange-agnostic order book and price types
// shared by every adapter and the aggregator.
package model

import (
	"errors"
	"math"
	"sort"
)

// ErrEmptyOrderBook is returned when a book has no levels on one or both
// sides where a level was required.
var ErrEmptyOrderBook = errors.New("model: order book side is empty")

// ErrInvalidLevel is returned when a parsed price or quantity fails the
// finite/non-negative/non-NaN invariant.
var ErrInvalidLevel = errors.New("model: invalid price level")

// PriceLevel is one resting order aggregate at a price.
type PriceLevel struct {
	Price float64
	Qty   float64
}

func validLevel(price, qty float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return false
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
		return false
	}
	return true
}

// OrderBook is two sorted price-quantity ladders: bids descending by price,
// asks ascending by price. LastUpdateID tracks the most recent Binance-style
// sequence number applied to the book; REST snapshots from Kraken/Huobi
// never set it (it stays zero for those ephemeral books).
type OrderBook struct {
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID uint64
}

// NewOrderBook builds a validated, sorted OrderBook from raw levels. It
// rejects any level with a non-finite, NaN or non-positive price, or a
// non-finite/negative quantity — callers should treat a non-nil error as a
// parse error for the whole message, per spec: "non-parseable or ≤0 prices
// reject the entire message."
func NewOrderBook(bids, asks []PriceLevel) (*OrderBook, error) {
	for _, lvl := range bids {
		if !validLevel(lvl.Price, lvl.Qty) {
			return nil, ErrInvalidLevel
		}
	}
	for _, lvl := range asks {
		if !validLevel(lvl.Price, lvl.Qty) {
			return nil, ErrInvalidLevel
		}
	}

	ob := &OrderBook{
		Bids: dedupAndSort(bids, true),
		Asks: dedupAndSort(asks, false),
	}
	return ob, nil
}

// dedupAndSort removes duplicate price levels (last write for a price wins)
// and sorts descending (bids) or ascending (asks). NaN can't reach here —
// NewOrderBook and ApplyDelta both reject it at parse time — so a plain
// float comparison gives total ordering.
func dedupAndSort(levels []PriceLevel, descending bool) []PriceLevel {
	byPrice := make(map[float64]float64, len(levels))
	order := make([]float64, 0, len(levels))
	for _, lvl := range levels {
		if _, ok := byPrice[lvl.Price]; !ok {
			order = append(order, lvl.Price)
		}
		byPrice[lvl.Price] = lvl.Qty
	}
	out := make([]PriceLevel, 0, len(order))
	for _, p := range order {
		out = append(out, PriceLevel{Price: p, Qty: byPrice[p]})
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	return out
}

// BestBid returns the first (highest-price) bid level.
func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the first (lowest-price) ask level.
func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// MidPrice returns (best_bid + best_ask) / 2 iff both sides are non-empty,
// the best bid is strictly positive, and the best ask is strictly greater
// than the best bid. A crossed or degenerate book returns false.
func (ob *OrderBook) MidPrice() (float64, bool) {
	bid, ok := ob.BestBid()
	if !ok || bid.Price <= 0 {
		return 0, false
	}
	ask, ok := ob.BestAsk()
	if !ok || ask.Price <= bid.Price {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// ApplyDelta merges incremental bid/ask updates into the book: a level with
// qty == 0 removes any existing level at that price, otherwise the level is
// inserted or its quantity replaced. The book is re-sorted after the merge.
// Levels with a non-finite/NaN price, or a non-finite/negative quantity,
// reject the entire delta (the book is left unmodified).
func (ob *OrderBook) ApplyDelta(bidUpdates, askUpdates []PriceLevel) error {
	for _, lvl := range bidUpdates {
		if !validDeltaLevel(lvl) {
			return ErrInvalidLevel
		}
	}
	for _, lvl := range askUpdates {
		if !validDeltaLevel(lvl) {
			return ErrInvalidLevel
		}
	}

	ob.Bids = mergeSide(ob.Bids, bidUpdates, true)
	ob.Asks = mergeSide(ob.Asks, askUpdates, false)
	return nil
}

// validDeltaLevel applies the same checks as validLevel; qty == 0 passes
// and acts as a removal marker in mergeSide.
func validDeltaLevel(lvl PriceLevel) bool {
	if math.IsNaN(lvl.Price) || math.IsInf(lvl.Price, 0) || lvl.Price <= 0 {
		return false
	}
	if math.IsNaN(lvl.Qty) || math.IsInf(lvl.Qty, 0) || lvl.Qty < 0 {
		return false
	}
	return true
}

func mergeSide(existing, updates []PriceLevel, descending bool) []PriceLevel {
	if len(updates) == 0 {
		return existing
	}
	byPrice := make(map[float64]float64, len(existing)+len(updates))
	for _, lvl := range existing {
		byPrice[lvl.Price] = lvl.Qty
	}
	for _, upd := range updates {
		if upd.Qty == 0 {
			delete(byPrice, upd.Price)
		} else {
			byPrice[upd.Price] = upd.Qty
		}
	}
	out := make([]PriceLevel, 0, len(byPrice))
	for price, qty := range byPrice {
		out = append(out, PriceLevel{Price: price, Qty: qty})
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	return out
}

// Clone returns a deep copy: later changes to the copy's levels do not
// affect the original, and vice versa.
func (ob *OrderBook) Clone() *OrderBook {
	clone := &OrderBook{
		Bids:         make([]PriceLevel, len(ob.Bids)),
		Asks:         make([]PriceLevel, len(ob.Asks)),
		LastUpdateID: ob.LastUpdateID,
	}
	copy(clone.Bids, ob.Bids)
	copy(clone.Asks, ob.Asks)
	return clone
}
