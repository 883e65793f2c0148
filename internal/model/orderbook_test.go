package model

import (
	"math"
	"testing"
)

func TestNewOrderBookSortsAndDedups(t *testing.T) {
	bids := []PriceLevel{{Price: 100, Qty: 1}, {Price: 102, Qty: 2}, {Price: 100, Qty: 5}}
	asks := []PriceLevel{{Price: 105, Qty: 1}, {Price: 103, Qty: 2}}

	ob, err := NewOrderBook(bids, asks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ob.Bids) != 2 {
		t.Fatalf("want 2 deduped bid levels, got %d", len(ob.Bids))
	}
	if ob.Bids[0].Price != 102 || ob.Bids[1].Price != 100 {
		t.Fatalf("bids not sorted descending: %+v", ob.Bids)
	}
	if ob.Bids[1].Qty != 5 {
		t.Fatalf("duplicate price did not keep last write: got qty %v", ob.Bids[1].Qty)
	}
	if ob.Asks[0].Price != 103 || ob.Asks[1].Price != 105 {
		t.Fatalf("asks not sorted ascending: %+v", ob.Asks)
	}
}

func TestNewOrderBookRejectsInvalidLevels(t *testing.T) {
	cases := []struct {
		name string
		bids []PriceLevel
		asks []PriceLevel
	}{
		{"zero price", []PriceLevel{{Price: 0, Qty: 1}}, nil},
		{"negative price", []PriceLevel{{Price: -1, Qty: 1}}, nil},
		{"nan price", []PriceLevel{{Price: math.NaN(), Qty: 1}}, nil},
		{"inf price", []PriceLevel{{Price: math.Inf(1), Qty: 1}}, nil},
		{"negative qty", nil, []PriceLevel{{Price: 100, Qty: -1}}},
		{"nan qty", nil, []PriceLevel{{Price: 100, Qty: math.NaN()}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := NewOrderBook(c.bids, c.asks); err == nil {
				t.Fatalf("expected error for %s", c.name)
			}
		})
	}
}

func TestMidPriceRequiresBothSides(t *testing.T) {
	ob, err := NewOrderBook(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ob.MidPrice(); ok {
		t.Fatal("expected no mid price for empty book")
	}
}

func TestMidPriceRejectsCrossedBook(t *testing.T) {
	ob, err := NewOrderBook(
		[]PriceLevel{{Price: 101, Qty: 1}},
		[]PriceLevel{{Price: 100, Qty: 1}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ob.MidPrice(); ok {
		t.Fatal("expected no mid price for crossed book (bid >= ask)")
	}
}

func TestMidPriceHappyPath(t *testing.T) {
	ob, err := NewOrderBook(
		[]PriceLevel{{Price: 100, Qty: 1}},
		[]PriceLevel{{Price: 102, Qty: 1}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mid, ok := ob.MidPrice()
	if !ok {
		t.Fatal("expected a mid price")
	}
	if mid != 101 {
		t.Fatalf("want 101, got %v", mid)
	}
}

func TestApplyDeltaUpsertAndRemove(t *testing.T) {
	ob, err := NewOrderBook(
		[]PriceLevel{{Price: 100, Qty: 1}, {Price: 99, Qty: 2}},
		[]PriceLevel{{Price: 102, Qty: 1}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = ob.ApplyDelta(
		[]PriceLevel{{Price: 100, Qty: 0}, {Price: 98, Qty: 3}},
		[]PriceLevel{{Price: 102, Qty: 5}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ob.Bids) != 2 {
		t.Fatalf("want 2 bid levels after removal+insert, got %d: %+v", len(ob.Bids), ob.Bids)
	}
	if ob.Bids[0].Price != 99 || ob.Bids[1].Price != 98 {
		t.Fatalf("bids not re-sorted after delta: %+v", ob.Bids)
	}
	ask, ok := ob.BestAsk()
	if !ok || ask.Qty != 5 {
		t.Fatalf("ask quantity not updated: %+v", ask)
	}
}

func TestApplyDeltaRejectsInvalidLevelLeavesBookUnmodified(t *testing.T) {
	ob, err := NewOrderBook(
		[]PriceLevel{{Price: 100, Qty: 1}},
		[]PriceLevel{{Price: 102, Qty: 1}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = ob.ApplyDelta([]PriceLevel{{Price: -5, Qty: 1}}, nil)
	if err == nil {
		t.Fatal("expected error for negative price delta")
	}
	if len(ob.Bids) != 1 || ob.Bids[0].Price != 100 {
		t.Fatalf("book mutated despite rejected delta: %+v", ob.Bids)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ob, err := NewOrderBook(
		[]PriceLevel{{Price: 100, Qty: 1}},
		[]PriceLevel{{Price: 102, Qty: 1}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clone := ob.Clone()
	clone.Bids[0].Qty = 999
	if ob.Bids[0].Qty == 999 {
		t.Fatal("mutating clone mutated original")
	}
}
