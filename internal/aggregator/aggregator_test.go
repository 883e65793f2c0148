package aggregator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"priceindex/internal/xchg"
)

type fakeExchange struct {
	name  string
	price float64
	err   error
	delay time.Duration
}

func (f *fakeExchange) Name() string { return f.name }

func (f *fakeExchange) GetMidPrice(ctx context.Context) (float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

func TestAggregateAllSucceedEqualAgesGivesArithmeticMean(t *testing.T) {
	agg := New([]xchg.Exchange{
		&fakeExchange{name: "Binance", price: 100},
		&fakeExchange{name: "Kraken", price: 200},
		&fakeExchange{name: "Huobi", price: 300},
	}, 300, zerolog.Nop())

	fixed := time.Unix(1_700_000_000, 0)
	agg.now = func() time.Time { return fixed }

	data, err := agg.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(data.Price-200) > 1e-9 {
		t.Fatalf("want arithmetic mean 200, got %v", data.Price)
	}
	if len(data.ExchangePrices) != 3 {
		t.Fatalf("want 3 exchange prices, got %d", len(data.ExchangePrices))
	}
	for i := 1; i < len(data.ExchangePrices); i++ {
		if data.ExchangePrices[i-1].Exchange > data.ExchangePrices[i].Exchange {
			t.Fatalf("exchange_prices not sorted by name: %+v", data.ExchangePrices)
		}
	}
}

func TestAggregateSwallowsPartialFailures(t *testing.T) {
	agg := New([]xchg.Exchange{
		&fakeExchange{name: "Binance", price: 100},
		&fakeExchange{name: "Kraken", err: xchg.ErrNotReady},
		&fakeExchange{name: "Huobi", price: 102},
	}, 300, zerolog.Nop())

	data, err := agg.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data.ExchangePrices) != 2 {
		t.Fatalf("want 2 surviving exchanges, got %d: %+v", len(data.ExchangePrices), data.ExchangePrices)
	}
}

func TestAggregateReturnsErrNoDataWhenAllFail(t *testing.T) {
	agg := New([]xchg.Exchange{
		&fakeExchange{name: "Binance", err: xchg.ErrNotReady},
		&fakeExchange{name: "Kraken", err: xchg.ErrEmptyOrderBook},
	}, 300, zerolog.Nop())

	_, err := agg.Aggregate(context.Background())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("want ErrNoData, got %v", err)
	}
}

func TestAggregatePriceWithinBounds(t *testing.T) {
	agg := New([]xchg.Exchange{
		&fakeExchange{name: "Binance", price: 50000},
		&fakeExchange{name: "Kraken", price: 50500},
		&fakeExchange{name: "Huobi", price: 49800},
	}, 300, zerolog.Nop())

	data, err := agg.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Price < 49800 || data.Price > 50500 {
		t.Fatalf("global price %v outside observed range [49800, 50500]", data.Price)
	}
}

func TestAggregateDecaySkew(t *testing.T) {
	fixed := time.Unix(1_700_001_000, 0)
	agg := New([]xchg.Exchange{
		&fakeExchange{name: "Binance", price: 50000},
		&fakeExchange{name: "Kraken", price: 50500},
		&fakeExchange{name: "Huobi", price: 49800},
	}, 300, zerolog.Nop())
	agg.now = func() time.Time { return fixed }

	at := func(secondsAgo int) time.Time { return fixed.Add(-time.Duration(secondsAgo) * time.Second) }
	observations := []observation{
		{exchange: "Binance", price: 50000, at: at(10)},
		{exchange: "Kraken", price: 50500, at: at(60)},
		{exchange: "Huobi", price: 49800, at: at(120)},
	}
	price, _ := weightedAverage(observations, fixed, 300)
	if math.Abs(price-50112) > 1 {
		t.Fatalf("want price ~= 50112, got %v", price)
	}
}

func TestWeightedAverageBoundaryWeights(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	zeroAge := []observation{{exchange: "A", price: 100, at: now}}
	price, _ := weightedAverage(zeroAge, now, 300)
	if math.Abs(price-100) > 1e-9 {
		t.Fatalf("age 0 should weight fully: got %v", price)
	}

	hugeAge := []observation{
		{exchange: "A", price: 100, at: now.Add(-1e9 * time.Second)},
		{exchange: "B", price: 200, at: now},
	}
	price, _ = weightedAverage(hugeAge, now, 300)
	if math.Abs(price-200) > 1e-6 {
		t.Fatalf("infinitely stale observation should weight to ~0: got %v", price)
	}
}
