// Package aggregator fans out to every configured exchange concurrently,
// combines the results with exponential time-decay weighting, and produces
// the PriceData served by the HTTP handler. Its fan-out/join-all shape is
// grounded on _examples/Alexandrazhao-HFT_test/internal/orderbook
// (endpoints.go's concurrent per-market snapshot gathering), generalized
// from "gather one snapshot per market" to "gather one mid-price per
// exchange, weighted by staleness."
package aggregator

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"priceindex/internal/model"
	"priceindex/internal/xchg"
)

// ErrNoData is returned when every configured exchange failed to produce a
// mid-price within the fan-out deadline.
var ErrNoData = errors.New("aggregator: no data from any exchange")

const fanoutDeadline = 5 * time.Second

// Aggregator holds the configured exchange adapters and the decay factor
// used to weight their observations by age.
type Aggregator struct {
	exchanges   []xchg.Exchange
	decayFactor float64
	log         zerolog.Logger
	now         func() time.Time
}

// New constructs an Aggregator over exchanges, weighting observations with
// decayFactor (spec §6 default 300s).
func New(exchanges []xchg.Exchange, decayFactor float64, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		exchanges:   exchanges,
		decayFactor: decayFactor,
		log:         log.With().Str("component", "aggregator").Logger(),
		now:         time.Now,
	}
}

type observation struct {
	exchange string
	price    float64
	at       time.Time
}

// Aggregate implements spec §4.F: concurrently invoke GetMidPrice on every
// exchange under a 5s overall deadline, swallow per-exchange failures
// (logged, not surfaced), and combine survivors with exponential
// time-decay weighting. Returns ErrNoData only if every exchange fails or
// fails to respond within the deadline.
func (a *Aggregator) Aggregate(ctx context.Context) (*model.PriceData, error) {
	ctx, cancel := context.WithTimeout(ctx, fanoutDeadline)
	defer cancel()

	results := make(chan observation, len(a.exchanges))
	var wg sync.WaitGroup
	for _, ex := range a.exchanges {
		wg.Add(1)
		go func(ex xchg.Exchange) {
			defer wg.Done()
			price, err := ex.GetMidPrice(ctx)
			capturedAt := a.now()
			if err != nil {
				a.log.Warn().Err(err).Str("exchange", ex.Name()).Msg("exchange unavailable")
				return
			}
			select {
			case results <- observation{exchange: ex.Name(), price: price, at: capturedAt}:
			case <-ctx.Done():
			}
		}(ex)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Deadline hit: any exchange still running is treated as failed
		// for this round, per spec §5. Drain what already landed.
	}

	// results is never closed: a late goroutine may still send into its
	// spare buffer capacity after the deadline, and that value is ignored.
	var observations []observation
drain:
	for {
		select {
		case obs := <-results:
			observations = append(observations, obs)
		default:
			break drain
		}
	}

	if len(observations) == 0 {
		return nil, ErrNoData
	}

	now := a.now()
	global, exPrices := weightedAverage(observations, now, a.decayFactor)

	return &model.PriceData{
		Price:          global,
		Timestamp:      float64(now.Unix()),
		ExchangePrices: exPrices,
	}, nil
}

// weightedAverage implements spec §4.F steps 3-5: exponential-decay weights
// by age, a weighted mean, and exchange_prices sorted by name for a stable
// response shape.
func weightedAverage(observations []observation, now time.Time, decayFactor float64) (float64, []model.ExchangePrice) {
	var weightedSum, weightTotal float64
	exPrices := make([]model.ExchangePrice, 0, len(observations))

	for _, obs := range observations {
		age := now.Sub(obs.at).Seconds()
		if age < 0 {
			age = 0
		}
		weight := math.Exp(-age / decayFactor)
		weightedSum += obs.price * weight
		weightTotal += weight

		exPrices = append(exPrices, model.ExchangePrice{
			Exchange:  obs.exchange,
			MidPrice:  math.Round(obs.price*100) / 100,
			Timestamp: float64(obs.at.Unix()),
		})
	}

	sort.Slice(exPrices, func(i, j int) bool { return exPrices[i].Exchange < exPrices[j].Exchange })

	return weightedSum / weightTotal, exPrices
}
