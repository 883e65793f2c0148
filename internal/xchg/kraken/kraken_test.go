package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"priceindex/internal/xchg"
)

func newTestExchange(t *testing.T, handler http.HandlerFunc) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, zerolog.Nop())
}

func TestGetMidPriceHappyPath(t *testing.T) {
	body := `{"error":[],"result":{"XXBTZUSDT":{"bids":[["100.5","1.0",1690000000],["100.0","2.0",1690000000]],"asks":[["101.0","1.0",1690000000]]}}}`
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	mid, err := ex.GetMidPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := (100.5 + 101.0) / 2
	if mid != want {
		t.Fatalf("want %v, got %v", want, mid)
	}
}

func TestGetMidPriceAcceptsBareNumbers(t *testing.T) {
	body := `{"error":[],"result":{"XBTUSDT":{"bids":[[100.5,1.0,1690000000]],"asks":[[101.0,1.0,1690000000]]}}}`
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	if _, err := ex.GetMidPrice(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetMidPriceSurfacesAPIError(t *testing.T) {
	body := `{"error":["EQuery:Unknown asset pair"],"result":{}}`
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	_, err := ex.GetMidPrice(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*xchg.APIError)
	if !ok {
		t.Fatalf("want *xchg.APIError, got %T: %v", err, err)
	}
	if apiErr.Exchange != "Kraken" {
		t.Fatalf("want Kraken, got %s", apiErr.Exchange)
	}
}

func TestGetMidPriceRejectsEmptyResult(t *testing.T) {
	body := `{"error":[],"result":{}}`
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	if _, err := ex.GetMidPrice(context.Background()); err == nil {
		t.Fatal("expected an error for empty result object")
	}
}

func TestGetMidPriceRejectsMalformedJSON(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	if _, err := ex.GetMidPrice(context.Background()); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestGetMidPriceRejectsHTTPError(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	if _, err := ex.GetMidPrice(context.Background()); err == nil {
		t.Fatal("expected an error for HTTP 500")
	}
}
