package governance

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentwatch-hq/agentwatch/config"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func localExtractor() *ExtractorService {
	return NewExtractorService(config.ExtractionConfig{Timeout: time.Second}, testLogger())
}

func TestLocalExtractTradeLog(t *testing.T) {
	raw := "Agent decided to BUY 500 shares of AAPL at $242.50, total cost $121,250"
	entities, err := localExtractor().Extract(context.Background(), raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if entities.Price == nil || *entities.Price != 121250 {
		t.Fatalf("expected total cost 121250, got %+v", entities.Price)
	}
	if entities.ActionType != "BUY" {
		t.Fatalf("expected action BUY, got %q", entities.ActionType)
	}
	if entities.Ticker != "AAPL" {
		t.Fatalf("expected ticker AAPL, got %q", entities.Ticker)
	}
	if entities.Quantity == nil || *entities.Quantity != 500 {
		t.Fatalf("expected quantity 500, got %+v", entities.Quantity)
	}
}

func TestLocalExtractPrefersTotalCost(t *testing.T) {
	raw := "unit price $10.50 per share, total cost $1,050"
	entities, _ := localExtractor().Extract(context.Background(), raw)
	if entities.Price == nil || *entities.Price != 1050 {
		t.Fatalf("expected total cost to win over unit price, got %+v", entities.Price)
	}
}

func TestLocalExtractFirstDollarAmountWithoutTotal(t *testing.T) {
	raw := "the order came to $3,200 before fees"
	entities, _ := localExtractor().Extract(context.Background(), raw)
	if entities.Price == nil || *entities.Price != 3200 {
		t.Fatalf("expected 3200, got %+v", entities.Price)
	}
}

func TestLocalExtractTickerAllowList(t *testing.T) {
	// "THE" and "CEO" are plausible-looking uppercase tokens; only listed
	// symbols may match.
	raw := "THE CEO SAID WE SHOULD HOLD TSLA"
	entities, _ := localExtractor().Extract(context.Background(), raw)
	if entities.Ticker != "TSLA" {
		t.Fatalf("expected TSLA, got %q", entities.Ticker)
	}
	if entities.ActionType != "HOLD" {
		t.Fatalf("expected HOLD, got %q", entities.ActionType)
	}
}

func TestLocalExtractVendor(t *testing.T) {
	raw := "invoice from vendor Acme for data services"
	entities, _ := localExtractor().Extract(context.Background(), raw)
	if entities.Vendor != "Acme" {
		t.Fatalf("expected vendor Acme, got %q", entities.Vendor)
	}
}

func TestLocalExtractUnrecognizedTextYieldsNothing(t *testing.T) {
	entities, err := localExtractor().Extract(context.Background(), "pondering the weather in lowercase prose")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !entities.IsEmpty() {
		t.Fatalf("expected no recognized fields, got %+v", entities)
	}
}

func TestRemoteExtractNormalization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		// Mixed candidate shapes: plain strings and {"text": ...} objects.
		_, _ = w.Write([]byte(`{"entities": {
			"total_cost": [{"text": "$121,250"}],
			"unit_price": ["$242.50"],
			"action_type": ["buy"],
			"ticker": [{"text": "aapl"}],
			"quantity": ["500 shares"],
			"vendor": [" Acme "]
		}}`))
	}))
	defer srv.Close()

	s := NewExtractorService(config.ExtractionConfig{
		APIURL:              srv.URL,
		APIKey:              "key",
		ConfidenceThreshold: 0.3,
		Timeout:             time.Second,
	}, testLogger())

	entities, err := s.Extract(context.Background(), "irrelevant")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if entities.Price == nil || *entities.Price != 121250 {
		t.Fatalf("expected total_cost candidate to win, got %+v", entities.Price)
	}
	if entities.ActionType != "BUY" || entities.Ticker != "AAPL" {
		t.Fatalf("expected uppercased action/ticker, got %q %q", entities.ActionType, entities.Ticker)
	}
	if entities.Quantity == nil || *entities.Quantity != 500 {
		t.Fatalf("expected quantity 500, got %+v", entities.Quantity)
	}
	if entities.Vendor != "Acme" {
		t.Fatalf("expected trimmed vendor, got %q", entities.Vendor)
	}
}

func TestRemoteExtractFailureFallsBackToPatterns(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"server error":   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"malformed body": func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not json")) },
	} {
		srv := httptest.NewServer(handler)
		s := NewExtractorService(config.ExtractionConfig{
			APIURL:  srv.URL,
			APIKey:  "key",
			Timeout: time.Second,
		}, testLogger())

		entities, err := s.Extract(context.Background(), "Agent decided to SELL 10 shares of NVDA, total cost $5,000")
		srv.Close()
		if err != nil {
			t.Fatalf("%s: extract must fall back, got error: %v", name, err)
		}
		if entities.Price == nil || *entities.Price != 5000 || entities.Ticker != "NVDA" {
			t.Fatalf("%s: fallback extraction wrong: %+v", name, entities)
		}
	}
}
