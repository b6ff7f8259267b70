package source

import (
	"errors"
	"strings"
	"testing"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

func TestSummarizeSession(t *testing.T) {
	r := NewRenderer()

	text, metadata, err := r.Summarize(models.SourceRecord{
		ID:   "sess-1",
		Type: models.SourceSession,
		Fields: map[string]any{
			"visitor_id":       "v-42",
			"duration":         float64(310),
			"page_views":       float64(7),
			"wallet_connected": true,
			"country":          "DE",
			"site_id":          "site-9",
			"timeframe":        "last_7_days",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantHeader := "Data Type: session | Source: sessions | Timeframe: last_7_days"
	header, body, found := strings.Cut(text, "\n\n")
	if !found {
		t.Fatalf("no header separator in %q", text)
	}
	if header != wantHeader {
		t.Errorf("header = %q, want %q", header, wantHeader)
	}

	for _, line := range []string{
		"Visitor session:",
		"Visitor: v-42",
		"Duration seconds: 310",
		"Pages viewed: 7",
		"Wallet connected: true",
		"Country: DE",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("body missing %q:\n%s", line, body)
		}
	}

	if metadata["data_type"] != "session" {
		t.Errorf("metadata data_type = %v", metadata["data_type"])
	}
	if metadata["source"] != "sessions" {
		t.Errorf("metadata source = %v", metadata["source"])
	}
	if metadata["site_id"] != "site-9" {
		t.Errorf("metadata site_id = %v", metadata["site_id"])
	}
}

func TestSummarizeHeaderWithoutTimeframe(t *testing.T) {
	r := NewRenderer()

	text, _, err := r.Summarize(models.SourceRecord{
		ID:     "tx-1",
		Type:   models.SourceTransaction,
		Fields: map[string]any{"tx_hash": "0xabc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "Data Type: transaction | Source: transactions\n\n") {
		t.Errorf("unexpected prefix: %q", text)
	}
	if !strings.Contains(text, "Hash: 0xabc") {
		t.Errorf("hash line missing:\n%s", text)
	}
}

func TestSummarizeCampaignFallbackName(t *testing.T) {
	r := NewRenderer()

	text, _, err := r.Summarize(models.SourceRecord{
		ID:     "c-1",
		Type:   models.SourceCampaign,
		Fields: map[string]any{"visitors": float64(120)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Marketing Campaign Analysis for Unknown Campaign:") {
		t.Errorf("fallback name missing:\n%s", text)
	}
	if !strings.Contains(text, "Total Visitors: 120") {
		t.Errorf("visitors line missing:\n%s", text)
	}
}

func TestSummarizeUncoveredFieldsSortedAtEnd(t *testing.T) {
	r := NewRenderer()

	text, _, err := r.Summarize(models.SourceRecord{
		ID:   "w-1",
		Type: models.SourceWebsite,
		Fields: map[string]any{
			"url":      "https://example.org",
			"zeta":     "last",
			"alpha":    "first",
			"id":       "never rendered",
			"timezone": "UTC",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Unknown fields come after the named lines, sorted by key.
	alphaAt := strings.Index(text, "alpha: first")
	tzAt := strings.Index(text, "timezone: UTC")
	zetaAt := strings.Index(text, "zeta: last")
	if alphaAt < 0 || tzAt < 0 || zetaAt < 0 {
		t.Fatalf("uncovered fields missing:\n%s", text)
	}
	if !(alphaAt < tzAt && tzAt < zetaAt) {
		t.Errorf("uncovered fields out of order:\n%s", text)
	}
	if strings.Contains(text, "never rendered") {
		t.Errorf("record id leaked into rendering:\n%s", text)
	}
}

func TestSummarizeEmptyRecord(t *testing.T) {
	r := NewRenderer()

	// Analytics with no fields renders an empty body: no error, no text,
	// letting the processor count the record as an empty document.
	text, metadata, err := r.Summarize(models.SourceRecord{
		ID:     "a-1",
		Type:   models.SourceAnalytics,
		Fields: map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if metadata != nil {
		t.Errorf("metadata = %v, want nil", metadata)
	}
}

func TestSummarizeUnknownType(t *testing.T) {
	r := NewRenderer()

	_, _, err := r.Summarize(models.SourceRecord{ID: "x", Type: "telemetry"})
	if !errors.Is(err, ErrUnknownSourceType) {
		t.Fatalf("got %v, want ErrUnknownSourceType", err)
	}
}

func TestSummarizeFloatFormatting(t *testing.T) {
	r := NewRenderer()

	text, _, err := r.Summarize(models.SourceRecord{
		ID:   "sc-1",
		Type: models.SourceSmartContract,
		Fields: map[string]any{
			"name":        "TokenVault",
			"total_value": 1234.5678,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Total Value: 1234.5678") {
		t.Errorf("fractional value formatting wrong:\n%s", text)
	}
}

func TestSummarizeAllTypesCovered(t *testing.T) {
	r := NewRenderer()

	for _, st := range models.SourceTypes() {
		_, _, err := r.Summarize(models.SourceRecord{
			ID:     "rec",
			Type:   st,
			Fields: map[string]any{"name": "x", "visitor_id": "v", "tx_hash": "h", "url": "u", "total_visitors": float64(1)},
		})
		if err != nil {
			t.Errorf("%s: %v", st, err)
		}
	}
}
