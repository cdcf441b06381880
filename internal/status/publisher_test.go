package status

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mep-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPublisher(t *testing.T) (*Publisher, string) {
	t.Helper()
	dir := t.TempDir()
	p := NewPublisher(
		filepath.Join(dir, "status.json"),
		filepath.Join(dir, "books.json"),
		filepath.Join(dir, "positions.json"),
		testLogger(),
	)
	return p, dir
}

func TestWriteStatusStampsAndNulls(t *testing.T) {
	t.Parallel()
	p, dir := newTestPublisher(t)

	inst := 1020.5
	p.WriteStatus(StatusDoc{
		Env:            "paper",
		Mode:           "risk_poll",
		TradingEnabled: true,
		RefInstA2U:     &inst,
		RefPair:        RefPair{ARS: "AL30", USD: "AL30D"},
	})

	raw, err := os.ReadFile(filepath.Join(dir, "status.json"))
	if err != nil {
		t.Fatalf("status not written: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if ts, _ := doc["ts"].(float64); ts <= 0 {
		t.Errorf("ts = %v, want stamped", doc["ts"])
	}
	if doc["trading_enabled"] != true {
		t.Error("trading_enabled lost")
	}
	if doc["ref_inst_a2u"] != 1020.5 {
		t.Errorf("ref_inst_a2u = %v", doc["ref_inst_a2u"])
	}
	if v, present := doc["ref_ema_a2u"]; !present || v != nil {
		t.Errorf("ref_ema_a2u = %v, want explicit null before seeding", v)
	}
	pair, _ := doc["ref_pair"].(map[string]any)
	if pair["ars"] != "AL30" || pair["usd"] != "AL30D" {
		t.Errorf("ref_pair = %v", pair)
	}
}

func TestWriteBooksRoundTrip(t *testing.T) {
	t.Parallel()
	p, dir := newTestPublisher(t)

	ts := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
	p.WriteBooks(map[string]types.TopOfBook{
		"AL30":  {Symbol: "AL30", Bid: 1000, Ask: 1010, BidQty: 100, AskQty: 50, TS: ts},
		"AL30D": {Symbol: "AL30D", Bid: 1.00, Ask: 1.01, BidQty: 200, AskQty: 100, TS: ts},
	})

	raw, err := os.ReadFile(filepath.Join(dir, "books.json"))
	if err != nil {
		t.Fatalf("books not written: %v", err)
	}
	var doc BooksDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(doc.Books) != 2 {
		t.Fatalf("books has %d symbols", len(doc.Books))
	}
	ars := doc.Books["AL30"]
	if ars.Bid != 1000 || ars.Ask != 1010 || ars.BidQty != 100 || ars.AskQty != 50 {
		t.Errorf("AL30 entry = %+v", ars)
	}
	if ars.TS != ts.Format(time.RFC3339Nano) {
		t.Errorf("AL30 ts = %q", ars.TS)
	}
}

func TestWritePositionsRoundTrip(t *testing.T) {
	t.Parallel()
	p, dir := newTestPublisher(t)

	p.WritePositions(map[string]int64{"AL30": 70, "GD30": -10}, 950000.5, 120.25)

	raw, err := os.ReadFile(filepath.Join(dir, "positions.json"))
	if err != nil {
		t.Fatalf("positions not written: %v", err)
	}
	var doc PositionsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if doc.Positions["AL30"] != 70 || doc.Positions["GD30"] != -10 {
		t.Errorf("positions = %v", doc.Positions)
	}
	if doc.CashARS != 950000.5 || doc.CashUSD != 120.25 {
		t.Errorf("cash = %v / %v", doc.CashARS, doc.CashUSD)
	}
}

func TestWriteCreatesParentDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	nested := filepath.Join(dir, "run", "out")
	p := NewPublisher(
		filepath.Join(nested, "status.json"),
		filepath.Join(nested, "books.json"),
		filepath.Join(nested, "positions.json"),
		testLogger(),
	)

	p.WriteStatus(StatusDoc{Env: "paper"})

	if _, err := os.Stat(filepath.Join(nested, "status.json")); err != nil {
		t.Errorf("status missing under fresh directory: %v", err)
	}
}
