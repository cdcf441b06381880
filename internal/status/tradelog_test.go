package status

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"mep-arb/pkg/types"
)

func a2uRow(i int) TradeRow {
	px := 1.01
	return TradeRow{
		TS:      "2026-03-09T14:30:00Z",
		Pair:    "AL30:AL30D",
		Dir:     types.DirA2U,
		Implied: 1010.5,
		MepRef:  1020,
		Nominal: int64(i),
		PxARS:   1010,
		PxUSD:   &px,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return recs
}

func TestTradeLogFlushesEveryTenthRow(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trades.csv")
	log := NewTradeLog(path, testLogger())

	for i := 1; i <= 9; i++ {
		log.Append(a2uRow(i))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file written before the tenth row")
	}

	log.Append(a2uRow(10))
	recs := readCSV(t, path)
	if len(recs) != 11 {
		t.Fatalf("got %d records, want header + 10 rows", len(recs))
	}

	// Rows past a boundary wait for the next one or for Flush.
	log.Append(a2uRow(11))
	if recs := readCSV(t, path); len(recs) != 11 {
		t.Errorf("got %d records after row 11, rewrite must wait", len(recs))
	}
	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if recs := readCSV(t, path); len(recs) != 12 {
		t.Errorf("got %d records after Flush, want header + 11", len(recs))
	}
}

func TestTradeLogRowFormat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trades.csv")
	log := NewTradeLog(path, testLogger())

	log.Append(a2uRow(50))
	log.Append(TradeRow{
		TS:      "2026-03-09T14:31:00Z",
		Pair:    "AL30:AL30D",
		Dir:     types.DirU2A,
		Implied: 1025.7,
		MepRef:  1020,
		Nominal: 30,
		PxARS:   1000,
	})
	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	recs := readCSV(t, path)
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}

	wantHeader := []string{"ts", "pair", "dir", "implied", "mep_ref", "nom", "px_ars", "px_usd"}
	for i, col := range wantHeader {
		if recs[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, recs[0][i], col)
		}
	}

	buy := recs[1]
	if buy[1] != "AL30:AL30D" || buy[2] != "ARS->USD" || buy[5] != "50" || buy[6] != "1010" || buy[7] != "1.01" {
		t.Errorf("a2u row = %v", buy)
	}
	rev := recs[2]
	if rev[2] != "USD->ARS" || rev[3] != "1025.7" || rev[6] != "1000" {
		t.Errorf("u2a row = %v", rev)
	}
	if rev[7] != "" {
		t.Errorf("u2a px_usd = %q, want empty: the buy leg went out at market", rev[7])
	}
}

func TestTradeLogFlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trades.csv")
	log := NewTradeLog(path, testLogger())

	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty flush must not create the file")
	}
}
