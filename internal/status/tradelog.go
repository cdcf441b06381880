package status

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"mep-arb/pkg/types"
)

var tradeHeader = []string{"ts", "pair", "dir", "implied", "mep_ref", "nom", "px_ars", "px_usd"}

// TradeRow is one executed signal in the trades CSV.
type TradeRow struct {
	TS      string
	Pair    string
	Dir     types.Direction
	Implied float64
	MepRef  float64
	Nominal int64
	PxARS   float64
	// PxUSD is the USD-leg limit price. Nil for USD→ARS rows, whose buy
	// leg goes out at market; the cell is left empty.
	PxUSD *float64
}

// TradeLog accumulates executed-signal rows for the run and rewrites the
// whole CSV after every tenth row. Call Flush on shutdown to persist the
// tail.
type TradeLog struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	rows []TradeRow
}

func NewTradeLog(path string, logger *slog.Logger) *TradeLog {
	return &TradeLog{path: path, logger: logger.With("component", "trades")}
}

// Append records a row, flushing at each ten-row boundary.
func (l *TradeLog) Append(row TradeRow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, row)
	if len(l.rows)%10 == 0 {
		if err := l.flushLocked(); err != nil {
			l.logger.Warn("trade log flush failed", "path", l.path, "error", err)
		}
	}
}

// Flush rewrites the CSV with everything recorded so far.
func (l *TradeLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *TradeLog) flushLocked() error {
	if len(l.rows) == 0 {
		return nil
	}
	if dir := filepath.Dir(l.path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	f, err := os.Create(l.path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write(tradeHeader)
	for _, row := range l.rows {
		rec := []string{
			row.TS,
			row.Pair,
			string(row.Dir),
			formatFloat(row.Implied),
			formatFloat(row.MepRef),
			strconv.FormatInt(row.Nominal, 10),
			formatFloat(row.PxARS),
			"",
		}
		if row.PxUSD != nil {
			rec[7] = formatFloat(*row.PxUSD)
		}
		w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
