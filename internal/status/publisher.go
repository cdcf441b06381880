// Package status writes the operator-facing snapshot files: the status,
// books, and positions JSON documents the dashboard polls, plus the trade
// and execution-report CSV logs.
package status

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mep-arb/pkg/types"
)

// RefPair names the instrument pair feeding the reference estimator.
type RefPair struct {
	ARS string `json:"ars"`
	USD string `json:"usd"`
}

// StatusDoc is the per-tick agent snapshot. Reference fields are null until
// the estimator has seen a valid tick in that direction.
type StatusDoc struct {
	TS             float64  `json:"ts"`
	Env            string   `json:"env"`
	Mode           string   `json:"mode"`
	LastRefresh    float64  `json:"last_refresh"`
	CashARS        float64  `json:"cash_ars"`
	CashUSD        float64  `json:"cash_usd"`
	Source         string   `json:"source"`
	TradingEnabled bool     `json:"trading_enabled"`
	PollS          float64  `json:"poll_s"`
	RiskPollS      float64  `json:"risk_poll_s"`
	RefMode        string   `json:"ref_mode"`
	HalfLifeS      float64  `json:"half_life_s"`
	RefTune        bool     `json:"ref_tune"`
	RefK           float64  `json:"ref_k"`
	RefMin         float64  `json:"ref_min"`
	RefMax         float64  `json:"ref_max"`
	LatProbeS      float64  `json:"lat_probe_s"`
	RefInstA2U     *float64 `json:"ref_inst_a2u"`
	RefEmaA2U      *float64 `json:"ref_ema_a2u"`
	RefInstU2A     *float64 `json:"ref_inst_u2a"`
	RefEmaU2A      *float64 `json:"ref_ema_u2a"`
	RefPair        RefPair  `json:"ref_pair"`
}

// BookEntry is one symbol's top-of-book in the books document.
type BookEntry struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	BidQty float64 `json:"bid_qty"`
	AskQty float64 `json:"ask_qty"`
	TS     string  `json:"ts"`
}

// BooksDoc is the full top-of-book dump.
type BooksDoc struct {
	TS    float64              `json:"ts"`
	Books map[string]BookEntry `json:"books"`
}

// PositionsDoc is the open-position and cash dump.
type PositionsDoc struct {
	TS        float64          `json:"ts"`
	Positions map[string]int64 `json:"positions"`
	CashARS   float64          `json:"cash_ars"`
	CashUSD   float64          `json:"cash_usd"`
}

// Publisher writes the three JSON documents. Every write goes through a
// temp file and rename so the dashboard never reads a torn document.
type Publisher struct {
	statusPath    string
	booksPath     string
	positionsPath string
	logger        *slog.Logger
}

// NewPublisher writes status, books, and positions to the given paths.
func NewPublisher(statusPath, booksPath, positionsPath string, logger *slog.Logger) *Publisher {
	return &Publisher{
		statusPath:    statusPath,
		booksPath:     booksPath,
		positionsPath: positionsPath,
		logger:        logger.With("component", "status"),
	}
}

// WriteStatus stamps and writes the status document.
func (p *Publisher) WriteStatus(doc StatusDoc) {
	doc.TS = unixNow()
	p.writeJSON(p.statusPath, doc)
}

// WriteBooks dumps the current top-of-book for every subscribed symbol.
func (p *Publisher) WriteBooks(quotes map[string]types.TopOfBook) {
	books := make(map[string]BookEntry, len(quotes))
	for symbol, q := range quotes {
		books[symbol] = BookEntry{
			Bid:    q.Bid,
			Ask:    q.Ask,
			BidQty: q.BidQty,
			AskQty: q.AskQty,
			TS:     q.TS.Format(time.RFC3339Nano),
		}
	}
	p.writeJSON(p.booksPath, BooksDoc{TS: unixNow(), Books: books})
}

// WritePositions dumps open positions and cash.
func (p *Publisher) WritePositions(positions map[string]int64, cashARS, cashUSD float64) {
	p.writeJSON(p.positionsPath, PositionsDoc{
		TS:        unixNow(),
		Positions: positions,
		CashARS:   cashARS,
		CashUSD:   cashUSD,
	})
}

func (p *Publisher) writeJSON(path string, doc any) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		p.logger.Debug("snapshot marshal failed", "path", path, "error", err)
		return
	}
	if dir := filepath.Dir(path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Debug("snapshot write failed", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		p.logger.Debug("snapshot rename failed", "path", path, "error", err)
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
