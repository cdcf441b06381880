// Package account tracks cash and positions from execution reports.
//
// The reconciler is the agent's local view of the trading account:
//
//   - Positions: signed integer quantity per symbol, built from fills
//     (BUY adds, SELL subtracts, zero positions are dropped)
//   - Cash: ARS and USD balances, maintained in one of two modes
//
// In risk_poll mode the venue's REST account report is the cash authority,
// polled every risk_poll_s. In er_reconcile mode cash is derived from fills
// (the USD leg is quoted in units of 1 USD nominal, so a USD-leg fill moves
// cash_usd by qty; an ARS-leg fill moves cash_ars by qty × price) and the
// REST report only reseeds drift every risk_refresh_s.
package account

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mep-arb/internal/bus"
	"mep-arb/internal/exchange"
	"mep-arb/internal/trace"
	"mep-arb/pkg/types"
)

// Mode selects the cash authority.
type Mode string

const (
	ModeRiskPoll    Mode = "risk_poll"
	ModeERReconcile Mode = "er_reconcile"
)

// Reconciler maintains the account state. All methods are safe for
// concurrent use; snapshots are copies.
type Reconciler struct {
	client *exchange.Client
	broker *bus.Broker
	tracer *trace.Writer
	logger *slog.Logger

	mu          sync.RWMutex
	mode        Mode
	cash        exchange.CashBalances
	positions   map[string]int64
	lastRefresh time.Time
}

// NewReconciler creates a reconciler that applies fills from broker and
// reseeds cash via client.
func NewReconciler(client *exchange.Client, broker *bus.Broker, mode Mode, tracer *trace.Writer, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		client:    client,
		broker:    broker,
		tracer:    tracer,
		logger:    logger.With("component", "reconciler"),
		mode:      mode,
		positions: make(map[string]int64),
	}
}

// Apply folds one execution report into positions and cash. Only FILLED and
// PARTIALLY_FILLED reports with positive quantity mutate state; everything
// else is a no-op. Cash deltas are always applied; in risk_poll mode the
// next REST refresh overwrites them.
func (r *Reconciler) Apply(er types.ExecReport) {
	if !er.IsFill() {
		return
	}
	sym := strings.ToUpper(er.Symbol)
	if sym == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sign := int64(1)
	if er.Side == types.SELL {
		sign = -1
	}
	r.positions[sym] += sign * er.Qty
	if r.positions[sym] == 0 {
		delete(r.positions, sym)
	}

	qty := decimal.NewFromInt(er.Qty)
	if strings.HasSuffix(sym, "D") {
		// USD leg: each unit is 1 USD nominal
		if er.Side == types.SELL {
			r.cash.USD = r.cash.USD.Add(qty)
		} else {
			r.cash.USD = r.cash.USD.Sub(qty)
		}
	} else {
		notional := qty.Mul(er.Price)
		if er.Side == types.BUY {
			r.cash.ARS = r.cash.ARS.Sub(notional)
		} else {
			r.cash.ARS = r.cash.ARS.Add(notional)
		}
	}
}

// Consume subscribes to the report bus and applies every fill until ctx is
// cancelled or the bus closes. The subscription blocks the publisher rather
// than dropping: position state must see every report.
func (r *Reconciler) Consume(ctx context.Context) {
	sub := r.broker.Subscribe("reconciler", 256, bus.Block)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case er, ok := <-sub.C():
			if !ok {
				return
			}
			r.Apply(er)
		}
	}
}

// Refresh reseeds cash from the venue's account report.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()

	cash, err := client.AccountReport(ctx, client.Account())
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cash = cash
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	r.logger.Debug("cash refreshed", "ars", cash.ARS, "usd", cash.USD)
	r.tracer.Event("cash.refresh", map[string]any{
		"ars": cash.ARS.InexactFloat64(),
		"usd": cash.USD.InexactFloat64(),
	})
	return nil
}

// RunPolls refreshes cash on a cadence chosen by the current mode:
// riskPoll while cash is REST-authoritative, riskRefresh while fills are.
// Interval providers are re-read every cycle so control overrides take
// effect without restart. Refresh failures are logged and retried next
// cycle.
func (r *Reconciler) RunPolls(ctx context.Context, riskPoll, riskRefresh func() time.Duration) {
	timer := time.NewTimer(r.pollInterval(riskPoll, riskRefresh))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("cash refresh failed", "error", err)
			}
			timer.Reset(r.pollInterval(riskPoll, riskRefresh))
		}
	}
}

func (r *Reconciler) pollInterval(riskPoll, riskRefresh func() time.Duration) time.Duration {
	d := riskRefresh()
	if r.Mode() == ModeRiskPoll {
		d = riskPoll()
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Mode returns the current cash authority.
func (r *Reconciler) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode switches the cash authority. Takes effect on the next poll cycle.
func (r *Reconciler) SetMode(m Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m != r.mode {
		r.logger.Info("balance mode changed", "from", r.mode, "to", m)
	}
	r.mode = m
}

// SetClient swaps the REST client after a force_reauth. Positions derived
// from fills survive the swap; cash is reseeded by the caller.
func (r *Reconciler) SetClient(client *exchange.Client) {
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
}

// Cash returns the current balances.
func (r *Reconciler) Cash() exchange.CashBalances {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cash
}

// Positions returns a copy of the open positions by symbol.
func (r *Reconciler) Positions() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.positions))
	for sym, qty := range r.positions {
		out[sym] = qty
	}
	return out
}

// LastRefresh returns when cash was last reseeded from the venue.
func (r *Reconciler) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
