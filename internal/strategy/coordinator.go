// Package strategy implements the arbitrage core: the reference estimator,
// the signal rules, the two-leg execution coordinator, and the latency
// probe that retunes the estimator.
//
// The trade itself is a currency conversion through a bond listed in two
// currencies on the same venue: buy one leg, sell the other, pocket the
// spread between the pair's implied exchange rate and the smoothed
// reference. The coordinator owns the risk in the window between the buy
// fill and the sell fill, and decides what to do with any unsold remainder.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mep-arb/internal/bus"
	"mep-arb/internal/exchange"
	"mep-arb/pkg/types"
)

// UnwindMode governs what happens to units bought but not sold.
type UnwindMode string

const (
	// UnwindNone leaves the remainder as an open position.
	UnwindNone UnwindMode = "none"
	// UnwindAlways flattens the remainder with a market IOC on the buy leg.
	UnwindAlways UnwindMode = "always"
	// UnwindSmart retries the sell while the edge still pays, flattens
	// otherwise.
	UnwindSmart UnwindMode = "smart"
)

// Leg names one side of the conversion. A nil price sends a market IOC.
type Leg struct {
	Symbol string
	Price  *decimal.Decimal
}

// Residual is the market state the smart unwind decides on, captured by the
// caller's Refs callback after the grace window expired.
type Residual struct {
	Dir        types.Direction
	Ref        float64
	ImpliedNow float64
	HasImplied bool
	BookOK     bool             // sell leg still has depth to hit
	SellPrice  *decimal.Decimal // residual sell price, nil = market
}

// RefsFunc re-reads references and residual market state at unwind time.
type RefsFunc func() Residual

// Outcome summarizes one coordinator attempt.
type Outcome struct {
	Bought  int64 `json:"bought"`
	Sold    int64 `json:"sold"`
	Unwound bool  `json:"unwound"`
}

// ExecParams carries everything one attempt needs. Wait, Grace, ThreshPct,
// EdgeTolBps and Unwind are read from live settings by the caller each tick.
type ExecParams struct {
	Buy        Leg
	Sell       Leg
	QtyCap     int64
	Refs       RefsFunc
	Wait       time.Duration
	Grace      time.Duration
	ThreshPct  float64
	EdgeTolBps float64
	Unwind     UnwindMode
}

// TwoLeg executes buy-then-sell conversions. The trading loop runs at most
// one Execute at a time; fills are observed through a bus subscription
// opened before the buy is sent, so no report can slip past the filter.
type TwoLeg struct {
	sender exchange.OrderSender
	broker *bus.Broker
	logger *slog.Logger
}

// NewTwoLeg creates a coordinator sending through sender and observing
// fills on broker.
func NewTwoLeg(sender exchange.OrderSender, broker *bus.Broker, logger *slog.Logger) *TwoLeg {
	return &TwoLeg{
		sender: sender,
		broker: broker,
		logger: logger.With("component", "coordinator"),
	}
}

// SetSender swaps the order transport. Called by the engine after a
// force_reauth rebuilt the feed; never during an Execute.
func (t *TwoLeg) SetSender(sender exchange.OrderSender) {
	t.sender = sender
}

// Execute runs one conversion attempt:
//
//  1. BUY the buy leg (limit IOC at the given price, market IOC without).
//  2. Accumulate buy-leg fills for the wait window. Nothing bought ends
//     the attempt.
//  3. SELL the bought units on the sell leg (limit DAY, or market IOC).
//  4. Accumulate sell-leg fills for the grace window, ending early once
//     everything sold.
//  5. Apply the unwind policy to any remainder.
//
// The error return covers only a failed buy-leg send; later transport
// failures are logged and resolved through the unwind path or the next
// reconciler refresh.
func (t *TwoLeg) Execute(ctx context.Context, p ExecParams) (Outcome, error) {
	sub := t.broker.Subscribe("coordinator", 128, bus.Block)
	defer sub.Close()

	var err error
	if p.Buy.Price == nil {
		_, err = t.sender.SendMarket(ctx, p.Buy.Symbol, types.BUY, p.QtyCap, types.TifIOC)
	} else {
		_, err = t.sender.SendLimit(ctx, p.Buy.Symbol, types.BUY, p.QtyCap, *p.Buy.Price, types.TifIOC)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("buy leg %s: %w", p.Buy.Symbol, err)
	}

	bought := t.drainFills(ctx, sub, p.Buy.Symbol, types.BUY, p.Wait, 0)
	if bought == 0 {
		return Outcome{}, nil
	}

	var sold int64
	var sellErr error
	if p.Sell.Price == nil {
		_, sellErr = t.sender.SendMarket(ctx, p.Sell.Symbol, types.SELL, bought, types.TifIOC)
	} else {
		_, sellErr = t.sender.SendLimit(ctx, p.Sell.Symbol, types.SELL, bought, *p.Sell.Price, types.TifDay)
	}
	if sellErr != nil {
		t.logger.Warn("sell leg send failed", "symbol", p.Sell.Symbol, "qty", bought, "error", sellErr)
	} else {
		sold = t.drainFills(ctx, sub, p.Sell.Symbol, types.SELL, p.Grace, bought)
	}

	out := Outcome{Bought: bought, Sold: sold}
	rem := bought - sold
	if rem <= 0 || p.Unwind == UnwindNone {
		return out, nil
	}

	if p.Unwind == UnwindAlways {
		t.flatten(ctx, p.Buy.Symbol, rem)
		out.Unwound = true
		return out, nil
	}

	// Smart: keep chasing the sell while the residual book holds and the
	// edge still at least breaks even after the tolerance; flatten otherwise.
	res := p.Refs()
	stillEdge, breakEven := edgeOK(res, p.ThreshPct, p.EdgeTolBps)
	if res.BookOK && (stillEdge || breakEven) {
		var retryErr error
		if res.SellPrice == nil {
			_, retryErr = t.sender.SendMarket(ctx, p.Sell.Symbol, types.SELL, rem, types.TifIOC)
		} else {
			_, retryErr = t.sender.SendLimit(ctx, p.Sell.Symbol, types.SELL, rem, *res.SellPrice, types.TifIOC)
		}
		if retryErr != nil {
			t.logger.Warn("sell retry send failed", "symbol", p.Sell.Symbol, "qty", rem, "error", retryErr)
		}
		t.logger.Debug("unwind: retrying sell",
			"symbol", p.Sell.Symbol,
			"rem", rem,
			"still_edge", stillEdge,
			"break_even", breakEven,
		)
		return out, nil
	}

	t.flatten(ctx, p.Buy.Symbol, rem)
	out.Unwound = true
	return out, nil
}

// drainFills accumulates fill quantity for (symbol, side) reports over the
// window. A positive stopAt ends the drain as soon as the total reaches it;
// zero means run the full window.
func (t *TwoLeg) drainFills(ctx context.Context, sub *bus.Subscription, symbol string, side types.Side, window time.Duration, stopAt int64) int64 {
	var total int64
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return total
		case <-timer.C:
			return total
		case er, ok := <-sub.C():
			if !ok {
				return total
			}
			if er.Symbol == symbol && er.Side == side && er.IsFill() {
				total += er.Qty
				if stopAt > 0 && total >= stopAt {
					return total
				}
			}
		}
	}
}

func (t *TwoLeg) flatten(ctx context.Context, symbol string, qty int64) {
	if _, err := t.sender.SendMarket(ctx, symbol, types.SELL, qty, types.TifIOC); err != nil {
		t.logger.Warn("unwind flatten failed", "symbol", symbol, "qty", qty, "error", err)
	}
}

// edgeOK evaluates the residual edge against the reference with tolerance
// tolBps. stillEdge means the full entry threshold still clears after the
// tolerance; breakEven means only the tolerance margin clears.
func edgeOK(res Residual, thresh, tolBps float64) (stillEdge, breakEven bool) {
	if !res.HasImplied || res.Ref <= 0 {
		return false, false
	}
	tol := tolBps / 10000
	if res.Dir == types.DirA2U {
		return res.ImpliedNow <= res.Ref*(1-thresh-tol),
			res.ImpliedNow <= res.Ref*(1-tol)
	}
	return res.ImpliedNow >= res.Ref*(1+thresh+tol),
		res.ImpliedNow >= res.Ref*(1+tol)
}
