package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"mep-arb/pkg/types"
)

// Discovery periodically refreshes the instrument list and derives tradeable
// pairs by the venue's naming convention: a USD leg is the ARS symbol with a
// "D" suffix (AL30 / AL30D). The engine reads pair sets from Results() and
// resubscribes market data when membership changes.

// InstrumentLister is the slice of the REST client discovery needs.
type InstrumentLister interface {
	Instruments(ctx context.Context) ([]types.Instrument, error)
}

// Discovery polls the instrument endpoint and publishes pair sets.
type Discovery struct {
	lister   InstrumentLister
	interval func() time.Duration // read per cycle so control overrides apply
	logger   *slog.Logger
	resultCh chan []types.Pair
	kick     chan struct{}
}

// NewDiscovery creates a discovery poller. interval is consulted before each
// sleep so the refresh cadence can be changed at runtime.
func NewDiscovery(lister InstrumentLister, interval func() time.Duration, logger *slog.Logger) *Discovery {
	return &Discovery{
		lister:   lister,
		interval: interval,
		logger:   logger.With("component", "discovery"),
		resultCh: make(chan []types.Pair, 1),
		kick:     make(chan struct{}, 1),
	}
}

// Results returns the channel the engine reads refreshed pair sets from.
func (d *Discovery) Results() <-chan []types.Pair {
	return d.resultCh
}

// Trigger forces an immediate refresh (the reload_instruments_now action).
func (d *Discovery) Trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run starts the refresh loop. Blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	timer := time.NewTimer(d.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-d.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		d.refresh(ctx)
		timer.Reset(d.interval())
	}
}

func (d *Discovery) refresh(ctx context.Context) {
	pairs, err := BuildPairs(ctx, d.lister)
	if err != nil {
		d.logger.Error("instrument refresh failed", "error", err)
		return
	}

	d.logger.Info("instruments refreshed", "pairs", len(pairs))

	// Non-blocking send, replacing a stale unread result
	select {
	case d.resultCh <- pairs:
	default:
		select {
		case <-d.resultCh:
		default:
		}
		d.resultCh <- pairs
	}
}

// BuildPairs fetches the instrument list and returns the sorted unique pairs.
// A pair exists when a symbol ends in "D" and the symbol without the suffix
// is also listed.
func BuildPairs(ctx context.Context, lister InstrumentLister) ([]types.Pair, error) {
	instruments, err := lister.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	exists := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		if in.Symbol != "" {
			exists[in.Symbol] = true
		}
	}

	seen := make(map[types.Pair]bool)
	var pairs []types.Pair
	for sym := range exists {
		if !strings.HasSuffix(sym, "D") {
			continue
		}
		ars := strings.TrimSuffix(sym, "D")
		if ars == "" || !exists[ars] {
			continue
		}
		p := types.Pair{ARS: ars, USD: sym}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ARS != pairs[j].ARS {
			return pairs[i].ARS < pairs[j].ARS
		}
		return pairs[i].USD < pairs[j].USD
	})
	return pairs, nil
}

// Symbols flattens a pair set into the subscription symbol list, ARS leg
// first within each pair.
func Symbols(pairs []types.Pair) []string {
	out := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		out = append(out, p.ARS, p.USD)
	}
	return out
}

// ReferencePair picks the pair whose implied rate seeds the estimator:
// AL30/AL30D when present, otherwise the first pair.
func ReferencePair(pairs []types.Pair) (types.Pair, bool) {
	if len(pairs) == 0 {
		return types.Pair{}, false
	}
	for _, p := range pairs {
		if p.ARS == "AL30" && p.USD == "AL30D" {
			return p, true
		}
	}
	return pairs[0], true
}
