package strategy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"mep-arb/internal/bus"
	"mep-arb/internal/exchange"
	"mep-arb/internal/trace"
	"mep-arb/pkg/types"
)

const (
	// rttWindow bounds the rolling sample set for the median.
	rttWindow = 120
	// answerTimeout caps how long one probe waits for its report.
	answerTimeout = 10 * time.Second
	// minProbeInterval keeps a misconfigured cadence from hammering the venue.
	minProbeInterval = time.Second
)

// probePrice is far below any plausible bond price, so the probe order can
// never execute and the venue answers with a zero-fill cancel.
var probePrice = decimal.NewFromFloat(0.01)

// TuneParams is the live auto-tune configuration read before each probe.
type TuneParams struct {
	Enabled bool
	K       float64 // half-life = K × median RTT
	MinHL   float64 // seconds
	MaxHL   float64 // seconds
}

// ProbeConfig wires the probe to live settings. All funcs are re-read every
// cycle so control overrides apply without restart.
type ProbeConfig struct {
	Symbol   func() string        // neutral probe symbol, empty skips the cycle
	Interval func() time.Duration // cadence between probes
	Tune     func() TuneParams
	Apply    func(halfLifeSeconds float64) // pushes a retuned half-life out
}

// Probe measures venue round-trip time by submitting un-fillable orders and
// timing the execution report that answers each one. The rolling median
// feeds the reference estimator's half-life when auto-tune is on: a slower
// venue means staler quotes, so the reference should smooth over a longer
// horizon. Probe failures are silent; the next cycle tries again.
type Probe struct {
	sender exchange.OrderSender
	broker *bus.Broker
	cfg    ProbeConfig
	tracer *trace.Writer
	logger *slog.Logger

	mu      sync.Mutex
	samples []float64 // RTT seconds, oldest first
	lastRTT float64
}

// NewProbe creates a latency probe sending through sender and listening for
// its reports on broker.
func NewProbe(sender exchange.OrderSender, broker *bus.Broker, cfg ProbeConfig, tracer *trace.Writer, logger *slog.Logger) *Probe {
	return &Probe{
		sender: sender,
		broker: broker,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.With("component", "probe"),
	}
}

// SetSender swaps the order transport after a force_reauth.
func (p *Probe) SetSender(sender exchange.OrderSender) {
	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()
}

// Run probes on the configured cadence until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	for {
		interval := p.cfg.Interval()
		if interval < minProbeInterval {
			interval = minProbeInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		p.probeOnce(ctx)
	}
}

// MedianRTT returns the rolling median round-trip in seconds, false until
// the first sample lands.
func (p *Probe) MedianRTT() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return 0, false
	}
	return medianOf(p.samples), true
}

// LastRTT returns the most recent sample in seconds.
func (p *Probe) LastRTT() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return 0, false
	}
	return p.lastRTT, true
}

func (p *Probe) probeOnce(ctx context.Context) {
	symbol := p.cfg.Symbol()
	if symbol == "" {
		return
	}

	// Subscribe before sending so the answer cannot slip past.
	sub := p.broker.Subscribe("probe", 64, bus.DropOldest)
	defer sub.Close()

	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()

	start := time.Now()
	clOrdID, err := sender.SendLimit(ctx, symbol, types.BUY, 1, probePrice, types.TifIOC)
	if err != nil {
		p.logger.Debug("probe send failed", "symbol", symbol, "error", err)
		return
	}

	rtt, ok := p.awaitAnswer(ctx, sub, clOrdID, start)
	if !ok {
		p.logger.Debug("probe unanswered", "symbol", symbol, "cl_ord_id", clOrdID)
		return
	}

	p.record(rtt)
	p.tracer.Event("latency.rtt", map[string]any{
		"symbol": symbol,
		"rtt_ms": rtt.Seconds() * 1000,
	})

	p.maybeRetune()
}

// awaitAnswer waits for the report matching clOrdID and returns the elapsed
// time since start.
func (p *Probe) awaitAnswer(ctx context.Context, sub *bus.Subscription, clOrdID string, start time.Time) (time.Duration, bool) {
	timer := time.NewTimer(answerTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-timer.C:
			return 0, false
		case er, ok := <-sub.C():
			if !ok {
				return 0, false
			}
			if er.ClOrdID == clOrdID {
				return time.Since(start), true
			}
		}
	}
}

func (p *Probe) record(rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastRTT = rtt.Seconds()
	p.samples = append(p.samples, p.lastRTT)
	if len(p.samples) > rttWindow {
		p.samples = p.samples[len(p.samples)-rttWindow:]
	}
}

// maybeRetune recomputes the half-life from the median RTT when auto-tune
// is enabled and pushes it through the Apply hook.
func (p *Probe) maybeRetune() {
	tune := p.cfg.Tune()
	if !tune.Enabled || p.cfg.Apply == nil {
		return
	}

	median, ok := p.MedianRTT()
	if !ok {
		return
	}

	hl := tune.K * median
	if hl < tune.MinHL {
		hl = tune.MinHL
	}
	if hl > tune.MaxHL {
		hl = tune.MaxHL
	}

	p.cfg.Apply(hl)
	p.logger.Debug("half-life retuned", "median_ms", median*1000, "half_life_s", hl)
	p.tracer.Event("latency.hlf_update", map[string]any{
		"median_ms": median * 1000,
		"new_hl_s":  hl,
	})
}

// medianOf computes the sample median without mutating its input.
func medianOf(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
