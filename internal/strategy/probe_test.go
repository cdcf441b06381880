package strategy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mep-arb/internal/bus"
	"mep-arb/pkg/types"
)

func newTestProbe(symbol string, tune TuneParams, apply func(float64)) (*Probe, *fakeSender, *bus.Broker) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sender := &fakeSender{}
	broker := bus.NewBroker(logger)
	cfg := ProbeConfig{
		Symbol:   func() string { return symbol },
		Interval: func() time.Duration { return time.Second },
		Tune:     func() TuneParams { return tune },
		Apply:    apply,
	}
	return NewProbe(sender, broker, cfg, nil, logger), sender, broker
}

func TestProbeMeasuresRoundTrip(t *testing.T) {
	t.Parallel()
	probe, sender, broker := newTestProbe("AL30", TuneParams{}, nil)

	go func() {
		if !sender.awaitOrders(1) {
			return
		}
		// A report for someone else's order must not stop the clock.
		foreign := execReport("AL30", types.BUY, 0)
		foreign.Status = types.StatusCanceled
		foreign.ClOrdID = "cl-other"
		broker.Publish(foreign)

		answer := execReport("AL30", types.BUY, 0)
		answer.Status = types.StatusCanceled
		answer.ClOrdID = "cl-1"
		broker.Publish(answer)
	}()

	probe.probeOnce(context.Background())

	if _, ok := probe.LastRTT(); !ok {
		t.Fatal("probe answered but no sample recorded")
	}
	median, ok := probe.MedianRTT()
	if !ok || median <= 0 {
		t.Errorf("MedianRTT = %v, %v", median, ok)
	}

	orders := sender.sent()
	if len(orders) != 1 {
		t.Fatalf("sent %d orders, want 1", len(orders))
	}
	o := orders[0]
	if o.symbol != "AL30" || o.side != types.BUY || o.qty != 1 || o.tif != types.TifIOC {
		t.Errorf("probe order = %+v", o)
	}
	if o.price == nil || !o.price.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("probe price = %v, want un-fillable 0.01", o.price)
	}
}

func TestProbeSkipsWithoutSymbol(t *testing.T) {
	t.Parallel()
	probe, sender, _ := newTestProbe("", TuneParams{}, nil)

	probe.probeOnce(context.Background())

	if n := len(sender.sent()); n != 0 {
		t.Errorf("sent %d orders with no probe symbol", n)
	}
}

func TestAwaitAnswerStopsOnCancel(t *testing.T) {
	t.Parallel()
	probe, _, broker := newTestProbe("AL30", TuneParams{}, nil)

	sub := broker.Subscribe("probe-test", 8, bus.DropOldest)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := probe.awaitAnswer(ctx, sub, "never", time.Now()); ok {
		t.Error("awaitAnswer must give up with the context")
	}
}

func TestProbeRollingWindow(t *testing.T) {
	t.Parallel()
	probe, _, _ := newTestProbe("AL30", TuneParams{}, nil)

	for i := 0; i < rttWindow+5; i++ {
		probe.record(time.Duration(i+1) * time.Millisecond)
	}

	probe.mu.Lock()
	n := len(probe.samples)
	oldest := probe.samples[0]
	probe.mu.Unlock()

	if n != rttWindow {
		t.Errorf("window holds %d samples, want %d", n, rttWindow)
	}
	if oldest != (6 * time.Millisecond).Seconds() {
		t.Errorf("oldest sample = %v, want the first five evicted", oldest)
	}
}

func TestRetuneClampsToBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		medianS float64
		want    float64
	}{
		{"fast venue clamps to floor", 0.25, 2}, // 4×0.25 = 1 < 2
		{"slow venue clamps to cap", 10, 20},    // 4×10 = 40 > 20
		{"in range stays put", 1, 4},            // 4×1 = 4
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			applied := make(chan float64, 1)
			tune := TuneParams{Enabled: true, K: 4, MinHL: 2, MaxHL: 20}
			probe, _, _ := newTestProbe("AL30", tune, func(hl float64) { applied <- hl })

			probe.record(time.Duration(tc.medianS * float64(time.Second)))
			probe.maybeRetune()

			select {
			case got := <-applied:
				if got != tc.want {
					t.Errorf("retuned half-life = %v, want %v", got, tc.want)
				}
			default:
				t.Fatal("retune never applied")
			}
		})
	}
}

func TestRetuneDisabledNeverApplies(t *testing.T) {
	t.Parallel()
	applied := make(chan float64, 1)
	probe, _, _ := newTestProbe("AL30", TuneParams{Enabled: false, K: 4, MinHL: 2, MaxHL: 20},
		func(hl float64) { applied <- hl })

	probe.record(250 * time.Millisecond)
	probe.maybeRetune()

	select {
	case hl := <-applied:
		t.Errorf("auto-tune off but Apply got %v", hl)
	default:
	}
}

func TestMedianOfOddWindow(t *testing.T) {
	t.Parallel()

	samples := []float64{0.3, 0.1, 0.2}
	if got := medianOf(samples); got != 0.2 {
		t.Errorf("medianOf = %v, want 0.2", got)
	}
	if samples[0] != 0.3 {
		t.Error("medianOf must not sort its input")
	}
}
