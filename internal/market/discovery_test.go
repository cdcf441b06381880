package market

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"mep-arb/pkg/types"
)

type fakeLister struct {
	symbols []string
	err     error
}

func (f *fakeLister) Instruments(ctx context.Context) ([]types.Instrument, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Instrument, len(f.symbols))
	for i, s := range f.symbols {
		out[i] = types.Instrument{Symbol: s}
	}
	return out, nil
}

func TestBuildPairs(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{symbols: []string{
		"GD30D", "AL30", "AL30D", "GD30", "TX26", // TX26 has no USD leg
		"AL29D", // no ARS base listed
		"",      // blank symbols are ignored
	}}

	pairs, err := BuildPairs(context.Background(), lister)
	if err != nil {
		t.Fatalf("BuildPairs: %v", err)
	}

	want := []types.Pair{
		{ARS: "AL30", USD: "AL30D"},
		{ARS: "GD30", USD: "GD30D"},
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs %v, want %d", len(pairs), pairs, len(want))
	}
	for i, p := range want {
		if pairs[i] != p {
			t.Errorf("pairs[%d] = %v, want %v", i, pairs[i], p)
		}
	}
}

func TestBuildPairsPropagatesListError(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{err: errors.New("boom")}
	if _, err := BuildPairs(context.Background(), lister); err == nil {
		t.Fatal("expected error")
	}
}

func TestReferencePairPrefersAL30(t *testing.T) {
	t.Parallel()

	pairs := []types.Pair{
		{ARS: "AE38", USD: "AE38D"},
		{ARS: "AL30", USD: "AL30D"},
	}
	ref, ok := ReferencePair(pairs)
	if !ok || ref.ARS != "AL30" {
		t.Errorf("ReferencePair = %v, want AL30/AL30D", ref)
	}

	ref, ok = ReferencePair(pairs[:1])
	if !ok || ref.ARS != "AE38" {
		t.Errorf("ReferencePair without AL30 = %v, want first pair", ref)
	}

	if _, ok := ReferencePair(nil); ok {
		t.Error("empty pair set must report no reference pair")
	}
}

func TestSymbolsFlattensPairs(t *testing.T) {
	t.Parallel()

	pairs := []types.Pair{{ARS: "AL30", USD: "AL30D"}, {ARS: "GD30", USD: "GD30D"}}
	got := Symbols(pairs)
	want := []string{"AL30", "AL30D", "GD30", "GD30D"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Symbols()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoveryRefreshReplacesStaleResult(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lister := &fakeLister{symbols: []string{"AL30", "AL30D"}}
	d := NewDiscovery(lister, func() time.Duration { return time.Hour }, logger)

	d.refresh(context.Background())
	lister.symbols = []string{"AL30", "AL30D", "GD30", "GD30D"}
	d.refresh(context.Background()) // unread first result must be replaced

	select {
	case pairs := <-d.Results():
		if len(pairs) != 2 {
			t.Errorf("got %d pairs, want 2 (latest refresh)", len(pairs))
		}
	default:
		t.Fatal("expected a buffered result")
	}
}

func TestDiscoveryTriggerForcesRefresh(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lister := &fakeLister{symbols: []string{"AL30", "AL30D"}}
	d := NewDiscovery(lister, func() time.Duration { return time.Hour }, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Trigger()

	select {
	case pairs := <-d.Results():
		if len(pairs) != 1 {
			t.Errorf("got %d pairs, want 1", len(pairs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not produce a refresh")
	}
}
