package strategy

import (
	"math"
	"testing"
	"time"
)

func TestEstimatorSeedsOnFirstTick(t *testing.T) {
	t.Parallel()
	e := NewEstimator(10)

	if _, ok := e.RefA2U(RefHybrid); ok {
		t.Fatal("reference must be undefined before the first update")
	}

	ts := time.Now()
	e.Update(ts, 1010, 1.0, 1005, 1.01)

	a2u, ok := e.RefA2U(RefTick)
	if !ok || a2u != 1010 {
		t.Errorf("a2u = %v/%v, want 1010 seeded", a2u, ok)
	}
	u2a, ok := e.RefU2A(RefTick)
	if !ok || math.Abs(u2a-1005/1.01) > 1e-9 {
		t.Errorf("u2a = %v/%v, want %v seeded", u2a, ok, 1005/1.01)
	}

	// First tick seeds EMA == instantaneous, so hybrid equals tick.
	h, _ := e.RefA2U(RefHybrid)
	if h != 1010 {
		t.Errorf("hybrid after seed = %v, want 1010", h)
	}
}

func TestEstimatorEMAStaysBetween(t *testing.T) {
	t.Parallel()
	e := NewEstimator(10)

	ts := time.Now()
	e.Update(ts, 1000, 1.0, 0, 0) // seed a2u at 1000
	e.Update(ts.Add(2*time.Second), 1100, 1.0, 0, 0)

	snap := e.Snapshot()
	if snap.EmaA2U == nil {
		t.Fatal("ema must be defined after two updates")
	}
	// For any positive Δt the EMA lands strictly between previous EMA and
	// the new instantaneous value.
	if *snap.EmaA2U <= 1000 || *snap.EmaA2U >= 1100 {
		t.Errorf("ema = %v, want in (1000, 1100)", *snap.EmaA2U)
	}

	// α = 1 − exp(−Δt/τ), τ = 10/ln2, Δt = 2
	tau := 10 / math.Ln2
	alpha := 1 - math.Exp(-2/tau)
	want := 1000 + alpha*(1100-1000)
	if math.Abs(*snap.EmaA2U-want) > 1e-9 {
		t.Errorf("ema = %v, want %v", *snap.EmaA2U, want)
	}
}

func TestEstimatorSkipsUndefinedDirection(t *testing.T) {
	t.Parallel()
	e := NewEstimator(10)

	ts := time.Now()
	e.Update(ts, 1000, 1.0, 0, 0) // only a2u has quotes

	if _, ok := e.RefU2A(RefHybrid); ok {
		t.Error("u2a must stay undefined without quotes")
	}

	// u2a seeds on its own first defined tick
	e.Update(ts.Add(time.Second), 0, 0, 1005, 1.0)
	u2a, ok := e.RefU2A(RefTick)
	if !ok || u2a != 1005 {
		t.Errorf("u2a = %v/%v, want 1005 seeded", u2a, ok)
	}

	// the a2u side kept its previous state through the one-sided update
	a2u, ok := e.RefA2U(RefTick)
	if !ok || a2u != 1000 {
		t.Errorf("a2u = %v/%v, want 1000 retained", a2u, ok)
	}
}

func TestEstimatorHybridIsConservative(t *testing.T) {
	t.Parallel()
	e := NewEstimator(10)

	ts := time.Now()
	e.Update(ts, 1000, 1.0, 1000, 1.0)
	e.Update(ts.Add(time.Second), 1100, 1.0, 1100, 1.0)

	snap := e.Snapshot()

	// A2U: buying USD — the cheaper of inst and EMA tightens the signal.
	a2u, _ := e.RefA2U(RefHybrid)
	if want := math.Min(*snap.InstA2U, *snap.EmaA2U); a2u != want {
		t.Errorf("hybrid a2u = %v, want min %v", a2u, want)
	}

	// U2A: selling USD — the more expensive of the two.
	u2a, _ := e.RefU2A(RefHybrid)
	if want := math.Max(*snap.InstU2A, *snap.EmaU2A); u2a != want {
		t.Errorf("hybrid u2a = %v, want max %v", u2a, want)
	}

	// After the jump up, inst > ema: hybrid picks ema for a2u, inst for u2a.
	if a2u != *snap.EmaA2U {
		t.Errorf("rising market: hybrid a2u should be the ema")
	}
	if u2a != *snap.InstU2A {
		t.Errorf("rising market: hybrid u2a should be the inst")
	}
}

func TestEstimatorSetHalfLifeKeepsEMA(t *testing.T) {
	t.Parallel()
	e := NewEstimator(10)

	ts := time.Now()
	e.Update(ts, 1000, 1.0, 0, 0)
	e.Update(ts.Add(time.Second), 1100, 1.0, 0, 0)
	before := e.Snapshot()

	e.SetHalfLife(60)

	after := e.Snapshot()
	if *after.EmaA2U != *before.EmaA2U {
		t.Errorf("ema changed on retune: %v -> %v", *before.EmaA2U, *after.EmaA2U)
	}
	if got := e.HalfLife(); math.Abs(got-60) > 1e-9 {
		t.Errorf("half-life = %v, want 60", got)
	}

	// Non-positive half-life is ignored.
	e.SetHalfLife(0)
	if got := e.HalfLife(); math.Abs(got-60) > 1e-9 {
		t.Errorf("half-life after zero set = %v, want 60", got)
	}
}

func TestEstimatorAlphaShrinksWithLongerHalfLife(t *testing.T) {
	t.Parallel()

	// Same jump, same Δt: the longer half-life must move the EMA less.
	run := func(hl float64) float64 {
		e := NewEstimator(hl)
		ts := time.Now()
		e.Update(ts, 1000, 1.0, 0, 0)
		e.Update(ts.Add(time.Second), 1100, 1.0, 0, 0)
		return *e.Snapshot().EmaA2U
	}

	fast := run(2)
	slow := run(60)
	if fast <= slow {
		t.Errorf("ema(hl=2) = %v should exceed ema(hl=60) = %v after an upward jump", fast, slow)
	}
	if fast >= 1100 || slow <= 1000 {
		t.Errorf("both emas must stay inside (1000, 1100): fast=%v slow=%v", fast, slow)
	}
}
