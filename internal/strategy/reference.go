package strategy

import (
	"math"
	"sync"
	"time"
)

// RefMode selects how the estimator turns its state into a tradeable
// reference.
type RefMode string

const (
	// RefTick returns the raw instantaneous ratio.
	RefTick RefMode = "tick"
	// RefHybrid returns the conservative of instantaneous and EMA:
	// min for ARS→USD (a cheaper reference tightens the buy signal),
	// max for USD→ARS.
	RefHybrid RefMode = "hybrid"
)

// Estimator tracks the implied ARS/USD exchange rate in both directions.
//
// Each update feeds the reference pair's top-of-book:
//
//	inst_a2u = ask(ARS leg) / bid(USD leg)   cost of buying USD
//	inst_u2a = bid(ARS leg) / ask(USD leg)   proceeds of selling USD
//
// Both are smoothed with an irregular-interval EMA where
// α = 1 − exp(−Δt/τ) and τ = half_life / ln 2, so a quote burst does not
// overweight the average and a quiet market decays it smoothly. A direction
// with no valid quotes keeps its previous state.
type Estimator struct {
	mu sync.Mutex

	tau    float64 // seconds, derived from half-life
	lastTS time.Time

	instA2U, emaA2U float64
	instU2A, emaU2A float64
	hasA2U, hasU2A  bool
}

// NewEstimator creates an estimator with the given half-life in seconds.
func NewEstimator(halfLifeSeconds float64) *Estimator {
	e := &Estimator{}
	e.SetHalfLife(halfLifeSeconds)
	return e
}

// SetHalfLife retunes the smoothing horizon without resetting the EMAs.
func (e *Estimator) SetHalfLife(seconds float64) {
	if seconds <= 0 {
		return
	}
	e.mu.Lock()
	e.tau = seconds / math.Ln2
	e.mu.Unlock()
}

// HalfLife returns the current half-life in seconds.
func (e *Estimator) HalfLife() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tau * math.Ln2
}

// Update feeds one observation of the reference pair's top-of-book at ts.
// A side with a non-positive price is treated as absent: that direction's
// instantaneous and EMA are left untouched.
func (e *Estimator) Update(ts time.Time, askARS, bidUSD, bidARS, askUSD float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alpha := 1.0
	if !e.lastTS.IsZero() {
		dt := ts.Sub(e.lastTS).Seconds()
		if dt < 0 {
			dt = 0
		}
		alpha = 1 - math.Exp(-dt/e.tau)
	}
	e.lastTS = ts

	if askARS > 0 && bidUSD > 0 {
		inst := askARS / bidUSD
		e.instA2U = inst
		if !e.hasA2U {
			e.emaA2U = inst
			e.hasA2U = true
		} else {
			e.emaA2U += alpha * (inst - e.emaA2U)
		}
	}

	if bidARS > 0 && askUSD > 0 {
		inst := bidARS / askUSD
		e.instU2A = inst
		if !e.hasU2A {
			e.emaU2A = inst
			e.hasU2A = true
		} else {
			e.emaU2A += alpha * (inst - e.emaU2A)
		}
	}
}

// RefA2U returns the ARS→USD reference for the given mode.
func (e *Estimator) RefA2U(mode RefMode) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasA2U {
		return 0, false
	}
	if mode == RefTick {
		return e.instA2U, true
	}
	return math.Min(e.instA2U, e.emaA2U), true
}

// RefU2A returns the USD→ARS reference for the given mode.
func (e *Estimator) RefU2A(mode RefMode) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasU2A {
		return 0, false
	}
	if mode == RefTick {
		return e.instU2A, true
	}
	return math.Max(e.instU2A, e.emaU2A), true
}

// RefSnapshot exposes the raw estimator state for the status output. A nil
// pointer means the direction has never been seeded.
type RefSnapshot struct {
	InstA2U *float64
	EmaA2U  *float64
	InstU2A *float64
	EmaU2A  *float64
}

// Snapshot returns the current instantaneous and EMA values.
func (e *Estimator) Snapshot() RefSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s RefSnapshot
	if e.hasA2U {
		inst, ema := e.instA2U, e.emaA2U
		s.InstA2U, s.EmaA2U = &inst, &ema
	}
	if e.hasU2A {
		inst, ema := e.instU2A, e.emaU2A
		s.InstU2A, s.EmaU2A = &inst, &ema
	}
	return s
}
