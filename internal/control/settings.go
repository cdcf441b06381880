// Package control holds the live runtime settings and the watcher that
// applies operator overrides from the control document without a restart.
package control

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"mep-arb/internal/config"
)

// Settings is the mutable runtime view of the configuration. It is seeded
// from config.Config at startup and mutated only through Apply and
// SetHalfLife; every read goes through a getter so the trading loop, the
// probe, and the reconciler all see override changes on their next cycle.
type Settings struct {
	mu sync.RWMutex

	// trading
	threshPct      float64
	minNotionalARS float64
	pollS          float64
	waitMS         int
	graceMS        int
	edgeTolBps     float64
	unwindMode     string

	// reference estimator
	refMode   string
	halfLifeS float64
	refTune   bool
	refK      float64
	refMinHLS float64
	refMaxHLS float64
	latProbeS float64

	// balance reconciliation
	balanceMode  string
	riskPollS    float64
	riskRefreshS float64

	instrumentRefreshS float64

	// trace toggles
	traceEnabled bool
	traceRaw     bool

	// venue selection and credentials. baseURL/wsURL are operator overrides
	// that beat the per-environment defaults when non-empty.
	env          string
	baseURL      string
	wsURL        string
	proprietary  string
	paperBaseURL string
	paperWSURL   string
	liveBaseURL  string
	liveWSURL    string
	paperUser    string
	paperPass    string
	paperAccount string
	liveUser     string
	livePass     string
	liveAccount  string
}

// FromConfig seeds live settings from the loaded configuration.
func FromConfig(cfg *config.Config) *Settings {
	return &Settings{
		threshPct:          cfg.Trading.ThreshPct,
		minNotionalARS:     cfg.Trading.MinNotionalARS,
		pollS:              cfg.Trading.PollS,
		waitMS:             cfg.Trading.WaitMS,
		graceMS:            cfg.Trading.GraceMS,
		edgeTolBps:         cfg.Trading.EdgeTolBps,
		unwindMode:         cfg.Trading.UnwindMode,
		refMode:            cfg.Reference.Mode,
		halfLifeS:          cfg.Reference.HalfLifeS,
		refTune:            cfg.Reference.Tune,
		refK:               cfg.Reference.K,
		refMinHLS:          cfg.Reference.MinHLS,
		refMaxHLS:          cfg.Reference.MaxHLS,
		latProbeS:          cfg.Probe.IntervalS,
		balanceMode:        cfg.Balance.Mode,
		riskPollS:          cfg.Balance.PollS,
		riskRefreshS:       cfg.Balance.RefreshS,
		instrumentRefreshS: cfg.Discovery.RefreshS,
		traceEnabled:       cfg.Trace.Enabled,
		traceRaw:           cfg.Trace.Raw,
		env:                cfg.Env,
		proprietary:        cfg.Venue.Proprietary,
		paperBaseURL:       cfg.Venue.PaperBaseURL,
		paperWSURL:         cfg.Venue.PaperWSURL,
		liveBaseURL:        cfg.Venue.LiveBaseURL,
		liveWSURL:          cfg.Venue.LiveWSURL,
		paperUser:          cfg.Venue.PaperUsername,
		paperPass:          cfg.Venue.PaperPassword,
		paperAccount:       cfg.Venue.PaperAccount,
		liveUser:           cfg.Venue.LiveUsername,
		livePass:           cfg.Venue.LivePassword,
		liveAccount:        cfg.Venue.LiveAccount,
	}
}

// Apply merges recognized overrides from a control document into the live
// settings and reports what was applied, keyed by option name. An override
// whose value cannot be coerced to the option's type is skipped; the rest
// still apply. Unrecognized keys are ignored.
func (s *Settings) Apply(doc map[string]any) map[string]any {
	applied := make(map[string]any)
	s.mu.Lock()
	defer s.mu.Unlock()

	num := func(key string, set func(float64)) {
		raw, ok := doc[key]
		if !ok {
			return
		}
		v, ok := asFloat(raw)
		if !ok {
			return
		}
		set(v)
		applied[key] = v
	}
	flag := func(key string, set func(bool)) {
		raw, ok := doc[key]
		if !ok {
			return
		}
		v, ok := asBool(raw)
		if !ok {
			return
		}
		set(v)
		applied[key] = v
	}
	str := func(key string, set func(string)) {
		raw, ok := doc[key]
		if !ok {
			return
		}
		v, ok := asString(raw)
		if !ok {
			return
		}
		set(v)
		applied[key] = v
	}

	num("WAIT_MS", func(v float64) { s.waitMS = int(v) })
	num("GRACE_MS", func(v float64) { s.graceMS = int(v) })
	num("EDGE_TOL_BPS", func(v float64) { s.edgeTolBps = v })
	num("thresh_pct", func(v float64) { s.threshPct = v })
	num("min_notional_ars", func(v float64) { s.minNotionalARS = v })
	num("risk_poll_s", func(v float64) { s.riskPollS = v })
	num("risk_refresh_s", func(v float64) { s.riskRefreshS = v })
	num("poll_s", func(v float64) { s.pollS = v })
	num("HALF_LIFE_S", func(v float64) { s.halfLifeS = v })
	num("REF_K", func(v float64) { s.refK = v })
	num("REF_MIN_HL_S", func(v float64) { s.refMinHLS = v })
	num("REF_MAX_HL_S", func(v float64) { s.refMaxHLS = v })
	num("LAT_PROBE_S", func(v float64) { s.latProbeS = v })
	num("instrument_refresh_s", func(v float64) { s.instrumentRefreshS = v })

	flag("trace_enabled", func(v bool) { s.traceEnabled = v })
	flag("trace_raw", func(v bool) { s.traceRaw = v })
	flag("REF_TUNE", func(v bool) { s.refTune = v })

	str("REF_MODE", func(v string) { s.refMode = v })
	str("UNWIND_MODE", func(v string) { s.unwindMode = v })
	str("balance_mode", func(v string) { s.balanceMode = v })
	str("env", func(v string) { s.env = v })
	str("primary_base_url", func(v string) { s.baseURL = v })
	str("primary_ws_url", func(v string) { s.wsURL = v })
	str("proprietary_tag", func(v string) { s.proprietary = v })
	str("primary_paper_username", func(v string) { s.paperUser = v })
	str("primary_paper_password", func(v string) { s.paperPass = v })
	str("account_paper", func(v string) { s.paperAccount = v })
	str("primary_live_username", func(v string) { s.liveUser = v })
	str("primary_live_password", func(v string) { s.livePass = v })
	str("account_live", func(v string) { s.liveAccount = v })

	return applied
}

// SetHalfLife stores a probe-retuned half-life so the status snapshot and
// later HALF_LIFE_S reads reflect it.
func (s *Settings) SetHalfLife(seconds float64) {
	s.mu.Lock()
	s.halfLifeS = seconds
	s.mu.Unlock()
}

func (s *Settings) ThreshPct() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshPct
}

func (s *Settings) MinNotionalARS() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minNotionalARS
}

// PollInterval is the trading-loop cadence.
func (s *Settings) PollInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return secondsToDuration(s.pollS)
}

// WaitWindow is the buy-leg fill-collection budget.
func (s *Settings) WaitWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.waitMS) * time.Millisecond
}

// GraceWindow is the sell-leg fill-collection budget.
func (s *Settings) GraceWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.graceMS) * time.Millisecond
}

func (s *Settings) EdgeTolBps() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeTolBps
}

func (s *Settings) UnwindMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unwindMode
}

func (s *Settings) RefMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refMode
}

func (s *Settings) HalfLife() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halfLifeS
}

func (s *Settings) RefTune() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refTune
}

// RefTuneParams returns the auto-tune knobs as one consistent read.
func (s *Settings) RefTuneParams() (enabled bool, k, minHL, maxHL float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refTune, s.refK, s.refMinHLS, s.refMaxHLS
}

func (s *Settings) ProbeInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return secondsToDuration(s.latProbeS)
}

func (s *Settings) BalanceMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceMode
}

func (s *Settings) RiskPoll() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return secondsToDuration(s.riskPollS)
}

func (s *Settings) RiskRefresh() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return secondsToDuration(s.riskRefreshS)
}

func (s *Settings) InstrumentRefresh() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return secondsToDuration(s.instrumentRefreshS)
}

func (s *Settings) TraceEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traceEnabled
}

func (s *Settings) TraceRaw() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traceRaw
}

func (s *Settings) Env() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

// BaseURL returns the REST endpoint for the current environment, honoring
// an operator override.
func (s *Settings) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.baseURL != "" {
		return s.baseURL
	}
	if s.env == "live" {
		return s.liveBaseURL
	}
	return s.paperBaseURL
}

// WSURL returns the streaming endpoint for the current environment,
// honoring an operator override.
func (s *Settings) WSURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wsURL != "" {
		return s.wsURL
	}
	if s.env == "live" {
		return s.liveWSURL
	}
	return s.paperWSURL
}

// Credentials returns the username, password, and account for the current
// environment.
func (s *Settings) Credentials() (user, pass, account string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.env == "live" {
		return s.liveUser, s.livePass, s.liveAccount
	}
	return s.paperUser, s.paperPass, s.paperAccount
}

func (s *Settings) Proprietary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proprietary
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// asFloat coerces a JSON value to float64. Accepts numbers, numeric
// strings, and bools.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// asBool coerces a JSON value to bool. Accepts bools, numbers (non-zero is
// true), and ParseBool-style strings.
func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

func asString(v any) (string, bool) {
	x, ok := v.(string)
	return x, ok
}
