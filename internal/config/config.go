// Package config defines all configuration for the arbitrage agent.
// Config is loaded from an optional YAML file with MEP_* environment
// variable overrides; credentials are normally supplied via environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Env       string          `mapstructure:"env"` // "paper" or "live"
	Venue     VenueConfig     `mapstructure:"venue"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Reference ReferenceConfig `mapstructure:"reference"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Balance   BalanceConfig   `mapstructure:"balance"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Files     FilesConfig     `mapstructure:"files"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig holds endpoints and credentials for both environments.
// The active set is selected by Config.Env and may be swapped at runtime
// through the control document (force_reauth).
type VenueConfig struct {
	PaperBaseURL  string `mapstructure:"paper_base_url"`
	PaperWSURL    string `mapstructure:"paper_ws_url"`
	LiveBaseURL   string `mapstructure:"live_base_url"`
	LiveWSURL     string `mapstructure:"live_ws_url"`
	PaperUsername string `mapstructure:"paper_username"`
	PaperPassword string `mapstructure:"paper_password"`
	PaperAccount  string `mapstructure:"paper_account"`
	LiveUsername  string `mapstructure:"live_username"`
	LivePassword  string `mapstructure:"live_password"`
	LiveAccount   string `mapstructure:"live_account"`
	Proprietary   string `mapstructure:"proprietary"` // tag stamped on every order
	Timeout       time.Duration
}

// TradingConfig tunes the signal and the two-leg execution sequence.
//
//   - ThreshPct: minimum relative gap between implied and reference rate.
//   - MinNotionalARS: floor on operable top-of-book volume and on the order
//     notional itself.
//   - PollS: trading-loop cadence in seconds.
//   - WaitMS/GraceMS: fill-collection budgets for the buy and sell legs.
//   - EdgeTolBps: tolerance used by the smart unwind edge re-check.
//   - UnwindMode: residual handling, one of smart, always, none.
type TradingConfig struct {
	ThreshPct      float64 `mapstructure:"thresh_pct"`
	MinNotionalARS float64 `mapstructure:"min_notional_ars"`
	PollS          float64 `mapstructure:"poll_s"`
	WaitMS         int     `mapstructure:"wait_ms"`
	GraceMS        int     `mapstructure:"grace_ms"`
	EdgeTolBps     float64 `mapstructure:"edge_tol_bps"`
	UnwindMode     string  `mapstructure:"unwind_mode"`
}

// ReferenceConfig tunes the smoothed reference-rate estimator.
// Mode "tick" uses the instantaneous ratio; "hybrid" takes the conservative
// of instantaneous and EMA.
type ReferenceConfig struct {
	Mode      string  `mapstructure:"mode"`
	HalfLifeS float64 `mapstructure:"half_life_s"`
	Tune      bool    `mapstructure:"tune"`      // let the latency probe retune the half-life
	K         float64 `mapstructure:"k"`         // half-life = clamp(K * median RTT, [MinHL, MaxHL])
	MinHLS    float64 `mapstructure:"min_hl_s"`
	MaxHLS    float64 `mapstructure:"max_hl_s"`
}

// ProbeConfig controls the latency probe that feeds ReferenceConfig tuning.
type ProbeConfig struct {
	IntervalS float64 `mapstructure:"interval_s"`
}

// BalanceConfig selects how cash is kept in sync with the venue.
//
//   - Mode "risk_poll": cash is authoritative from the account report every
//     PollS seconds; fills only move positions.
//   - Mode "er_reconcile": cash is derived from fills and reseeded from the
//     account report every RefreshS seconds.
type BalanceConfig struct {
	Mode     string  `mapstructure:"mode"`
	PollS    float64 `mapstructure:"poll_s"`
	RefreshS float64 `mapstructure:"refresh_s"`
}

// DiscoveryConfig controls periodic instrument-list refresh.
type DiscoveryConfig struct {
	RefreshS float64 `mapstructure:"refresh_s"`
}

// FilesConfig sets the operator-facing file paths: the inbound control
// document and the outbound status/books/positions/trades files.
type FilesConfig struct {
	Control   string `mapstructure:"control"`
	Status    string `mapstructure:"status"`
	Books     string `mapstructure:"books"`
	Positions string `mapstructure:"positions"`
	Trades    string `mapstructure:"trades"`
	Reports   string `mapstructure:"reports"`
}

// TraceConfig controls the JSONL audit log.
type TraceConfig struct {
	Path     string `mapstructure:"path"`
	Enabled  bool   `mapstructure:"enabled"`
	Raw      bool   `mapstructure:"raw"` // include wire-level payload dumps
	RotateMB int    `mapstructure:"rotate_mb"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// Load reads config from an optional YAML file with env var overrides.
// Credentials use env vars: MEP_PAPER_USERNAME, MEP_PAPER_PASSWORD,
// MEP_LIVE_USERNAME, MEP_LIVE_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Venue.Timeout = 3 * time.Second

	// Override sensitive fields from env
	if u := os.Getenv("MEP_PAPER_USERNAME"); u != "" {
		cfg.Venue.PaperUsername = u
	}
	if p := os.Getenv("MEP_PAPER_PASSWORD"); p != "" {
		cfg.Venue.PaperPassword = p
	}
	if u := os.Getenv("MEP_LIVE_USERNAME"); u != "" {
		cfg.Venue.LiveUsername = u
	}
	if p := os.Getenv("MEP_LIVE_PASSWORD"); p != "" {
		cfg.Venue.LivePassword = p
	}
	if a := os.Getenv("MEP_PAPER_ACCOUNT"); a != "" {
		cfg.Venue.PaperAccount = a
	}
	if a := os.Getenv("MEP_LIVE_ACCOUNT"); a != "" {
		cfg.Venue.LiveAccount = a
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "paper")
	v.SetDefault("venue.paper_base_url", "https://api.remarkets.primary.com.ar")
	v.SetDefault("venue.paper_ws_url", "wss://api.remarkets.primary.com.ar/")
	v.SetDefault("venue.proprietary", "api")
	v.SetDefault("trading.thresh_pct", 0.002)
	v.SetDefault("trading.min_notional_ars", 40000.0)
	v.SetDefault("trading.poll_s", 1.0)
	v.SetDefault("trading.wait_ms", 1500)
	v.SetDefault("trading.grace_ms", 2500)
	v.SetDefault("trading.edge_tol_bps", 5.0)
	v.SetDefault("trading.unwind_mode", "smart")
	v.SetDefault("reference.mode", "hybrid")
	v.SetDefault("reference.half_life_s", 10.0)
	v.SetDefault("reference.tune", false)
	v.SetDefault("reference.k", 4.0)
	v.SetDefault("reference.min_hl_s", 2.0)
	v.SetDefault("reference.max_hl_s", 60.0)
	v.SetDefault("probe.interval_s", 30.0)
	v.SetDefault("balance.mode", "risk_poll")
	v.SetDefault("balance.poll_s", 5.0)
	v.SetDefault("balance.refresh_s", 30.0)
	v.SetDefault("discovery.refresh_s", 900.0)
	v.SetDefault("files.control", "run/control.json")
	v.SetDefault("files.status", "run/status.json")
	v.SetDefault("files.books", "run/books.json")
	v.SetDefault("files.positions", "run/positions.json")
	v.SetDefault("files.trades", "run/trades.csv")
	v.SetDefault("files.reports", "run/reports.csv")
	v.SetDefault("trace.path", "run/trace.jsonl")
	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.raw", false)
	v.SetDefault("trace.rotate_mb", 32)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// BaseURL returns the REST base for the selected environment.
func (c *Config) BaseURL() string {
	if c.Env == "live" {
		return c.Venue.LiveBaseURL
	}
	return c.Venue.PaperBaseURL
}

// WSURL returns the streaming endpoint for the selected environment.
func (c *Config) WSURL() string {
	if c.Env == "live" {
		return c.Venue.LiveWSURL
	}
	return c.Venue.PaperWSURL
}

// Credentials returns the username, password, and account for the selected
// environment.
func (c *Config) Credentials() (user, pass, account string) {
	if c.Env == "live" {
		return c.Venue.LiveUsername, c.Venue.LivePassword, c.Venue.LiveAccount
	}
	return c.Venue.PaperUsername, c.Venue.PaperPassword, c.Venue.PaperAccount
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Env != "paper" && c.Env != "live" {
		return fmt.Errorf("env must be \"paper\" or \"live\", got %q", c.Env)
	}
	user, pass, account := c.Credentials()
	if user == "" || pass == "" {
		return fmt.Errorf("credentials for env %q are required (set MEP_%s_USERNAME / MEP_%s_PASSWORD)",
			c.Env, strings.ToUpper(c.Env), strings.ToUpper(c.Env))
	}
	if account == "" {
		return fmt.Errorf("account for env %q is required", c.Env)
	}
	if c.BaseURL() == "" || c.WSURL() == "" {
		return fmt.Errorf("venue URLs for env %q are required", c.Env)
	}
	if c.Trading.PollS <= 0 {
		return fmt.Errorf("trading.poll_s must be > 0")
	}
	if c.Trading.ThreshPct <= 0 {
		return fmt.Errorf("trading.thresh_pct must be > 0")
	}
	if c.Trading.MinNotionalARS <= 0 {
		return fmt.Errorf("trading.min_notional_ars must be > 0")
	}
	switch c.Trading.UnwindMode {
	case "smart", "always", "none":
	default:
		return fmt.Errorf("trading.unwind_mode must be one of: smart, always, none")
	}
	switch c.Reference.Mode {
	case "tick", "hybrid":
	default:
		return fmt.Errorf("reference.mode must be one of: tick, hybrid")
	}
	if c.Reference.HalfLifeS <= 0 {
		return fmt.Errorf("reference.half_life_s must be > 0")
	}
	if c.Reference.MinHLS <= 0 || c.Reference.MaxHLS < c.Reference.MinHLS {
		return fmt.Errorf("reference half-life bounds must satisfy 0 < min_hl_s <= max_hl_s")
	}
	switch c.Balance.Mode {
	case "risk_poll", "er_reconcile":
	default:
		return fmt.Errorf("balance.mode must be one of: risk_poll, er_reconcile")
	}
	return nil
}
