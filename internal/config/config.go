package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/0xtide/epochbot/internal/types"
)

// Tier maps a balance ceiling to the maximum position fraction below it.
type Tier struct {
	Ceiling  decimal.Decimal `mapstructure:"ceiling"`  // balance upper bound, zero = open-ended
	Fraction float64         `mapstructure:"fraction"` // max fraction of balance
}

// ShadowStrategy is one named shadow configuration. Every field except Name is
// an optional override of the production defaults.
type ShadowStrategy struct {
	Name               string             `mapstructure:"name"`
	ConsensusThreshold *float64           `mapstructure:"consensus_threshold"`
	MinConfidence      *float64           `mapstructure:"min_confidence"`
	MinAgreement       *float64           `mapstructure:"min_agreement"`
	MaxEntryPrice      *float64           `mapstructure:"max_entry_price"`
	AgentsEnabled      []string           `mapstructure:"agents_enabled"`
	AgentWeights       map[string]float64 `mapstructure:"agent_weights"`
	Sizing             string             `mapstructure:"sizing"` // "tiered" (default) or "kelly"
}

// Config holds all engine configuration. File values come from epochbot.yaml
// (optional), overridable via EPOCHBOT_* environment variables. Credentials
// come from the environment only and are never written to disk or logs.
type Config struct {
	// Scheduler
	ScanInterval    time.Duration `mapstructure:"-"`
	ScanIntervalS   int           `mapstructure:"scan_interval_s"`
	CycleBudgetS    int           `mapstructure:"cycle_budget_s"`
	SettlementGrace time.Duration `mapstructure:"-"`

	// Aggregator gates
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
	MinConfidence      float64 `mapstructure:"min_confidence"`
	MinAgreement       float64 `mapstructure:"min_agreement"`

	// Guardian
	MaxEntryPrice        float64 `mapstructure:"max_entry_price"`
	MaxDrawdownPct       float64 `mapstructure:"max_drawdown_pct"`
	DailyLossLimitUSD    float64 `mapstructure:"daily_loss_limit_usd"`
	DailyLossLimitPct    float64 `mapstructure:"daily_loss_limit_pct"`
	MaxPositionsTotal    int     `mapstructure:"max_positions_total"`
	MaxPositionsSameDir  int     `mapstructure:"max_positions_same_direction"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	PositionTiers        []Tier  `mapstructure:"position_tiers"`

	// Committee
	AgentsEnabled []string           `mapstructure:"agents_enabled"` // empty = all registered
	AgentWeights  map[string]float64 `mapstructure:"agent_weights"`

	// Shadow book
	ShadowStrategies []ShadowStrategy `mapstructure:"shadow_strategies"`

	// Persistence
	StatePath        string `mapstructure:"state_path"`
	LedgerDSN        string `mapstructure:"ledger_dsn"`
	SpoolPath        string `mapstructure:"spool_path"`
	HaltSentinelPath string `mapstructure:"halt_sentinel_path"`

	// Venue
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DryRun       bool   `mapstructure:"dry_run"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	// Credentials - environment only, never logged.
	WalletAddress    string `mapstructure:"-"`
	WalletPrivateKey string `mapstructure:"-"`
	CLOBApiKey       string `mapstructure:"-"`
	CLOBApiSecret    string `mapstructure:"-"`
	CLOBPassphrase   string `mapstructure:"-"`
	ChainRPCURL      string `mapstructure:"-"`
}

// DefaultTiers is the tiered sizing table: smaller accounts risk a larger
// fraction per trade, capped tightly as the balance grows.
func DefaultTiers() []Tier {
	return []Tier{
		{Ceiling: decimal.NewFromInt(30), Fraction: 0.15},
		{Ceiling: decimal.NewFromInt(75), Fraction: 0.10},
		{Ceiling: decimal.NewFromInt(150), Fraction: 0.07},
		{Ceiling: decimal.Zero, Fraction: 0.05}, // open-ended top tier
	}
}

// Load reads configuration from an optional config file plus environment
// overrides and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("epochbot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("EPOCHBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is a fatal config error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ScanInterval = time.Duration(cfg.ScanIntervalS) * time.Second
	cfg.SettlementGrace = 60 * time.Second
	if len(cfg.PositionTiers) == 0 {
		cfg.PositionTiers = DefaultTiers()
	}

	// Credentials bypass the config file entirely.
	cfg.WalletAddress = v.GetString("WALLET_ADDRESS")
	cfg.WalletPrivateKey = v.GetString("WALLET_PRIVATE_KEY")
	cfg.CLOBApiKey = v.GetString("CLOB_API_KEY")
	cfg.CLOBApiSecret = v.GetString("CLOB_API_SECRET")
	cfg.CLOBPassphrase = v.GetString("CLOB_PASSPHRASE")
	cfg.ChainRPCURL = v.GetString("CHAIN_RPC_URL")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scan_interval_s", 2)
	v.SetDefault("cycle_budget_s", 10)
	v.SetDefault("consensus_threshold", 0.65)
	v.SetDefault("min_confidence", 0.50)
	v.SetDefault("min_agreement", 0.50)
	v.SetDefault("max_entry_price", 0.30)
	v.SetDefault("max_drawdown_pct", 0.30)
	v.SetDefault("daily_loss_limit_usd", 50.0)
	v.SetDefault("daily_loss_limit_pct", 0.20)
	v.SetDefault("max_positions_total", 4)
	v.SetDefault("max_positions_same_direction", 3)
	v.SetDefault("max_consecutive_losses", 10)
	v.SetDefault("state_path", "data/state.json")
	v.SetDefault("ledger_dsn", "data/ledger.db")
	v.SetDefault("spool_path", "data/outcome_spool.jsonl")
	v.SetDefault("halt_sentinel_path", "data/RESUME")
	v.SetDefault("clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("dry_run", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
}

// Validate checks option ranges. Any failure here is a fatal ConfigError.
func (c *Config) Validate() error {
	if c.ScanIntervalS <= 0 {
		return fmt.Errorf("scan_interval_s must be positive, got %d", c.ScanIntervalS)
	}
	for name, val := range map[string]float64{
		"consensus_threshold": c.ConsensusThreshold,
		"min_confidence":      c.MinConfidence,
		"min_agreement":       c.MinAgreement,
		"max_entry_price":     c.MaxEntryPrice,
		"max_drawdown_pct":    c.MaxDrawdownPct,
	} {
		if val < 0 || val > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, val)
		}
	}
	if c.DailyLossLimitUSD <= 0 {
		return fmt.Errorf("daily_loss_limit_usd must be positive, got %v", c.DailyLossLimitUSD)
	}
	if c.MaxPositionsTotal <= 0 || c.MaxPositionsSameDir <= 0 {
		return fmt.Errorf("position limits must be positive")
	}
	if c.StatePath == "" || c.LedgerDSN == "" {
		return fmt.Errorf("state_path and ledger_dsn are required")
	}
	for _, t := range c.PositionTiers {
		if t.Fraction <= 0 || t.Fraction > 1 {
			return fmt.Errorf("position tier fraction must be in (0,1], got %v", t.Fraction)
		}
	}
	seen := make(map[string]bool, len(c.ShadowStrategies))
	for _, s := range c.ShadowStrategies {
		if s.Name == "" {
			return fmt.Errorf("shadow strategy without a name")
		}
		if s.Name == "production" {
			return fmt.Errorf("shadow strategy name %q is reserved", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate shadow strategy %q", s.Name)
		}
		seen[s.Name] = true
		if s.Sizing != "" && s.Sizing != "tiered" && s.Sizing != "kelly" {
			return fmt.Errorf("shadow strategy %q: unknown sizing %q", s.Name, s.Sizing)
		}
	}
	return nil
}

// AgentEnabled reports whether the named agent is part of the committee.
// An empty agents_enabled list enables every registered agent.
func (c *Config) AgentEnabled(name string) bool {
	if len(c.AgentsEnabled) == 0 {
		return true
	}
	for _, n := range c.AgentsEnabled {
		if n == name {
			return true
		}
	}
	return false
}

// AgentWeight returns the configured base weight for an agent, default 1.0.
func (c *Config) AgentWeight(name string) float64 {
	if w, ok := c.AgentWeights[name]; ok {
		return w
	}
	return 1.0
}

// DailyLossLimit returns the effective hard cap on same-day realised loss:
// min(daily_loss_limit_usd, daily_loss_limit_pct x day-start balance).
func (c *Config) DailyLossLimit(dayStart decimal.Decimal) decimal.Decimal {
	usd := decimal.NewFromFloat(c.DailyLossLimitUSD)
	pct := dayStart.Mul(decimal.NewFromFloat(c.DailyLossLimitPct))
	if pct.LessThan(usd) {
		return pct
	}
	return usd
}

// TierFraction returns the max position fraction for a balance.
func (c *Config) TierFraction(balance decimal.Decimal) float64 {
	for _, t := range c.PositionTiers {
		if t.Ceiling.IsZero() || balance.LessThan(t.Ceiling) {
			return t.Fraction
		}
	}
	// Falls through only when every tier has a ceiling; use the last one.
	return c.PositionTiers[len(c.PositionTiers)-1].Fraction
}

// CryptoSymbols returns the traded underlyings; fixed set for now.
func (c *Config) CryptoSymbols() []types.Crypto {
	return types.AllCryptos()
}
