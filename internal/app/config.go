package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jordanhubbard/slimclaw/internal/budget"
	"github.com/jordanhubbard/slimclaw/internal/routing"
	"github.com/jordanhubbard/slimclaw/internal/tier"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// Per-request upstream timeout (request-level, not stream-level).
	UpstreamTimeoutSecs int

	// Routing pipeline.
	RoutingEnabled        bool
	MinConfidence         float64
	TierModels            map[tier.Tier]string
	TierProviders         map[string]string // model pattern -> provider id
	PinnedModels          []string
	ReasoningBudgetTokens int
	OpenRouterTitle       string
	OpenRouterReferer     string

	// Budget enforcement.
	BudgetEnabled               bool
	BudgetEnforcement           string // alert-only | block | downgrade
	BudgetAlertThresholdPercent float64
	BudgetDailyLimits           map[tier.Tier]float64
	BudgetWeeklyLimits          map[tier.Tier]float64
	BudgetSnapshotPath          string // flat-file persistence; empty disables

	// A/B experiments, declared in a JSON file.
	ExperimentsFile string

	// Provider credentials (~/.slimclaw/credentials).
	CredentialsFile string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	// Latency tracker.
	LatencyWindowSize       int
	LatencyOutlierMs        float64
	LatencyTrackingDisabled bool

	// Dynamic pricing cache (LiteLLM table poll).
	PricingRefreshEnabled      bool
	PricingRefreshIntervalSecs int

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool   // SLIMCLAW_OTEL_ENABLED, default false
	OTelEndpoint    string // SLIMCLAW_OTEL_ENDPOINT, default "localhost:4318"
	OTelServiceName string // SLIMCLAW_OTEL_SERVICE_NAME, default "slimclaw-sidecar"

	ShutdownDrainSecs int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("SLIMCLAW_LISTEN_ADDR", ":8484"),
		LogLevel:   getEnv("SLIMCLAW_LOG_LEVEL", "info"),

		UpstreamTimeoutSecs: getEnvInt("SLIMCLAW_UPSTREAM_TIMEOUT_SECS", 60),

		RoutingEnabled:        getEnvBool("SLIMCLAW_ROUTING_ENABLED", true),
		MinConfidence:         getEnvFloat("SLIMCLAW_MIN_CONFIDENCE", 0.4),
		TierModels:            getEnvTierModels(),
		TierProviders:         getEnvKVMap("SLIMCLAW_TIER_PROVIDERS"),
		PinnedModels:          getEnvStringSlice("SLIMCLAW_PINNED_MODELS", nil),
		ReasoningBudgetTokens: getEnvInt("SLIMCLAW_REASONING_BUDGET_TOKENS", 10000),
		OpenRouterTitle:       getEnv("SLIMCLAW_OPENROUTER_TITLE", ""),
		OpenRouterReferer:     getEnv("SLIMCLAW_OPENROUTER_REFERER", ""),

		BudgetEnabled:               getEnvBool("SLIMCLAW_BUDGET_ENABLED", false),
		BudgetEnforcement:           getEnv("SLIMCLAW_BUDGET_ENFORCEMENT", "alert-only"),
		BudgetAlertThresholdPercent: getEnvFloat("SLIMCLAW_BUDGET_ALERT_THRESHOLD_PERCENT", 80),
		BudgetDailyLimits:           getEnvTierLimits("SLIMCLAW_BUDGET_DAILY"),
		BudgetWeeklyLimits:          getEnvTierLimits("SLIMCLAW_BUDGET_WEEKLY"),
		BudgetSnapshotPath:          getEnv("SLIMCLAW_BUDGET_SNAPSHOT_PATH", ""),

		ExperimentsFile: getEnv("SLIMCLAW_EXPERIMENTS_FILE", defaultConfigPath("experiments.json")),
		CredentialsFile: getEnv("SLIMCLAW_CREDENTIALS_FILE", defaultConfigPath("credentials")),

		VaultEnabled:  getEnvBool("SLIMCLAW_VAULT_ENABLED", false),
		VaultPassword: getEnv("SLIMCLAW_VAULT_PASSWORD", ""),

		LatencyWindowSize:       getEnvInt("SLIMCLAW_LATENCY_WINDOW", 50),
		LatencyOutlierMs:        getEnvFloat("SLIMCLAW_LATENCY_OUTLIER_MS", 60000),
		LatencyTrackingDisabled: getEnvBool("SLIMCLAW_LATENCY_TRACKING_DISABLED", false),

		PricingRefreshEnabled:      getEnvBool("SLIMCLAW_PRICING_REFRESH_ENABLED", false),
		PricingRefreshIntervalSecs: getEnvInt("SLIMCLAW_PRICING_REFRESH_INTERVAL_SECS", 3600),

		CORSOrigins:    getEnvStringSlice("SLIMCLAW_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("SLIMCLAW_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("SLIMCLAW_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("SLIMCLAW_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("SLIMCLAW_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("SLIMCLAW_OTEL_SERVICE_NAME", "slimclaw-sidecar"),

		ShutdownDrainSecs: getEnvInt("SLIMCLAW_SHUTDOWN_DRAIN_SECS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("SLIMCLAW_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("SLIMCLAW_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.UpstreamTimeoutSecs <= 0 {
		return fmt.Errorf("SLIMCLAW_UPSTREAM_TIMEOUT_SECS must be > 0, got %d", c.UpstreamTimeoutSecs)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("SLIMCLAW_MIN_CONFIDENCE must be in [0,1], got %f", c.MinConfidence)
	}
	switch budget.EnforcementMode(c.BudgetEnforcement) {
	case budget.AlertOnly, budget.Block, budget.Downgrade:
	default:
		return fmt.Errorf("SLIMCLAW_BUDGET_ENFORCEMENT must be alert-only, block, or downgrade, got %q", c.BudgetEnforcement)
	}
	if c.LatencyWindowSize <= 0 {
		return fmt.Errorf("SLIMCLAW_LATENCY_WINDOW must be > 0, got %d", c.LatencyWindowSize)
	}
	return nil
}

// RoutingConfig projects the flat env config onto the decision engine's
// Config.
func (c Config) RoutingConfig() routing.Config {
	return routing.Config{
		Enabled:         c.RoutingEnabled,
		MinConfidence:   c.MinConfidence,
		Tiers:           c.TierModels,
		TierProviders:   c.TierProviders,
		PinnedModels:    c.PinnedModels,
		ReasoningBudget: c.ReasoningBudgetTokens,
		OpenRouterHeaders: routing.OpenRouterHeaders{
			XTitle:      c.OpenRouterTitle,
			HTTPReferer: c.OpenRouterReferer,
		},
	}
}

// BudgetConfig projects the flat env config onto the budget tracker's Config.
func (c Config) BudgetConfig() budget.Config {
	limits := make(map[tier.Tier]budget.Limits)
	for t, v := range c.BudgetDailyLimits {
		lim := limits[t]
		lim.Daily = v
		limits[t] = lim
	}
	for t, v := range c.BudgetWeeklyLimits {
		lim := limits[t]
		lim.Weekly = v
		limits[t] = lim
	}
	return budget.Config{
		Enabled:               c.BudgetEnabled,
		EnforcementMode:       budget.EnforcementMode(c.BudgetEnforcement),
		AlertThresholdPercent: c.BudgetAlertThresholdPercent,
		Limits:                limits,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

// getEnvKVMap parses "key=value,key=value" pairs. Malformed pairs are
// dropped.
func getEnvKVMap(key string) map[string]string {
	pairs := getEnvStringSlice(key, nil)
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		m[k] = v
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// getEnvTierModels reads the per-tier model overrides
// (SLIMCLAW_TIER_SIMPLE, _MID, _COMPLEX, _REASONING). Tiers left unset fall
// back to the routing engine's built-in defaults.
func getEnvTierModels() map[tier.Tier]string {
	m := make(map[tier.Tier]string)
	for _, t := range tier.All {
		key := "SLIMCLAW_TIER_" + strings.ToUpper(string(t))
		if v := os.Getenv(key); v != "" {
			m[t] = v
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// getEnvTierLimits parses "tier=usd,tier=usd" pairs, e.g.
// SLIMCLAW_BUDGET_DAILY="simple=0.50,reasoning=5.00". Unknown tiers and
// non-numeric amounts are dropped.
func getEnvTierLimits(key string) map[tier.Tier]float64 {
	kv := getEnvKVMap(key)
	if len(kv) == 0 {
		return nil
	}
	m := make(map[tier.Tier]float64, len(kv))
	for k, v := range kv {
		t, ok := tier.Parse(k)
		if !ok {
			continue
		}
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil || amount <= 0 {
			continue
		}
		m[t] = amount
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func defaultConfigPath(name string) string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".slimclaw", name)
	}
	return ""
}
