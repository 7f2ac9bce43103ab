package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/slimclaw/internal/abtest"
	"github.com/jordanhubbard/slimclaw/internal/budget"
	"github.com/jordanhubbard/slimclaw/internal/latency"
	"github.com/jordanhubbard/slimclaw/internal/logging"
	"github.com/jordanhubbard/slimclaw/internal/metrics"
	"github.com/jordanhubbard/slimclaw/internal/pricing"
	"github.com/jordanhubbard/slimclaw/internal/providers"
	"github.com/jordanhubbard/slimclaw/internal/ratelimit"
	"github.com/jordanhubbard/slimclaw/internal/sidecar"
	"github.com/jordanhubbard/slimclaw/internal/tier"
	"github.com/jordanhubbard/slimclaw/internal/tracing"
	"github.com/jordanhubbard/slimclaw/internal/vault"
)

type Server struct {
	cfg Config

	r *chi.Mux

	logger       *slog.Logger
	metrics      *metrics.Registry
	rateLimiter  *ratelimit.Limiter
	vault        *vault.Vault
	budget       *budget.Tracker
	abManager    *abtest.Manager
	latency      *latency.Tracker
	pricingCache *pricing.DynamicCache       // nil when pricing refresh disabled
	otelShutdown func(context.Context) error // nil when OTel disabled

	stopPricing chan struct{} // signals pricing refresh goroutine to stop
	stopGauges  chan struct{} // signals latency gauge exporter goroutine to stop

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	// Initialize OpenTelemetry tracing (opt-in).
	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Model-Pinned", "X-Reasoning-Budget-Tokens"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	// Per-IP rate limiting for the chat-completion surface.
	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	// Auto-unlock vault from environment if SLIMCLAW_VAULT_PASSWORD is set.
	// This allows headless deployments to skip interactive unlock.
	if cfg.VaultPassword != "" && cfg.VaultEnabled {
		logger.Warn("SLIMCLAW_VAULT_PASSWORD is set: vault password is visible in the process environment — prefer a secrets manager in production")
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Error("failed to auto-unlock vault from SLIMCLAW_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from SLIMCLAW_VAULT_PASSWORD")
		}
	}

	creds := loadCredentialsFile(cfg.CredentialsFile, v, logger)
	if len(creds) == 0 {
		logger.Warn("NO PROVIDER CREDENTIALS CONFIGURED — requests will fail until ~/.slimclaw/credentials (or SLIMCLAW_CREDENTIALS_FILE) is populated")
	}

	// Budget tracker, restored from the snapshot file when one exists.
	budgetCfg := cfg.BudgetConfig()
	tracker := budget.New(budgetCfg)
	if cfg.BudgetSnapshotPath != "" {
		if snap, ok := readBudgetSnapshot(cfg.BudgetSnapshotPath, logger); ok {
			tracker = budget.FromSnapshot(budgetCfg, snap)
			logger.Info("budget snapshot restored", slog.String("path", cfg.BudgetSnapshotPath), slog.Int("tiers", len(snap)))
		}
	}

	abManager := abtest.New(loadExperimentsFile(cfg.ExperimentsFile, logger))

	latencyOpts := []latency.Option{
		latency.WithWindowSize(cfg.LatencyWindowSize),
		latency.WithOutlierThresholdMs(cfg.LatencyOutlierMs),
	}
	lt := latency.New(!cfg.LatencyTrackingDisabled, latencyOpts...)

	// Dynamic pricing cache, read through to the LiteLLM public table.
	var cache *pricing.DynamicCache
	if cfg.PricingRefreshEnabled {
		interval := time.Duration(cfg.PricingRefreshIntervalSecs) * time.Second
		if interval <= 0 {
			interval = time.Hour
		}
		// Entries stay valid for two refresh intervals so one failed poll
		// does not flush the cache.
		cache = pricing.NewDynamicCache(2*interval, fetchLiteLLMPricing)
	}
	resolver := pricing.Resolver{Dynamic: cache}

	handler := &sidecar.Handler{
		RoutingConfig: cfg.RoutingConfig(),
		Credentials:   creds,
		Client:        &http.Client{Transport: tracing.HTTPTransport(nil)},
		Timeout:       time.Duration(cfg.UpstreamTimeoutSecs) * time.Second,
		Budget:        tracker,
		ABTest:        abManager,
		Latency:       lt,
		Pricing:       resolver,
		Logger:        logger,
		Metrics:       m,
	}

	r.Method(http.MethodGet, "/metrics", m.Handler())
	handler.Routes(r, rl.Middleware)

	s := &Server{
		cfg:          cfg,
		r:            r,
		logger:       logger,
		metrics:      m,
		rateLimiter:  rl,
		vault:        v,
		budget:       tracker,
		abManager:    abManager,
		latency:      lt,
		pricingCache: cache,
		otelShutdown: otelShutdown,
		stopPricing:  make(chan struct{}),
		stopGauges:   make(chan struct{}),
	}

	if cache != nil {
		go s.pricingRefreshLoop(time.Duration(cfg.PricingRefreshIntervalSecs) * time.Second)
	}
	go s.latencyGaugeLoop()

	logger.Info("startup ready",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Bool("routing_enabled", cfg.RoutingEnabled),
		slog.Bool("budget_enabled", cfg.BudgetEnabled),
		slog.Int("providers", len(creds)),
		slog.Int("experiments", len(abManager.ListExperiments())),
	)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration parameters at runtime without
// restarting the server: rate limiter settings, budget limits, and the log
// level. Routing and credential changes require a restart.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	s.budget.UpdateConfig(cfg.BudgetConfig())
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.Bool("budget_enabled", cfg.BudgetEnabled),
		slog.String("budget_enforcement", cfg.BudgetEnforcement),
		slog.String("log_level", cfg.LogLevel),
	)
}

func (s *Server) Close() error {
	// Drain in-flight HTTP requests before stopping background workers.
	if s.httpServer != nil {
		drainSecs := s.cfg.ShutdownDrainSecs
		if drainSecs <= 0 {
			drainSecs = 30
		}
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(drainSecs)*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	// Persist the budget snapshot after drain so the last requests' spend is
	// included. Best effort: a write failure only costs local accounting.
	if s.cfg.BudgetSnapshotPath != "" {
		writeBudgetSnapshot(s.cfg.BudgetSnapshotPath, s.budget.Serialize(), s.logger)
	}

	close(s.stopPricing)
	close(s.stopGauges)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.vault != nil {
		s.vault.Lock()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// latencyGaugeLoop snapshots the latency tracker's per-model stats into the
// Prometheus gauges every 15 seconds.
func (s *Server) latencyGaugeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.RefreshLatencyGauges(s.latency)
		case <-s.stopGauges:
			return
		}
	}
}

const litellmPricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

type litellmEntry struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// fetchLiteLLMPricing fills the dynamic pricing cache from the public LiteLLM
// pricing table, converting per-token costs to the per-1k form the resolver
// uses.
func fetchLiteLLMPricing(ctx context.Context) (map[string]pricing.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, litellmPricingURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		se := &providers.StatusError{StatusCode: resp.StatusCode}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, se
	}

	var table map[string]litellmEntry
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, err
	}

	entries := make(map[string]pricing.Entry, len(table))
	for model, e := range table {
		if e.InputCostPerToken <= 0 && e.OutputCostPerToken <= 0 {
			continue
		}
		entries[model] = pricing.Entry{
			InputPer1K:  e.InputCostPerToken * 1000,
			OutputPer1K: e.OutputCostPerToken * 1000,
		}
	}
	return entries, nil
}

func (s *Server) pricingRefreshLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.refreshPricing() // run immediately on startup
	for {
		select {
		case <-ticker.C:
			s.refreshPricing()
		case <-s.stopPricing:
			return
		}
	}
}

func (s *Server) refreshPricing() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.pricingCache.Refresh(ctx); err != nil {
		s.logger.Warn("pricing refresh failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("pricing refresh complete")
}

// loadCredentialsFile reads the provider credentials JSON (default
// ~/.slimclaw/credentials): a map of provider id to {base_url, api_key}.
// When the vault is unlocked, API keys are routed through it so they sit
// encrypted in memory; the returned map always carries the plaintext the
// forwarder needs. The file must be owner-readable only (0600 or stricter).
func loadCredentialsFile(path string, v *vault.Vault, logger *slog.Logger) providers.CredentialsMap {
	creds := make(providers.CredentialsMap)
	if path == "" {
		return creds
	}

	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("credentials file stat error", slog.String("path", path), slog.String("error", err.Error()))
		}
		return creds
	}

	// Enforce restrictive permissions (owner-only read/write).
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		logger.Warn("credentials file has insecure permissions, skipping",
			slog.String("path", path),
			slog.String("mode", fmt.Sprintf("%04o", mode)),
			slog.String("required", "0600 or stricter"),
		)
		return creds
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read credentials file", slog.String("path", path), slog.String("error", err.Error()))
		return creds
	}

	type credEntry struct {
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}
	var file map[string]credEntry
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("failed to parse credentials file", slog.String("path", path), slog.String("error", err.Error()))
		return creds
	}

	for provider, entry := range file {
		if provider == "" || entry.BaseURL == "" {
			logger.Warn("skipping credentials entry: provider id and base_url required", slog.String("provider", provider))
			continue
		}

		apiKey := entry.APIKey
		if apiKey != "" && v != nil && !v.IsLocked() {
			// Route the key through the vault so the at-rest copy is
			// encrypted; the forwarder still needs the plaintext per request.
			vaultKey := "provider:" + provider + ":api_key"
			if err := v.Set(vaultKey, apiKey); err != nil {
				logger.Warn("failed to store API key in vault", slog.String("provider", provider), slog.String("error", err.Error()))
			} else if stored, err := v.Get(vaultKey); err == nil {
				apiKey = stored
			}
		}

		creds[provider] = providers.Credentials{BaseURL: entry.BaseURL, APIKey: apiKey}
		logger.Info("registered provider credentials", slog.String("provider", provider), slog.String("base_url", entry.BaseURL))
	}

	return creds
}

// loadExperimentsFile reads the A/B experiment declarations (default
// ~/.slimclaw/experiments.json): a JSON array of experiments in declaration
// order (first declared wins when several qualify for a tier). A missing file
// means no experiments.
func loadExperimentsFile(path string, logger *slog.Logger) []abtest.Experiment {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read experiments file", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	}

	type wireVariant struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Weight int    `json:"weight"`
	}
	type wireExperiment struct {
		ID        string        `json:"id"`
		Tier      string        `json:"tier"`
		Status    string        `json:"status"`
		StartedAt time.Time     `json:"startedAt"`
		Variants  []wireVariant `json:"variants"`
	}
	var wire []wireExperiment
	if err := json.Unmarshal(data, &wire); err != nil {
		logger.Warn("failed to parse experiments file", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	var experiments []abtest.Experiment
	for _, w := range wire {
		t, ok := tier.Parse(w.Tier)
		if !ok {
			logger.Warn("skipping experiment with unknown tier", slog.String("id", w.ID), slog.String("tier", w.Tier))
			continue
		}
		exp := abtest.Experiment{
			ID:        w.ID,
			Tier:      t,
			Status:    abtest.Status(w.Status),
			StartedAt: w.StartedAt,
		}
		for _, v := range w.Variants {
			exp.Variants = append(exp.Variants, abtest.Variant{ID: v.ID, Model: v.Model, Weight: v.Weight})
		}
		experiments = append(experiments, exp)
	}
	if len(experiments) > 0 {
		logger.Info("loaded experiments file", slog.String("path", path), slog.Int("experiments", len(experiments)))
	}
	return experiments
}

// readBudgetSnapshot loads the budget snapshot JSON written at the previous
// shutdown. Any error is logged and treated as "no snapshot".
func readBudgetSnapshot(path string, logger *slog.Logger) (budget.Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read budget snapshot", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil, false
	}
	var snap budget.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("failed to parse budget snapshot", slog.String("path", path), slog.String("error", err.Error()))
		return nil, false
	}
	return snap, true
}

// writeBudgetSnapshot persists the snapshot atomically: write to a temp file
// in the same directory, then rename over the target.
func writeBudgetSnapshot(path string, snap budget.Snapshot, logger *slog.Logger) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		logger.Warn("failed to marshal budget snapshot", slog.String("error", err.Error()))
		return
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		logger.Warn("failed to create snapshot directory", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		logger.Warn("failed to write budget snapshot", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Warn("failed to rename budget snapshot", slog.String("error", err.Error()))
		return
	}
	logger.Info("budget snapshot written", slog.String("path", path))
}
