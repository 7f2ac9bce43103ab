package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/slimclaw/internal/budget"
	"github.com/jordanhubbard/slimclaw/internal/tier"
	"github.com/jordanhubbard/slimclaw/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServerConfig returns a config that passes Validate without touching the
// network or the operator's home directory.
func testServerConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		ListenAddr:            ":0",
		LogLevel:              "error",
		UpstreamTimeoutSecs:   5,
		RoutingEnabled:        true,
		MinConfidence:         0.4,
		ReasoningBudgetTokens: 10000,
		BudgetEnforcement:     "alert-only",
		ExperimentsFile:       filepath.Join(dir, "experiments.json"),
		CredentialsFile:       filepath.Join(dir, "credentials"),
		LatencyWindowSize:     50,
		LatencyOutlierMs:      60000,
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		ShutdownDrainSecs:     1,
	}
}

func TestNewServer_HealthAndMetricsEndpoints(t *testing.T) {
	srv, err := NewServer(testServerConfig(t))
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "slimclaw_rate_limited_total")
}

func TestServer_ReloadUpdatesBudget(t *testing.T) {
	cfg := testServerConfig(t)
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	cfg.BudgetEnabled = true
	cfg.BudgetEnforcement = "block"
	cfg.BudgetDailyLimits = map[tier.Tier]float64{tier.Simple: 0.01}
	srv.Reload(cfg)

	srv.budget.Record(tier.Simple, 0.02)
	res := srv.budget.Check(tier.Simple)
	assert.False(t, res.Allowed)
	assert.Equal(t, budget.Block, res.EnforcementAction)
}

func TestLoadCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	content := `{"anthropic":{"base_url":"https://api.anthropic.com","api_key":"sk-ant-x"},"bad":{"api_key":"no-base-url"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	v, err := vault.New(false)
	require.NoError(t, err)

	creds := loadCredentialsFile(path, v, discardLogger())
	require.Len(t, creds, 1)
	assert.Equal(t, "https://api.anthropic.com", creds["anthropic"].BaseURL)
	assert.Equal(t, "sk-ant-x", creds["anthropic"].APIKey)
}

func TestLoadCredentialsFile_InsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":{"base_url":"http://x"}}`), 0644))

	v, _ := vault.New(false)
	creds := loadCredentialsFile(path, v, discardLogger())
	assert.Empty(t, creds)
}

func TestLoadCredentialsFile_VaultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	content := `{"openai":{"base_url":"https://api.openai.com","api_key":"sk-oai-y"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	v, err := vault.New(true)
	require.NoError(t, err)
	require.NoError(t, v.Unlock([]byte("test-vault-password")))

	creds := loadCredentialsFile(path, v, discardLogger())
	require.Len(t, creds, 1)
	assert.Equal(t, "sk-oai-y", creds["openai"].APIKey)

	// The key went through the vault on its way into the map.
	stored, err := v.Get("provider:openai:api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-oai-y", stored)
}

func TestLoadExperimentsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiments.json")
	content := `[
		{"id":"exp-1","tier":"simple","status":"active","startedAt":"2026-01-01T00:00:00Z",
		 "variants":[{"id":"a","model":"test/model-a","weight":100}]},
		{"id":"exp-2","tier":"not-a-tier","status":"active","variants":[]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	experiments := loadExperimentsFile(path, discardLogger())
	require.Len(t, experiments, 1)
	assert.Equal(t, "exp-1", experiments[0].ID)
	assert.Equal(t, tier.Simple, experiments[0].Tier)
	require.Len(t, experiments[0].Variants, 1)
	assert.Equal(t, "test/model-a", experiments[0].Variants[0].Model)
}

func TestLoadExperimentsFile_Missing(t *testing.T) {
	assert.Nil(t, loadExperimentsFile(filepath.Join(t.TempDir(), "nope.json"), discardLogger()))
}

func TestBudgetSnapshot_RoundTrip(t *testing.T) {
	cfg := budget.Config{
		Enabled:         true,
		EnforcementMode: budget.AlertOnly,
		Limits:          map[tier.Tier]budget.Limits{tier.Complex: {Daily: 1, Weekly: 5}},
	}
	tracker := budget.New(cfg)
	tracker.Record(tier.Complex, 0.25)

	path := filepath.Join(t.TempDir(), "state", "budget.json")
	writeBudgetSnapshot(path, tracker.Serialize(), discardLogger())

	snap, ok := readBudgetSnapshot(path, discardLogger())
	require.True(t, ok)

	restored := budget.FromSnapshot(cfg, snap)
	res := restored.Check(tier.Complex)
	assert.Equal(t, 0.75, res.DailyRemaining)
}

func TestReadBudgetSnapshot_MissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	_, ok := readBudgetSnapshot(filepath.Join(dir, "absent.json"), discardLogger())
	assert.False(t, ok)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{nope"), 0600))
	_, ok = readBudgetSnapshot(corrupt, discardLogger())
	assert.False(t, ok)
}

func TestServer_CloseWritesSnapshot(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.BudgetEnabled = true
	cfg.BudgetDailyLimits = map[tier.Tier]float64{tier.Mid: 2}
	cfg.BudgetSnapshotPath = filepath.Join(t.TempDir(), "budget.json")

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	srv.budget.Record(tier.Mid, 0.5)
	require.NoError(t, srv.Close())

	snap, ok := readBudgetSnapshot(cfg.BudgetSnapshotPath, discardLogger())
	require.True(t, ok)
	assert.Equal(t, 0.5, snap[tier.Mid].Daily.Spent)

	// The boundary survives the round trip as an absolute future instant.
	assert.True(t, snap[tier.Mid].Daily.ResetAt.After(time.Now().UTC()))
}
