package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ErrThreshold)
	assert.Equal(t, 3, cfg.QuarantineAfter)
	assert.Equal(t, 3, cfg.BackoffExpAfter)
	assert.Zero(t, cfg.PromotionThreshold)
	assert.Equal(t, time.Second, cfg.CycleSeconds)
	assert.Equal(t, 30*time.Second, cfg.MaxCycleSec)
	assert.Equal(t, []string{"**"}, cfg.PatchAllow)
	assert.Equal(t, 10, cfg.MaxExperiments)
	assert.Equal(t, 1<<20, cfg.MaxWireBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Empty(t, cfg.PreflightCmds)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_ERR_THRESHOLD", "1")
	t.Setenv("QUARANTINE_AFTER", "5")
	t.Setenv("AGENT_BACKOFF_EXP_AFTER", "2")
	t.Setenv("PROMOTION_THRESHOLD", "0.5")
	t.Setenv("CYCLE_SECONDS", "0.25")
	t.Setenv("MAX_CYCLE_SEC", "10")
	t.Setenv("REG_INTERVAL", "5")
	t.Setenv("REG_WINDOW", "6")
	t.Setenv("REG_DECLINE", "0.1")
	t.Setenv("MAX_EXPERIMENTS", "4")
	t.Setenv("LEDGER_PATH", "/tmp/x.ldg")
	t.Setenv("BROKER_URL", "redis://localhost:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("JSON_LOGS", "true")
	t.Setenv("ALLOW_INSECURE", "yes")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.ErrThreshold)
	assert.Equal(t, 5, cfg.QuarantineAfter)
	assert.Equal(t, 2, cfg.BackoffExpAfter)
	assert.Equal(t, 0.5, cfg.PromotionThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.CycleSeconds)
	assert.Equal(t, 10*time.Second, cfg.MaxCycleSec)
	assert.Equal(t, 5*time.Second, cfg.RegInterval)
	assert.Equal(t, 6, cfg.RegWindow)
	assert.Equal(t, 0.1, cfg.RegDecline)
	assert.Equal(t, 4, cfg.MaxExperiments)
	assert.Equal(t, "/tmp/x.ldg", cfg.LedgerPath)
	assert.Equal(t, "redis://localhost:6379", cfg.BrokerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.JSONLogs)
	assert.True(t, cfg.AllowInsecure)
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Setenv("AGENT_ERR_THRESHOLD", "three")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsThresholdOutOfRange(t *testing.T) {
	t.Setenv("PROMOTION_THRESHOLD", "1.5")
	_, err := Load()
	assert.Error(t, err)
}

func TestDisabledAgents(t *testing.T) {
	t.Setenv("DISABLED_AGENTS", "Planner, memory ,,")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"planner", "memory"}, cfg.Disabled)
	assert.True(t, cfg.AgentDisabled("planner"))
	assert.True(t, cfg.AgentDisabled("PLANNER"))
	assert.True(t, cfg.AgentDisabled("memory"))
	assert.False(t, cfg.AgentDisabled("ping"))
}

func TestPatchAllowList(t *testing.T) {
	t.Setenv("PATCH_ALLOW", "**.py, src/**.go")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"**.py", "src/**.go"}, cfg.PatchAllow)
}

func TestPreflightCmds(t *testing.T) {
	t.Setenv("PREFLIGHT_CMDS", "python -m pytest -q; go vet ./... ;")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"python", "-m", "pytest", "-q"},
		{"go", "vet", "./..."},
	}, cfg.PreflightCmds)
}

func TestAPIKeyReady(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.APIKeyReady)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.APIKeyReady)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: planner
    kind: ping
    period_seconds: 5
    capabilities: [planning]
  - name: improver-a
    kind: improver
    capabilities: [self-improvement]
`), 0o600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Agents, 2)
	assert.Equal(t, "planner", m.Agents[0].Name)
	assert.Equal(t, 5, m.Agents[0].Period)
	assert.Equal(t, []string{"planning"}, m.Agents[0].Capabilities)
	assert.Equal(t, "improver", m.Agents[1].Kind)
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - kind: ping\n"), 0o600))
	_, err = LoadManifest(path)
	assert.Error(t, err, "entries need a name")
}
