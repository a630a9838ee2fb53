package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every orchestrator knob. All values come from the
// environment so each test scenario is reproducible from configuration
// alone; Load never fails on a missing variable, only on a malformed one.
type Config struct {
	// Supervision
	ErrThreshold       int           // AGENT_ERR_THRESHOLD: unresponsive (restart) threshold
	QuarantineAfter    int           // QUARANTINE_AFTER: error count that swaps in a stub
	BackoffExpAfter    int           // AGENT_BACKOFF_EXP_AFTER: streak count before exponential delay
	PromotionThreshold float64       // PROMOTION_THRESHOLD: stake fraction required to promote
	HeartbeatInt       time.Duration // HEARTBEAT_INT: max interval between beats (0 = per-agent period)
	CycleSeconds       time.Duration // CYCLE_SECONDS: default agent cycle period
	MaxCycleSec        time.Duration // MAX_CYCLE_SEC: per-cycle wall clock budget

	// Regression guard
	RegInterval time.Duration // REG_INTERVAL: metric sample cadence
	RegWindow   int           // REG_WINDOW: rolling window length
	RegDecline  float64       // REG_DECLINE: decline fraction that triggers a pause

	// Registry
	RescanSec     time.Duration // RESCAN_SEC: hot-directory rescan cadence
	HotDir        string        // AGENT_HOT_DIR: signed plugin drop-in directory
	PubKey        string        // AGENT_PUBKEY: base64 raw ed25519 public key
	SigPinsPath   string        // AGENT_SIG_PINS: name=sig pin table file
	AllowInsecure bool          // ALLOW_INSECURE: disable signature enforcement (dev only)
	Disabled      []string      // DISABLED_AGENTS: comma-separated names
	APIKeyReady   bool          // derived: an API key is present in the environment

	// Ledger / archive
	LedgerPath         string        // LEDGER_PATH: ledger file location
	ArchivePath        string        // ARCHIVE_PATH: bbolt archive location
	MerkleCadence      time.Duration // MERKLE_CADENCE: ledger root recompute cadence
	RootPublishCadence time.Duration // ROOT_PUBLISH_CADENCE: archive root publish cadence

	// Bus
	BrokerURL    string // BROKER_URL: optional external broker bridge
	MaxWireBytes int    // MAX_WIRE_BYTES: envelope wire size cap

	// Patch admission
	PreflightTimeout time.Duration // PREFLIGHT_TIMEOUT: preflight wall clock
	PatchAllow       []string      // PATCH_ALLOW: allow-list glob patterns
	PreflightCmds    [][]string    // PREFLIGHT_CMDS: semicolon-separated command lines

	// Limits
	MaxExperiments   int   // MAX_EXPERIMENTS: concurrent experiment cap
	MemoryLimitBytes int64 // MEMORY_LIMIT_BYTES: per-process address-space cap

	// Ambient
	JSONLogs    bool   // JSON_LOGS
	LogLevel    string // LOG_LEVEL
	MetricsAddr string // METRICS_ADDR: prometheus listen address ("" = disabled)

	ManifestPath string // AGENT_MANIFEST: optional YAML agent manifest
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ErrThreshold:       3,
		QuarantineAfter:    3,
		BackoffExpAfter:    3,
		PromotionThreshold: 0,
		CycleSeconds:       time.Second,
		MaxCycleSec:        30 * time.Second,
		RegInterval:        30 * time.Second,
		RegWindow:          3,
		RegDecline:         0.2,
		RescanSec:          60 * time.Second,
		HotDir:             defaultHotDir(),
		LedgerPath:         "ledger.db",
		ArchivePath:        "archive.db",
		MerkleCadence:      time.Hour,
		RootPublishCadence: 24 * time.Hour,
		MaxWireBytes:       1 << 20,
		PreflightTimeout:   300 * time.Second,
		PatchAllow:         []string{"**"},
		MaxExperiments:     10,
		MemoryLimitBytes:   8 << 30,
		LogLevel:           "info",
	}

	var err error
	if cfg.ErrThreshold, err = intEnv("AGENT_ERR_THRESHOLD", cfg.ErrThreshold); err != nil {
		return nil, err
	}
	if cfg.QuarantineAfter, err = intEnv("QUARANTINE_AFTER", cfg.QuarantineAfter); err != nil {
		return nil, err
	}
	if cfg.BackoffExpAfter, err = intEnv("AGENT_BACKOFF_EXP_AFTER", cfg.BackoffExpAfter); err != nil {
		return nil, err
	}
	if cfg.PromotionThreshold, err = floatEnv("PROMOTION_THRESHOLD", cfg.PromotionThreshold); err != nil {
		return nil, err
	}
	if cfg.PromotionThreshold < 0 || cfg.PromotionThreshold > 1 {
		return nil, fmt.Errorf("PROMOTION_THRESHOLD must be in [0,1], got %v", cfg.PromotionThreshold)
	}
	if cfg.HeartbeatInt, err = secondsEnv("HEARTBEAT_INT", cfg.HeartbeatInt); err != nil {
		return nil, err
	}
	if cfg.CycleSeconds, err = secondsEnv("CYCLE_SECONDS", cfg.CycleSeconds); err != nil {
		return nil, err
	}
	if cfg.MaxCycleSec, err = secondsEnv("MAX_CYCLE_SEC", cfg.MaxCycleSec); err != nil {
		return nil, err
	}
	if cfg.RegInterval, err = secondsEnv("REG_INTERVAL", cfg.RegInterval); err != nil {
		return nil, err
	}
	if cfg.RegWindow, err = intEnv("REG_WINDOW", cfg.RegWindow); err != nil {
		return nil, err
	}
	if cfg.RegDecline, err = floatEnv("REG_DECLINE", cfg.RegDecline); err != nil {
		return nil, err
	}
	if cfg.RescanSec, err = secondsEnv("RESCAN_SEC", cfg.RescanSec); err != nil {
		return nil, err
	}
	if cfg.PreflightTimeout, err = secondsEnv("PREFLIGHT_TIMEOUT", cfg.PreflightTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxExperiments, err = intEnv("MAX_EXPERIMENTS", cfg.MaxExperiments); err != nil {
		return nil, err
	}
	if cfg.MaxWireBytes, err = intEnv("MAX_WIRE_BYTES", cfg.MaxWireBytes); err != nil {
		return nil, err
	}

	cfg.HotDir = strEnv("AGENT_HOT_DIR", cfg.HotDir)
	cfg.PubKey = strEnv("AGENT_PUBKEY", "")
	cfg.SigPinsPath = strEnv("AGENT_SIG_PINS", "")
	cfg.LedgerPath = strEnv("LEDGER_PATH", cfg.LedgerPath)
	cfg.ArchivePath = strEnv("ARCHIVE_PATH", cfg.ArchivePath)
	cfg.BrokerURL = strEnv("BROKER_URL", "")
	cfg.LogLevel = strEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = strEnv("METRICS_ADDR", "")
	cfg.ManifestPath = strEnv("AGENT_MANIFEST", "")
	cfg.AllowInsecure = boolEnv("ALLOW_INSECURE")
	cfg.JSONLogs = boolEnv("JSON_LOGS")
	cfg.APIKeyReady = os.Getenv("OPENAI_API_KEY") != ""

	if v := os.Getenv("DISABLED_AGENTS"); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				cfg.Disabled = append(cfg.Disabled, name)
			}
		}
	}
	if v := os.Getenv("PATCH_ALLOW"); v != "" {
		cfg.PatchAllow = nil
		for _, pat := range strings.Split(v, ",") {
			if pat = strings.TrimSpace(pat); pat != "" {
				cfg.PatchAllow = append(cfg.PatchAllow, pat)
			}
		}
		if len(cfg.PatchAllow) == 0 {
			cfg.PatchAllow = []string{"**"}
		}
	}
	if v := os.Getenv("PREFLIGHT_CMDS"); v != "" {
		for _, line := range strings.Split(v, ";") {
			if argv := strings.Fields(line); len(argv) > 0 {
				cfg.PreflightCmds = append(cfg.PreflightCmds, argv)
			}
		}
	}

	return cfg, nil
}

// AgentDisabled reports whether name was disabled via DISABLED_AGENTS.
func (c *Config) AgentDisabled(name string) bool {
	name = strings.ToLower(name)
	for _, d := range c.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// ManifestEntry declares one built-in agent in the YAML manifest.
type ManifestEntry struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Period       int      `yaml:"period_seconds"`
	Capabilities []string `yaml:"capabilities"`
}

// Manifest is the optional YAML agent manifest.
type Manifest struct {
	Agents []ManifestEntry `yaml:"agents"`
}

// LoadManifest parses the YAML agent manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse agent manifest: %w", err)
	}
	for i, a := range m.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("agent manifest entry %d missing name", i)
		}
	}
	return &m, nil
}

func defaultHotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive_agents"
	}
	return home + "/.hive_agents"
}

func strEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected number, got %q", key, v)
	}
	return f, nil
}

func secondsEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected seconds, got %q", key, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
