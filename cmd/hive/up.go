package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/archive"
	"github.com/alphafactory/hive/pkg/bus"
	"github.com/alphafactory/hive/pkg/config"
	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/ledger"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
	"github.com/alphafactory/hive/pkg/patch"
	"github.com/alphafactory/hive/pkg/registry"
	"github.com/alphafactory/hive/pkg/runner"
	"github.com/alphafactory/hive/pkg/stake"
	"github.com/alphafactory/hive/pkg/supervisor"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run the orchestrator",
	Long: `Start the orchestration core: open the audit ledger and the lineage
archive, register built-in and manifest agents, watch the hot directory
for signed plugins and supervise everything until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		return runUp(repo)
	},
}

func init() {
	upCmd.Flags().String("repo", ".", "repository root supervised by the patch pipeline")
}

func runUp(repo string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.JSONLogs})
	applyMemoryLimit(cfg.MemoryLimitBytes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stakes := stake.NewRegistry()
	led, err := ledger.Open(cfg.LedgerPath, stakes)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer led.Close()

	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer arch.Close()

	busOpts := []bus.Option{bus.WithMaxWireBytes(cfg.MaxWireBytes)}
	if cfg.BrokerURL != "" {
		busOpts = append(busOpts, bus.WithBroker(cfg.BrokerURL))
	}
	b := bus.New(busOpts...)
	b.Start(ctx)
	defer b.Close()

	led.SetSystemHook(func(env *envelope.Envelope) {
		if err := b.Publish(ctx, "system", env); err != nil {
			log.Errorf("ledger root publish failed", err)
		}
	})
	led.StartMerkleTask(ctx, cfg.MerkleCadence)
	arch.StartRootTask(ctx, cfg.RootPublishCadence, func(env *envelope.Envelope) {
		if err := b.Publish(ctx, "system", env); err != nil {
			log.Errorf("archive root publish failed", err)
		}
	})

	deps := agent.Deps{Bus: b, Clock: envelope.NewClock(nil)}

	adm := patch.NewAdmission(repo, cfg.PatchAllow,
		patch.WithPreflight(cfg.PreflightCmds),
		patch.WithPreflightTimeout(cfg.PreflightTimeout),
		patch.WithArchive(arch),
		patch.WithLedger(led))

	reg := registry.New(
		registry.WithDisabled(cfg.AgentDisabled),
		registry.WithAPIKey(cfg.APIKeyReady),
	)
	kinds := builtinKinds(adm)
	registerBuiltins(reg, cfg)
	if cfg.ManifestPath != "" {
		if err := registerManifest(reg, kinds, cfg.ManifestPath); err != nil {
			return err
		}
	}

	sup := supervisor.New(supervisor.Config{
		ErrThreshold:       cfg.ErrThreshold,
		QuarantineAfter:    cfg.QuarantineAfter,
		BackoffExpAfter:    cfg.BackoffExpAfter,
		HeartbeatInt:       cfg.HeartbeatInt,
		MaxExperiments:     cfg.MaxExperiments,
		PromotionThreshold: cfg.PromotionThreshold,
		RegInterval:        cfg.RegInterval,
		RegWindow:          cfg.RegWindow,
		RegDecline:         cfg.RegDecline,
	}, reg, b, led, stakes, deps, runner.Options{
		DefaultPeriod: cfg.CycleSeconds,
		MaxCycle:      cfg.MaxCycleSec,
		Ledger:        led,
	}, supervisor.WithSampler(archiveSampler(arch)))

	superviseAll := func() {
		for _, name := range reg.Names() {
			if stakes.Stake(name) == 0 {
				stakes.SetStake(name, 1.0)
			}
			if err := sup.AddAgent(ctx, name); err != nil && !errors.Is(err, errdefs.ErrDuplicateAgent) {
				log.WithComponent("main").Error().Err(err).Str("agent", name).Msg("cannot supervise agent")
			}
		}
	}
	superviseAll()

	startHotDir(ctx, cfg, reg, kinds, superviseAll)

	if cfg.MetricsAddr != "" {
		startMetrics(ctx, cfg.MetricsAddr)
	}

	go sup.Run(ctx)

	fmt.Println("Hive is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

// builtinKinds maps manifest and plugin kinds onto constructors.
func builtinKinds(adm *patch.Admission) map[string]agent.Constructor {
	candidate := os.Getenv("CANDIDATE_PATCH")
	if candidate == "" {
		candidate = "candidate.diff"
	}
	return map[string]agent.Constructor{
		"ping":     agent.NewPing,
		"improver": agent.NewImprover(candidate, "genesis", adm),
	}
}

// registerBuiltins installs the default ping probe.
func registerBuiltins(reg *registry.Registry, cfg *config.Config) {
	if err := reg.Register(&registry.AgentMetadata{
		Name:         "ping",
		Version:      Version,
		Capabilities: []string{"diagnostics"},
		Period:       cfg.CycleSeconds,
		Constructor:  agent.NewPing,
	}, false); err != nil {
		log.Errorf("ping registration failed", err)
	}
}

func registerManifest(reg *registry.Registry, kinds map[string]agent.Constructor, path string) error {
	m, err := config.LoadManifest(path)
	if err != nil {
		return err
	}
	for _, entry := range m.Agents {
		ctor, ok := kinds[entry.Kind]
		if !ok {
			reg.RecordFailure(entry.Name, fmt.Sprintf("unknown agent kind %q", entry.Kind))
			continue
		}
		err := reg.Register(&registry.AgentMetadata{
			Name:         entry.Name,
			Version:      "1.0.0",
			Capabilities: entry.Capabilities,
			Period:       time.Duration(entry.Period) * time.Second,
			Constructor:  ctor,
		}, false)
		if err != nil {
			reg.RecordFailure(entry.Name, err.Error())
		}
	}
	return nil
}

// startHotDir launches the signed-plugin watcher unless verification is
// unconfigurable.
func startHotDir(ctx context.Context, cfg *config.Config, reg *registry.Registry,
	kinds map[string]agent.Constructor, onLoad func()) {
	var pins map[string]string
	if cfg.SigPinsPath != "" {
		var err error
		if pins, err = registry.LoadPins(cfg.SigPinsPath); err != nil {
			log.Errorf("pin table unreadable, hot directory disabled", err)
			return
		}
	}
	verifier, err := registry.NewVerifier(cfg.PubKey, pins, cfg.AllowInsecure)
	if err != nil {
		log.WithComponent("main").Warn().Err(err).Msg("plugin verification unavailable, hot directory disabled")
		return
	}
	loader := registry.NewLoader(reg, verifier, kinds)
	w := registry.NewHotDirWatcher(cfg.HotDir, loader, cfg.RescanSec, func(string) { onLoad() })
	go w.Run(ctx)
}

// archiveSampler feeds the regression guard the best archived score.
func archiveSampler(arch *archive.Archive) func() float64 {
	return func() float64 {
		best, err := arch.Best()
		if err != nil || best == nil {
			return 0
		}
		return best.Score
	}
}

func startMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.WithComponent("main").Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server failed", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
