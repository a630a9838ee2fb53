package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alphafactory/hive/pkg/config"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/registry"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents the orchestrator would load",
	Long: `Resolve the built-in agents, the YAML manifest and the signed plugins
in the hot directory, then print the resulting catalogue without
starting anything. Plugins failing verification show up with their
rejection reason.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: "error", JSONOutput: cfg.JSONLogs})

		reg := registry.New(
			registry.WithDisabled(cfg.AgentDisabled),
			registry.WithAPIKey(cfg.APIKeyReady),
		)
		kinds := builtinKinds(nil)
		registerBuiltins(reg, cfg)
		if cfg.ManifestPath != "" {
			if err := registerManifest(reg, kinds, cfg.ManifestPath); err != nil {
				return err
			}
		}

		var pins map[string]string
		if cfg.SigPinsPath != "" {
			if pins, err = registry.LoadPins(cfg.SigPinsPath); err != nil {
				return err
			}
		}
		if verifier, verr := registry.NewVerifier(cfg.PubKey, pins, cfg.AllowInsecure); verr == nil {
			loader := registry.NewLoader(reg, verifier, kinds)
			registry.NewHotDirWatcher(cfg.HotDir, loader, cfg.RescanSec, nil).Scan()
		}

		infos, failed := reg.ListAgents()
		fmt.Printf("%-20s %-12s %-10s %s\n", "NAME", "VERSION", "STATE", "CAPABILITIES")
		for _, info := range infos {
			state := "ready"
			if info.Quarantined {
				state = "quarantined"
			}
			fmt.Printf("%-20s %-12s %-10s %s\n",
				info.Name, info.Version, state, strings.Join(info.Capabilities, ","))
		}
		if len(failed) > 0 {
			fmt.Println("\nFailed imports:")
			for _, f := range failed {
				fmt.Printf("  %s: %s\n", f.Name, f.Reason)
			}
		}
		return nil
	},
}
