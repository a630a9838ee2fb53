package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alphafactory/hive/pkg/archive"
	"github.com/alphafactory/hive/pkg/config"
	"github.com/alphafactory/hive/pkg/ledger"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/patch"
)

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Patch admission operations",
}

var patchAdmitCmd = &cobra.Command{
	Use:   "admit <diff-file>",
	Short: "Run a diff through the admission pipeline",
	Long: `Normalise, safety-scan, preflight and apply the given unified diff
against the repository root. On success the normalised-diff hash is
printed and the patch is recorded in the archive and the ledger.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.JSONLogs})

		diff, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		repo, _ := cmd.Flags().GetString("repo")
		parent, _ := cmd.Flags().GetString("parent")

		arch, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer arch.Close()

		led, err := ledger.Open(cfg.LedgerPath, nil)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer led.Close()

		adm := patch.NewAdmission(repo, cfg.PatchAllow,
			patch.WithPreflight(cfg.PreflightCmds),
			patch.WithPreflightTimeout(cfg.PreflightTimeout),
			patch.WithArchive(arch),
			patch.WithLedger(led))

		hash, err := adm.Admit(cmd.Context(), string(diff), parent)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Patch admitted\nHash: %s\n", hash)
		return nil
	},
}

func init() {
	patchAdmitCmd.Flags().String("repo", ".", "repository root to patch")
	patchAdmitCmd.Flags().String("parent", "genesis", "parent reference for the lineage archive")
	patchCmd.AddCommand(patchAdmitCmd)
}
