package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"zilscope/internal/config"
	"zilscope/internal/export"
	"zilscope/internal/store/postgres"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one epoch's distribution leaves to JSONL",
		RunE:  runExport,
	}

	cmd.Flags().String("distributor", "", "distributor address")
	cmd.Flags().Int32("epoch", 0, "epoch number")
	cmd.Flags().String("out", "./data/distributions.jsonl", "output JSONL path")

	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required")
	}

	distributor, _ := cmd.Flags().GetString("distributor")
	if distributor == "" {
		return fmt.Errorf("distributor address is required")
	}
	epoch, _ := cmd.Flags().GetInt32("epoch")
	out, _ := cmd.Flags().GetString("out")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.DistributionsForEpoch(ctx, distributor, epoch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no distributions for %s epoch %d", distributor, epoch)
	}

	manifest, err := export.WriteEpoch(out, distributor, epoch, rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "exported %d leaves (root %s) to %s\n", manifest.Leaves, manifest.MerkleRoot, out)
	return nil
}
