package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"zilscope/internal/config"
	"zilscope/internal/reserve"
	"zilscope/internal/store/postgres"
)

func newReservesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserves",
		Short: "Print the derived reserves or transaction feed of one pool",
		RunE:  runReserves,
	}

	cmd.Flags().String("pool", "", "pool contract address")
	cmd.Flags().Bool("txs", false, "print the pool transaction feed instead of reserves")

	return cmd
}

func runReserves(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required")
	}

	pool, _ := cmd.Flags().GetString("pool")
	if pool == "" {
		return fmt.Errorf("pool address is required")
	}
	showTxs, _ := cmd.Flags().GetBool("txs")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	swaps, err := store.SwapsForPool(ctx, pool)
	if err != nil {
		return err
	}
	changes, err := store.LiquidityChangesForPool(ctx, pool)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if showTxs {
		return enc.Encode(reserve.PoolTransactions(swaps, changes))
	}
	return enc.Encode(reserve.Reserves(swaps, changes))
}
