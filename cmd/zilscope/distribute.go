package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"zilscope/internal/config"
	"zilscope/internal/distribution"
	"zilscope/internal/reserve"
	"zilscope/internal/store/postgres"
)

func newDistributeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Generate Merkle reward allocations for one epoch",
		RunE:  runDistribute,
	}

	cmd.Flags().String("distributor", "", "distributor name from config")
	cmd.Flags().Int32("epoch", -1, "epoch number, -1 means the most recent closed epoch")
	cmd.Flags().String("redis-addr", "", "Redis address for the weight cache, empty disables")

	return cmd
}

func runDistribute(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("distributor")
	epoch, _ := cmd.Flags().GetInt32("epoch")

	var dist *config.Distributor
	for i := range cfg.Distributors {
		if cfg.Distributors[i].Name == name {
			dist = &cfg.Distributors[i]
			break
		}
	}
	if dist == nil {
		return fmt.Errorf("unknown distributor %q", name)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	var cache *reserve.Cache
	if cfg.RedisAddr != "" {
		cache = reserve.NewCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), 0)
	}

	tokensPerEpoch, err := dist.TokensPerEpochAmount()
	if err != nil {
		return err
	}
	initialTokens, err := dist.InitialEpochTokensAmount()
	if err != nil {
		return err
	}

	schedule := distribution.Schedule{
		TradingStart:       dist.TradingStart,
		DistributionStart:  dist.DistributionStart,
		EpochPeriod:        dist.EpochPeriod,
		TotalEpochs:        dist.TotalEpochs,
		TokensPerEpoch:     tokensPerEpoch,
		InitialEpochTokens: initialTokens,
	}

	pairs := make([]distribution.Pair, 0, len(cfg.Contracts))
	for _, contract := range cfg.Contracts {
		for _, event := range contract.Events {
			pairs = append(pairs, distribution.Pair{
				ContractAddress: contract.Address,
				EventName:       event,
			})
		}
	}

	engine, err := distribution.NewEngine(distribution.Config{
		DistributorAddress: dist.DistributorAddress,
		DeveloperAddress:   dist.DeveloperAddress,
		Schedule:           schedule,
		DeveloperShareBPS:  dist.DeveloperShareBPS,
		TraderShareBPS:     dist.TraderShareBPS,
		IncentivizedPools:  dist.IncentivizedPools,
		Pairs:              pairs,
	}, store, cache, logger)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if epoch < 0 {
		epoch = schedule.CurrentEpoch(now) - 1
		if epoch < 0 {
			return fmt.Errorf("no closed epoch yet")
		}
	}

	rows, root, err := engine.Generate(ctx, epoch, now)
	if err != nil {
		return err
	}

	logger.Info("distribution generated",
		zap.String("distributor", dist.Name),
		zap.Int32("epoch", epoch),
		zap.Int("leaves", len(rows)),
		zap.String("root", root),
	)
	return nil
}
