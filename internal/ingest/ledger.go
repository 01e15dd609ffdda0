package ingest

import (
	"context"

	"zilscope/internal/model"
	"zilscope/internal/source"
)

// Source is the slice of the explorer client the worker needs.
type Source interface {
	FetchEvents(ctx context.Context, contractAddress, eventName string, fromBlock, toBlock uint64, pageToken string) (*source.Page, error)
	ChainHead(ctx context.Context) (uint64, error)
	Block(ctx context.Context, height uint64) (model.BlockSync, error)
}

// PageCommit is one page's worth of writes. The storage layer commits
// it atomically: every row lands or none do, so a crash mid-page is
// safe to retry from the last committed boundary.
type PageCommit struct {
	ContractAddress string
	EventName       string

	// Checkpoint, when set, advances the backfill checkpoint for this
	// contract+event pair as part of the same transaction.
	Checkpoint *uint64

	Events    []model.ChainEvent
	Swaps     []model.Swap
	Liquidity []model.LiquidityChange
	Claims    []model.Claim
}

// Ledger is the durable state the worker reads and writes. All
// idempotency comes from the storage layer's unique keys: re-inserting
// an already-seen row is a silent no-op.
type Ledger interface {
	// Checkpoint returns the last fully committed backfill block for a
	// contract+event pair; ok is false before the first commit.
	Checkpoint(ctx context.Context, contractAddress, eventName string) (uint64, bool, error)
	CommitPage(ctx context.Context, commit PageCommit) error

	BackfillCompleted(ctx context.Context, contractAddress, eventName string) (bool, error)
	MarkBackfillCompleted(ctx context.Context, contractAddress, eventName string) error

	LatestBlockSync(ctx context.Context) (model.BlockSync, bool, error)
	// HasBlockSyncGap reports whether the recorded heights have a hole,
	// which indicates upstream data loss and stops the poll phase.
	HasBlockSyncGap(ctx context.Context) (bool, error)
	InsertBlockSyncs(ctx context.Context, syncs []model.BlockSync) error

	// HasDistribution backs claim reconciliation: a claim without a
	// matching distribution is recorded as failed.
	HasDistribution(ctx context.Context, distributorAddress string, epochNumber int32, address string) (bool, error)
}
