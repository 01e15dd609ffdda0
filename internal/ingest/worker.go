package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"zilscope/internal/metrics"
	"zilscope/internal/model"
	"zilscope/internal/normalize"
	"zilscope/internal/source"
)

// ErrGapDetected means a BlockSync height is missing from the recorded
// prefix. This is fatal to the worker's poll phase and needs operator
// intervention: it indicates upstream data loss, not a transient fault.
var ErrGapDetected = errors.New("block sync gap detected")

// State of the per-(contract,event) sync state machine.
type State int

const (
	StateNotStarted State = iota
	StateBackfilling
	StateCaughtUp
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateBackfilling:
		return "backfilling"
	case StateCaughtUp:
		return "caught-up"
	case StatePolling:
		return "polling"
	}
	return "not-started"
}

// Config holds runtime settings for one worker.
type Config struct {
	ContractAddress string
	EventName       string
	Shape           normalize.Shape

	// BlockWindow is the fixed block-height window walked during
	// backfill and poll. Oversized responses halve it recursively.
	BlockWindow  uint64
	PollInterval time.Duration

	MaxRetries   uint64
	RetryBackoff time.Duration
}

// Worker drives backfill and incremental sync for one contract+event
// pair. Workers share no in-process state; the storage layer's unique
// keys serialize conflicting writes.
type Worker struct {
	cfg      Config
	source   Source
	ledger   Ledger
	registry *normalize.Registry
	logger   *zap.Logger
	state    State
}

// NewWorker builds a Worker with its dependencies.
func NewWorker(cfg Config, src Source, ledger Ledger, registry *normalize.Registry, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BlockWindow == 0 {
		cfg.BlockWindow = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Worker{
		cfg:      cfg,
		source:   src,
		ledger:   ledger,
		registry: registry,
		logger: logger.With(
			zap.String("contract", cfg.ContractAddress),
			zap.String("event", cfg.EventName),
		),
		state: StateNotStarted,
	}
}

// State returns the current sync state.
func (w *Worker) State() State {
	return w.state
}

// Run executes the worker until ctx is cancelled. Backfill runs to the
// chain head once, then the worker alternates between caught-up and
// polling on a fixed interval. A poll cycle failure other than
// ErrGapDetected is logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) error {
	if w.source == nil {
		return fmt.Errorf("source is nil")
	}
	if w.ledger == nil {
		return fmt.Errorf("ledger is nil")
	}

	completed, err := w.ledger.BackfillCompleted(ctx, w.cfg.ContractAddress, w.cfg.EventName)
	if err != nil {
		return fmt.Errorf("check backfill completion: %w", err)
	}

	for !completed {
		w.transition(StateBackfilling)
		err := w.backfill(ctx)
		if err == nil {
			if err := w.ledger.MarkBackfillCompleted(ctx, w.cfg.ContractAddress, w.cfg.EventName); err != nil {
				return fmt.Errorf("mark backfill completed: %w", err)
			}
			break
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		// checkpoints survived, so the next attempt resumes where the
		// failed one left off
		w.logger.Warn("backfill cycle failed", zap.Error(err))
		metrics.CycleFailures.WithLabelValues(w.cfg.ContractAddress, w.cfg.EventName).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
	w.transition(StateCaughtUp)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.transition(StatePolling)
			err := w.pollOnce(ctx)
			w.transition(StateCaughtUp)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return err
			case errors.Is(err, ErrGapDetected):
				return err
			default:
				// no data loss: checkpoints only advance after a
				// successful commit, so the next tick resumes cleanly
				w.logger.Warn("poll cycle failed", zap.Error(err))
				metrics.CycleFailures.WithLabelValues(w.cfg.ContractAddress, w.cfg.EventName).Inc()
			}
		}
	}
}

func (w *Worker) transition(next State) {
	if w.state == next {
		return
	}
	w.logger.Info("state transition", zap.Stringer("from", w.state), zap.Stringer("to", next))
	w.state = next
}

// backfill walks block windows forward from the last durable checkpoint
// until it reaches the chain head, re-reading the head each pass so a
// long backfill converges on a moving tip.
func (w *Worker) backfill(ctx context.Context) error {
	from := uint64(0)
	if cp, ok, err := w.ledger.Checkpoint(ctx, w.cfg.ContractAddress, w.cfg.EventName); err != nil {
		return err
	} else if ok {
		from = cp + 1
		w.logger.Info("resume from checkpoint", zap.Uint64("checkpoint", cp))
	}

	for {
		head, err := w.chainHeadWithRetry(ctx)
		if err != nil {
			return err
		}
		if from > head {
			w.logger.Info("backfill complete", zap.Uint64("head", head))
			return nil
		}

		for from <= head {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			to := from + w.cfg.BlockWindow - 1
			if to > head {
				to = head
			}
			if err := w.ingestWindow(ctx, from, to); err != nil {
				return err
			}
			from = to + 1
		}
	}
}

// ingestWindow fetches and commits every page of events in [from, to].
// An oversized response halves the window recursively instead of
// failing the cycle; a single block that is still oversized is a hard
// error.
func (w *Worker) ingestWindow(ctx context.Context, from, to uint64) error {
	pageToken := ""
	for {
		page, err := w.fetchWithRetry(ctx, from, to, pageToken)
		if errors.Is(err, source.ErrTooManyResults) {
			if from == to {
				return fmt.Errorf("block %d: %w", from, err)
			}
			mid := from + (to-from)/2
			w.logger.Info("halving window", zap.Uint64("from", from), zap.Uint64("to", to))
			if err := w.ingestWindow(ctx, from, mid); err != nil {
				return err
			}
			return w.ingestWindow(ctx, mid+1, to)
		}
		if err != nil {
			return err
		}
		metrics.PagesFetched.WithLabelValues(w.cfg.ContractAddress, w.cfg.EventName).Inc()

		commit, err := w.buildCommit(ctx, page.Txs)
		if err != nil {
			return err
		}
		last := page.NextPageToken == ""
		if last {
			checkpoint := to
			commit.Checkpoint = &checkpoint
		}
		if err := w.ledger.CommitPage(ctx, commit); err != nil {
			return fmt.Errorf("commit page: %w", err)
		}
		metrics.EventsIngested.WithLabelValues(w.cfg.ContractAddress, w.cfg.EventName).Add(float64(len(commit.Events)))

		if last {
			return nil
		}
		pageToken = page.NextPageToken

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// buildCommit normalizes one page of raw transactions into a single
// atomic commit. Normalization failures mark the event failed and move
// on; unrecognized contract+event pairs are skipped with a logged drop.
func (w *Worker) buildCommit(ctx context.Context, txs []model.RawTx) (PageCommit, error) {
	commit := PageCommit{
		ContractAddress: w.cfg.ContractAddress,
		EventName:       w.cfg.EventName,
	}

	for _, tx := range txs {
		for i, ev := range tx.Events {
			if !w.owns(ev) {
				if _, known := w.registry.Lookup(ev.Address, ev.Name); !known {
					w.logger.Debug("skipping unrecognized event",
						zap.String("address", ev.Address),
						zap.String("name", ev.Name),
						zap.String("tx", tx.Hash),
					)
				}
				continue
			}

			payload, err := json.Marshal(ev.Params)
			if err != nil {
				return PageCommit{}, fmt.Errorf("marshal payload: %w", err)
			}
			chainEvent := model.ChainEvent{
				BlockHeight:      tx.BlockHeight,
				BlockTimestamp:   tx.BlockTime(),
				TransactionHash:  tx.Hash,
				EventIndex:       i,
				ContractAddress:  ev.Address,
				InitiatorAddress: tx.From,
				EventName:        ev.Name,
				Payload:          payload,
				Status:           model.EventPending,
			}

			record, err := normalize.Normalize(tx, ev, i, w.cfg.Shape)
			if err != nil {
				w.logger.Warn("normalization failed",
					zap.String("tx", tx.Hash), zap.Int("event_index", i), zap.Error(err))
				metrics.EventsFailed.WithLabelValues(w.cfg.ContractAddress, w.cfg.EventName).Inc()
				chainEvent.Status = model.EventFailed
				commit.Events = append(commit.Events, chainEvent)
				continue
			}
			if record == nil {
				continue
			}

			switch record.Kind {
			case normalize.KindSwap:
				commit.Swaps = append(commit.Swaps, *record.Swap)
			case normalize.KindLiquidityChange:
				commit.Liquidity = append(commit.Liquidity, *record.Liquidity)
			case normalize.KindClaim:
				claim := record.Claim
				exists, err := w.ledger.HasDistribution(ctx, claim.DistributorAddress, claim.EpochNumber, claim.InitiatorAddress)
				if err != nil {
					return PageCommit{}, fmt.Errorf("check distribution: %w", err)
				}
				if !exists {
					// valid on-chain claims always have a pre-existing
					// off-chain allocation; surface the inconsistency
					w.logger.Error("claim without matching distribution",
						zap.String("tx", tx.Hash),
						zap.String("distributor", claim.DistributorAddress),
						zap.Int32("epoch", claim.EpochNumber),
						zap.String("address", claim.InitiatorAddress),
					)
					metrics.EventsFailed.WithLabelValues(w.cfg.ContractAddress, w.cfg.EventName).Inc()
					chainEvent.Status = model.EventFailed
					commit.Events = append(commit.Events, chainEvent)
					continue
				}
				commit.Claims = append(commit.Claims, *claim)
			}
			chainEvent.Status = model.EventProcessed
			commit.Events = append(commit.Events, chainEvent)
		}
	}
	return commit, nil
}

func (w *Worker) owns(ev model.RawEvent) bool {
	shape, ok := w.registry.Lookup(ev.Address, ev.Name)
	return ok && shape == w.cfg.Shape && equalAddress(ev.Address, w.cfg.ContractAddress) && ev.Name == w.cfg.EventName
}

// pollOnce advances this pair's incremental sync to the chain head.
// Events resume from the pair's own durable checkpoint: the block_syncs
// frontier is shared by every worker, so a sibling polling ahead must
// never shrink another pair's fetch range. The frontier is advanced
// separately, one BlockSync row per height even when the height carried
// no events.
func (w *Worker) pollOnce(ctx context.Context) error {
	gap, err := w.ledger.HasBlockSyncGap(ctx)
	if err != nil {
		return fmt.Errorf("check block sync continuity: %w", err)
	}
	if gap {
		return ErrGapDetected
	}

	head, err := w.chainHeadWithRetry(ctx)
	if err != nil {
		return err
	}

	start := uint64(0)
	if cp, ok, err := w.ledger.Checkpoint(ctx, w.cfg.ContractAddress, w.cfg.EventName); err != nil {
		return err
	} else if ok {
		start = cp + 1
	}

	for from := start; from <= head; {
		to := from + w.cfg.BlockWindow - 1
		if to > head {
			to = head
		}
		if err := w.ingestWindow(ctx, from, to); err != nil {
			return err
		}
		from = to + 1

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := w.advanceBlockSyncs(ctx, head); err != nil {
		return err
	}

	w.logger.Debug("poll complete", zap.Uint64("from", start), zap.Uint64("to", head))
	return nil
}

// advanceBlockSyncs extends the shared height frontier to head.
// Duplicate heights from racing workers are no-ops on insert.
func (w *Worker) advanceBlockSyncs(ctx context.Context, head uint64) error {
	start := uint64(0)
	if last, ok, err := w.ledger.LatestBlockSync(ctx); err != nil {
		return fmt.Errorf("latest block sync: %w", err)
	} else if ok {
		start = last.BlockHeight + 1
	}

	for from := start; from <= head; {
		to := from + w.cfg.BlockWindow - 1
		if to > head {
			to = head
		}

		syncs := make([]model.BlockSync, 0, to-from+1)
		for height := from; height <= to; height++ {
			sync, err := w.blockWithRetry(ctx, height)
			if err != nil {
				return err
			}
			syncs = append(syncs, sync)
		}
		if err := w.ledger.InsertBlockSyncs(ctx, syncs); err != nil {
			return fmt.Errorf("insert block syncs: %w", err)
		}
		metrics.LastSyncedBlock.Set(float64(to))
		from = to + 1

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (w *Worker) fetchWithRetry(ctx context.Context, from, to uint64, pageToken string) (*source.Page, error) {
	var page *source.Page
	err := w.retry(ctx, func() error {
		p, err := w.source.FetchEvents(ctx, w.cfg.ContractAddress, w.cfg.EventName, from, to, pageToken)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	return page, err
}

func (w *Worker) chainHeadWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	err := w.retry(ctx, func() error {
		h, err := w.source.ChainHead(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	return head, err
}

func (w *Worker) blockWithRetry(ctx context.Context, height uint64) (model.BlockSync, error) {
	var sync model.BlockSync
	err := w.retry(ctx, func() error {
		s, err := w.source.Block(ctx, height)
		if err != nil {
			return err
		}
		sync = s
		return nil
	})
	return sync, err
}

// retry runs fn with exponential backoff for transient source errors,
// capped at MaxRetries. Anything else fails immediately.
func (w *Worker) retry(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if source.Transient(err) {
			w.logger.Warn("transient source error", zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryBackoff
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, w.cfg.MaxRetries), ctx))
}

func equalAddress(a, b string) bool {
	return len(a) == len(b) && (a == b || normalizeAddr(a) == normalizeAddr(b))
}

func normalizeAddr(a string) string {
	out := make([]byte, len(a))
	for i := 0; i < len(a); i++ {
		c := a[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
