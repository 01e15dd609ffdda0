package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"zilscope/internal/model"
	"zilscope/internal/normalize"
	"zilscope/internal/source"
)

type fakeSource struct {
	head    uint64
	fetch   func(from, to uint64, pageToken string) (*source.Page, error)
	fetches []string
}

func (f *fakeSource) FetchEvents(_ context.Context, _, _ string, from, to uint64, pageToken string) (*source.Page, error) {
	f.fetches = append(f.fetches, fmt.Sprintf("%d-%d/%s", from, to, pageToken))
	return f.fetch(from, to, pageToken)
}

func (f *fakeSource) ChainHead(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeSource) Block(_ context.Context, height uint64) (model.BlockSync, error) {
	return model.BlockSync{
		BlockHeight:    height,
		BlockTimestamp: time.Unix(int64(height)*30, 0).UTC(),
		NumTxs:         1,
	}, nil
}

// fakeLedger mirrors the store's unique keys: rows are deduplicated
// the way the real INSERT ... ON CONFLICT DO NOTHING statements do, so
// re-committing the same page leaves the row counts unchanged.
type fakeLedger struct {
	checkpoints     map[string]uint64
	commits         []PageCommit
	events          map[string]model.ChainEvent
	swaps           map[string]model.Swap
	liquidity       map[string]model.LiquidityChange
	claims          map[string]model.Claim
	claimEpochs     map[string]bool
	backfillDone    map[string]bool
	syncs           []model.BlockSync
	gap             bool
	hasDistribution bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		checkpoints:  make(map[string]uint64),
		events:       make(map[string]model.ChainEvent),
		swaps:        make(map[string]model.Swap),
		liquidity:    make(map[string]model.LiquidityChange),
		claims:       make(map[string]model.Claim),
		claimEpochs:  make(map[string]bool),
		backfillDone: make(map[string]bool),
	}
}

func pairKey(contract, event string) string { return contract + "/" + event }

func (l *fakeLedger) Checkpoint(_ context.Context, contract, event string) (uint64, bool, error) {
	cp, ok := l.checkpoints[pairKey(contract, event)]
	return cp, ok, nil
}

func (l *fakeLedger) CommitPage(_ context.Context, commit PageCommit) error {
	l.commits = append(l.commits, commit)
	for _, ev := range commit.Events {
		key := fmt.Sprintf("%d/%s/%d", ev.BlockHeight, ev.TransactionHash, ev.EventIndex)
		if _, ok := l.events[key]; !ok {
			l.events[key] = ev
		}
	}
	for _, sw := range commit.Swaps {
		key := fmt.Sprintf("%s/%d", sw.TransactionHash, sw.EventSequence)
		if _, ok := l.swaps[key]; !ok {
			l.swaps[key] = sw
		}
	}
	for _, lc := range commit.Liquidity {
		key := fmt.Sprintf("%s/%d", lc.TransactionHash, lc.EventSequence)
		if _, ok := l.liquidity[key]; !ok {
			l.liquidity[key] = lc
		}
	}
	for _, cl := range commit.Claims {
		txKey := fmt.Sprintf("%s/%d", cl.TransactionHash, cl.EventSequence)
		epochKey := fmt.Sprintf("%s/%d/%s", cl.DistributorAddress, cl.EpochNumber, cl.InitiatorAddress)
		if _, ok := l.claims[txKey]; ok {
			continue
		}
		if l.claimEpochs[epochKey] {
			continue
		}
		l.claims[txKey] = cl
		l.claimEpochs[epochKey] = true
	}
	if commit.Checkpoint != nil {
		l.checkpoints[pairKey(commit.ContractAddress, commit.EventName)] = *commit.Checkpoint
	}
	return nil
}

func (l *fakeLedger) BackfillCompleted(_ context.Context, contract, event string) (bool, error) {
	return l.backfillDone[pairKey(contract, event)], nil
}

func (l *fakeLedger) MarkBackfillCompleted(_ context.Context, contract, event string) error {
	l.backfillDone[pairKey(contract, event)] = true
	return nil
}

func (l *fakeLedger) LatestBlockSync(context.Context) (model.BlockSync, bool, error) {
	if len(l.syncs) == 0 {
		return model.BlockSync{}, false, nil
	}
	return l.syncs[len(l.syncs)-1], true, nil
}

func (l *fakeLedger) HasBlockSyncGap(context.Context) (bool, error) {
	return l.gap, nil
}

func (l *fakeLedger) InsertBlockSyncs(_ context.Context, syncs []model.BlockSync) error {
outer:
	for _, sync := range syncs {
		for _, have := range l.syncs {
			if have.BlockHeight == sync.BlockHeight {
				continue outer
			}
		}
		l.syncs = append(l.syncs, sync)
	}
	return nil
}

func (l *fakeLedger) HasDistribution(context.Context, string, int32, string) (bool, error) {
	return l.hasDistribution, nil
}

func swapTx(hash string, height uint64) model.RawTx {
	return model.RawTx{
		Hash:        hash,
		BlockHeight: height,
		From:        "0xtrader",
		Value:       "0",
		Timestamp:   time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Events: []model.RawEvent{{
			Address: "0xcontract",
			Name:    "Swapped",
			Params: map[string]interface{}{
				"address": "0xtrader",
				"pool":    "0xpool",
				"input": []interface{}{
					map[string]interface{}{"params": []interface{}{"500"}},
					map[string]interface{}{"name": "c.Token"},
				},
				"output": []interface{}{
					map[string]interface{}{"params": []interface{}{"1200"}},
				},
			},
		}},
	}
}

func newTestWorker(src *fakeSource, ledger *fakeLedger, event string) *Worker {
	registry := normalize.NewRegistry()
	registry.Register("0xcontract", event, normalize.ShapeLegacy)
	return NewWorker(Config{
		ContractAddress: "0xcontract",
		EventName:       event,
		Shape:           normalize.ShapeLegacy,
		BlockWindow:     1000,
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
	}, src, ledger, registry, nil)
}

func TestBackfillCheckpointsOnFinalPage(t *testing.T) {
	src := &fakeSource{head: 1500}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		if from == 0 && pageToken == "" {
			return &source.Page{Txs: []model.RawTx{swapTx("0x1", 10)}, NextPageToken: "2"}, nil
		}
		if from == 0 && pageToken == "2" {
			return &source.Page{Txs: []model.RawTx{swapTx("0x2", 700)}}, nil
		}
		return &source.Page{}, nil
	}
	ledger := newFakeLedger()

	w := newTestWorker(src, ledger, "Swapped")
	if err := w.backfill(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ledger.commits[0].Checkpoint != nil {
		t.Fatalf("checkpoint must not advance on a non-final page")
	}
	if ledger.commits[1].Checkpoint == nil || *ledger.commits[1].Checkpoint != 999 {
		t.Fatalf("final page of the window must checkpoint its end")
	}
	if cp := ledger.checkpoints["0xcontract/Swapped"]; cp != 1500 {
		t.Fatalf("backfill must end at the head, got checkpoint %d", cp)
	}
	if len(ledger.commits[0].Swaps) != 1 || len(ledger.commits[1].Swaps) != 1 {
		t.Fatalf("each page must commit its swaps")
	}
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	src := &fakeSource{head: 2999}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		return &source.Page{}, nil
	}
	ledger := newFakeLedger()
	ledger.checkpoints["0xcontract/Swapped"] = 1999

	w := newTestWorker(src, ledger, "Swapped")
	if err := w.backfill(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.fetches[0] != "2000-2999/" {
		t.Fatalf("backfill must resume after the checkpoint, got %s", src.fetches[0])
	}
}

func TestIngestWindowHalvesOnTooManyResults(t *testing.T) {
	src := &fakeSource{head: 7}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		if to-from+1 > 2 {
			return nil, source.ErrTooManyResults
		}
		return &source.Page{}, nil
	}
	ledger := newFakeLedger()

	w := newTestWorker(src, ledger, "Swapped")
	if err := w.ingestWindow(context.Background(), 0, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uint64{1, 3, 5, 7}
	if len(ledger.commits) != len(want) {
		t.Fatalf("expected %d subwindow commits, got %d", len(want), len(ledger.commits))
	}
	for i, commit := range ledger.commits {
		if commit.Checkpoint == nil || *commit.Checkpoint != want[i] {
			t.Fatalf("subwindow %d must checkpoint at %d", i, want[i])
		}
	}
}

func TestIngestWindowSingleBlockTooLargeFails(t *testing.T) {
	src := &fakeSource{head: 1}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		return nil, source.ErrTooManyResults
	}

	w := newTestWorker(src, newFakeLedger(), "Swapped")
	err := w.ingestWindow(context.Background(), 4, 4)
	if !errors.Is(err, source.ErrTooManyResults) {
		t.Fatalf("a single oversized block must fail hard, got %v", err)
	}
}

func claimTx(hash string, height uint64) model.RawTx {
	return model.RawTx{
		Hash:        hash,
		BlockHeight: height,
		From:        "0xcaller",
		Timestamp:   time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Events: []model.RawEvent{{
			Address: "0xdistributor",
			Name:    "Claimed",
			Params: map[string]interface{}{
				"epoch_number": "3",
				"data": []interface{}{
					map[string]interface{}{"params": []interface{}{"0xrecipient", "99"}},
				},
			},
		}},
	}
}

func newClaimWorker(ledger *fakeLedger) *Worker {
	registry := normalize.NewRegistry()
	registry.Register("0xdistributor", "Claimed", normalize.ShapeLegacy)
	return NewWorker(Config{
		ContractAddress: "0xdistributor",
		EventName:       "Claimed",
		Shape:           normalize.ShapeLegacy,
	}, &fakeSource{}, ledger, registry, nil)
}

func TestClaimWithoutDistributionMarkedFailed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.hasDistribution = false
	w := newClaimWorker(ledger)
	tx := claimTx("0xclaim", 50)

	commit, err := w.buildCommit(context.Background(), []model.RawTx{tx})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(commit.Claims) != 0 {
		t.Fatalf("unmatched claim must not be persisted")
	}
	if len(commit.Events) != 1 || commit.Events[0].Status != model.EventFailed {
		t.Fatalf("unmatched claim must record a failed event")
	}

	ledger.hasDistribution = true
	commit, err = w.buildCommit(context.Background(), []model.RawTx{tx})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(commit.Claims) != 1 || commit.Events[0].Status != model.EventProcessed {
		t.Fatalf("matched claim must be persisted as processed")
	}
	for _, ev := range commit.Events {
		if ev.Status == model.EventPending {
			t.Fatalf("events must leave the commit resolved, found pending")
		}
	}
}

func TestRepeatClaimInNewTxStoresSingleRow(t *testing.T) {
	ledger := newFakeLedger()
	ledger.hasDistribution = true
	w := newClaimWorker(ledger)

	for _, hash := range []string{"0xclaim1", "0xclaim2"} {
		commit, err := w.buildCommit(context.Background(), []model.RawTx{claimTx(hash, 50)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ledger.CommitPage(context.Background(), commit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(ledger.claims) != 1 {
		t.Fatalf("a second claim of the same epoch must be dropped, got %d rows", len(ledger.claims))
	}
}

func TestReingestedWindowAddsNoRows(t *testing.T) {
	src := &fakeSource{head: 100}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		return &source.Page{Txs: []model.RawTx{swapTx("0x1", 10)}}, nil
	}
	ledger := newFakeLedger()
	w := newTestWorker(src, ledger, "Swapped")

	for i := 0; i < 2; i++ {
		if err := w.ingestWindow(context.Background(), 0, 100); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(ledger.events) != 1 || len(ledger.swaps) != 1 {
		t.Fatalf("re-ingesting a window must not duplicate rows: %d events, %d swaps",
			len(ledger.events), len(ledger.swaps))
	}
}

func TestPollDetectsGap(t *testing.T) {
	ledger := newFakeLedger()
	ledger.gap = true

	w := newTestWorker(&fakeSource{head: 10}, ledger, "Swapped")
	if err := w.pollOnce(context.Background()); !errors.Is(err, ErrGapDetected) {
		t.Fatalf("expected ErrGapDetected, got %v", err)
	}
}

func TestPollWritesBlockSyncPerHeight(t *testing.T) {
	src := &fakeSource{head: 5}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		return &source.Page{}, nil
	}
	ledger := newFakeLedger()
	ledger.syncs = []model.BlockSync{{BlockHeight: 2}}

	w := newTestWorker(src, ledger, "Swapped")
	if err := w.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ledger.syncs) != 4 {
		t.Fatalf("expected syncs for heights 3..5, got %d rows", len(ledger.syncs))
	}
	for i, height := range []uint64{3, 4, 5} {
		if ledger.syncs[i+1].BlockHeight != height {
			t.Fatalf("sync %d: expected height %d, got %d", i, height, ledger.syncs[i+1].BlockHeight)
		}
	}
}

func TestPollFetchesBehindSharedFrontier(t *testing.T) {
	ledger := newFakeLedger()

	srcA := &fakeSource{head: 10}
	srcA.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		return &source.Page{}, nil
	}
	a := newTestWorker(srcA, ledger, "Swapped")
	if err := a.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ledger.syncs) != 11 {
		t.Fatalf("first poll must extend the frontier to the head, got %d rows", len(ledger.syncs))
	}

	// the first worker pushed the shared frontier to the head; the
	// second pair has no checkpoint yet and must still fetch from zero
	txB := swapTx("0xb1", 6)
	txB.Events[0].Address = "0xother"
	srcB := &fakeSource{head: 10}
	srcB.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		return &source.Page{Txs: []model.RawTx{txB}}, nil
	}
	registryB := normalize.NewRegistry()
	registryB.Register("0xother", "Swapped", normalize.ShapeLegacy)
	b := NewWorker(Config{
		ContractAddress: "0xother",
		EventName:       "Swapped",
		Shape:           normalize.ShapeLegacy,
		BlockWindow:     1000,
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
	}, srcB, ledger, registryB, nil)
	if err := b.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(srcB.fetches) != 1 || srcB.fetches[0] != "0-10/" {
		t.Fatalf("poll must resume from the pair's own checkpoint, got %v", srcB.fetches)
	}
	if cp := ledger.checkpoints["0xother/Swapped"]; cp != 10 {
		t.Fatalf("second pair must checkpoint at the head, got %d", cp)
	}
	if len(ledger.swaps) != 1 {
		t.Fatalf("second pair's events must be committed, got %d swaps", len(ledger.swaps))
	}
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	calls := 0
	src := &fakeSource{head: 10}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		calls++
		return nil, source.ErrMalformed
	}

	w := newTestWorker(src, newFakeLedger(), "Swapped")
	if err := w.ingestWindow(context.Background(), 0, 10); !errors.Is(err, source.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("malformed responses must not be retried, got %d calls", calls)
	}
}

func TestRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	src := &fakeSource{head: 10}
	src.fetch = func(from, to uint64, pageToken string) (*source.Page, error) {
		calls++
		if calls == 1 {
			return nil, source.ErrRateLimited
		}
		return &source.Page{}, nil
	}

	w := newTestWorker(src, newFakeLedger(), "Swapped")
	if err := w.ingestWindow(context.Background(), 0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("transient errors must be retried, got %d calls", calls)
	}
}
