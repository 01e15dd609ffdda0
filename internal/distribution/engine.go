package distribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"zilscope/internal/metrics"
	"zilscope/internal/model"
	"zilscope/internal/reserve"
)

var (
	// ErrEpochNotReady means the ledger has not yet observed the full
	// epoch window; generating now would allocate against partial data.
	ErrEpochNotReady = errors.New("epoch window not fully ingested")
	// ErrEpochExists means allocations for this distributor+epoch were
	// already generated. Generation is strictly once per epoch.
	ErrEpochExists = errors.New("epoch already distributed")
)

// Pair names one contract+event ingestion stream the engine depends on.
type Pair struct {
	ContractAddress string
	EventName       string
}

// Ledger is the slice of the store the engine reads and writes.
type Ledger interface {
	BackfillCompleted(ctx context.Context, contractAddress, eventName string) (bool, error)
	LatestBlockSync(ctx context.Context) (model.BlockSync, bool, error)
	EpochExists(ctx context.Context, distributorAddress string, epochNumber int32) (bool, error)
	InsertDistributions(ctx context.Context, rows []model.Distribution) error
	SwapsInWindow(ctx context.Context, start, end time.Time) ([]model.Swap, error)
	LiquidityChangesUntil(ctx context.Context, end time.Time) ([]model.LiquidityChange, error)
}

// Config describes one distributor's allocation policy.
type Config struct {
	DistributorAddress string
	DeveloperAddress   string
	Schedule           Schedule

	// Basis points of the epoch budget reserved for the developer fund
	// and for trader volume rewards. The rest goes to liquidity
	// providers of the incentivized pools.
	DeveloperShareBPS int64
	TraderShareBPS    int64

	// IncentivizedPools maps pool address to its relative weight in the
	// liquidity slice. Pools absent from the map earn nothing.
	IncentivizedPools map[string]int64

	// Pairs whose backfill must be complete before any epoch is
	// generated.
	Pairs []Pair
}

// Engine turns one epoch's ledger activity into Merkle-proven reward
// allocations. Amounts round down at every split; the accumulated dust
// goes to the developer address so each epoch pays out its exact
// budget.
type Engine struct {
	cfg    Config
	ledger Ledger
	cache  *reserve.Cache
	logger *zap.Logger
}

func NewEngine(cfg Config, ledger Ledger, cache *reserve.Cache, logger *zap.Logger) (*Engine, error) {
	if cfg.DistributorAddress == "" {
		return nil, fmt.Errorf("distributor address is required")
	}
	if cfg.DeveloperAddress == "" {
		return nil, fmt.Errorf("developer address is required")
	}
	if cfg.DeveloperShareBPS < 0 || cfg.TraderShareBPS < 0 || cfg.DeveloperShareBPS+cfg.TraderShareBPS > 10000 {
		return nil, fmt.Errorf("share basis points out of range")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		cache:  cache,
		logger: logger.With(zap.String("distributor", cfg.DistributorAddress)),
	}, nil
}

// Generate computes and persists the allocation leaves for one epoch.
// It returns the persisted rows and the tree root. Generation is
// idempotent at the epoch level: a second call fails with
// ErrEpochExists and writes nothing.
func (e *Engine) Generate(ctx context.Context, epoch int32, now time.Time) ([]model.Distribution, string, error) {
	if epoch < 0 || epoch > e.cfg.Schedule.TotalEpochs {
		return nil, "", fmt.Errorf("epoch %d outside schedule", epoch)
	}

	exists, err := e.ledger.EpochExists(ctx, e.cfg.DistributorAddress, epoch)
	if err != nil {
		return nil, "", fmt.Errorf("check epoch: %w", err)
	}
	if exists {
		return nil, "", fmt.Errorf("epoch %d: %w", epoch, ErrEpochExists)
	}

	start, end := e.cfg.Schedule.Window(epoch)
	if err := e.checkReady(ctx, end, now); err != nil {
		return nil, "", err
	}

	allocations, err := e.allocate(ctx, epoch, start, end)
	if err != nil {
		return nil, "", err
	}
	if len(allocations) == 0 {
		e.logger.Info("no activity in epoch window", zap.Int32("epoch", epoch))
		return nil, "", nil
	}

	leaves := make([]Leaf, 0, len(allocations))
	for addr, amount := range allocations {
		leaves = append(leaves, Leaf{Address: addr, Amount: amount})
	}
	tree, err := NewTree(leaves)
	if err != nil {
		return nil, "", fmt.Errorf("build tree: %w", err)
	}

	rows := make([]model.Distribution, 0, len(leaves))
	for i, leaf := range tree.Leaves() {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, "", err
		}
		rows = append(rows, model.Distribution{
			DistributorAddress: strings.ToLower(e.cfg.DistributorAddress),
			EpochNumber:        epoch,
			AddressHex:         strings.ToLower(leaf.Address.Hex()),
			Amount:             leaf.Amount,
			Proof:              proof,
		})
	}

	if err := e.ledger.InsertDistributions(ctx, rows); err != nil {
		return nil, "", fmt.Errorf("persist distributions: %w", err)
	}
	metrics.DistributionLeaves.WithLabelValues(e.cfg.DistributorAddress).Add(float64(len(rows)))
	e.logger.Info("epoch distributed",
		zap.Int32("epoch", epoch),
		zap.Int("leaves", len(rows)),
		zap.String("root", tree.RootHex()),
	)
	return rows, tree.RootHex(), nil
}

// checkReady requires every dependent backfill to be complete and the
// sync frontier to have passed the epoch's end.
func (e *Engine) checkReady(ctx context.Context, end, now time.Time) error {
	if now.Before(end) {
		return fmt.Errorf("%w: window ends %s", ErrEpochNotReady, end.Format(time.RFC3339))
	}
	for _, pair := range e.cfg.Pairs {
		done, err := e.ledger.BackfillCompleted(ctx, pair.ContractAddress, pair.EventName)
		if err != nil {
			return fmt.Errorf("check backfill: %w", err)
		}
		if !done {
			return fmt.Errorf("%w: backfill pending for %s/%s", ErrEpochNotReady, pair.ContractAddress, pair.EventName)
		}
	}
	sync, ok, err := e.ledger.LatestBlockSync(ctx)
	if err != nil {
		return fmt.Errorf("latest block sync: %w", err)
	}
	if !ok || sync.BlockTimestamp.Before(end) {
		return fmt.Errorf("%w: sync frontier behind %s", ErrEpochNotReady, end.Format(time.RFC3339))
	}
	return nil
}

// allocate splits the epoch budget into developer, trader, and
// liquidity slices and returns the summed per-address amounts.
func (e *Engine) allocate(ctx context.Context, epoch int32, start, end time.Time) (map[common.Address]decimal.Decimal, error) {
	budget := e.cfg.Schedule.Tokens(epoch)
	if !budget.IsPositive() {
		return nil, nil
	}
	bps := decimal.NewFromInt(10000)
	developerAmount := budget.Mul(decimal.NewFromInt(e.cfg.DeveloperShareBPS)).Div(bps).Floor()
	traderBudget := budget.Mul(decimal.NewFromInt(e.cfg.TraderShareBPS)).Div(bps).Floor()
	liquidityBudget := budget.Sub(developerAmount).Sub(traderBudget)

	allocations := make(map[common.Address]decimal.Decimal)
	add := func(hexAddr string, amount decimal.Decimal) {
		if !amount.IsPositive() {
			return
		}
		if !common.IsHexAddress(hexAddr) {
			// the mangled 20 bytes HexToAddress would produce could
			// never be claimed; drop the share into the dust instead
			e.logger.Warn("skipping non-hex beneficiary", zap.String("address", hexAddr))
			return
		}
		addr := common.HexToAddress(hexAddr)
		allocations[addr] = allocations[addr].Add(amount)
	}

	if err := e.allocateLiquidity(ctx, start, end, liquidityBudget, add); err != nil {
		return nil, err
	}
	if err := e.allocateTraders(ctx, start, end, traderBudget, add); err != nil {
		return nil, err
	}

	// rounding dust and any unallocatable slice go to the developer so
	// the leaves sum exactly to the epoch budget
	total := decimal.Zero
	for _, amount := range allocations {
		total = total.Add(amount)
	}
	add(e.cfg.DeveloperAddress, budget.Sub(total))

	return allocations, nil
}

func (e *Engine) allocateLiquidity(ctx context.Context, start, end time.Time, budget decimal.Decimal, add func(string, decimal.Decimal)) error {
	if !budget.IsPositive() || len(e.cfg.IncentivizedPools) == 0 {
		return nil
	}

	weights, hit, err := e.cache.Get(ctx, start, end)
	if err != nil {
		e.logger.Warn("weight cache read failed", zap.Error(err))
	}
	if !hit {
		changes, err := e.ledger.LiquidityChangesUntil(ctx, end)
		if err != nil {
			return fmt.Errorf("load liquidity changes: %w", err)
		}
		weights = reserve.WeightedLiquidity(changes, start, end)
		if putErr := e.cache.Put(ctx, start, end, weights); putErr != nil {
			e.logger.Warn("weight cache write failed", zap.Error(putErr))
		}
	}

	var totalPoolWeight int64
	for pool, w := range e.cfg.IncentivizedPools {
		if w > 0 && len(weights[strings.ToLower(pool)]) > 0 {
			totalPoolWeight += w
		}
	}
	if totalPoolWeight == 0 {
		return nil
	}

	pools := make([]string, 0, len(e.cfg.IncentivizedPools))
	for pool := range e.cfg.IncentivizedPools {
		pools = append(pools, pool)
	}
	sort.Strings(pools)

	for _, pool := range pools {
		poolWeight := e.cfg.IncentivizedPools[pool]
		byAddr := weights[strings.ToLower(pool)]
		if poolWeight <= 0 || len(byAddr) == 0 {
			continue
		}
		poolBudget := budget.
			Mul(decimal.NewFromInt(poolWeight)).
			Div(decimal.NewFromInt(totalPoolWeight)).
			Floor()

		poolTotal := decimal.Zero
		for _, w := range byAddr {
			poolTotal = poolTotal.Add(w)
		}
		if !poolTotal.IsPositive() {
			continue
		}
		for addr, w := range byAddr {
			add(addr, poolBudget.Mul(w).Div(poolTotal).Floor())
		}
	}
	return nil
}

func (e *Engine) allocateTraders(ctx context.Context, start, end time.Time, budget decimal.Decimal, add func(string, decimal.Decimal)) error {
	if !budget.IsPositive() {
		return nil
	}
	swaps, err := e.ledger.SwapsInWindow(ctx, start, end)
	if err != nil {
		return fmt.Errorf("load swaps: %w", err)
	}
	volumes := reserve.TradeVolume(swaps)

	total := decimal.Zero
	for _, v := range volumes {
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return nil
	}
	for addr, v := range volumes {
		add(addr, budget.Mul(v).Div(total).Floor())
	}
	return nil
}
