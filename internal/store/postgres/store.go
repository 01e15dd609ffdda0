package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zilscope/internal/ingest"
	"zilscope/internal/model"
)

// Store provides Postgres persistence for the event ledgers, sync
// bookkeeping, and distribution records. All write paths rely on the
// schema's unique keys for idempotency: a replayed page re-inserts the
// same rows and every conflict is a silent no-op.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Checkpoint returns the last fully committed backfill block for a
// contract+event pair.
func (s *Store) Checkpoint(ctx context.Context, contractAddress, eventName string) (uint64, bool, error) {
	var height int64
	row := s.pool.QueryRow(ctx, `
		SELECT last_block_height FROM ingest_checkpoints
		WHERE contract_address=$1 AND event_name=$2
	`, contractAddress, eventName)
	if err := row.Scan(&height); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(height), true, nil
}

// CommitPage writes one page's rows and its optional checkpoint advance
// in a single transaction.
func (s *Store) CommitPage(ctx context.Context, commit ingest.PageCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	queued := 0

	for _, ev := range commit.Events {
		batch.Queue(`
			INSERT INTO chain_events (
				block_height, block_timestamp, transaction_hash, event_index,
				contract_address, initiator_address, event_name, payload, status, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
			ON CONFLICT (block_height, transaction_hash, event_index) DO NOTHING
		`,
			int64(ev.BlockHeight),
			ev.BlockTimestamp,
			ev.TransactionHash,
			ev.EventIndex,
			ev.ContractAddress,
			ev.InitiatorAddress,
			ev.EventName,
			ev.Payload,
			string(ev.Status),
		)
		queued++
	}

	for _, sw := range commit.Swaps {
		batch.Queue(`
			INSERT INTO swaps (
				transaction_hash, event_sequence, block_height, block_timestamp,
				initiator_address, pool_address, router_address, to_address,
				amount_0_in, amount_1_in, amount_0_out, amount_1_out,
				token_amount, zil_amount, is_sending_zil
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (transaction_hash, event_sequence) DO NOTHING
		`,
			sw.TransactionHash,
			sw.EventSequence,
			int64(sw.BlockHeight),
			sw.BlockTimestamp,
			sw.InitiatorAddress,
			sw.PoolAddress,
			sw.RouterAddress,
			sw.ToAddress,
			sw.Amount0In,
			sw.Amount1In,
			sw.Amount0Out,
			sw.Amount1Out,
			sw.TokenAmount,
			sw.ZilAmount,
			sw.IsSendingZil,
		)
		queued++
	}

	for _, lc := range commit.Liquidity {
		batch.Queue(`
			INSERT INTO liquidity_changes (
				transaction_hash, event_sequence, block_height, block_timestamp,
				initiator_address, pool_address, router_address,
				change_amount, token_amount, zil_amount,
				amount_0, amount_1, liquidity
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (transaction_hash, event_sequence) DO NOTHING
		`,
			lc.TransactionHash,
			lc.EventSequence,
			int64(lc.BlockHeight),
			lc.BlockTimestamp,
			lc.InitiatorAddress,
			lc.PoolAddress,
			lc.RouterAddress,
			lc.ChangeAmount,
			lc.TokenAmount,
			lc.ZilAmount,
			lc.Amount0,
			lc.Amount1,
			lc.Liquidity,
		)
		queued++
	}

	for _, cl := range commit.Claims {
		// claims carry two unique keys: the tx identity for re-ingest
		// dedupe and (distributor, epoch, initiator) so a repeat claim
		// in a later tx is dropped instead of aborting the batch
		batch.Queue(`
			INSERT INTO claims (
				transaction_hash, event_sequence, block_height, block_timestamp,
				initiator_address, distributor_address, epoch_number, amount
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT DO NOTHING
		`,
			cl.TransactionHash,
			cl.EventSequence,
			int64(cl.BlockHeight),
			cl.BlockTimestamp,
			cl.InitiatorAddress,
			cl.DistributorAddress,
			cl.EpochNumber,
			cl.Amount,
		)
		queued++
	}

	if commit.Checkpoint != nil {
		batch.Queue(`
			INSERT INTO ingest_checkpoints (contract_address, event_name, last_block_height, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (contract_address, event_name) DO UPDATE
			SET last_block_height = EXCLUDED.last_block_height, updated_at = now()
		`, commit.ContractAddress, commit.EventName, int64(*commit.Checkpoint))
		queued++
	}

	if queued > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < queued; i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// BackfillCompleted reports whether historical backfill has finished
// for a contract+event pair.
func (s *Store) BackfillCompleted(ctx context.Context, contractAddress, eventName string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM backfill_completions
			WHERE contract_address=$1 AND event_name=$2
		)
	`, contractAddress, eventName)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkBackfillCompleted records that backfill has finished for a
// contract+event pair.
func (s *Store) MarkBackfillCompleted(ctx context.Context, contractAddress, eventName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backfill_completions (contract_address, event_name, completed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (contract_address, event_name) DO NOTHING
	`, contractAddress, eventName)
	return err
}

// LatestBlockSync returns the highest recorded block sync.
func (s *Store) LatestBlockSync(ctx context.Context) (model.BlockSync, bool, error) {
	var sync model.BlockSync
	var height int64
	row := s.pool.QueryRow(ctx, `
		SELECT block_height, block_timestamp, num_txs FROM block_syncs
		ORDER BY block_height DESC LIMIT 1
	`)
	if err := row.Scan(&height, &sync.BlockTimestamp, &sync.NumTxs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BlockSync{}, false, nil
		}
		return model.BlockSync{}, false, err
	}
	sync.BlockHeight = uint64(height)
	return sync, true, nil
}

// HasBlockSyncGap reports whether the recorded heights have a hole.
// With one row per synced height, the count matching the max-min span
// proves contiguity.
func (s *Store) HasBlockSyncGap(ctx context.Context) (bool, error) {
	var count, span int64
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(block_height) - MIN(block_height) + 1, 0)
		FROM block_syncs
	`)
	if err := row.Scan(&count, &span); err != nil {
		return false, err
	}
	return count != span, nil
}

// InsertBlockSyncs records one row per synced height.
func (s *Store) InsertBlockSyncs(ctx context.Context, syncs []model.BlockSync) error {
	if len(syncs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sync := range syncs {
		batch.Queue(`
			INSERT INTO block_syncs (block_height, block_timestamp, num_txs)
			VALUES ($1, $2, $3)
			ON CONFLICT (block_height) DO NOTHING
		`, int64(sync.BlockHeight), sync.BlockTimestamp, sync.NumTxs)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range syncs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// HasDistribution reports whether a distribution leaf exists for a
// (distributor, epoch, address) triple.
func (s *Store) HasDistribution(ctx context.Context, distributorAddress string, epochNumber int32, address string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM distributions
			WHERE lower(distributor_address)=lower($1)
			  AND epoch_number=$2
			  AND lower(address_hex)=lower($3)
		)
	`, distributorAddress, epochNumber, address)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// EpochExists reports whether any distribution rows exist for a
// distributor's epoch. Used for idempotent epoch generation.
func (s *Store) EpochExists(ctx context.Context, distributorAddress string, epochNumber int32) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM distributions
			WHERE lower(distributor_address)=lower($1) AND epoch_number=$2
		)
	`, distributorAddress, epochNumber)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// InsertDistributions writes one epoch's leaves in a single
// transaction. Conflicting rows abort the whole insert rather than
// being dropped: a partial epoch is worse than none.
func (s *Store) InsertDistributions(ctx context.Context, rows []model.Distribution) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range rows {
		batch.Queue(`
			INSERT INTO distributions (distributor_address, epoch_number, address_hex, amount, proof)
			VALUES ($1, $2, $3, $4, $5)
		`, d.DistributorAddress, d.EpochNumber, d.AddressHex, d.Amount, d.Proof)
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DistributionsForEpoch returns every leaf of one distributor's epoch.
func (s *Store) DistributionsForEpoch(ctx context.Context, distributorAddress string, epochNumber int32) ([]model.Distribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT distributor_address, epoch_number, address_hex, amount, proof
		FROM distributions
		WHERE lower(distributor_address)=lower($1) AND epoch_number=$2
		ORDER BY address_hex
	`, distributorAddress, epochNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Distribution
	for rows.Next() {
		var d model.Distribution
		if err := rows.Scan(&d.DistributorAddress, &d.EpochNumber, &d.AddressHex, &d.Amount, &d.Proof); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DistributionsForAddress returns every leaf allocated to an address,
// optionally filtered to one distributor.
func (s *Store) DistributionsForAddress(ctx context.Context, address string, distributorAddress string) ([]model.Distribution, error) {
	query := `
		SELECT distributor_address, epoch_number, address_hex, amount, proof
		FROM distributions
		WHERE lower(address_hex)=lower($1)
	`
	args := []interface{}{address}
	if distributorAddress != "" {
		query += ` AND lower(distributor_address)=lower($2)`
		args = append(args, distributorAddress)
	}
	query += ` ORDER BY epoch_number`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Distribution
	for rows.Next() {
		var d model.Distribution
		if err := rows.Scan(&d.DistributorAddress, &d.EpochNumber, &d.AddressHex, &d.Amount, &d.Proof); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UnclaimedDistributions returns leaves with no matching claim row.
func (s *Store) UnclaimedDistributions(ctx context.Context, address string) ([]model.Distribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.distributor_address, d.epoch_number, d.address_hex, d.amount, d.proof
		FROM distributions d
		LEFT JOIN claims c
		  ON lower(c.distributor_address) = lower(d.distributor_address)
		 AND c.epoch_number = d.epoch_number
		 AND lower(c.initiator_address) = lower(d.address_hex)
		WHERE lower(d.address_hex)=lower($1) AND c.transaction_hash IS NULL
		ORDER BY d.epoch_number
	`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Distribution
	for rows.Next() {
		var d model.Distribution
		if err := rows.Scan(&d.DistributorAddress, &d.EpochNumber, &d.AddressHex, &d.Amount, &d.Proof); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SwapsInWindow returns swaps whose block timestamp lies in
// [start, end), ordered by block height then event sequence.
func (s *Store) SwapsInWindow(ctx context.Context, start, end time.Time) ([]model.Swap, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_hash, event_sequence, block_height, block_timestamp,
		       initiator_address, pool_address, router_address, to_address,
		       amount_0_in, amount_1_in, amount_0_out, amount_1_out,
		       token_amount, zil_amount, is_sending_zil
		FROM swaps
		WHERE block_timestamp >= $1 AND block_timestamp < $2
		ORDER BY block_height, transaction_hash, event_sequence
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Swap
	for rows.Next() {
		var sw model.Swap
		var height int64
		if err := rows.Scan(
			&sw.TransactionHash, &sw.EventSequence, &height, &sw.BlockTimestamp,
			&sw.InitiatorAddress, &sw.PoolAddress, &sw.RouterAddress, &sw.ToAddress,
			&sw.Amount0In, &sw.Amount1In, &sw.Amount0Out, &sw.Amount1Out,
			&sw.TokenAmount, &sw.ZilAmount, &sw.IsSendingZil,
		); err != nil {
			return nil, err
		}
		sw.BlockHeight = uint64(height)
		out = append(out, sw)
	}
	return out, rows.Err()
}

// LiquidityChangesUntil returns every liquidity change with a block
// timestamp strictly before end, ordered by block height then event
// sequence. Weighted-liquidity computation needs the full history up to
// the window, not just the window itself.
func (s *Store) LiquidityChangesUntil(ctx context.Context, end time.Time) ([]model.LiquidityChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_hash, event_sequence, block_height, block_timestamp,
		       initiator_address, pool_address, router_address,
		       change_amount, token_amount, zil_amount,
		       amount_0, amount_1, liquidity
		FROM liquidity_changes
		WHERE block_timestamp < $1
		ORDER BY block_height, transaction_hash, event_sequence
	`, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LiquidityChange
	for rows.Next() {
		var lc model.LiquidityChange
		var height int64
		if err := rows.Scan(
			&lc.TransactionHash, &lc.EventSequence, &height, &lc.BlockTimestamp,
			&lc.InitiatorAddress, &lc.PoolAddress, &lc.RouterAddress,
			&lc.ChangeAmount, &lc.TokenAmount, &lc.ZilAmount,
			&lc.Amount0, &lc.Amount1, &lc.Liquidity,
		); err != nil {
			return nil, err
		}
		lc.BlockHeight = uint64(height)
		out = append(out, lc)
	}
	return out, rows.Err()
}

// SwapsForPool returns every swap against one pool.
func (s *Store) SwapsForPool(ctx context.Context, poolAddress string) ([]model.Swap, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_hash, event_sequence, block_height, block_timestamp,
		       initiator_address, pool_address, router_address, to_address,
		       amount_0_in, amount_1_in, amount_0_out, amount_1_out,
		       token_amount, zil_amount, is_sending_zil
		FROM swaps
		WHERE lower(pool_address)=lower($1)
		ORDER BY block_height, transaction_hash, event_sequence
	`, poolAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Swap
	for rows.Next() {
		var sw model.Swap
		var height int64
		if err := rows.Scan(
			&sw.TransactionHash, &sw.EventSequence, &height, &sw.BlockTimestamp,
			&sw.InitiatorAddress, &sw.PoolAddress, &sw.RouterAddress, &sw.ToAddress,
			&sw.Amount0In, &sw.Amount1In, &sw.Amount0Out, &sw.Amount1Out,
			&sw.TokenAmount, &sw.ZilAmount, &sw.IsSendingZil,
		); err != nil {
			return nil, err
		}
		sw.BlockHeight = uint64(height)
		out = append(out, sw)
	}
	return out, rows.Err()
}

// LiquidityChangesForPool returns every liquidity change against one
// pool.
func (s *Store) LiquidityChangesForPool(ctx context.Context, poolAddress string) ([]model.LiquidityChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_hash, event_sequence, block_height, block_timestamp,
		       initiator_address, pool_address, router_address,
		       change_amount, token_amount, zil_amount,
		       amount_0, amount_1, liquidity
		FROM liquidity_changes
		WHERE lower(pool_address)=lower($1)
		ORDER BY block_height, transaction_hash, event_sequence
	`, poolAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LiquidityChange
	for rows.Next() {
		var lc model.LiquidityChange
		var height int64
		if err := rows.Scan(
			&lc.TransactionHash, &lc.EventSequence, &height, &lc.BlockTimestamp,
			&lc.InitiatorAddress, &lc.PoolAddress, &lc.RouterAddress,
			&lc.ChangeAmount, &lc.TokenAmount, &lc.ZilAmount,
			&lc.Amount0, &lc.Amount1, &lc.Liquidity,
		); err != nil {
			return nil, err
		}
		lc.BlockHeight = uint64(height)
		out = append(out, lc)
	}
	return out, rows.Err()
}
