// Package reserve derives read views from the swap and liquidity
// ledgers: net pool reserves, the unified pool transaction feed, and
// time-weighted liquidity shares.
package reserve

import (
	"sort"

	"github.com/shopspring/decimal"

	"zilscope/internal/model"
)

// Reserves folds swaps and liquidity changes into the net reserve per
// pool. Swap direction decides the sign of each leg: sending ZIL grows
// the ZIL reserve and shrinks the token reserve, and the other way
// around. Liquidity legs carry the sign of the change amount.
func Reserves(swaps []model.Swap, changes []model.LiquidityChange) []model.PoolReserves {
	byPool := make(map[string]*model.PoolReserves)
	get := func(pool string) *model.PoolReserves {
		r, ok := byPool[pool]
		if !ok {
			r = &model.PoolReserves{PoolAddress: pool}
			byPool[pool] = r
		}
		return r
	}

	for _, sw := range swaps {
		r := get(sw.PoolAddress)
		switch {
		case sw.IsAMM():
			r.ZilReserve = r.ZilReserve.Add(*sw.Amount0In).Sub(*sw.Amount0Out)
			r.TokenReserve = r.TokenReserve.Add(*sw.Amount1In).Sub(*sw.Amount1Out)
		case sw.IsSendingZil != nil && *sw.IsSendingZil:
			r.ZilReserve = r.ZilReserve.Add(*sw.ZilAmount)
			r.TokenReserve = r.TokenReserve.Sub(*sw.TokenAmount)
		default:
			r.TokenReserve = r.TokenReserve.Add(*sw.TokenAmount)
			r.ZilReserve = r.ZilReserve.Sub(*sw.ZilAmount)
		}
	}

	for _, lc := range changes {
		r := get(lc.PoolAddress)
		switch {
		case lc.Amount0 != nil:
			r.ZilReserve = r.ZilReserve.Add(*lc.Amount0)
			r.TokenReserve = r.TokenReserve.Add(*lc.Amount1)
		case lc.ChangeAmount != nil && lc.ChangeAmount.IsNegative():
			r.TokenReserve = r.TokenReserve.Sub(*lc.TokenAmount)
			r.ZilReserve = r.ZilReserve.Sub(*lc.ZilAmount)
		default:
			r.TokenReserve = r.TokenReserve.Add(*lc.TokenAmount)
			r.ZilReserve = r.ZilReserve.Add(*lc.ZilAmount)
		}
	}

	out := make([]model.PoolReserves, 0, len(byPool))
	for _, r := range byPool {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolAddress < out[j].PoolAddress })
	return out
}

// PoolTransactions interleaves swaps and liquidity changes into one
// feed ordered by (block height, transaction hash, event sequence).
// A token-to-token trade emits two swap legs in one transaction; the
// second leg is folded into the first row's other-pool fields.
func PoolTransactions(swaps []model.Swap, changes []model.LiquidityChange) []model.PoolTx {
	rows := make([]model.PoolTx, 0, len(swaps)+len(changes))

	sorted := make([]model.Swap, len(swaps))
	copy(sorted, swaps)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		if a.TransactionHash != b.TransactionHash {
			return a.TransactionHash < b.TransactionHash
		}
		return a.EventSequence < b.EventSequence
	})

	for i := 0; i < len(sorted); i++ {
		sw := sorted[i]
		row := model.PoolTx{
			TransactionHash:  sw.TransactionHash,
			BlockHeight:      sw.BlockHeight,
			BlockTimestamp:   sw.BlockTimestamp,
			InitiatorAddress: sw.InitiatorAddress,
			PoolAddress:      sw.PoolAddress,
			TxType:           model.PoolTxSwap,
			TokenAmount:      sw.TokenAmount,
			ZilAmount:        sw.ZilAmount,
			IsSendingZil:     sw.IsSendingZil,
			RouterAddress:    sw.RouterAddress,
			Amount0In:        sw.Amount0In,
			Amount1In:        sw.Amount1In,
			Amount0Out:       sw.Amount0Out,
			Amount1Out:       sw.Amount1Out,
		}

		if !sw.IsAMM() && i+1 < len(sorted) {
			next := sorted[i+1]
			if next.TransactionHash == sw.TransactionHash && !next.IsAMM() && next.EventSequence == sw.EventSequence+1 {
				pool := next.PoolAddress
				row.OtherPoolAddress = &pool
				row.OtherTokenAmount = next.TokenAmount
				i++
			}
		}
		rows = append(rows, row)
	}

	for _, lc := range changes {
		rows = append(rows, model.PoolTx{
			TransactionHash:  lc.TransactionHash,
			BlockHeight:      lc.BlockHeight,
			BlockTimestamp:   lc.BlockTimestamp,
			InitiatorAddress: lc.InitiatorAddress,
			PoolAddress:      lc.PoolAddress,
			TxType:           model.PoolTxLiquidity,
			TokenAmount:      lc.TokenAmount,
			ZilAmount:        lc.ZilAmount,
			ChangeAmount:     lc.ChangeAmount,
			RouterAddress:    lc.RouterAddress,
			Amount0:          lc.Amount0,
			Amount1:          lc.Amount1,
			Liquidity:        lc.Liquidity,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		return a.TransactionHash < b.TransactionHash
	})
	return rows
}

// TradeVolume sums each initiator's ZIL-side swap volume. Legacy swaps
// contribute their ZIL leg; AMM swaps contribute the base-token legs
// (amount0 in plus out).
func TradeVolume(swaps []model.Swap) map[string]decimal.Decimal {
	volumes := make(map[string]decimal.Decimal)
	for _, sw := range swaps {
		var v decimal.Decimal
		if sw.IsAMM() {
			v = sw.Amount0In.Add(*sw.Amount0Out)
		} else if sw.ZilAmount != nil {
			v = *sw.ZilAmount
		}
		volumes[sw.InitiatorAddress] = volumes[sw.InitiatorAddress].Add(v)
	}
	return volumes
}
