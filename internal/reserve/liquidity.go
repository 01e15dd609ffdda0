package reserve

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"zilscope/internal/model"
)

// WeightedLiquidity integrates each provider's liquidity balance over
// the window [start, end): the result is balance multiplied by seconds
// held, summed across the window, per pool per provider. Changes before
// the window seed the opening balance; a balance held through the whole
// window earns the full span.
//
// The legacy shape contributes ChangeAmount, the AMM shape Liquidity.
// changes must include the full history up to end.
func WeightedLiquidity(changes []model.LiquidityChange, start, end time.Time) map[string]map[string]decimal.Decimal {
	sorted := make([]model.LiquidityChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.BlockTimestamp.Equal(b.BlockTimestamp) {
			return a.BlockTimestamp.Before(b.BlockTimestamp)
		}
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		return a.EventSequence < b.EventSequence
	})

	type position struct {
		balance decimal.Decimal
		cursor  time.Time
		weight  decimal.Decimal
	}
	positions := make(map[string]map[string]*position)
	get := func(pool, addr string) *position {
		byAddr, ok := positions[pool]
		if !ok {
			byAddr = make(map[string]*position)
			positions[pool] = byAddr
		}
		p, ok := byAddr[addr]
		if !ok {
			p = &position{cursor: start}
			byAddr[addr] = p
		}
		return p
	}

	for _, lc := range sorted {
		if !lc.BlockTimestamp.Before(end) {
			break
		}
		// rows written before address canonicalization may carry mixed
		// case; the result keys must match lowercased config lookups
		p := get(strings.ToLower(lc.PoolAddress), strings.ToLower(lc.InitiatorAddress))

		if lc.BlockTimestamp.After(start) {
			held := lc.BlockTimestamp.Sub(p.cursor).Seconds()
			p.weight = p.weight.Add(p.balance.Mul(decimal.NewFromFloat(held)))
			p.cursor = lc.BlockTimestamp
		}
		p.balance = p.balance.Add(delta(lc))
	}

	out := make(map[string]map[string]decimal.Decimal, len(positions))
	for pool, byAddr := range positions {
		weights := make(map[string]decimal.Decimal, len(byAddr))
		for addr, p := range byAddr {
			held := end.Sub(p.cursor).Seconds()
			w := p.weight.Add(p.balance.Mul(decimal.NewFromFloat(held)))
			if w.IsPositive() {
				weights[addr] = w
			}
		}
		if len(weights) > 0 {
			out[pool] = weights
		}
	}
	return out
}

func delta(lc model.LiquidityChange) decimal.Decimal {
	if lc.Liquidity != nil {
		return *lc.Liquidity
	}
	if lc.ChangeAmount != nil {
		return *lc.ChangeAmount
	}
	return decimal.Zero
}
