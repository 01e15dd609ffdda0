package reserve

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"zilscope/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func boolp(b bool) *bool { return &b }

func legacySwap(hash string, height uint64, seq int, pool, token, zil string, sendingZil bool) model.Swap {
	return model.Swap{
		TransactionHash:  hash,
		EventSequence:    seq,
		BlockHeight:      height,
		BlockTimestamp:   time.Unix(int64(height)*30, 0).UTC(),
		InitiatorAddress: "0xtrader",
		PoolAddress:      pool,
		TokenAmount:      decp(token),
		ZilAmount:        decp(zil),
		IsSendingZil:     boolp(sendingZil),
	}
}

func TestReservesSwapDirection(t *testing.T) {
	swaps := []model.Swap{
		legacySwap("0x1", 10, 0, "0xpool", "100", "3000", true),
		legacySwap("0x2", 11, 0, "0xpool", "40", "1000", false),
	}

	got := Reserves(swaps, nil)
	if len(got) != 1 {
		t.Fatalf("expected one pool, got %d", len(got))
	}
	r := got[0]
	if r.ZilReserve.String() != "2000" {
		t.Fatalf("zil reserve mismatch: %s", r.ZilReserve)
	}
	if r.TokenReserve.String() != "-60" {
		t.Fatalf("token reserve mismatch: %s", r.TokenReserve)
	}
}

func TestReservesLiquidityRoundTripNetsToZero(t *testing.T) {
	changes := []model.LiquidityChange{
		{
			TransactionHash: "0x1", BlockHeight: 10, PoolAddress: "0xpool",
			ChangeAmount: decp("1000"), TokenAmount: decp("500"), ZilAmount: decp("15000"),
		},
		{
			TransactionHash: "0x2", BlockHeight: 20, PoolAddress: "0xpool",
			ChangeAmount: decp("-1000"), TokenAmount: decp("500"), ZilAmount: decp("15000"),
		},
	}

	got := Reserves(nil, changes)
	if len(got) != 1 {
		t.Fatalf("expected one pool, got %d", len(got))
	}
	if !got[0].TokenReserve.IsZero() || !got[0].ZilReserve.IsZero() {
		t.Fatalf("deposit plus equal withdrawal must net to zero, got %+v", got[0])
	}
}

func TestPoolTransactionsFoldsTwoLegSwap(t *testing.T) {
	swaps := []model.Swap{
		legacySwap("0xmulti", 10, 0, "0xpoolA", "100", "3000", false),
		legacySwap("0xmulti", 10, 1, "0xpoolB", "70", "3000", true),
		legacySwap("0xsingle", 12, 0, "0xpoolA", "5", "100", true),
	}

	rows := PoolTransactions(swaps, nil)
	if len(rows) != 2 {
		t.Fatalf("two swap legs of one tx must fold into one row, got %d rows", len(rows))
	}

	folded := rows[0]
	if folded.TransactionHash != "0xmulti" || folded.PoolAddress != "0xpoolA" {
		t.Fatalf("first leg must be the primary row: %+v", folded)
	}
	if folded.OtherPoolAddress == nil || *folded.OtherPoolAddress != "0xpoolB" {
		t.Fatalf("second leg pool missing from folded row")
	}
	if folded.OtherTokenAmount == nil || folded.OtherTokenAmount.String() != "70" {
		t.Fatalf("second leg amount missing from folded row")
	}
}

func TestPoolTransactionsInterleavesByHeight(t *testing.T) {
	swaps := []model.Swap{
		legacySwap("0xswap", 20, 0, "0xpool", "1", "10", true),
	}
	changes := []model.LiquidityChange{
		{
			TransactionHash: "0xadd", BlockHeight: 10, PoolAddress: "0xpool",
			ChangeAmount: decp("100"), TokenAmount: decp("1"), ZilAmount: decp("10"),
		},
	}

	rows := PoolTransactions(swaps, changes)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].TxType != model.PoolTxLiquidity || rows[1].TxType != model.PoolTxSwap {
		t.Fatalf("rows must be ordered by block height: %+v", rows)
	}
}

func TestTradeVolumeSumsZilLeg(t *testing.T) {
	swaps := []model.Swap{
		legacySwap("0x1", 10, 0, "0xpool", "1", "100", true),
		legacySwap("0x2", 11, 0, "0xpool", "1", "250", false),
	}
	swaps[1].InitiatorAddress = "0xtrader"

	volumes := TradeVolume(swaps)
	if volumes["0xtrader"].String() != "350" {
		t.Fatalf("volume mismatch: %s", volumes["0xtrader"])
	}
}
