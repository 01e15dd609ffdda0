package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Distribution is one leaf of an epoch's Merkle reward tree. At most
// one row exists per (distributor, epoch, address); the proof is the
// serialized inclusion path bound to the root published on-chain.
type Distribution struct {
	DistributorAddress string          `json:"distributor_address"`
	EpochNumber        int32           `json:"epoch_number"`
	AddressHex         string          `json:"address_hex"`
	Amount             decimal.Decimal `json:"amount"`
	Proof              string          `json:"proof"`
}

// PoolTxType distinguishes rows of the unified pool transaction view.
type PoolTxType string

const (
	PoolTxSwap      PoolTxType = "swap"
	PoolTxLiquidity PoolTxType = "liquidity"
)

// PoolTx is one row of the derived pool transaction view: swaps and
// liquidity changes interleaved by (block height, tx hash), with
// two-leg swaps of one transaction folded into a single row.
type PoolTx struct {
	TransactionHash  string     `json:"transaction_hash"`
	BlockHeight      uint64     `json:"block_height"`
	BlockTimestamp   time.Time  `json:"block_timestamp"`
	InitiatorAddress string     `json:"initiator_address"`
	PoolAddress      string     `json:"pool_address"`
	TxType           PoolTxType `json:"tx_type"`

	TokenAmount  *decimal.Decimal `json:"token_amount,omitempty"`
	ZilAmount    *decimal.Decimal `json:"zil_amount,omitempty"`
	IsSendingZil *bool            `json:"is_sending_zil,omitempty"`

	// second leg of a token-to-token trade
	OtherPoolAddress *string          `json:"other_pool_address,omitempty"`
	OtherTokenAmount *decimal.Decimal `json:"other_token_amount,omitempty"`

	ChangeAmount *decimal.Decimal `json:"change_amount,omitempty"`

	RouterAddress *string          `json:"router_address,omitempty"`
	Amount0In     *decimal.Decimal `json:"amount_0_in,omitempty"`
	Amount1In     *decimal.Decimal `json:"amount_1_in,omitempty"`
	Amount0Out    *decimal.Decimal `json:"amount_0_out,omitempty"`
	Amount1Out    *decimal.Decimal `json:"amount_1_out,omitempty"`
	Amount0       *decimal.Decimal `json:"amount_0,omitempty"`
	Amount1       *decimal.Decimal `json:"amount_1,omitempty"`
	Liquidity     *decimal.Decimal `json:"liquidity,omitempty"`
}

// PoolReserves is the derived net reserve of one pool, summed from the
// swap and liquidity-change ledgers.
type PoolReserves struct {
	PoolAddress  string          `json:"pool_address"`
	TokenReserve decimal.Decimal `json:"token_reserve"`
	ZilReserve   decimal.Decimal `json:"zil_reserve"`
}
