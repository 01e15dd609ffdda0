package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Swap is one normalized trade leg. Two contract generations share this
// entity: the legacy single-pair shape fills TokenAmount/ZilAmount and
// IsSendingZil, the AMM shape fills the four amount fields plus router
// and to addresses. Unused fields stay nil in the unified read view.
type Swap struct {
	TransactionHash  string    `json:"transaction_hash"`
	EventSequence    int       `json:"event_sequence"`
	BlockHeight      uint64    `json:"block_height"`
	BlockTimestamp   time.Time `json:"block_timestamp"`
	InitiatorAddress string    `json:"initiator_address"`
	PoolAddress      string    `json:"pool_address"`

	RouterAddress *string `json:"router_address,omitempty"`
	ToAddress     *string `json:"to_address,omitempty"`

	Amount0In  *decimal.Decimal `json:"amount_0_in,omitempty"`
	Amount1In  *decimal.Decimal `json:"amount_1_in,omitempty"`
	Amount0Out *decimal.Decimal `json:"amount_0_out,omitempty"`
	Amount1Out *decimal.Decimal `json:"amount_1_out,omitempty"`

	TokenAmount  *decimal.Decimal `json:"token_amount,omitempty"`
	ZilAmount    *decimal.Decimal `json:"zil_amount,omitempty"`
	IsSendingZil *bool            `json:"is_sending_zil,omitempty"`
}

// IsAMM reports whether the swap carries the four-amount AMM shape.
func (s Swap) IsAMM() bool {
	return s.Amount0In != nil
}

// LiquidityChange is a deposit or withdrawal. The legacy shape uses
// ChangeAmount (negative = withdrawal) plus the token/zil legs moved;
// the AMM shape uses Amount0/Amount1/Liquidity, sign carried on all
// three.
type LiquidityChange struct {
	TransactionHash  string    `json:"transaction_hash"`
	EventSequence    int       `json:"event_sequence"`
	BlockHeight      uint64    `json:"block_height"`
	BlockTimestamp   time.Time `json:"block_timestamp"`
	InitiatorAddress string    `json:"initiator_address"`
	PoolAddress      string    `json:"pool_address"`

	RouterAddress *string `json:"router_address,omitempty"`

	ChangeAmount *decimal.Decimal `json:"change_amount,omitempty"`
	TokenAmount  *decimal.Decimal `json:"token_amount,omitempty"`
	ZilAmount    *decimal.Decimal `json:"zil_amount,omitempty"`

	Amount0   *decimal.Decimal `json:"amount_0,omitempty"`
	Amount1   *decimal.Decimal `json:"amount_1,omitempty"`
	Liquidity *decimal.Decimal `json:"liquidity,omitempty"`
}

// Claim records an on-chain redemption of a distribution. Unique on
// (transaction hash, event sequence) and on (distributor, epoch,
// initiator).
type Claim struct {
	TransactionHash    string          `json:"transaction_hash"`
	EventSequence      int             `json:"event_sequence"`
	BlockHeight        uint64          `json:"block_height"`
	BlockTimestamp     time.Time       `json:"block_timestamp"`
	InitiatorAddress   string          `json:"initiator_address"`
	DistributorAddress string          `json:"distributor_address"`
	EpochNumber        int32           `json:"epoch_number"`
	Amount             decimal.Decimal `json:"amount"`
}

// BlockSync is the per-height poll checkpoint. One row per synced
// height, written even when the height carried no events, so gaps in
// the sequence expose an indexer outage.
type BlockSync struct {
	BlockHeight    uint64    `json:"block_height"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	NumTxs         int       `json:"num_txs"`
}

// BackfillCompletion marks that historical backfill has finished for a
// contract+event pair, so incremental sync need not re-scan from
// genesis.
type BackfillCompletion struct {
	ContractAddress string `json:"contract_address"`
	EventName       string `json:"event_name"`
}
