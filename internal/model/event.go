package model

import (
	"encoding/json"
	"time"
)

// EventStatus tracks the processing state of a fetched chain event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

// ChainEvent is the immutable record of one contract event as fetched
// from the explorer. Uniquely identified by (block height, tx hash,
// event index); only Status is ever updated after insert.
type ChainEvent struct {
	BlockHeight      uint64          `json:"block_height"`
	BlockTimestamp   time.Time       `json:"block_timestamp"`
	TransactionHash  string          `json:"transaction_hash"`
	EventIndex       int             `json:"event_index"`
	ContractAddress  string          `json:"contract_address"`
	InitiatorAddress string          `json:"initiator_address"`
	EventName        string          `json:"event_name"`
	Payload          json.RawMessage `json:"payload"`
	Status           EventStatus     `json:"status"`
}

// RawTx is one transaction envelope from the explorer API, carrying the
// contract events emitted by that transaction.
type RawTx struct {
	Hash              string            `json:"hash"`
	BlockHeight       uint64            `json:"blockHeight"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	Value             string            `json:"value"`
	Timestamp         int64             `json:"timestamp"` // unix millis
	ReceiptSuccess    bool              `json:"receiptSuccess"`
	InternalTransfers []json.RawMessage `json:"internalTransfers"`
	Events            []RawEvent        `json:"events"`
}

// BlockTime converts the millisecond envelope timestamp to UTC.
func (t RawTx) BlockTime() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

// RawEvent is a single emitted event inside a RawTx. Params keeps the
// upstream JSON structure as-is; amounts stay decimal strings to
// preserve full precision.
type RawEvent struct {
	Address string                 `json:"address"`
	Name    string                 `json:"name"`
	Params  map[string]interface{} `json:"params"`
}
