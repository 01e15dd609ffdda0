package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"zilscope/internal/model"
)

// Normalization failures mark the triggering chain event as failed;
// they are data-quality errors, never retried.
var (
	ErrMalformed       = errors.New("malformed event payload")
	ErrMalformedAmount = fmt.Errorf("%w: non-integer amount", ErrMalformed)
)

// Kind tags the variant held by a Record.
type Kind int

const (
	KindSwap Kind = iota
	KindLiquidityChange
	KindClaim
)

// Record is the tagged variant produced by normalization: exactly one
// of Swap, Liquidity, or Claim is set according to Kind.
type Record struct {
	Kind      Kind
	Swap      *model.Swap
	Liquidity *model.LiquidityChange
	Claim     *model.Claim
}

// Normalize maps one raw event into a domain record according to the
// contract's shape version. It is a pure function: (nil, nil) means the
// event name is not one this shape produces and should be skipped.
// Addresses are canonicalized to lowercase hex so downstream grouping
// and config lookups never depend on the source's casing.
func Normalize(tx model.RawTx, ev model.RawEvent, eventSequence int, shape Shape) (*Record, error) {
	if ev.Name == "Claimed" {
		return normalizeClaim(tx, ev, eventSequence)
	}
	switch shape {
	case ShapeLegacy:
		switch ev.Name {
		case "Swapped":
			return normalizeLegacySwap(tx, ev, eventSequence)
		case "Mint":
			return normalizeLegacyLiquidity(tx, ev, eventSequence, false)
		case "Burnt":
			return normalizeLegacyLiquidity(tx, ev, eventSequence, true)
		}
	case ShapeAMM:
		switch ev.Name {
		case "Swap":
			return normalizeAMMSwap(tx, ev, eventSequence)
		case "Mint":
			return normalizeAMMLiquidity(tx, ev, eventSequence, false)
		case "Burn":
			return normalizeAMMLiquidity(tx, ev, eventSequence, true)
		}
	}
	return nil, nil
}

func normalizeLegacySwap(tx model.RawTx, ev model.RawEvent, seq int) (*Record, error) {
	address, err := stringParam(ev.Params, "address")
	if err != nil {
		return nil, err
	}
	pool, err := stringParam(ev.Params, "pool")
	if err != nil {
		return nil, err
	}
	inputAmount, err := pointerString(ev.Params, "input", 0, "params", 0)
	if err != nil {
		return nil, err
	}
	outputAmount, err := pointerString(ev.Params, "output", 0, "params", 0)
	if err != nil {
		return nil, err
	}
	inputName, err := pointerString(ev.Params, "input", 1, "name")
	if err != nil {
		return nil, err
	}

	var tokenAmount, zilAmount decimal.Decimal
	var isSendingZil bool
	switch denom(inputName) {
	case "Token":
		if tokenAmount, err = parseAmount(inputAmount); err != nil {
			return nil, err
		}
		if zilAmount, err = parseAmount(outputAmount); err != nil {
			return nil, err
		}
		isSendingZil = false
	case "Zil":
		if zilAmount, err = parseAmount(inputAmount); err != nil {
			return nil, err
		}
		if tokenAmount, err = parseAmount(outputAmount); err != nil {
			return nil, err
		}
		isSendingZil = true
	default:
		return nil, fmt.Errorf("%w: unknown input denom %q", ErrMalformed, inputName)
	}

	return &Record{Kind: KindSwap, Swap: &model.Swap{
		TransactionHash:  tx.Hash,
		EventSequence:    seq,
		BlockHeight:      tx.BlockHeight,
		BlockTimestamp:   tx.BlockTime(),
		InitiatorAddress: strings.ToLower(address),
		PoolAddress:      strings.ToLower(pool),
		TokenAmount:      &tokenAmount,
		ZilAmount:        &zilAmount,
		IsSendingZil:     &isSendingZil,
	}}, nil
}

// normalizeLegacyLiquidity handles Mint (deposit) and Burnt
// (withdrawal). The liquidity delta is negated on withdrawal; the token
// leg rides on the transfer event of the same transaction and the ZIL
// leg on the transaction value or its first internal transfer.
func normalizeLegacyLiquidity(tx model.RawTx, ev model.RawEvent, seq int, withdrawal bool) (*Record, error) {
	address, err := stringParam(ev.Params, "address")
	if err != nil {
		return nil, err
	}
	pool, err := stringParam(ev.Params, "pool")
	if err != nil {
		return nil, err
	}
	amountStr, err := stringParam(ev.Params, "amount")
	if err != nil {
		return nil, err
	}
	change, err := parseAmount(amountStr)
	if err != nil {
		return nil, err
	}

	transferName := "TransferFromSuccess"
	if withdrawal {
		transferName = "TransferSuccess"
	}
	var tokenAmount decimal.Decimal
	found := false
	for _, sibling := range tx.Events {
		if sibling.Name != transferName {
			continue
		}
		transferAmount, err := stringParam(sibling.Params, "amount")
		if err != nil {
			return nil, err
		}
		if tokenAmount, err = parseAmount(transferAmount); err != nil {
			return nil, err
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: missing %s event", ErrMalformed, transferName)
	}

	var zilAmount decimal.Decimal
	if withdrawal {
		zilAmount, err = internalTransferValue(tx)
	} else {
		zilAmount, err = parseAmount(tx.Value)
	}
	if err != nil {
		return nil, err
	}

	if withdrawal {
		change = change.Neg()
	}

	return &Record{Kind: KindLiquidityChange, Liquidity: &model.LiquidityChange{
		TransactionHash:  tx.Hash,
		EventSequence:    seq,
		BlockHeight:      tx.BlockHeight,
		BlockTimestamp:   tx.BlockTime(),
		InitiatorAddress: strings.ToLower(address),
		PoolAddress:      strings.ToLower(pool),
		ChangeAmount:     &change,
		TokenAmount:      &tokenAmount,
		ZilAmount:        &zilAmount,
	}}, nil
}

func normalizeAMMSwap(tx model.RawTx, ev model.RawEvent, seq int) (*Record, error) {
	address, err := stringParam(ev.Params, "address")
	if err != nil {
		return nil, err
	}
	pool, err := stringParam(ev.Params, "pool")
	if err != nil {
		return nil, err
	}
	to, err := stringParam(ev.Params, "to")
	if err != nil {
		return nil, err
	}

	// All four amount fields are required for the AMM shape.
	amounts := make([]decimal.Decimal, 4)
	for i, name := range []string{"amount0In", "amount1In", "amount0Out", "amount1Out"} {
		raw, err := stringParam(ev.Params, name)
		if err != nil {
			return nil, err
		}
		if amounts[i], err = parseAmount(raw); err != nil {
			return nil, err
		}
	}

	router := strings.ToLower(ev.Address)
	to = strings.ToLower(to)
	return &Record{Kind: KindSwap, Swap: &model.Swap{
		TransactionHash:  tx.Hash,
		EventSequence:    seq,
		BlockHeight:      tx.BlockHeight,
		BlockTimestamp:   tx.BlockTime(),
		InitiatorAddress: strings.ToLower(address),
		PoolAddress:      strings.ToLower(pool),
		RouterAddress:    &router,
		ToAddress:        &to,
		Amount0In:        &amounts[0],
		Amount1In:        &amounts[1],
		Amount0Out:       &amounts[2],
		Amount1Out:       &amounts[3],
	}}, nil
}

func normalizeAMMLiquidity(tx model.RawTx, ev model.RawEvent, seq int, withdrawal bool) (*Record, error) {
	address, err := stringParam(ev.Params, "address")
	if err != nil {
		return nil, err
	}
	pool, err := stringParam(ev.Params, "pool")
	if err != nil {
		return nil, err
	}

	parts := make([]decimal.Decimal, 3)
	for i, name := range []string{"amount0", "amount1", "liquidity"} {
		raw, err := stringParam(ev.Params, name)
		if err != nil {
			return nil, err
		}
		if parts[i], err = parseAmount(raw); err != nil {
			return nil, err
		}
		if withdrawal {
			parts[i] = parts[i].Neg()
		}
	}

	router := strings.ToLower(ev.Address)
	return &Record{Kind: KindLiquidityChange, Liquidity: &model.LiquidityChange{
		TransactionHash:  tx.Hash,
		EventSequence:    seq,
		BlockHeight:      tx.BlockHeight,
		BlockTimestamp:   tx.BlockTime(),
		InitiatorAddress: strings.ToLower(address),
		PoolAddress:      strings.ToLower(pool),
		RouterAddress:    &router,
		Amount0:          &parts[0],
		Amount1:          &parts[1],
		Liquidity:        &parts[2],
	}}, nil
}

func normalizeClaim(tx model.RawTx, ev model.RawEvent, seq int) (*Record, error) {
	epochStr, err := stringParam(ev.Params, "epoch_number")
	if err != nil {
		return nil, err
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: epoch_number %q", ErrMalformed, epochStr)
	}
	address, err := pointerString(ev.Params, "data", 0, "params", 0)
	if err != nil {
		return nil, err
	}
	amountStr, err := pointerString(ev.Params, "data", 0, "params", 1)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return nil, err
	}

	return &Record{Kind: KindClaim, Claim: &model.Claim{
		TransactionHash:    tx.Hash,
		EventSequence:      seq,
		BlockHeight:        tx.BlockHeight,
		BlockTimestamp:     tx.BlockTime(),
		InitiatorAddress:   strings.ToLower(address),
		DistributorAddress: strings.ToLower(ev.Address),
		EpochNumber:        int32(epoch),
		Amount:             amount,
	}}, nil
}

// parseAmount parses a base-unit amount. Amounts are decimal strings on
// the wire to preserve 38-digit precision and must be integers.
func parseAmount(input string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(input)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMalformedAmount, input)
	}
	if !d.IsInteger() {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMalformedAmount, input)
	}
	return d, nil
}

func denom(transitionName string) string {
	parts := strings.Split(transitionName, ".")
	return parts[len(parts)-1]
}

func internalTransferValue(tx model.RawTx) (decimal.Decimal, error) {
	if len(tx.InternalTransfers) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: missing internal transfer", ErrMalformed)
	}
	var transfer struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(tx.InternalTransfers[0], &transfer); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: internal transfer: %v", ErrMalformed, err)
	}
	return parseAmount(transfer.Value)
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name]
	if !ok {
		return "", fmt.Errorf("%w: missing param %q", ErrMalformed, name)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: param %q is not a string", ErrMalformed, name)
	}
	return s, nil
}

// pointerString walks a nested params structure by alternating string
// keys and slice indexes, returning the string at the end of the path.
func pointerString(params map[string]interface{}, path ...interface{}) (string, error) {
	var current interface{} = params
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := current.(map[string]interface{})
			if !ok {
				return "", fmt.Errorf("%w: expected object at %v", ErrMalformed, step)
			}
			if current, ok = m[s]; !ok {
				return "", fmt.Errorf("%w: missing param %q", ErrMalformed, s)
			}
		case int:
			arr, ok := current.([]interface{})
			if !ok || s >= len(arr) {
				return "", fmt.Errorf("%w: expected array of length > %d", ErrMalformed, s)
			}
			current = arr[s]
		default:
			return "", fmt.Errorf("%w: bad path step %v", ErrMalformed, step)
		}
	}
	s, ok := current.(string)
	if !ok {
		return "", fmt.Errorf("%w: path does not end in a string", ErrMalformed)
	}
	return s, nil
}
