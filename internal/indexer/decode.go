package indexer

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

// RootTopic is the first topic of every event the portfolio contract emits
const RootTopic = "portfolio"

// stroopExponent scales i128 token amounts to whole units
const stroopExponent = -7

// Action is the normalized kind of a contract event
type Action string

const (
	ActionPortfolioCreated  Action = "portfolio_created"
	ActionDeposit           Action = "deposit"
	ActionRebalanceExecuted Action = "rebalance_executed"
)

var (
	errNotPortfolioEvent = errors.New("not a portfolio event")
	errUnknownAction     = errors.New("unknown portfolio action")
)

// decodedEvent is the payload recovered from one contract event
type decodedEvent struct {
	Action      Action
	PortfolioID string
	Actor       string
	Asset       string
	Amount      *decimal.Decimal
	ExecutedAt  *time.Time
}

// classifyAction maps the contract's action symbol onto an Action
func classifyAction(raw string) (Action, bool) {
	switch raw {
	case "created", "portfolio_created":
		return ActionPortfolioCreated, true
	case "deposit":
		return ActionDeposit, true
	case "rebalanced", "rebalance_executed":
		return ActionRebalanceExecuted, true
	default:
		return "", false
	}
}

// decodeTopics checks the root topic and returns the action. Events from
// other emitters resolve to errNotPortfolioEvent.
func decodeTopics(topics []string) (Action, error) {
	if len(topics) < 2 {
		return "", errNotPortfolioEvent
	}
	root, err := decodeScVal(topics[0])
	if err != nil {
		return "", errNotPortfolioEvent
	}
	name, ok := scText(root)
	if !ok || name != RootTopic {
		return "", errNotPortfolioEvent
	}

	second, err := decodeScVal(topics[1])
	if err != nil {
		return "", fmt.Errorf("decode action topic: %w", err)
	}
	raw, ok := scText(second)
	if !ok {
		return "", fmt.Errorf("%w: action topic is %s", errUnknownAction, second.Type)
	}
	action, ok := classifyAction(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", errUnknownAction, raw)
	}
	return action, nil
}

// decodePayload reads the event value for action
func decodePayload(action Action, value string) (*decodedEvent, error) {
	val, err := decodeScVal(value)
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	args := []xdr.ScVal{val}
	if val.Type == xdr.ScValTypeScvVec {
		vec := val.MustVec()
		if vec == nil || len(*vec) == 0 {
			return nil, errors.New("empty event payload")
		}
		args = *vec
	}

	id, err := scIdentifier(args[0])
	if err != nil {
		return nil, fmt.Errorf("portfolio id: %w", err)
	}
	ev := &decodedEvent{Action: action, PortfolioID: id}

	switch action {
	case ActionPortfolioCreated:
		if len(args) > 1 {
			actor, err := scAddress(args[1])
			if err != nil {
				return nil, fmt.Errorf("creator: %w", err)
			}
			ev.Actor = actor
		}
	case ActionDeposit:
		if len(args) < 3 {
			return nil, fmt.Errorf("deposit payload has %d fields, want 3", len(args))
		}
		asset, err := scAddress(args[1])
		if err != nil {
			text, ok := scText(args[1])
			if !ok {
				return nil, fmt.Errorf("deposit asset: %w", err)
			}
			asset = text
		}
		amount, err := scAmount(args[2])
		if err != nil {
			return nil, fmt.Errorf("deposit amount: %w", err)
		}
		ev.Asset = asset
		ev.Amount = &amount
	case ActionRebalanceExecuted:
		if len(args) > 1 {
			ts, err := scUint(args[1])
			if err != nil {
				return nil, fmt.Errorf("rebalance timestamp: %w", err)
			}
			at := time.Unix(int64(ts), 0).UTC()
			ev.ExecutedAt = &at
		}
	}
	return ev, nil
}

func decodeScVal(b64 string) (xdr.ScVal, error) {
	var val xdr.ScVal
	if err := xdr.SafeUnmarshalBase64(b64, &val); err != nil {
		return xdr.ScVal{}, err
	}
	return val, nil
}

func scText(val xdr.ScVal) (string, bool) {
	switch val.Type {
	case xdr.ScValTypeScvSymbol:
		return string(val.MustSym()), true
	case xdr.ScValTypeScvString:
		return string(val.MustStr()), true
	default:
		return "", false
	}
}

// scIdentifier renders a holding id, which the contract emits as an
// unsigned integer.
func scIdentifier(val xdr.ScVal) (string, error) {
	if n, err := scUint(val); err == nil {
		return strconv.FormatUint(n, 10), nil
	}
	if s, ok := scText(val); ok && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("unsupported id type %s", val.Type)
}

func scUint(val xdr.ScVal) (uint64, error) {
	switch val.Type {
	case xdr.ScValTypeScvU64:
		return uint64(val.MustU64()), nil
	case xdr.ScValTypeScvU32:
		return uint64(val.MustU32()), nil
	case xdr.ScValTypeScvTimepoint:
		return uint64(val.MustTimepoint()), nil
	default:
		return 0, fmt.Errorf("unsupported integer type %s", val.Type)
	}
}

func scAddress(val xdr.ScVal) (string, error) {
	if val.Type != xdr.ScValTypeScvAddress {
		return "", fmt.Errorf("unsupported address type %s", val.Type)
	}
	addr := val.MustAddress()
	switch addr.Type {
	case xdr.ScAddressTypeScAddressTypeAccount:
		account := addr.MustAccountId()
		return account.Address(), nil
	case xdr.ScAddressTypeScAddressTypeContract:
		contractID := addr.MustContractId()
		return strkey.Encode(strkey.VersionByteContract, contractID[:])
	default:
		return "", fmt.Errorf("unknown address type %s", addr.Type)
	}
}

// scAmount converts an i128 stroop amount to whole units
func scAmount(val xdr.ScVal) (decimal.Decimal, error) {
	switch val.Type {
	case xdr.ScValTypeScvI128:
		parts := val.MustI128()
		n := new(big.Int).Lsh(big.NewInt(int64(parts.Hi)), 64)
		n.Add(n, new(big.Int).SetUint64(uint64(parts.Lo)))
		return decimal.NewFromBigInt(n, stroopExponent), nil
	case xdr.ScValTypeScvI64:
		return decimal.New(int64(val.MustI64()), stroopExponent), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %s", val.Type)
	}
}
