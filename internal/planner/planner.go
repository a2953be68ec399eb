// Package planner turns a portfolio's drift from its target allocation into
// an ordered list of pairwise trades. It has no side effects.
package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// NativePrecision is the number of decimal places ledger amounts carry
const NativePrecision = 7

// DefaultMinTradeValue is the smallest value worth trading
const DefaultMinTradeValue = 10.0

// Input is everything the planner needs. Targets must already be normalized.
type Input struct {
	Balances           map[string]float64
	Targets            []types.Allocation
	Prices             types.PriceSet
	Threshold          float64 // drift tolerance in percentage points
	MinTradeValue      float64
	DefaultSlippageBps int
	PairSlippageBps    map[string]int // keyed "FROM:TO"
	NewID              func() string
}

// AssetDrift describes one asset's distance from target
type AssetDrift struct {
	Asset        string  `json:"asset"`
	CurrentValue float64 `json:"currentValue"`
	TargetValue  float64 `json:"targetValue"`
	CurrentPct   float64 `json:"currentPercentage"`
	TargetPct    float64 `json:"targetPercentage"`
	Drift        float64 `json:"drift"`
}

// DriftReport summarizes drift across the portfolio
type DriftReport struct {
	TotalValue     float64      `json:"totalValue"`
	Assets         []AssetDrift `json:"assets"`
	MaxDrift       float64      `json:"maxDrift"`
	MaxDriftAsset  string       `json:"maxDriftAsset"`
	Threshold      float64      `json:"threshold"`
	NeedsRebalance bool         `json:"needsRebalance"`
}

// Plan is the planner's output
type Plan struct {
	DriftReport
	Trades  []models.TradeRequest `json:"trades"`
	Trigger string                `json:"trigger"`
}

// MissingPriceError lists assets that cannot be valued
type MissingPriceError struct {
	Assets []string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("no price available for %s", strings.Join(e.Assets, ", "))
}

// AnalyzeDrift values the portfolio and measures drift per asset. An asset
// that is held or targeted but has no quote is an error, never a zero.
func AnalyzeDrift(in Input) (*DriftReport, error) {
	targets := make(map[string]float64, len(in.Targets))
	for _, a := range in.Targets {
		targets[a.Asset] += a.Percentage
	}

	assets := unionAssets(in.Balances, targets)
	values := make(map[string]float64, len(assets))
	var missing []string
	total := 0.0
	for _, asset := range assets {
		bal := in.Balances[asset]
		price, ok := in.Prices.Lookup(asset)
		if !ok {
			if bal > 0 || targets[asset] > 0 {
				missing = append(missing, asset)
			}
			continue
		}
		v := bal * price
		values[asset] = v
		total += v
	}
	if len(missing) > 0 {
		return nil, &MissingPriceError{Assets: missing}
	}

	report := &DriftReport{TotalValue: total, Threshold: in.Threshold}
	if total <= 0 {
		return report, nil
	}

	for _, asset := range assets {
		cur := values[asset] / total * 100
		d := AssetDrift{
			Asset:        asset,
			CurrentValue: values[asset],
			TargetValue:  total * targets[asset] / 100,
			CurrentPct:   cur,
			TargetPct:    targets[asset],
			Drift:        math.Abs(cur - targets[asset]),
		}
		report.Assets = append(report.Assets, d)
		if d.Drift > report.MaxDrift {
			report.MaxDrift = d.Drift
			report.MaxDriftAsset = asset
		}
	}
	report.NeedsRebalance = report.MaxDrift > in.Threshold
	return report, nil
}

type leg struct {
	asset string
	value float64
}

// Compute builds the trade list. No trades are produced when the largest
// drift is within the threshold.
func Compute(in Input) (*Plan, error) {
	report, err := AnalyzeDrift(in)
	if err != nil {
		return nil, err
	}
	plan := &Plan{DriftReport: *report}
	if !report.NeedsRebalance {
		return plan, nil
	}
	plan.Trigger = fmt.Sprintf("%s drift %.2f%% exceeds threshold %.2f%%",
		report.MaxDriftAsset, report.MaxDrift, report.Threshold)

	floor := in.MinTradeValue
	if floor <= 0 {
		floor = DefaultMinTradeValue
	}
	newID := in.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	var over, under []leg
	for _, d := range report.Assets {
		diff := d.CurrentValue - d.TargetValue
		switch {
		case diff > floor:
			over = append(over, leg{asset: d.Asset, value: diff})
		case -diff > floor:
			under = append(under, leg{asset: d.Asset, value: -diff})
		}
	}
	sortLegs(over)
	sortLegs(under)

	i, j := 0, 0
	for i < len(over) && j < len(under) {
		transfer := math.Min(over[i].value, under[j].value)
		if transfer >= floor {
			price, _ := in.Prices.Lookup(over[i].asset)
			amount := RoundNative(decimal.NewFromFloat(transfer).Div(decimal.NewFromFloat(price)))
			if amount > 0 {
				plan.Trades = append(plan.Trades, models.TradeRequest{
					ID:             newID(),
					FromAsset:      over[i].asset,
					ToAsset:        under[j].asset,
					Amount:         amount,
					MaxSlippageBps: slippageFor(in, over[i].asset, under[j].asset),
				})
			}
		}
		over[i].value -= transfer
		under[j].value -= transfer
		if over[i].value < floor {
			i++
		}
		if under[j].value < floor {
			j++
		}
	}
	return plan, nil
}

// RoundNative rounds an amount to ledger precision
func RoundNative(d decimal.Decimal) float64 {
	f, _ := d.Round(NativePrecision).Float64()
	return f
}

// RoundFloat rounds a float amount to ledger precision
func RoundFloat(f float64) float64 {
	return RoundNative(decimal.NewFromFloat(f))
}

// PairKey is the lookup key for per-pair slippage overrides
func PairKey(from, to string) string {
	return from + ":" + to
}

func slippageFor(in Input, from, to string) *int {
	if bps, ok := in.PairSlippageBps[PairKey(from, to)]; ok {
		return &bps
	}
	if in.DefaultSlippageBps > 0 {
		bps := in.DefaultSlippageBps
		return &bps
	}
	return nil
}

func sortLegs(legs []leg) {
	sort.Slice(legs, func(a, b int) bool {
		if legs[a].value != legs[b].value {
			return legs[a].value > legs[b].value
		}
		return legs[a].asset < legs[b].asset
	})
}

func unionAssets(balances, targets map[string]float64) []string {
	seen := make(map[string]struct{}, len(balances)+len(targets))
	for a := range balances {
		seen[a] = struct{}{}
	}
	for a := range targets {
		seen[a] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
