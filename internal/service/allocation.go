package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/types"
)

// AllocationTolerance is how far target percentages may sum from 100
const AllocationTolerance = 0.01

// Validation bounds for portfolio settings
const (
	MinThreshold       = 1.0
	MaxThreshold       = 50.0
	MinSlippageBps     = 10
	MaxSlippageBps     = 500
	DefaultSlippageBps = 100
)

// NormalizeAllocations accepts either a JSON array of {asset, percentage}
// entries or a JSON object of asset to percentage, and returns the entries
// sorted by asset. The sum must be within AllocationTolerance of 100.
func NormalizeAllocations(raw json.RawMessage) ([]types.Allocation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, apperrors.NewInvalidAllocationError("allocations are required", 0)
	}

	var entries []types.Allocation
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, apperrors.NewInvalidAllocationError(fmt.Sprintf("malformed allocation list: %v", err), 0)
		}
	case '{':
		var byAsset map[string]float64
		if err := json.Unmarshal(trimmed, &byAsset); err != nil {
			return nil, apperrors.NewInvalidAllocationError(fmt.Sprintf("malformed allocation map: %v", err), 0)
		}
		entries = make([]types.Allocation, 0, len(byAsset))
		for asset, pct := range byAsset {
			entries = append(entries, types.Allocation{Asset: asset, Percentage: pct})
		}
	default:
		return nil, apperrors.NewInvalidAllocationError("allocations must be a list or a map", 0)
	}

	return CanonicalAllocations(entries)
}

// CanonicalAllocations validates entries and returns a sorted copy
func CanonicalAllocations(entries []types.Allocation) ([]types.Allocation, error) {
	if len(entries) == 0 {
		return nil, apperrors.NewInvalidAllocationError("at least one asset is required", 0)
	}

	seen := make(map[string]struct{}, len(entries))
	out := make([]types.Allocation, 0, len(entries))
	sum := 0.0
	for _, e := range entries {
		asset := strings.TrimSpace(e.Asset)
		if asset == "" {
			return nil, apperrors.NewInvalidAllocationError("asset code cannot be empty", sum)
		}
		if _, dup := seen[asset]; dup {
			return nil, apperrors.NewInvalidAllocationError(fmt.Sprintf("duplicate asset %s", asset), sum)
		}
		if math.IsNaN(e.Percentage) || math.IsInf(e.Percentage, 0) || e.Percentage < 0 {
			return nil, apperrors.NewInvalidAllocationError(fmt.Sprintf("percentage for %s must be a non-negative number", asset), sum)
		}
		seen[asset] = struct{}{}
		sum += e.Percentage
		out = append(out, types.Allocation{Asset: asset, Percentage: e.Percentage})
	}

	if !AllocationSumValid(sum) {
		return nil, apperrors.NewInvalidAllocationError(fmt.Sprintf("percentages sum to %.4f, expected 100", sum), sum)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// AllocationSumValid reports whether sum is within tolerance of 100
func AllocationSumValid(sum float64) bool {
	// small epsilon so sums landing exactly on the band edge are accepted
	return math.Abs(sum-100) <= AllocationTolerance+1e-9
}

// AllocationMap converts normalized entries to the stored map form
func AllocationMap(entries []types.Allocation) map[string]float64 {
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.Asset] = e.Percentage
	}
	return out
}

// TargetList returns a portfolio's stored targets as sorted entries
func TargetList(targets map[string]float64) []types.Allocation {
	out := make([]types.Allocation, 0, len(targets))
	for asset, pct := range targets {
		out = append(out, types.Allocation{Asset: asset, Percentage: pct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func validateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < MinThreshold || threshold > MaxThreshold {
		return apperrors.NewInvalidParameterError("threshold", fmt.Sprintf("must be between %.0f and %.0f", MinThreshold, MaxThreshold))
	}
	return nil
}

func validateSlippage(bps int) error {
	if bps < MinSlippageBps || bps > MaxSlippageBps {
		return apperrors.NewInvalidParameterError("slippageToleranceBps", fmt.Sprintf("must be between %d and %d", MinSlippageBps, MaxSlippageBps))
	}
	return nil
}
