package models

import (
	"sort"
	"time"
)

// Portfolio is a user's multi-asset holding with its target allocation.
// Version increases by one on every committed write.
type Portfolio struct {
	ID                   string             `json:"id" db:"id"`
	UserAddress          string             `json:"userAddress" db:"user_address"`
	TargetAllocations    map[string]float64 `json:"targetAllocations" db:"target_allocations"`
	CurrentBalances      map[string]float64 `json:"currentBalances" db:"current_balances"`
	TotalValue           float64            `json:"totalValue" db:"total_value"`
	Threshold            float64            `json:"threshold" db:"threshold"`
	SlippageToleranceBps int                `json:"slippageToleranceBps" db:"slippage_tolerance_bps"`
	LastRebalance        *time.Time         `json:"lastRebalance,omitempty" db:"last_rebalance"`
	IsActive             bool               `json:"isActive" db:"is_active"`
	Version              int64              `json:"version" db:"version"`
	CreatedAt            time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time          `json:"updatedAt" db:"updated_at"`
}

// Assets returns every asset the portfolio targets or holds, sorted
func (p *Portfolio) Assets() []string {
	seen := make(map[string]struct{}, len(p.TargetAllocations)+len(p.CurrentBalances))
	for a := range p.TargetAllocations {
		seen[a] = struct{}{}
	}
	for a := range p.CurrentBalances {
		seen[a] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so callers can mutate maps safely
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	cp := *p
	cp.TargetAllocations = cloneFloatMap(p.TargetAllocations)
	cp.CurrentBalances = cloneFloatMap(p.CurrentBalances)
	if p.LastRebalance != nil {
		t := *p.LastRebalance
		cp.LastRebalance = &t
	}
	return &cp
}

// PortfolioUpdate carries the fields of a versioned write. Nil fields are
// left unchanged.
type PortfolioUpdate struct {
	CurrentBalances map[string]float64
	TotalValue      *float64
	LastRebalance   *time.Time
	IsActive        *bool
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
