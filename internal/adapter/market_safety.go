package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

// EmergencyFlag reports the operator trading halt
type EmergencyFlag interface {
	EmergencyStopped(ctx context.Context) (bool, error)
}

// MarketSafetyChecker rejects trading under an emergency stop or with
// missing, cached or outdated prices.
type MarketSafetyChecker struct {
	flag   EmergencyFlag
	maxAge time.Duration
	now    func() time.Time
}

var _ SafetyChecker = (*MarketSafetyChecker)(nil)

// NewMarketSafetyChecker creates a checker. flag may be nil.
func NewMarketSafetyChecker(flag EmergencyFlag, maxAge time.Duration) *MarketSafetyChecker {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &MarketSafetyChecker{flag: flag, maxAge: maxAge, now: time.Now}
}

// CheckMarketSafety evaluates the current market conditions
func (c *MarketSafetyChecker) CheckMarketSafety(ctx context.Context, prices types.PriceSet) (types.SafetyCheck, error) {
	var reasons []string

	if c.flag != nil {
		stopped, err := c.flag.EmergencyStopped(ctx)
		if err != nil {
			return types.SafetyCheck{}, fmt.Errorf("failed to read emergency stop: %w", err)
		}
		if stopped {
			reasons = append(reasons, "emergency stop is active")
		}
	}

	if len(prices) == 0 {
		reasons = append(reasons, "no prices available")
	}

	now := c.now()
	for _, asset := range prices.Assets() {
		q := prices[asset]
		switch {
		case q.Price <= 0:
			reasons = append(reasons, fmt.Sprintf("no usable price for %s", asset))
		case q.Stale:
			reasons = append(reasons, fmt.Sprintf("price for %s is served from cache", asset))
		case !q.Timestamp.IsZero() && now.Sub(q.Timestamp) > c.maxAge:
			reasons = append(reasons, fmt.Sprintf("price for %s is older than %s", asset, c.maxAge))
		}
	}

	return types.SafetyCheck{Safe: len(reasons) == 0, Reasons: reasons}, nil
}
