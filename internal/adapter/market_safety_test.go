package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/types"
)

type fakeFlag struct {
	stopped bool
	err     error
}

func (f fakeFlag) EmergencyStopped(context.Context) (bool, error) { return f.stopped, f.err }

func TestMarketSafetyChecker(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := types.PriceSet{
		"XLM":  {Price: 0.1, Timestamp: now.Add(-time.Minute)},
		"USDC": {Price: 1, Timestamp: now.Add(-time.Minute)},
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		flag    EmergencyFlag
		prices  types.PriceSet
		safe    bool
		reasons int
	}{
		{name: "fresh prices", prices: fresh, safe: true},
		{name: "emergency stop", flag: fakeFlag{stopped: true}, prices: fresh, reasons: 1},
		{name: "no prices", prices: types.PriceSet{}, reasons: 1},
		{name: "outdated price", prices: types.PriceSet{
			"XLM": {Price: 0.1, Timestamp: now.Add(-2 * time.Hour)},
		}, reasons: 1},
		{name: "cached price", prices: types.PriceSet{
			"XLM": {Price: 0.1, Timestamp: now, Stale: true},
		}, reasons: 1},
		{name: "zero price", prices: types.PriceSet{"XLM": {Price: 0, Timestamp: now}}, reasons: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMarketSafetyChecker(tt.flag, time.Hour)
			c.now = func() time.Time { return now }
			check, err := c.CheckMarketSafety(ctx, tt.prices)
			require.NoError(t, err)
			assert.Equal(t, tt.safe, check.Safe)
			assert.Len(t, check.Reasons, tt.reasons)
		})
	}

	t.Run("flag error", func(t *testing.T) {
		c := NewMarketSafetyChecker(fakeFlag{err: errors.New("redis down")}, time.Hour)
		_, err := c.CheckMarketSafety(ctx, fresh)
		assert.Error(t, err)
	})
}
