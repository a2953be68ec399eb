package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/portfolio-rebalancer/internal/types"
)

func TestPortfolioAssetsAndClone(t *testing.T) {
	now := time.Now()
	p := &Portfolio{
		ID:                "p1",
		TargetAllocations: map[string]float64{"XLM": 60, "USDC": 40},
		CurrentBalances:   map[string]float64{"XLM": 100, "BTC": 0.1},
		LastRebalance:     &now,
		Version:           3,
	}

	assert.Equal(t, []string{"BTC", "USDC", "XLM"}, p.Assets())

	cp := p.Clone()
	cp.CurrentBalances["XLM"] = 1
	*cp.LastRebalance = now.Add(time.Hour)
	assert.Equal(t, 100.0, p.CurrentBalances["XLM"])
	assert.Equal(t, now, *p.LastRebalance)
	assert.Equal(t, int64(3), cp.Version)
}

func TestSettledSkipsRolledBackAndEmptyFills(t *testing.T) {
	res := &DEXExecutionResult{
		Status: types.ExecutionPartial,
		ExecutedTrades: []TradeExecutionResult{
			{TradeID: "a", ExecutedAmount: 10},
			{TradeID: "b", ExecutedAmount: 5, RolledBack: true},
		},
		PartialFills: []TradeExecutionResult{
			{TradeID: "c", ExecutedAmount: 2},
			{TradeID: "d", ExecutedAmount: 0},
		},
	}

	settled := res.Settled()
	ids := make([]string, 0, len(settled))
	for _, s := range settled {
		ids = append(ids, s.TradeID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)

	var nilResult *DEXExecutionResult
	assert.Empty(t, nilResult.Settled())
}
