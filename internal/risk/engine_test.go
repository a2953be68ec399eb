package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEngine() (*Engine, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(DefaultConfig(), nil)
	e.now = c.now
	return e, c
}

func tick(c *clock, prices map[string]float64) types.PriceSet {
	c.t = c.t.Add(time.Minute)
	ps := types.PriceSet{}
	for a, p := range prices {
		ps[a] = types.PriceQuote{Price: p, Timestamp: c.t}
	}
	return ps
}

func balancedPortfolio() *models.Portfolio {
	return &models.Portfolio{
		ID:                "p1",
		TargetAllocations: map[string]float64{"XLM": 50, "USDC": 50},
		CurrentBalances:   map[string]float64{"XLM": 500, "USDC": 50},
		Threshold:         5,
		Version:           1,
	}
}

func TestCircuitBreakerTripsAndExpiresLazily(t *testing.T) {
	e, c := newTestEngine()

	assert.Empty(t, e.UpdatePriceData(tick(c, map[string]float64{"XLM": 0.10})))
	alerts := e.UpdatePriceData(tick(c, map[string]float64{"XLM": 0.13}))
	require.Len(t, alerts, 1)
	assert.Equal(t, "circuit_breaker", alerts[0].Kind)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)

	status := e.CircuitBreakerStatus("XLM")
	assert.True(t, status.Triggered)
	assert.Equal(t, c.t.Add(5*time.Minute), status.CooldownUntil)

	c.t = c.t.Add(4 * time.Minute)
	assert.True(t, e.CircuitBreakerStatus("XLM").Triggered)

	c.t = c.t.Add(2 * time.Minute)
	assert.False(t, e.CircuitBreakerStatus("XLM").Triggered)
	assert.Empty(t, e.ActiveCircuitBreakers())
}

func TestMoveAtThresholdDoesNotTrip(t *testing.T) {
	e, c := newTestEngine()
	e.UpdatePriceData(tick(c, map[string]float64{"BTC": 100}))
	assert.Empty(t, e.UpdatePriceData(tick(c, map[string]float64{"BTC": 120})))
	assert.False(t, e.CircuitBreakerStatus("BTC").Triggered)
}

func TestStaleTickIgnored(t *testing.T) {
	e, c := newTestEngine()
	ps := tick(c, map[string]float64{"XLM": 0.10})
	e.UpdatePriceData(ps)
	e.UpdatePriceData(ps)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, 1, e.prices["XLM"].len())
	assert.Equal(t, 0, e.returns["XLM"].len())
}

func TestGateDeniesWhileBreakerActive(t *testing.T) {
	e, c := newTestEngine()
	e.UpdatePriceData(tick(c, map[string]float64{"XLM": 0.10, "USDC": 1}))
	e.UpdatePriceData(tick(c, map[string]float64{"XLM": 0.05, "USDC": 1}))

	d := e.ShouldAllowRebalance(balancedPortfolio(), tick(c, map[string]float64{"XLM": 0.05, "USDC": 1}))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonCircuitBreakerActive, d.ReasonCode)
	require.NotNil(t, d.Metrics)
}

func TestGateDeniesConcentration(t *testing.T) {
	e, c := newTestEngine()
	p := balancedPortfolio()
	p.CurrentBalances = map[string]float64{"XLM": 1000}

	d := e.ShouldAllowRebalance(p, tick(c, map[string]float64{"XLM": 0.1, "USDC": 1}))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonConcentrationBreach, d.ReasonCode)
	assert.Equal(t, 1.0, d.Metrics.ConcentrationRisk)
}

func TestGateAllowsWithConcentrationWarning(t *testing.T) {
	e, c := newTestEngine()
	p := balancedPortfolio()
	// 60/40 split: concentration = 0.6/0.7 ~ 0.857
	p.CurrentBalances = map[string]float64{"XLM": 600, "USDC": 40}

	d := e.ShouldAllowRebalance(p, tick(c, map[string]float64{"XLM": 0.1, "USDC": 1}))
	assert.True(t, d.Allowed)
	assert.Equal(t, types.ReasonRiskChecksPassed, d.ReasonCode)
	require.Len(t, d.Alerts, 1)
	assert.Equal(t, "concentration", d.Alerts[0].Kind)
}

func TestGateSkipsStatisticalRulesBelowMinSample(t *testing.T) {
	e, c := newTestEngine()
	price := 1.0
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			price *= 1.15
		} else {
			price /= 1.15
		}
		e.UpdatePriceData(tick(c, map[string]float64{"XLM": price, "USDC": 1}))
	}
	p := balancedPortfolio()
	p.CurrentBalances = map[string]float64{"XLM": 50 / price, "USDC": 50}

	d := e.ShouldAllowRebalance(p, nil)
	assert.True(t, d.Allowed)
	assert.Less(t, d.Metrics.SampleSize, 30)
}

func TestGateDeniesEWMAVolatilityBreach(t *testing.T) {
	e, p := choppyEngine(DefaultConfig())

	d := e.ShouldAllowRebalance(p, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonEWMAVolBreach, d.ReasonCode)
	assert.GreaterOrEqual(t, d.Metrics.SampleSize, 30)
	assert.InDelta(t, 1.0, d.Metrics.Correlations["XLM"]["BTC"], 1e-9)
}

func TestAnalyzePortfolioRiskWithoutHistory(t *testing.T) {
	e, _ := newTestEngine()
	m := e.AnalyzePortfolioRisk(map[string]float64{"A": 0.8, "B": 0.2}, nil)

	assert.Equal(t, 1.0, m.ConcentrationRisk)
	assert.Zero(t, m.Volatility)
	assert.Zero(t, m.VaR95)
	assert.Zero(t, m.SampleSize)
	assert.Equal(t, "normal", m.DrawdownBand)
	assert.Equal(t, map[string]map[string]float64{
		"A": {"A": 1, "B": 0},
		"B": {"A": 0, "B": 1},
	}, m.Correlations)
	// liquidity: unknown assets score 0.5
	assert.InDelta(t, 0.5, m.LiquidityRisk, 1e-12)
	assert.Equal(t, types.RiskCritical, m.OverallLevel)
}

func TestOverallLevel(t *testing.T) {
	assert.Equal(t, types.RiskLow, overallLevel(0.1, 0.1, 0.1, 0.1))
	assert.Equal(t, types.RiskMedium, overallLevel(0.5, 0.1, 0.1, 0.1))
	assert.Equal(t, types.RiskHigh, overallLevel(0.75, 0.1, 0.1, 0.1))
	assert.Equal(t, types.RiskCritical, overallLevel(0.95, 0.1, 0.1, 0.1))
	assert.Equal(t, types.RiskHigh, overallLevel(0.65, 0.65, 0.65, 0.65))
}

func TestPortfolioWeightsFallsBackToTargets(t *testing.T) {
	p := balancedPortfolio()
	w := PortfolioWeights(p, types.PriceSet{})
	assert.Equal(t, map[string]float64{"XLM": 0.5, "USDC": 0.5}, w)

	w = PortfolioWeights(p, types.PriceSet{"XLM": {Price: 0.1}, "USDC": {Price: 1}})
	assert.InDelta(t, 0.5, w["XLM"], 1e-12)
	assert.InDelta(t, 0.5, w["USDC"], 1e-12)
}

// choppyEngine feeds 45 ticks of a +/-15% zig-zag to two assets that move
// together. The blended series has 44 returns with EWMA vol ~0.14,
// VaR95 = CVaR95 ~0.13 and a max drawdown ~0.13.
func choppyEngine(cfg Config) (*Engine, *models.Portfolio) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(cfg, nil)
	e.now = c.now

	xlm, btc := 1.0, 100.0
	for i := 0; i < 45; i++ {
		if i%2 == 0 {
			xlm, btc = xlm*1.15, btc*1.15
		} else {
			xlm, btc = xlm/1.15, btc/1.15
		}
		e.UpdatePriceData(tick(c, map[string]float64{"XLM": xlm, "BTC": btc}))
	}
	return e, &models.Portfolio{
		ID:                "p3",
		TargetAllocations: map[string]float64{"XLM": 50, "BTC": 50},
		CurrentBalances:   map[string]float64{"XLM": 50 / xlm, "BTC": 50 / btc},
	}
}

func TestGateOrder(t *testing.T) {
	relaxed := func(cfg *Config) {
		cfg.MaxEWMAVolatility = 1
		cfg.MaxVaR95 = 1
		cfg.MaxCVaR95 = 1
		cfg.MaxDrawdown = 1
	}

	tests := []struct {
		name    string
		tune    func(*Config)
		allowed bool
		want    types.ReasonCode
	}{
		{
			name: "circuit breaker before everything",
			tune: func(cfg *Config) { cfg.CircuitBreakerMove = 0.10 },
			want: types.ReasonCircuitBreakerActive,
		},
		{
			name: "concentration before statistical rules",
			tune: func(cfg *Config) { cfg.ConcentrationDeny = 0.5 },
			want: types.ReasonConcentrationBreach,
		},
		{
			name: "ewma volatility first among statistical rules",
			tune: func(cfg *Config) {},
			want: types.ReasonEWMAVolBreach,
		},
		{
			name: "var breach",
			tune: func(cfg *Config) { cfg.MaxEWMAVolatility = 1 },
			want: types.ReasonVaRBreach,
		},
		{
			name: "cvar breach",
			tune: func(cfg *Config) {
				relaxed(cfg)
				cfg.MaxCVaR95 = 0.10
			},
			want: types.ReasonCVaRBreach,
		},
		{
			name: "drawdown breach",
			tune: func(cfg *Config) {
				relaxed(cfg)
				cfg.MaxDrawdown = 0.10
			},
			want: types.ReasonDrawdownBreach,
		},
		{
			name:    "statistical rules skipped below min sample",
			tune:    func(cfg *Config) { cfg.MinSampleSize = 100 },
			allowed: true,
			want:    types.ReasonRiskChecksPassed,
		},
		{
			name:    "all checks pass",
			tune:    relaxed,
			allowed: true,
			want:    types.ReasonRiskChecksPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tune(&cfg)
			e, p := choppyEngine(cfg)

			d := e.ShouldAllowRebalance(p, nil)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.want, d.ReasonCode)
			require.NotNil(t, d.Metrics)
			assert.Equal(t, 44, d.Metrics.SampleSize)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestChoppySeriesMetrics(t *testing.T) {
	e, p := choppyEngine(DefaultConfig())
	m := e.AnalyzePortfolioRisk(PortfolioWeights(p, nil), nil)

	down := 1/1.15 - 1
	assert.Equal(t, 44, m.SampleSize)
	assert.InDelta(t, -down, m.VaR95, 1e-9)
	assert.InDelta(t, -down, m.CVaR95, 1e-9)
	assert.InDelta(t, -down, m.MaxDrawdown, 1e-9)
	assert.Equal(t, "elevated", m.DrawdownBand)
	assert.Greater(t, m.Volatility, 0.12)
	assert.Equal(t, 1.0, m.VolatilityScore)
}

func TestCorrelationRiskScore(t *testing.T) {
	tests := []struct {
		name  string
		other func(i int, xlm float64) float64
		want  float64
		level types.RiskLevel
	}{
		{
			name:  "moving together",
			other: func(i int, xlm float64) float64 { return xlm * 100 },
			want:  1,
			level: types.RiskCritical,
		},
		{
			name:  "moving opposite",
			other: func(i int, xlm float64) float64 { return 100 / xlm },
			want:  1,
			level: types.RiskCritical,
		},
		{
			name:  "flat partner",
			other: func(i int, xlm float64) float64 { return 100 },
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, c := newTestEngine()
			xlm := 1.0
			for i := 0; i < 10; i++ {
				if i%2 == 0 {
					xlm *= 1.05
				} else {
					xlm /= 1.05
				}
				e.UpdatePriceData(tick(c, map[string]float64{"XLM": xlm, "BTC": tt.other(i, xlm)}))
			}

			m := e.AnalyzePortfolioRisk(map[string]float64{"XLM": 0.5, "BTC": 0.5}, nil)
			assert.InDelta(t, tt.want, m.CorrelationRisk, 1e-9)
			assert.InDelta(t, tt.want, abs(m.Correlations["XLM"]["BTC"]), 1e-9)
			if tt.level != "" {
				assert.Equal(t, tt.level, m.OverallLevel)
			}
		})
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
