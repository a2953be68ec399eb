// Package risk keeps per-asset price and return history and turns it into
// portfolio risk metrics and a rebalance gate decision.
//
// The engine's state lives in process memory and belongs to a single
// Engine instance. Running several rebalancer processes gives each its own
// view of price history and breaker state; moving that state to a shared
// store is required before scaling out.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// Config holds the risk model parameters
type Config struct {
	HistoryCapacity        int
	Lambda                 float64
	CorrelationWindow      int
	MinSampleSize          int
	MaxEWMAVolatility      float64
	MaxVaR95               float64
	MaxCVaR95              float64
	MaxDrawdown            float64
	ConcentrationCap       float64
	ConcentrationDeny      float64
	ConcentrationWarn      float64
	CircuitBreakerMove     float64
	CircuitBreakerCooldown time.Duration
	LiquidityScores        map[string]float64
	UnknownLiquidityScore  float64
}

// DefaultConfig returns the production risk parameters
func DefaultConfig() Config {
	return Config{
		HistoryCapacity:        400,
		Lambda:                 0.94,
		CorrelationWindow:      90,
		MinSampleSize:          30,
		MaxEWMAVolatility:      0.08,
		MaxVaR95:               0.12,
		MaxCVaR95:              0.16,
		MaxDrawdown:            0.25,
		ConcentrationCap:       0.70,
		ConcentrationDeny:      0.9,
		ConcentrationWarn:      0.8,
		CircuitBreakerMove:     0.20,
		CircuitBreakerCooldown: 5 * time.Minute,
		LiquidityScores: map[string]float64{
			"USDC": 1.0,
			"XLM":  0.95,
			"BTC":  0.9,
			"ETH":  0.9,
			"EURC": 0.9,
			"AQUA": 0.6,
		},
		UnknownLiquidityScore: 0.5,
	}
}

type pricePoint struct {
	price float64
	at    time.Time
}

type breakerState struct {
	reason        string
	triggeredAt   time.Time
	cooldownUntil time.Time
}

// Engine is the mutex-guarded owner of all risk state
type Engine struct {
	cfg    Config
	now    func() time.Time
	logger *logging.Logger

	mu       sync.Mutex
	prices   map[string]*ring[pricePoint]
	returns  map[string]*ring[float64]
	breakers map[string]*breakerState
	volHigh  map[string]bool
}

// NewEngine creates a risk engine
func NewEngine(cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if cfg.LiquidityScores == nil {
		cfg.LiquidityScores = DefaultConfig().LiquidityScores
	}
	if cfg.UnknownLiquidityScore == 0 {
		cfg.UnknownLiquidityScore = 0.5
	}
	return &Engine{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.WithField("component", "risk_engine"),
		prices:   make(map[string]*ring[pricePoint]),
		returns:  make(map[string]*ring[float64]),
		breakers: make(map[string]*breakerState),
		volHigh:  make(map[string]bool),
	}
}

// UpdatePriceData ingests price ticks and returns the alerts they raised.
// Ticks not newer than the last recorded tick for an asset are ignored.
func (e *Engine) UpdatePriceData(prices types.PriceSet) []models.RiskAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ingestLocked(prices)
}

func (e *Engine) ingestLocked(prices types.PriceSet) []models.RiskAlert {
	now := e.now()
	var alerts []models.RiskAlert

	for _, asset := range prices.Assets() {
		quote := prices[asset]
		if quote.Price <= 0 || math.IsNaN(quote.Price) || math.IsInf(quote.Price, 0) {
			continue
		}
		at := quote.Timestamp
		if at.IsZero() {
			at = now
		}

		hist, ok := e.prices[asset]
		if !ok {
			hist = newRing[pricePoint](e.cfg.HistoryCapacity)
			e.prices[asset] = hist
			e.returns[asset] = newRing[float64](e.cfg.HistoryCapacity)
		}

		if prev, ok := hist.last(); ok {
			if !at.After(prev.at) {
				continue
			}
			if prev.price > 0 {
				ret := (quote.Price - prev.price) / prev.price
				e.returns[asset].push(ret)

				if math.Abs(ret) > e.cfg.CircuitBreakerMove {
					alerts = append(alerts, e.tripLocked(asset, ret, now))
				}
			}
		}
		hist.push(pricePoint{price: quote.Price, at: at})

		if alert, ok := e.volatilityAlertLocked(asset, now); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func (e *Engine) tripLocked(asset string, move float64, now time.Time) models.RiskAlert {
	reason := fmt.Sprintf("%s moved %.2f%% in one tick", asset, move*100)
	e.breakers[asset] = &breakerState{
		reason:        reason,
		triggeredAt:   now,
		cooldownUntil: now.Add(e.cfg.CircuitBreakerCooldown),
	}
	e.logger.WithFields(map[string]interface{}{
		"asset":         asset,
		"move":          move,
		"cooldownUntil": now.Add(e.cfg.CircuitBreakerCooldown),
	}).Warn("Asset circuit breaker triggered")

	return models.RiskAlert{
		Severity:  types.SeverityCritical,
		Kind:      "circuit_breaker",
		Asset:     asset,
		Message:   reason,
		Timestamp: now,
	}
}

func (e *Engine) volatilityAlertLocked(asset string, now time.Time) (models.RiskAlert, bool) {
	rets := e.returns[asset]
	if rets == nil || rets.len() < e.cfg.MinSampleSize {
		return models.RiskAlert{}, false
	}
	vol := EWMAVolatility(rets.values(), e.cfg.Lambda)
	if vol <= e.cfg.MaxEWMAVolatility {
		delete(e.volHigh, asset)
		return models.RiskAlert{}, false
	}
	// only alert on the crossing, not on every tick above the cap
	if e.volHigh[asset] {
		return models.RiskAlert{}, false
	}
	e.volHigh[asset] = true
	return models.RiskAlert{
		Severity:  types.SeverityWarning,
		Kind:      "volatility",
		Asset:     asset,
		Message:   fmt.Sprintf("%s EWMA volatility %.4f exceeds %.4f", asset, vol, e.cfg.MaxEWMAVolatility),
		Timestamp: now,
	}, true
}

// CircuitBreakerStatus returns an asset's breaker state. An expired
// cooldown is cleared here, so the flag is accurate as of the last read.
func (e *Engine) CircuitBreakerStatus(asset string) models.CircuitBreakerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(asset, e.now())
}

func (e *Engine) statusLocked(asset string, now time.Time) models.CircuitBreakerStatus {
	st, ok := e.breakers[asset]
	if !ok {
		return models.CircuitBreakerStatus{Asset: asset}
	}
	if !now.Before(st.cooldownUntil) {
		delete(e.breakers, asset)
		return models.CircuitBreakerStatus{Asset: asset}
	}
	return models.CircuitBreakerStatus{
		Asset:         asset,
		Triggered:     true,
		Reason:        st.reason,
		TriggeredAt:   st.triggeredAt,
		CooldownUntil: st.cooldownUntil,
	}
}

// ActiveCircuitBreakers returns every breaker still in cooldown
func (e *Engine) ActiveCircuitBreakers() []models.CircuitBreakerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeLocked(e.now())
}

func (e *Engine) activeLocked(now time.Time) []models.CircuitBreakerStatus {
	assets := make([]string, 0, len(e.breakers))
	for a := range e.breakers {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	var out []models.CircuitBreakerStatus
	for _, a := range assets {
		if st := e.statusLocked(a, now); st.Triggered {
			out = append(out, st)
		}
	}
	return out
}

// AnalyzePortfolioRisk computes risk metrics for the given weights after
// ingesting prices (which may be nil). It never fails; with too little
// history the statistical fields are zero.
func (e *Engine) AnalyzePortfolioRisk(weights map[string]float64, prices types.PriceSet) models.RiskMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(prices) > 0 {
		e.ingestLocked(prices)
	}
	return e.analyzeLocked(weights)
}

func (e *Engine) analyzeLocked(weights map[string]float64) models.RiskMetrics {
	w := normalizeWeights(weights)
	assets := sortedKeys(w)

	series := e.portfolioReturnsLocked(w, assets)
	vol := EWMAVolatility(series, e.cfg.Lambda)
	varValue, cvar := HistoricalVaR(series)
	dd := MaxDrawdown(series)

	corr := e.correlationLocked(assets)

	metrics := models.RiskMetrics{
		Volatility:        vol,
		VaR95:             varValue,
		CVaR95:            cvar,
		MaxDrawdown:       dd,
		DrawdownBand:      DrawdownBand(dd),
		ConcentrationRisk: e.concentration(w),
		LiquidityRisk:     e.liquidity(w),
		CorrelationRisk:   correlationRisk(assets, corr),
		VolatilityScore:   math.Min(1, vol/e.cfg.MaxEWMAVolatility),
		Correlations:      corr,
		SampleSize:        len(series),
		Timestamp:         e.now(),
	}
	metrics.OverallLevel = overallLevel(
		metrics.ConcentrationRisk,
		metrics.LiquidityRisk,
		metrics.CorrelationRisk,
		metrics.VolatilityScore,
	)
	return metrics
}

// portfolioReturnsLocked blends the newest aligned returns of every
// weighted asset. The series is as long as the shortest asset history.
func (e *Engine) portfolioReturnsLocked(w map[string]float64, assets []string) []float64 {
	n := -1
	for _, a := range assets {
		if w[a] <= 0 {
			continue
		}
		l := 0
		if r := e.returns[a]; r != nil {
			l = r.len()
		}
		if n < 0 || l < n {
			n = l
		}
	}
	if n <= 0 {
		return nil
	}

	out := make([]float64, n)
	for _, a := range assets {
		if w[a] <= 0 {
			continue
		}
		for i, r := range e.returns[a].tail(n) {
			out[i] += w[a] * r
		}
	}
	return out
}

func (e *Engine) correlationLocked(assets []string) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(assets))
	for _, a := range assets {
		out[a] = make(map[string]float64, len(assets))
		out[a][a] = 1
	}
	for i, a := range assets {
		for _, b := range assets[i+1:] {
			var c float64
			ra, rb := e.returns[a], e.returns[b]
			if ra != nil && rb != nil {
				c = Pearson(ra.tail(e.cfg.CorrelationWindow), rb.tail(e.cfg.CorrelationWindow))
			}
			out[a][b] = c
			out[b][a] = c
		}
	}
	return out
}

func (e *Engine) concentration(w map[string]float64) float64 {
	maxW := 0.0
	for _, v := range w {
		maxW = math.Max(maxW, v)
	}
	return math.Min(1, maxW/e.cfg.ConcentrationCap)
}

func (e *Engine) liquidity(w map[string]float64) float64 {
	if len(w) == 0 {
		return 0
	}
	score := 0.0
	for a, v := range w {
		s, ok := e.cfg.LiquidityScores[a]
		if !ok {
			s = e.cfg.UnknownLiquidityScore
		}
		score += v * s
	}
	return math.Max(0, 1-score)
}

func correlationRisk(assets []string, corr map[string]map[string]float64) float64 {
	sum, pairs := 0.0, 0
	for i, a := range assets {
		for _, b := range assets[i+1:] {
			sum += math.Abs(corr[a][b])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func overallLevel(scores ...float64) types.RiskLevel {
	maxS, sum := 0.0, 0.0
	for _, s := range scores {
		maxS = math.Max(maxS, s)
		sum += s
	}
	avg := sum / float64(len(scores))

	switch {
	case maxS > 0.9 || avg > 0.8:
		return types.RiskCritical
	case maxS > 0.7 || avg > 0.6:
		return types.RiskHigh
	case maxS > 0.4 || avg > 0.3:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// ShouldAllowRebalance ingests prices and evaluates the gate policy for a
// portfolio. The first matching rule wins.
func (e *Engine) ShouldAllowRebalance(p *models.Portfolio, prices types.PriceSet) models.GateDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	alerts := e.ingestLocked(prices)
	metrics := e.analyzeLocked(PortfolioWeights(p, prices))

	decision := models.GateDecision{Metrics: &metrics}
	deny := func(code types.ReasonCode, reason string) models.GateDecision {
		decision.Allowed = false
		decision.ReasonCode = code
		decision.Reason = reason
		decision.Alerts = alerts
		return decision
	}

	if active := e.activeLocked(now); len(active) > 0 {
		assets := make([]string, 0, len(active))
		for _, st := range active {
			assets = append(assets, st.Asset)
		}
		return deny(types.ReasonCircuitBreakerActive,
			fmt.Sprintf("circuit breaker active for %v until %s", assets, active[0].CooldownUntil.Format(time.RFC3339)))
	}

	if metrics.ConcentrationRisk > e.cfg.ConcentrationDeny {
		return deny(types.ReasonConcentrationBreach,
			fmt.Sprintf("concentration risk %.2f exceeds %.2f", metrics.ConcentrationRisk, e.cfg.ConcentrationDeny))
	}

	if metrics.SampleSize >= e.cfg.MinSampleSize {
		switch {
		case metrics.Volatility > e.cfg.MaxEWMAVolatility:
			return deny(types.ReasonEWMAVolBreach,
				fmt.Sprintf("EWMA volatility %.4f exceeds %.4f", metrics.Volatility, e.cfg.MaxEWMAVolatility))
		case metrics.VaR95 > e.cfg.MaxVaR95:
			return deny(types.ReasonVaRBreach,
				fmt.Sprintf("VaR95 %.4f exceeds %.4f", metrics.VaR95, e.cfg.MaxVaR95))
		case metrics.CVaR95 > e.cfg.MaxCVaR95:
			return deny(types.ReasonCVaRBreach,
				fmt.Sprintf("CVaR95 %.4f exceeds %.4f", metrics.CVaR95, e.cfg.MaxCVaR95))
		case metrics.MaxDrawdown > e.cfg.MaxDrawdown:
			return deny(types.ReasonDrawdownBreach,
				fmt.Sprintf("max drawdown %.4f exceeds %.4f", metrics.MaxDrawdown, e.cfg.MaxDrawdown))
		}
	}

	if metrics.ConcentrationRisk > e.cfg.ConcentrationWarn {
		alerts = append(alerts, models.RiskAlert{
			Severity:  types.SeverityWarning,
			Kind:      "concentration",
			Message:   fmt.Sprintf("concentration risk %.2f is above %.2f", metrics.ConcentrationRisk, e.cfg.ConcentrationWarn),
			Timestamp: now,
		})
	}

	decision.Allowed = true
	decision.ReasonCode = types.ReasonRiskChecksPassed
	decision.Alerts = alerts
	return decision
}

// PortfolioWeights values a portfolio's balances at the given prices.
// Assets without a quote are left out. When nothing can be valued the
// target allocation is used instead.
func PortfolioWeights(p *models.Portfolio, prices types.PriceSet) map[string]float64 {
	values := make(map[string]float64, len(p.CurrentBalances))
	total := 0.0
	for asset, bal := range p.CurrentBalances {
		price, ok := prices.Lookup(asset)
		if !ok || bal <= 0 {
			continue
		}
		values[asset] = bal * price
		total += bal * price
	}
	if total > 0 {
		for a, v := range values {
			values[a] = v / total
		}
		return values
	}

	targets := make(map[string]float64, len(p.TargetAllocations))
	for a, pct := range p.TargetAllocations {
		targets[a] = pct / 100
	}
	return targets
}

func normalizeWeights(weights map[string]float64) map[string]float64 {
	total := 0.0
	for _, v := range weights {
		if v > 0 {
			total += v
		}
	}
	out := make(map[string]float64, len(weights))
	if total <= 0 {
		return out
	}
	for a, v := range weights {
		if v > 0 {
			out[a] = v / total
		}
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
