package risk

import (
	"math"
	"sort"
)

// EWMAVolatility seeds the variance with the first squared return and
// folds the rest in with decay lambda.
func EWMAVolatility(returns []float64, lambda float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	variance := returns[0] * returns[0]
	for _, r := range returns[1:] {
		variance = lambda*variance + (1-lambda)*r*r
	}
	return math.Sqrt(variance)
}

// HistoricalVaR returns the 95% historical value-at-risk and conditional
// value-at-risk as positive loss fractions.
func HistoricalVaR(returns []float64) (varValue, cvar float64) {
	n := len(returns)
	if n == 0 {
		return 0, 0
	}
	sorted := make([]float64, n)
	copy(sorted, returns)
	sort.Float64s(sorted)

	tail := int(math.Floor(0.05*float64(n))) - 1
	if tail < 0 {
		tail = 0
	}
	varValue = -sorted[tail]

	sum := 0.0
	for _, r := range sorted[:tail+1] {
		sum += r
	}
	cvar = math.Max(varValue, -sum/float64(tail+1))
	return varValue, cvar
}

// MaxDrawdown compounds the returns from a starting value of 1 and reports
// the largest peak-to-trough fraction.
func MaxDrawdown(returns []float64) float64 {
	cumulative, peak, maxDD := 1.0, 1.0, 0.0
	for _, r := range returns {
		cumulative *= 1 + r
		if cumulative > peak {
			peak = cumulative
		}
		if peak > 0 {
			if dd := (peak - cumulative) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// DrawdownBand classifies a drawdown as normal, elevated or critical
func DrawdownBand(dd float64) string {
	switch {
	case dd > 0.20:
		return "critical"
	case dd >= 0.10:
		return "elevated"
	default:
		return "normal"
	}
}

// Pearson returns the correlation of two equally long series, or 0 when
// fewer than two samples exist or either series is flat.
func Pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	meanA, meanB := mean(a), mean(b)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
