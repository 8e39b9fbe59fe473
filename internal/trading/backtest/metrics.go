package backtest

import (
	"math"
)

// Defaults for annualising daily returns
const (
	DefaultTradingDaysPerYear = 252
	DefaultRiskFreeRate       = 0.02
)

// Metrics summarises an equity curve. Rates are fractions, not percent.
// MaxDrawdown is the largest peak-to-trough loss as a positive fraction.
type Metrics struct {
	TotalReturn float64 `json:"total_return"`
	CAGR        float64 `json:"cagr"`
	Volatility  float64 `json:"volatility"`
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TradingDays int     `json:"trading_days"`
}

// ComputeMetrics derives performance metrics from one equity value per
// trading day
func ComputeMetrics(equity []float64, riskFree float64, daysPerYear int) Metrics {
	m := Metrics{TradingDays: len(equity)}
	if len(equity) == 0 {
		return m
	}
	if daysPerYear <= 0 {
		daysPerYear = DefaultTradingDaysPerYear
	}

	first, last := equity[0], equity[len(equity)-1]
	if first > 0 {
		m.TotalReturn = last/first - 1
	}

	if len(equity) > 1 {
		years := math.Max(float64(len(equity))/float64(daysPerYear), 0.001)
		if first > 0 && last > 0 {
			m.CAGR = math.Pow(last/first, 1/years) - 1
		} else {
			m.CAGR = -1
		}
	}

	returns := dailyReturns(equity)
	annual := math.Sqrt(float64(daysPerYear))

	m.Volatility = sampleStdDev(returns) * annual
	if m.Volatility > 0 {
		m.Sharpe = (m.CAGR - riskFree) / m.Volatility
	}

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if dd := sampleStdDev(downside) * annual; dd > 0 {
		m.Sortino = (m.CAGR - riskFree) / dd
	}

	m.MaxDrawdown = maxDrawdown(equity)

	// short, extreme curves can overflow the annualisation
	for _, v := range []*float64{&m.CAGR, &m.Volatility, &m.Sharpe, &m.Sortino} {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	return m
}

func dailyReturns(equity []float64) []float64 {
	out := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// sampleStdDev uses the n-1 denominator; fewer than two values give 0
func sampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func maxDrawdown(equity []float64) float64 {
	peak := equity[0]
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
