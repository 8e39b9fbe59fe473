package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeMetrics(t *testing.T) {
	tests := []struct {
		name        string
		equity      []float64
		totalReturn float64
		maxDrawdown float64
	}{
		{"empty", nil, 0, 0},
		{"single point", []float64{100}, 0, 0},
		{"flat", []float64{100, 100, 100}, 0, 0},
		{"rise fall rise", []float64{100, 110, 99, 120}, 0.2, 0.1},
		{"monotonic loss", []float64{100, 90, 80}, -0.2, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ComputeMetrics(tt.equity, DefaultRiskFreeRate, DefaultTradingDaysPerYear)
			assert.Equal(t, len(tt.equity), m.TradingDays)
			assert.InDelta(t, tt.totalReturn, m.TotalReturn, 1e-9)
			assert.InDelta(t, tt.maxDrawdown, m.MaxDrawdown, 1e-9)
		})
	}
}

func TestComputeMetrics_FlatHasNoRatios(t *testing.T) {
	m := ComputeMetrics([]float64{100, 100, 100, 100}, DefaultRiskFreeRate, DefaultTradingDaysPerYear)
	assert.Zero(t, m.Volatility)
	assert.Zero(t, m.Sharpe)
	assert.Zero(t, m.Sortino)
	assert.Zero(t, m.CAGR)
}

func TestComputeMetrics_CAGROverOneYear(t *testing.T) {
	equity := make([]float64, DefaultTradingDaysPerYear)
	for i := range equity {
		equity[i] = 100 + 10*float64(i)/float64(len(equity)-1)
	}
	m := ComputeMetrics(equity, DefaultRiskFreeRate, DefaultTradingDaysPerYear)
	assert.InDelta(t, 0.1, m.CAGR, 1e-9)
	assert.Greater(t, m.Volatility, 0.0)
	assert.Greater(t, m.Sharpe, 0.0)
	// no down days
	assert.Zero(t, m.Sortino)
}

func TestComputeMetrics_Ruined(t *testing.T) {
	m := ComputeMetrics([]float64{100, 0}, DefaultRiskFreeRate, DefaultTradingDaysPerYear)
	assert.Equal(t, -1.0, m.CAGR)
	assert.InDelta(t, 1.0, m.MaxDrawdown, 1e-9)
}

func TestComputeMetrics_SortinoUsesDownsideOnly(t *testing.T) {
	m := ComputeMetrics([]float64{100, 98, 101, 97, 103, 100}, DefaultRiskFreeRate, DefaultTradingDaysPerYear)
	assert.NotZero(t, m.Sortino)
	assert.NotEqual(t, m.Sharpe, m.Sortino)
}
