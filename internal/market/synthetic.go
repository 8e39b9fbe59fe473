package market

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"quantgraph/internal/symbol"
	apperrors "quantgraph/pkg/errors"
	"quantgraph/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// SyntheticConfig shapes a SyntheticProvider
type SyntheticConfig struct {
	Seed int64
	// Origin is the first trading date; earlier dates have no data
	Origin time.Time
	// Symbols fixes the universe; when empty Count symbols are generated
	Symbols []symbol.Symbol
	Count   int
	// Daily drift and volatility of the log-price walk
	Drift      float64
	Volatility float64
}

type syntheticSecurity struct {
	symbol    symbol.Symbol
	name      string
	basePrice float64
	eps       float64
	bvps      float64
	shares    float64 // in 100 million
	path      []float64
}

// SyntheticProvider generates a deterministic random-walk market. The same
// seed always yields the same snapshot for a date, independent of the
// order in which dates are requested. Safe for concurrent use.
type SyntheticProvider struct {
	cfg        SyntheticConfig
	securities []*syntheticSecurity

	mu    sync.Mutex
	cache map[int]*Snapshot
}

// NewSyntheticProvider builds the universe from cfg
func NewSyntheticProvider(cfg SyntheticConfig) *SyntheticProvider {
	if cfg.Origin.IsZero() {
		cfg.Origin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	cfg.Origin = truncateDay(cfg.Origin)
	if cfg.Count <= 0 {
		cfg.Count = 50
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.02
	}

	syms := cfg.Symbols
	if len(syms) == 0 {
		syms = generateSymbols(cfg.Count)
	}

	p := &SyntheticProvider{
		cfg:   cfg,
		cache: make(map[int]*Snapshot),
	}
	for i, sym := range syms {
		rng := rand.New(rand.NewSource(mixSeed(cfg.Seed, int64(i), -1)))
		price := 5 + rng.Float64()*95
		p.securities = append(p.securities, &syntheticSecurity{
			symbol:    sym,
			name:      "SIM" + string(sym),
			basePrice: price,
			eps:       price / (5 + rng.Float64()*45),
			bvps:      price / (0.5 + rng.Float64()*7.5),
			shares:    1 + rng.Float64()*199,
		})
	}
	return p
}

func generateSymbols(n int) []symbol.Symbol {
	out := make([]symbol.Symbol, 0, n)
	for i := 0; i < n; i++ {
		code := 600000 + i/2
		if i%2 == 1 {
			code = 1 + i/2
		}
		out = append(out, symbol.MustNormalize(fmt.Sprintf("%d", code)))
	}
	return out
}

func mixSeed(seed, security, day int64) int64 {
	return seed*1_000_003 + security*7_919 + day*104_729
}

// Symbols returns the simulated universe
func (p *SyntheticProvider) Symbols() []symbol.Symbol {
	out := make([]symbol.Symbol, len(p.securities))
	for i, s := range p.securities {
		out[i] = s.symbol
	}
	return out
}

// Snapshot returns the simulated cross-section for date
func (p *SyntheticProvider) Snapshot(ctx context.Context, date time.Time) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	date = truncateDay(date)
	if date.Before(p.cfg.Origin) || !IsWeekday(date) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNoMarketData, date.Format(DateLayout))
	}
	day := len(TradingDays(p.cfg.Origin, date)) - 1

	p.mu.Lock()
	defer p.mu.Unlock()

	if snap, ok := p.cache[day]; ok {
		return snap, nil
	}

	quotes := make([]Quote, 0, len(p.securities))
	for i, sec := range p.securities {
		p.extend(int64(i), sec, day)
		level := sec.path[day]
		prev := sec.basePrice
		if day > 0 {
			prev = sec.path[day-1]
		}

		price := tradingutils.RoundPrice(decimal.NewFromFloat(level), tradingutils.PriceDecimals)
		if !price.IsPositive() {
			price = decimal.New(1, -tradingutils.PriceDecimals)
		}
		quotes = append(quotes, Quote{
			Symbol:     sec.symbol,
			Name:       sec.name,
			Price:      price,
			PE:         round2(level / sec.eps),
			PB:         round2(level / sec.bvps),
			MarketCap:  round2(level * sec.shares),
			ReturnRate: round2((level/prev - 1) * 100),
		})
	}

	snap := NewSnapshot(date, quotes, nil)
	p.cache[day] = snap
	return snap, nil
}

// extend grows the price path of sec up to day inclusive
func (p *SyntheticProvider) extend(idx int64, sec *syntheticSecurity, day int) {
	for k := len(sec.path); k <= day; k++ {
		prev := sec.basePrice
		if k > 0 {
			prev = sec.path[k-1]
		}
		rng := rand.New(rand.NewSource(mixSeed(p.cfg.Seed, idx, int64(k))))
		step := p.cfg.Drift + p.cfg.Volatility*rng.NormFloat64()
		sec.path = append(sec.path, prev*math.Exp(step))
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
