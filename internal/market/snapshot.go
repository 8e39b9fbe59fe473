// Package market defines the market data a strategy graph runs against and
// the providers that supply it.
package market

import (
	"context"
	"sort"
	"time"

	"quantgraph/internal/symbol"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used on every boundary
const DateLayout = "2006-01-02"

// Quote is one security's data on one date. MarketCap is in units of
// 100 million yuan.
type Quote struct {
	Symbol     symbol.Symbol   `json:"symbol"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	PE         float64         `json:"pe_ratio"`
	PB         float64         `json:"pb_ratio"`
	MarketCap  float64         `json:"market_cap"`
	ReturnRate float64         `json:"return_rate"`
}

// Field names a numeric quote attribute usable for filtering and sorting
type Field string

const (
	FieldPE         Field = "pe_ratio"
	FieldPB         Field = "pb_ratio"
	FieldMarketCap  Field = "market_cap"
	FieldReturnRate Field = "return_rate"
	FieldPrice      Field = "price"
)

// Value returns the attribute named by f
func (q Quote) Value(f Field) (float64, bool) {
	switch f {
	case FieldPE:
		return q.PE, true
	case FieldPB:
		return q.PB, true
	case FieldMarketCap:
		return q.MarketCap, true
	case FieldReturnRate:
		return q.ReturnRate, true
	case FieldPrice:
		return q.Price.InexactFloat64(), true
	default:
		return 0, false
	}
}

// Snapshot is the cross-section of the market on one trading date
type Snapshot struct {
	Date   time.Time
	Quotes []Quote
	// Pools carries named index constituents when the source knows them
	Pools map[string][]symbol.Symbol

	index map[symbol.Symbol]int
}

// NewSnapshot builds a snapshot, dropping duplicate symbols after the first
func NewSnapshot(date time.Time, quotes []Quote, pools map[string][]symbol.Symbol) *Snapshot {
	s := &Snapshot{
		Date:  date,
		Pools: pools,
		index: make(map[symbol.Symbol]int, len(quotes)),
	}
	for _, q := range quotes {
		if _, dup := s.index[q.Symbol]; dup {
			continue
		}
		s.index[q.Symbol] = len(s.Quotes)
		s.Quotes = append(s.Quotes, q)
	}
	return s
}

// Quote looks up sym
func (s *Snapshot) Quote(sym symbol.Symbol) (Quote, bool) {
	i, ok := s.index[sym]
	if !ok {
		return Quote{}, false
	}
	return s.Quotes[i], true
}

// Prices maps every quoted symbol to its price
func (s *Snapshot) Prices() map[symbol.Symbol]decimal.Decimal {
	prices := make(map[symbol.Symbol]decimal.Decimal, len(s.Quotes))
	for _, q := range s.Quotes {
		prices[q.Symbol] = q.Price
	}
	return prices
}

// ByMarketCap returns quotes ordered by descending market cap, ties by symbol
func (s *Snapshot) ByMarketCap() []Quote {
	out := make([]Quote, len(s.Quotes))
	copy(out, s.Quotes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MarketCap != out[j].MarketCap {
			return out[i].MarketCap > out[j].MarketCap
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Lookup resolves symbols against the snapshot, skipping unknown ones
func (s *Snapshot) Lookup(symbols []symbol.Symbol) []Quote {
	out := make([]Quote, 0, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.Quote(sym); ok {
			out = append(out, q)
		}
	}
	return out
}

// Provider supplies one snapshot per trading date. Implementations return
// an error wrapping apperrors.ErrNoMarketData for non-trading dates.
type Provider interface {
	Snapshot(ctx context.Context, date time.Time) (*Snapshot, error)
}

// ParseDate parses a DateLayout date in UTC
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// TradingDays lists the weekdays from start to end inclusive
func TradingDays(start, end time.Time) []time.Time {
	start = truncateDay(start)
	end = truncateDay(end)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if IsWeekday(d) {
			days = append(days, d)
		}
	}
	return days
}

// IsWeekday reports whether d falls Monday to Friday
func IsWeekday(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
