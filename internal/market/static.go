package market

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"quantgraph/internal/symbol"
	apperrors "quantgraph/pkg/errors"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// QuoteRecord is the file and wire form of a Quote
type QuoteRecord struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	Name       string  `json:"name" yaml:"name"`
	Price      float64 `json:"price" yaml:"price"`
	PE         float64 `json:"pe_ratio" yaml:"pe_ratio"`
	PB         float64 `json:"pb_ratio" yaml:"pb_ratio"`
	MarketCap  float64 `json:"market_cap" yaml:"market_cap"`
	ReturnRate float64 `json:"return_rate" yaml:"return_rate"`
}

// SnapshotRecord is the file and wire form of a Snapshot
type SnapshotRecord struct {
	Date   string              `json:"date" yaml:"date"`
	Quotes []QuoteRecord       `json:"quotes" yaml:"quotes"`
	Pools  map[string][]string `json:"pools,omitempty" yaml:"pools,omitempty"`
}

// Dataset is a file holding many snapshots
type Dataset struct {
	Snapshots []SnapshotRecord `json:"snapshots" yaml:"snapshots"`
}

// ToSnapshot validates and converts the record
func (r SnapshotRecord) ToSnapshot() (*Snapshot, error) {
	date, err := ParseDate(r.Date)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot date %q: %w", r.Date, err)
	}

	quotes := make([]Quote, 0, len(r.Quotes))
	for _, qr := range r.Quotes {
		sym, err := symbol.Normalize(qr.Symbol)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", r.Date, err)
		}
		quotes = append(quotes, Quote{
			Symbol:     sym,
			Name:       qr.Name,
			Price:      decimal.NewFromFloat(qr.Price),
			PE:         qr.PE,
			PB:         qr.PB,
			MarketCap:  qr.MarketCap,
			ReturnRate: qr.ReturnRate,
		})
	}

	var pools map[string][]symbol.Symbol
	if len(r.Pools) > 0 {
		pools = make(map[string][]symbol.Symbol, len(r.Pools))
		for name, members := range r.Pools {
			syms := make([]symbol.Symbol, 0, len(members))
			for _, m := range members {
				sym, err := symbol.Normalize(m)
				if err != nil {
					return nil, fmt.Errorf("snapshot %s pool %s: %w", r.Date, name, err)
				}
				syms = append(syms, sym)
			}
			pools[name] = syms
		}
	}

	return NewSnapshot(date, quotes, pools), nil
}

// RecordFromSnapshot converts a snapshot back to its wire form
func RecordFromSnapshot(s *Snapshot) SnapshotRecord {
	rec := SnapshotRecord{
		Date:   s.Date.Format(DateLayout),
		Quotes: make([]QuoteRecord, 0, len(s.Quotes)),
	}
	for _, q := range s.Quotes {
		rec.Quotes = append(rec.Quotes, QuoteRecord{
			Symbol:     string(q.Symbol),
			Name:       q.Name,
			Price:      q.Price.InexactFloat64(),
			PE:         q.PE,
			PB:         q.PB,
			MarketCap:  q.MarketCap,
			ReturnRate: q.ReturnRate,
		})
	}
	if len(s.Pools) > 0 {
		rec.Pools = make(map[string][]string, len(s.Pools))
		for name, members := range s.Pools {
			strs := make([]string, len(members))
			for i, m := range members {
				strs[i] = string(m)
			}
			rec.Pools[name] = strs
		}
	}
	return rec
}

// StaticProvider serves snapshots held in memory
type StaticProvider struct {
	byDate map[string]*Snapshot
}

// NewStaticProvider indexes snapshots by date; a later snapshot for the
// same date replaces an earlier one.
func NewStaticProvider(snapshots ...*Snapshot) *StaticProvider {
	p := &StaticProvider{byDate: make(map[string]*Snapshot, len(snapshots))}
	for _, s := range snapshots {
		p.byDate[s.Date.Format(DateLayout)] = s
	}
	return p
}

// LoadStaticProvider reads a JSON or YAML dataset file
func LoadStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market data file: %w", err)
	}

	var ds Dataset
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ds)
	default:
		err = json.Unmarshal(data, &ds)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse market data file: %w", err)
	}

	snapshots := make([]*Snapshot, 0, len(ds.Snapshots))
	for _, rec := range ds.Snapshots {
		snap, err := rec.ToSnapshot()
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return NewStaticProvider(snapshots...), nil
}

// Snapshot returns the snapshot recorded for date
func (p *StaticProvider) Snapshot(ctx context.Context, date time.Time) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := date.Format(DateLayout)
	snap, ok := p.byDate[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNoMarketData, key)
	}
	return snap, nil
}

// Dates lists the covered dates in ascending order
func (p *StaticProvider) Dates() []time.Time {
	dates := make([]time.Time, 0, len(p.byDate))
	for _, s := range p.byDate {
		dates = append(dates, s.Date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
