package market

import "strings"

// Index pool emulation by market-cap rank
const (
	PoolCSI300 = "沪深300"
	PoolCSI500 = "中证500"
	PoolAll    = "全市场"
)

var poolAliases = map[string]string{
	"沪深300":  PoolCSI300,
	"hs300":  PoolCSI300,
	"csi300": PoolCSI300,
	"中证500":  PoolCSI500,
	"zz500":  PoolCSI500,
	"csi500": PoolCSI500,
}

// CanonicalPool maps known aliases onto their canonical pool name
func CanonicalPool(name string) string {
	if canon, ok := poolAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canon
	}
	return name
}

// Pool resolves a named pool against the snapshot. Constituents carried by
// the snapshot win. Otherwise CSI300 is the top 300 by market cap, CSI500
// ranks 301 to 800, and any other name is the whole universe.
func (s *Snapshot) Pool(name string) []Quote {
	if members, ok := s.Pools[name]; ok {
		return s.Lookup(members)
	}
	canon := CanonicalPool(name)
	if members, ok := s.Pools[canon]; ok {
		return s.Lookup(members)
	}

	switch canon {
	case PoolCSI300:
		return rankSlice(s.ByMarketCap(), 0, 300)
	case PoolCSI500:
		return rankSlice(s.ByMarketCap(), 300, 800)
	default:
		out := make([]Quote, len(s.Quotes))
		copy(out, s.Quotes)
		return out
	}
}

func rankSlice(ranked []Quote, from, to int) []Quote {
	if from >= len(ranked) {
		return []Quote{}
	}
	if to > len(ranked) {
		to = len(ranked)
	}
	return ranked[from:to]
}
