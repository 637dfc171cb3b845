package pricefeed

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var defaultCoinGeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"SOL":   "solana",
	"ADA":   "cardano",
	"XRP":   "ripple",
	"DOT":   "polkadot",
	"DOGE":  "dogecoin",
	"AVAX":  "avalanche-2",
	"MATIC": "matic-network",
}

// SymbolMap maps tickers to a feed's asset identifiers. Unmapped tickers
// fall back to their lower-case form.
type SymbolMap struct {
	ids map[string]string
}

func DefaultSymbolMap() *SymbolMap {
	ids := make(map[string]string, len(defaultCoinGeckoIDs))
	for k, v := range defaultCoinGeckoIDs {
		ids[k] = v
	}
	return &SymbolMap{ids: ids}
}

type symbolFile struct {
	Symbols map[string]string `yaml:"symbols"`
}

// LoadSymbolMap returns the default map merged with overrides from a YAML
// file of the form:
//
//	symbols:
//	  PEPE: pepe
//	  ARB: arbitrum
//
// An empty path returns the defaults.
func LoadSymbolMap(path string) (*SymbolMap, error) {
	m := DefaultSymbolMap()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol map: %w", err)
	}
	var f symbolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse symbol map %s: %w", path, err)
	}
	for sym, id := range f.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		id = strings.TrimSpace(id)
		if sym == "" || id == "" {
			return nil, fmt.Errorf("symbol map %s: empty symbol or id", path)
		}
		m.ids[sym] = id
	}
	return m, nil
}

func (m *SymbolMap) Lookup(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if id, ok := m.ids[symbol]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func (m *SymbolMap) Len() int { return len(m.ids) }
