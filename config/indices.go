package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IndexOverride adjusts the fusion parameters of a single canonical symbol.
// Zero values inherit from the index section.
type IndexOverride struct {
	Symbol            string   `yaml:"symbol"`
	ExpectedExchanges []string `yaml:"expected_exchanges"`
	Depth             int      `yaml:"depth"`
	Decimals          *int     `yaml:"decimals"`
	StaleMs           int      `yaml:"stale_ms"`
}

// IndexOverrides is the content of an overrides file.
type IndexOverrides struct {
	Indices []IndexOverride `yaml:"indices"`
}

// LoadIndexOverrides loads per-symbol overrides from the given path.
func LoadIndexOverrides(path string) (*IndexOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read indices file: %w", err)
	}
	var cfg IndexOverrides
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse indices file: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Indices))
	for _, o := range cfg.Indices {
		if o.Symbol == "" {
			return nil, fmt.Errorf("indices entry without symbol")
		}
		if _, dup := seen[o.Symbol]; dup {
			return nil, fmt.Errorf("duplicate indices entry for %s", o.Symbol)
		}
		seen[o.Symbol] = struct{}{}
	}
	return &cfg, nil
}

// For returns the index configuration for symbol, applying the matching override.
func (o *IndexOverrides) For(base IndexConfig, symbol string) IndexConfig {
	out := base
	out.ExpectedExchanges = append([]string(nil), base.ExpectedExchanges...)
	if o == nil {
		return out
	}
	for _, ov := range o.Indices {
		if ov.Symbol != symbol {
			continue
		}
		if len(ov.ExpectedExchanges) > 0 {
			out.ExpectedExchanges = append([]string(nil), ov.ExpectedExchanges...)
		}
		if ov.Depth > 0 {
			out.Depth = ov.Depth
		}
		if ov.Decimals != nil {
			out.Decimals = *ov.Decimals
		}
		if ov.StaleMs > 0 {
			out.StaleMs = ov.StaleMs
		}
	}
	return out
}
