package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SymbolSettings are the per-symbol trading parameters. Symbols not listed in
// the settings file fall back to the "default" entry.
type SymbolSettings struct {
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TakeProfitEnabled bool    `yaml:"take_profit_enabled"`
	StopLossEnabled   bool    `yaml:"stop_loss_enabled"`
	WorkingType       string  `yaml:"working_type"` // MARK_PRICE or CONTRACT_PRICE
	Leverage          int     `yaml:"leverage"`
}

// SymbolBook resolves per-symbol settings with a default fallback.
type SymbolBook struct {
	settings map[string]SymbolSettings
	fallback SymbolSettings
}

// DefaultSymbolSettings is applied when no settings file exists at all.
func DefaultSymbolSettings() SymbolSettings {
	return SymbolSettings{
		TakeProfitPct:     1,
		StopLossPct:       5,
		TakeProfitEnabled: true,
		StopLossEnabled:   true,
		WorkingType:       "MARK_PRICE",
		Leverage:          10,
	}
}

// LoadSymbolBook parses the YAML settings file. A missing file is not fatal:
// every symbol gets the built-in default.
func LoadSymbolBook(path string) (*SymbolBook, error) {
	book := &SymbolBook{
		settings: make(map[string]SymbolSettings),
		fallback: DefaultSymbolSettings(),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return book, nil
		}
		return nil, fmt.Errorf("read symbol settings: %w", err)
	}

	var parsed map[string]SymbolSettings
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse symbol settings: %w", err)
	}

	for sym, s := range parsed {
		if s.WorkingType == "" {
			s.WorkingType = "MARK_PRICE"
		}
		if strings.EqualFold(sym, "default") {
			book.fallback = s
			continue
		}
		book.settings[strings.ToUpper(sym)] = s
	}
	return book, nil
}

// For returns the settings for a symbol, falling back to the default entry.
func (b *SymbolBook) For(symbol string) SymbolSettings {
	if s, ok := b.settings[strings.ToUpper(symbol)]; ok {
		return s
	}
	return b.fallback
}
