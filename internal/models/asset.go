package models

import "fmt"

// Asset is an immutable reference entity describing one tracked coin.
// The registry owns the tracked set; assets are defined at deploy time
// and never mutated at runtime.
type Asset struct {
	LogicalID      string `json:"logical_id" db:"logical_id"`
	DisplaySymbol  string `json:"display_symbol" db:"display_symbol"`
	DisplayName    string `json:"display_name" db:"display_name"`
	ProviderTicker string `json:"provider_ticker" db:"provider_ticker"`
}

// Validate checks that all identifying fields are present.
func (a *Asset) Validate() error {
	if a.LogicalID == "" {
		return &ValidationError{Field: "logical_id", Message: "logical id cannot be empty"}
	}
	if a.DisplaySymbol == "" {
		return &ValidationError{Field: "display_symbol", Message: "display symbol cannot be empty"}
	}
	if a.DisplayName == "" {
		return &ValidationError{Field: "display_name", Message: "display name cannot be empty"}
	}
	if a.ProviderTicker == "" {
		return &ValidationError{Field: "provider_ticker", Message: "provider ticker cannot be empty"}
	}
	return nil
}

// String implements fmt.Stringer.
func (a *Asset) String() string {
	return fmt.Sprintf("Asset{ID: %s, Symbol: %s, Ticker: %s}", a.LogicalID, a.DisplaySymbol, a.ProviderTicker)
}
