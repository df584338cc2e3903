// Package assets holds the static registry of tracked coins. The set
// is fixed at deploy time; changing it is a code change, never a
// runtime operation. Tickers are Yahoo Finance symbols so lookups stay
// valid against the provider.
package assets

import "coinflow/internal/models"

// tracked is the canonical ordered list of coins the pipeline ingests.
var tracked = []models.Asset{
	{LogicalID: "bitcoin", DisplaySymbol: "BTC", DisplayName: "Bitcoin", ProviderTicker: "BTC-USD"},
	{LogicalID: "ethereum", DisplaySymbol: "ETH", DisplayName: "Ethereum", ProviderTicker: "ETH-USD"},
	{LogicalID: "solana", DisplaySymbol: "SOL", DisplayName: "Solana", ProviderTicker: "SOL-USD"},
	{LogicalID: "ripple", DisplaySymbol: "XRP", DisplayName: "XRP", ProviderTicker: "XRP-USD"},
	{LogicalID: "dogecoin", DisplaySymbol: "DOGE", DisplayName: "Dogecoin", ProviderTicker: "DOGE-USD"},
}

// List returns the tracked assets in registry order. The returned slice
// is a copy; callers may not mutate the registry.
func List() []models.Asset {
	out := make([]models.Asset, len(tracked))
	copy(out, tracked)
	return out
}

// Lookup returns the asset with the given logical ID, or false when the
// ID is not tracked.
func Lookup(logicalID string) (models.Asset, bool) {
	for _, asset := range tracked {
		if asset.LogicalID == logicalID {
			return asset, true
		}
	}
	return models.Asset{}, false
}
