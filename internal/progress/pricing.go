package progress

import "github.com/tutu-network/docreview/internal/domain"

// PriceTable holds approximate USD prices per million tokens. It only
// feeds the live estimate; the engine's own cost at completion wins.
type PriceTable struct {
	InputPerMTok      float64 `toml:"input_per_mtok"`
	OutputPerMTok     float64 `toml:"output_per_mtok"`
	CacheReadPerMTok  float64 `toml:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `toml:"cache_write_per_mtok"`
}

// DefaultPrices matches the Sonnet-class list price.
func DefaultPrices() PriceTable {
	return PriceTable{
		InputPerMTok:      3.00,
		OutputPerMTok:     15.00,
		CacheReadPerMTok:  0.30,
		CacheWritePerMTok: 3.75,
	}
}

// Estimate returns the approximate cost of u.
func (p PriceTable) Estimate(u domain.TokenUsage) float64 {
	const perM = 1_000_000
	return float64(u.InputTokens)*p.InputPerMTok/perM +
		float64(u.OutputTokens)*p.OutputPerMTok/perM +
		float64(u.CacheReadInputTokens)*p.CacheReadPerMTok/perM +
		float64(u.CacheCreationInputTokens)*p.CacheWritePerMTok/perM
}
