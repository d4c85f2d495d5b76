package engine

import "strings"

// LiquidityTag is the categorical resale-speed estimate carried by an asset.
type LiquidityTag string

const (
	LiquidityFire    LiquidityTag = "fire"
	LiquidityHot     LiquidityTag = "hot"
	LiquidityWarm    LiquidityTag = "warm"
	LiquidityCool    LiquidityTag = "cool"
	LiquidityCold    LiquidityTag = "cold"
	LiquidityUnknown LiquidityTag = "unknown"
)

// Liquidity is the display form of a LiquidityTag.
type Liquidity struct {
	Tag      LiquidityTag `json:"tag"`
	Level    int          `json:"level"`   // 0-5
	Percent  int          `json:"percent"` // gauge fill
	ExitTime string       `json:"exit_time"`
	Label    string       `json:"label"`
}

var liquidityTable = map[LiquidityTag]Liquidity{
	LiquidityFire:    {Tag: LiquidityFire, Level: 5, Percent: 100, ExitTime: "< 1 day", Label: "Very High"},
	LiquidityHot:     {Tag: LiquidityHot, Level: 4, Percent: 80, ExitTime: "1-3 days", Label: "High"},
	LiquidityWarm:    {Tag: LiquidityWarm, Level: 3, Percent: 60, ExitTime: "1-2 weeks", Label: "Moderate"},
	LiquidityCool:    {Tag: LiquidityCool, Level: 2, Percent: 40, ExitTime: "2-4 weeks", Label: "Low"},
	LiquidityCold:    {Tag: LiquidityCold, Level: 1, Percent: 20, ExitTime: "1-3 months", Label: "Very Low"},
	LiquidityUnknown: {Tag: LiquidityUnknown, Level: 0, Percent: 0, ExitTime: "—", Label: "Unknown"},
}

// ClassifyLiquidity maps a tag to its display values. Unrecognized or empty
// tags classify as unknown.
func ClassifyLiquidity(tag string) Liquidity {
	if l, ok := liquidityTable[NormalizeLiquidityTag(tag)]; ok {
		return l
	}
	return liquidityTable[LiquidityUnknown]
}

// NormalizeLiquidityTag lower-cases and trims tag, mapping anything outside
// the table to unknown.
func NormalizeLiquidityTag(tag string) LiquidityTag {
	t := LiquidityTag(strings.ToLower(strings.TrimSpace(tag)))
	if _, ok := liquidityTable[t]; ok {
		return t
	}
	return LiquidityUnknown
}
