package engine

import "testing"

func TestClassifyLiquidity(t *testing.T) {
	tests := []struct {
		tag       string
		wantTag   LiquidityTag
		wantLevel int
		wantExit  string
	}{
		{"fire", LiquidityFire, 5, "< 1 day"},
		{"HOT", LiquidityHot, 4, "1-3 days"},
		{"  warm ", LiquidityWarm, 3, "1-2 weeks"},
		{"cool", LiquidityCool, 2, "2-4 weeks"},
		{"cold", LiquidityCold, 1, "1-3 months"},
		{"unknown", LiquidityUnknown, 0, "—"},
		{"", LiquidityUnknown, 0, "—"},
		{"lukewarm", LiquidityUnknown, 0, "—"},
	}
	for _, tt := range tests {
		got := ClassifyLiquidity(tt.tag)
		if got.Tag != tt.wantTag || got.Level != tt.wantLevel || got.ExitTime != tt.wantExit {
			t.Errorf("ClassifyLiquidity(%q) = %+v, want tag=%s level=%d exit=%q", tt.tag, got, tt.wantTag, tt.wantLevel, tt.wantExit)
		}
	}
}

func TestLiquidityTable_LevelsAndPercentsOrdered(t *testing.T) {
	order := []LiquidityTag{LiquidityUnknown, LiquidityCold, LiquidityCool, LiquidityWarm, LiquidityHot, LiquidityFire}
	for i, tag := range order {
		l := ClassifyLiquidity(string(tag))
		if l.Level != i {
			t.Errorf("%s level = %d, want %d", tag, l.Level, i)
		}
		if l.Label == "" {
			t.Errorf("%s has empty label", tag)
		}
		if i > 0 && l.Percent <= ClassifyLiquidity(string(order[i-1])).Percent {
			t.Errorf("%s percent %d not above %s", tag, l.Percent, order[i-1])
		}
	}
}
