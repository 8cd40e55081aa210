package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/planforge/planforge/guard"
)

func TestClassifyDriver(t *testing.T) {
	tests := []struct {
		label   string
		concept string
		want    string
	}{
		{"初年度売上高", "first_year_revenue", DriverRevenueFY1},
		{"初年度MRR", "mrr", DriverRevenueFY1},
		{"売上成長率", "growth_rate", DriverGrowthRate},
		{"売上原価率", "cogs_rate", DriverCogsRate},
		{"初年度販管費", "opex", DriverOpexBase},
		{"販管費成長率", "", DriverOpexGrowth},
		{"人員数", "headcount", ""},
	}
	for _, tt := range tests {
		if got := classifyDriver(tt.label, tt.concept); got != tt.want {
			t.Errorf("classifyDriver(%q, %q) = %q, want %q", tt.label, tt.concept, got, tt.want)
		}
	}
}

func TestResolveParamsPrecedence(t *testing.T) {
	extractions := []guard.Extraction{
		{Label: "初年度売上高", Concept: "first_year_revenue", Value: 30_000_000, Confidence: 0.9},
		{Label: "初年度売上高", Concept: "first_year_revenue", Value: 99_000_000, Confidence: 0.2}, // lower confidence loses
		{Label: "売上成長率", Concept: "growth_rate", Value: 30, Confidence: 0.8},                  // percent shaped
	}

	params := ResolveParams(extractions, nil, nil, ScenarioBase, nil, nil, nil)
	assert.Equal(t, 30_000_000.0, params[DriverRevenueFY1])
	assert.InDelta(t, 0.3, params[DriverGrowthRate], 0.001) // 30% normalised
	assert.Equal(t, 0.4, params[DriverCogsRate])            // untouched default

	// Caller parameters override extractions; cell edits override both.
	params = ResolveParams(extractions,
		map[string]float64{DriverGrowthRate: 0.5},
		map[string]float64{DriverRevenueFY1: 25_000_000},
		ScenarioBase, nil, nil, nil)
	assert.Equal(t, 25_000_000.0, params[DriverRevenueFY1])
	assert.Equal(t, 0.5, params[DriverGrowthRate])
}

func TestResolveParamsScenario(t *testing.T) {
	base := ResolveParams(nil, nil, nil, ScenarioBase, nil, nil, nil)
	best := ResolveParams(nil, nil, nil, ScenarioBest, nil, nil, nil)
	worst := ResolveParams(nil, nil, nil, ScenarioWorst,
		&Multipliers{Revenue: 0.5, Cost: 2.0}, &Multipliers{Revenue: 0.5, Cost: 2.0}, nil)

	// best scales revenue-like up and cost-like down with the defaults.
	assert.Equal(t, base[DriverRevenueFY1]*DefaultBestMultipliers.Revenue, best[DriverRevenueFY1])
	assert.Equal(t, base[DriverOpexBase]*DefaultBestMultipliers.Cost, best[DriverOpexBase])
	assert.Equal(t, base[DriverCogsRate]*DefaultBestMultipliers.Cost, best[DriverCogsRate])
	// growth_rate matches neither keyword set and stays untouched.
	assert.Equal(t, base[DriverGrowthRate], best[DriverGrowthRate])

	// worst honours caller-supplied multipliers.
	assert.Equal(t, base[DriverRevenueFY1]*0.5, worst[DriverRevenueFY1])
	assert.Equal(t, base[DriverOpexBase]*2.0, worst[DriverOpexBase])
}

func TestComputeFormulas(t *testing.T) {
	projection := Compute(map[string]float64{
		DriverRevenueFY1: 10_000_000,
		DriverGrowthRate: 0.2,
		DriverCogsRate:   0.4,
		DriverOpexBase:   4_000_000,
		DriverOpexGrowth: 0.1,
	})

	fy1 := projection.PLSummary[0]
	assert.Equal(t, "FY1", fy1.Year)
	assert.Equal(t, int64(10_000_000), fy1.Revenue)
	assert.Equal(t, int64(4_000_000), fy1.Cogs)
	assert.Equal(t, int64(6_000_000), fy1.GrossProfit)
	assert.Equal(t, int64(4_000_000), fy1.Opex)
	assert.Equal(t, int64(2_000_000), fy1.OperatingProfit)
	assert.Equal(t, int64(1_800_000), fy1.FCF)
	assert.Equal(t, int64(1_800_000), fy1.CumulativeFCF)

	fy2 := projection.PLSummary[1]
	assert.Equal(t, int64(12_000_000), fy2.Revenue)
	assert.Equal(t, int64(4_400_000), fy2.Opex)
	assert.Equal(t, fy1.CumulativeFCF+fy2.FCF, fy2.CumulativeFCF)

	// Profitable from year one.
	if assert.NotNil(t, projection.KPIs.BreakEvenYear) {
		assert.Equal(t, "FY1", *projection.KPIs.BreakEvenYear)
	}
	if assert.NotNil(t, projection.KPIs.RevenueCAGR) {
		assert.InDelta(t, 0.2, *projection.KPIs.RevenueCAGR, 0.0001)
	}
	if assert.NotNil(t, projection.KPIs.FY5OpMargin) {
		assert.Greater(t, *projection.KPIs.FY5OpMargin, 0.0)
	}
	assert.Len(t, projection.Charts.Years, 5)
	assert.Equal(t, projection.PLSummary[4].Revenue, projection.Charts.Revenue[4])
}

func TestComputeNeverProfitable(t *testing.T) {
	projection := Compute(map[string]float64{
		DriverRevenueFY1: 1_000_000,
		DriverGrowthRate: 0.05,
		DriverCogsRate:   0.9,
		DriverOpexBase:   5_000_000,
		DriverOpexGrowth: 0.1,
	})
	assert.Nil(t, projection.KPIs.BreakEvenYear)
	assert.Nil(t, projection.KPIs.CumulativeBreakEvenYear)
}

func TestComputeZeroRevenue(t *testing.T) {
	projection := Compute(map[string]float64{})
	assert.Nil(t, projection.KPIs.RevenueCAGR)
	assert.Nil(t, projection.KPIs.FY5OpMargin)
}
