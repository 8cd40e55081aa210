// Package pipeline ties the phases together: the HTTP-facing controller, the
// synchronous recalc engine and the spreadsheet export driver.
package pipeline

import (
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/planforge/planforge/guard"
)

// Model horizon in years.
const horizonYears = 5

// Canonical driver keys resolved from Phase 5 extractions.
const (
	DriverRevenueFY1 = "revenue_fy1"
	DriverGrowthRate = "growth_rate"
	DriverCogsRate   = "cogs_rate"
	DriverOpexBase   = "opex_base"
	DriverOpexGrowth = "opex_growth"
)

// Scenarios.
const (
	ScenarioBase  = "base"
	ScenarioBest  = "best"
	ScenarioWorst = "worst"
)

// Multipliers scale revenue-like and cost-like drivers for a scenario.
type Multipliers struct {
	Revenue float64 `json:"revenue"`
	Cost    float64 `json:"cost"`
}

// DefaultBestMultipliers and DefaultWorstMultipliers apply when the caller
// names a scenario without supplying multipliers.
var (
	DefaultBestMultipliers  = Multipliers{Revenue: 1.2, Cost: 0.9}
	DefaultWorstMultipliers = Multipliers{Revenue: 0.8, Cost: 1.1}
)

// defaultParams fills drivers nothing else resolved. Values keep the model
// computable on an empty project; they carry no business meaning.
var defaultParams = map[string]float64{
	DriverRevenueFY1: 10_000_000,
	DriverGrowthRate: 0.2,
	DriverCogsRate:   0.4,
	DriverOpexBase:   4_000_000,
	DriverOpexGrowth: 0.1,
}

// driverKeywords maps extraction labels and concepts onto canonical driver
// keys. Checked in order: the more specific patterns come first so that
// "販管費成長率" resolves to opex growth, not opex base.
var driverKeywords = []struct {
	key   string
	words []string
}{
	{DriverOpexGrowth, []string{"販管費成長", "費用成長", "opex_growth", "opex growth"}},
	{DriverGrowthRate, []string{"売上成長", "成長率", "growth"}},
	{DriverCogsRate, []string{"原価", "cogs", "gross margin"}},
	{DriverOpexBase, []string{"販管費", "固定費", "opex", "sg&a"}},
	{DriverRevenueFY1, []string{"売上", "revenue", "mrr", "arr"}},
}

// classifyDriver resolves an extraction to a driver key, empty when none
// matches.
func classifyDriver(label, concept string) string {
	haystack := strings.ToLower(label + " " + concept)
	for _, entry := range driverKeywords {
		for _, word := range entry.words {
			if strings.Contains(haystack, word) {
				return entry.key
			}
		}
	}
	return ""
}

// Keyword sets for scenario classification on driver key names.
var (
	revenueKeyWords = []string{"revenue", "売上"}
	costKeyWords    = []string{"cost", "cogs", "opex", "原価", "費"}
)

var ambiguousKeyWarn sync.Once

// scenarioClass returns "revenue", "cost", or "" for a driver key. Keys
// matching both sets are left untouched.
func scenarioClass(key string, logger *slog.Logger) string {
	lower := strings.ToLower(key)
	isRevenue := containsAny(lower, revenueKeyWords)
	isCost := containsAny(lower, costKeyWords)
	switch {
	case isRevenue && isCost:
		ambiguousKeyWarn.Do(func() {
			logger.Warn("Driver key matches both revenue and cost keywords, leaving unscaled", "key", key)
		})
		return ""
	case isRevenue:
		return "revenue"
	case isCost:
		return "cost"
	default:
		return ""
	}
}

func containsAny(s string, words []string) bool {
	for _, word := range words {
		if strings.Contains(s, word) {
			return true
		}
	}
	return false
}

// ResolveParams builds the effective driver set. Precedence, later wins:
// Phase 5 extractions, caller parameters, caller cell edits, scenario
// multipliers.
func ResolveParams(extractions []guard.Extraction, parameters, editedCells map[string]float64,
	scenario string, best, worst *Multipliers, logger *slog.Logger) map[string]float64 {
	if logger == nil {
		logger = slog.Default()
	}

	params := make(map[string]float64, len(defaultParams))
	for key, value := range defaultParams {
		params[key] = value
	}

	// Highest-confidence extraction wins per driver.
	bestConfidence := make(map[string]float64)
	for _, item := range extractions {
		key := classifyDriver(item.Label, item.Concept)
		if key == "" {
			continue
		}
		if seen, ok := bestConfidence[key]; ok && item.Confidence <= seen {
			continue
		}
		bestConfidence[key] = item.Confidence
		params[key] = normalizeRate(key, item.Value)
	}

	for key, value := range parameters {
		params[key] = value
	}
	for key, value := range editedCells {
		params[key] = value
	}

	multipliers := scenarioMultipliers(scenario, best, worst)
	if multipliers != nil {
		for key := range params {
			switch scenarioClass(key, logger) {
			case "revenue":
				params[key] *= multipliers.Revenue
			case "cost":
				params[key] *= multipliers.Cost
			}
		}
	}
	return params
}

func scenarioMultipliers(scenario string, best, worst *Multipliers) *Multipliers {
	switch scenario {
	case ScenarioBest:
		if best != nil {
			return best
		}
		m := DefaultBestMultipliers
		return &m
	case ScenarioWorst:
		if worst != nil {
			return worst
		}
		m := DefaultWorstMultipliers
		return &m
	default:
		return nil
	}
}

// normalizeRate converts percent-shaped rate values (30 meaning 30%) to
// fractions. Monetary drivers pass through.
func normalizeRate(key string, value float64) float64 {
	switch key {
	case DriverGrowthRate, DriverCogsRate, DriverOpexGrowth:
		if value > 1 {
			return value / 100
		}
	}
	return value
}

// PLYear is one projected fiscal year, monetary values rounded to integers.
type PLYear struct {
	Year            string `json:"year"`
	Revenue         int64  `json:"revenue"`
	Cogs            int64  `json:"cogs"`
	GrossProfit     int64  `json:"gross_profit"`
	Opex            int64  `json:"opex"`
	OperatingProfit int64  `json:"operating_profit"`
	FCF             int64  `json:"fcf"`
	CumulativeFCF   int64  `json:"cumulative_fcf"`
}

// KPIs are the headline metrics over the horizon.
type KPIs struct {
	BreakEvenYear           *string  `json:"break_even_year"`
	CumulativeBreakEvenYear *string  `json:"cumulative_break_even_year"`
	RevenueCAGR             *float64 `json:"revenue_cagr"`
	FY5OpMargin             *float64 `json:"fy5_op_margin"`
}

// ChartsData is the pre-shaped series set for the frontend charts.
type ChartsData struct {
	Years           []string `json:"years"`
	Revenue         []int64  `json:"revenue"`
	OperatingProfit []int64  `json:"operating_profit"`
	CumulativeFCF   []int64  `json:"cumulative_fcf"`
}

// Projection is the computed five-year model.
type Projection struct {
	PLSummary []PLYear   `json:"pl_summary"`
	KPIs      KPIs       `json:"kpis"`
	Charts    ChartsData `json:"charts_data"`
}

// Compute projects the five-year P&L from resolved drivers. Pure and fast;
// the recalc endpoint calls this synchronously.
func Compute(params map[string]float64) Projection {
	revenueFY1 := params[DriverRevenueFY1]
	growth := params[DriverGrowthRate]
	cogsRate := params[DriverCogsRate]
	opexBase := params[DriverOpexBase]
	opexGrowth := params[DriverOpexGrowth]

	projection := Projection{
		PLSummary: make([]PLYear, horizonYears),
		Charts: ChartsData{
			Years:           make([]string, horizonYears),
			Revenue:         make([]int64, horizonYears),
			OperatingProfit: make([]int64, horizonYears),
			CumulativeFCF:   make([]int64, horizonYears),
		},
	}

	var cumulative float64
	revenues := make([]float64, horizonYears)
	operating := make([]float64, horizonYears)
	for i := 0; i < horizonYears; i++ {
		revenue := revenueFY1 * math.Pow(1+growth, float64(i))
		cogs := revenue * cogsRate
		grossProfit := revenue - cogs
		opex := opexBase * math.Pow(1+opexGrowth, float64(i))
		operatingProfit := grossProfit - opex
		fcf := operatingProfit * 0.9
		cumulative += fcf

		revenues[i] = revenue
		operating[i] = operatingProfit

		year := fiscalYear(i)
		projection.PLSummary[i] = PLYear{
			Year:            year,
			Revenue:         roundMoney(revenue),
			Cogs:            roundMoney(cogs),
			GrossProfit:     roundMoney(grossProfit),
			Opex:            roundMoney(opex),
			OperatingProfit: roundMoney(operatingProfit),
			FCF:             roundMoney(fcf),
			CumulativeFCF:   roundMoney(cumulative),
		}
		projection.Charts.Years[i] = year
		projection.Charts.Revenue[i] = projection.PLSummary[i].Revenue
		projection.Charts.OperatingProfit[i] = projection.PLSummary[i].OperatingProfit
		projection.Charts.CumulativeFCF[i] = projection.PLSummary[i].CumulativeFCF
	}

	projection.KPIs = computeKPIs(projection.PLSummary, revenues, operating)
	return projection
}

func computeKPIs(summary []PLYear, revenues, operating []float64) KPIs {
	var kpis KPIs
	for i, year := range summary {
		if kpis.BreakEvenYear == nil && year.OperatingProfit > 0 {
			y := fiscalYear(i)
			kpis.BreakEvenYear = &y
		}
		if kpis.CumulativeBreakEvenYear == nil && year.CumulativeFCF > 0 {
			y := fiscalYear(i)
			kpis.CumulativeBreakEvenYear = &y
		}
	}
	if revenues[0] > 0 {
		cagr := math.Pow(revenues[horizonYears-1]/revenues[0], 1.0/float64(horizonYears-1)) - 1
		kpis.RevenueCAGR = &cagr
	}
	if revenues[horizonYears-1] > 0 {
		margin := operating[horizonYears-1] / revenues[horizonYears-1]
		kpis.FY5OpMargin = &margin
	}
	return kpis
}

func fiscalYear(i int) string {
	return "FY" + string(rune('1'+i))
}

func roundMoney(v float64) int64 {
	return int64(math.Round(v))
}
