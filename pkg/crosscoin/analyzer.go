// Copyright 2025 Certen Protocol
//
// Cross-Coin Analyzer - compares the latest snapshot of every tracked
// coin against its peers to surface portfolio-wide signals a
// single-coin view never sees: correlated depegs (contagion risk),
// price divergence between coins, and an overall market-stress score.

package crosscoin

import (
	"sort"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// DefaultDivergenceThreshold is the absolute price gap above which two
// coins are flagged as diverging.
const DefaultDivergenceThreshold = 0.01

// DefaultContagionThreshold is the minimum number of simultaneously
// depegged coins that constitutes contagion risk.
const DefaultContagionThreshold = 2

// DefaultLiquidityMin is the fallback per-coin liquidity floor below
// which a coin contributes to a liquidity crisis when no coin-specific
// value is configured.
const DefaultLiquidityMin = 1_000_000.0

// Severity is the categorical label for a MarketStressSignal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CoinComparison is the pairwise comparison between two coins' latest
// snapshots.
type CoinComparison struct {
	CoinA, CoinB string
	Timestamp    time.Time

	PriceDiff float64
	TCSDiff   float64

	IsDiverging        bool
	DivergenceSeverity float64
}

// MarketStressSignal is the market-wide stress assessment across every
// tracked coin's latest snapshot.
type MarketStressSignal struct {
	Timestamp     time.Time
	Severity      Severity
	SeverityScore float64

	DepeggedCount    int
	AvgDepegSeverity float64
	AvgTCS           float64

	AvgSentiment float64
	HasSentiment bool

	TotalLiquidity  float64
	LiquidityCrisis bool

	AffectedCoins []string
}

// MarketOverview bundles the stress signal, contagion check and
// diverging pairs into one report.
type MarketOverview struct {
	Timestamp         time.Time
	Stress            MarketStressSignal
	ContagionDetected bool
	ContagionCoins    []string
	Divergences       []CoinComparison
}

// Config configures an Analyzer.
type Config struct {
	DivergenceThreshold float64
	ContagionThreshold  int

	// LiquidityMin is the per-coin liquidity floor. A coin absent
	// from this map falls back to DefaultLiquidityMin.
	LiquidityMin map[string]float64

	Clock func() time.Time
}

// DefaultConfig returns the stock analyzer thresholds.
func DefaultConfig() Config {
	return Config{
		DivergenceThreshold: DefaultDivergenceThreshold,
		ContagionThreshold:  DefaultContagionThreshold,
		LiquidityMin:        map[string]float64{},
		Clock:               time.Now,
	}
}

// Analyzer compares AggregatedRiskSnapshots across coins.
type Analyzer struct {
	cfg Config
	now func() time.Time
}

// New constructs an Analyzer, filling unset Config fields from
// DefaultConfig.
func New(cfg Config) *Analyzer {
	defaults := DefaultConfig()
	if cfg.DivergenceThreshold <= 0 {
		cfg.DivergenceThreshold = defaults.DivergenceThreshold
	}
	if cfg.ContagionThreshold <= 0 {
		cfg.ContagionThreshold = defaults.ContagionThreshold
	}
	if cfg.LiquidityMin == nil {
		cfg.LiquidityMin = defaults.LiquidityMin
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Analyzer{cfg: cfg, now: cfg.Clock}
}

func (a *Analyzer) liquidityMin(coin string) float64 {
	if min, ok := a.cfg.LiquidityMin[coin]; ok {
		return min
	}
	return DefaultLiquidityMin
}

// ComparePair compares two coins' latest snapshots. There is no
// separate coin-health record in this schema, so the comparison
// carries the price and TCS deltas the snapshot actually has.
func (a *Analyzer) ComparePair(sa, sb *event.AggregatedRiskSnapshot) CoinComparison {
	priceDiff := absFloat(sa.AvgPrice - sb.AvgPrice)
	tcsDiff := absFloat(sa.TemporalConfidence - sb.TemporalConfidence)
	diverging := priceDiff > a.cfg.DivergenceThreshold

	comparison := CoinComparison{
		CoinA:       sa.Coin,
		CoinB:       sb.Coin,
		Timestamp:   a.now(),
		PriceDiff:   priceDiff,
		TCSDiff:     tcsDiff,
		IsDiverging: diverging,
	}
	if diverging {
		comparison.DivergenceSeverity = priceDiff
	}
	return comparison
}

// CompareAllPairs compares every pair of coins present in snapshots,
// in a deterministic order.
func (a *Analyzer) CompareAllPairs(snapshots map[string]*event.AggregatedRiskSnapshot) []CoinComparison {
	coins := sortedCoins(snapshots)
	var comparisons []CoinComparison
	for i, c1 := range coins {
		for _, c2 := range coins[i+1:] {
			comparisons = append(comparisons, a.ComparePair(snapshots[c1], snapshots[c2]))
		}
	}
	return comparisons
}

// DetectContagionRisk reports whether at least ContagionThreshold coins
// are simultaneously depegged, and which ones.
func (a *Analyzer) DetectContagionRisk(snapshots map[string]*event.AggregatedRiskSnapshot) (bool, []string) {
	depegged := depeggedCoins(snapshots)
	return len(depegged) >= a.cfg.ContagionThreshold, depegged
}

// AssessMarketStress scores overall market stress across every tracked
// coin's latest snapshot. Average TCS stands in for a per-coin health
// score, the closest signal this schema carries.
func (a *Analyzer) AssessMarketStress(snapshots map[string]*event.AggregatedRiskSnapshot) MarketStressSignal {
	now := a.now()
	if len(snapshots) == 0 {
		return MarketStressSignal{Timestamp: now, Severity: SeverityLow}
	}

	var tcsSum, depegSeveritySum, sentimentSum, liquiditySum float64
	var sentimentCount int
	var depegged []string
	liquidityCrisis := false

	for _, coin := range sortedCoins(snapshots) {
		s := snapshots[coin]
		tcsSum += s.TemporalConfidence
		if s.IsDepegged {
			depegged = append(depegged, coin)
			depegSeveritySum += s.DepegSeverity
		}
		if s.SentimentScore != 0 {
			sentimentSum += s.SentimentScore
			sentimentCount++
		}
		liquiditySum += s.TotalLiquidity
		if s.TotalLiquidity > 0 && s.TotalLiquidity < a.liquidityMin(coin) {
			liquidityCrisis = true
		}
	}

	n := float64(len(snapshots))
	avgTCS := tcsSum / n
	var avgDepegSeverity float64
	if len(depegged) > 0 {
		avgDepegSeverity = depegSeveritySum / float64(len(depegged))
	}
	var avgSentiment float64
	hasSentiment := sentimentCount > 0
	if hasSentiment {
		avgSentiment = sentimentSum / float64(sentimentCount)
	}

	score := stressSeverityScore(len(depegged), avgDepegSeverity, avgTCS, avgSentiment, hasSentiment, liquidityCrisis)

	return MarketStressSignal{
		Timestamp:        now,
		Severity:         severityLabel(score),
		SeverityScore:    score,
		DepeggedCount:    len(depegged),
		AvgDepegSeverity: avgDepegSeverity,
		AvgTCS:           avgTCS,
		AvgSentiment:     avgSentiment,
		HasSentiment:     hasSentiment,
		TotalLiquidity:   liquiditySum,
		LiquidityCrisis:  liquidityCrisis,
		AffectedCoins:    depegged,
	}
}

// MarketOverview bundles stress assessment, contagion detection and
// diverging pairs into a single report.
func (a *Analyzer) MarketOverview(snapshots map[string]*event.AggregatedRiskSnapshot) MarketOverview {
	stress := a.AssessMarketStress(snapshots)
	contagion, contagionCoins := a.DetectContagionRisk(snapshots)

	var diverging []CoinComparison
	for _, c := range a.CompareAllPairs(snapshots) {
		if c.IsDiverging {
			diverging = append(diverging, c)
		}
	}

	return MarketOverview{
		Timestamp:         stress.Timestamp,
		Stress:            stress,
		ContagionDetected: contagion,
		ContagionCoins:    contagionCoins,
		Divergences:       diverging,
	}
}

// stressSeverityScore is a weighted factor sum clamped to [0,1].
func stressSeverityScore(depeggedCount int, avgDepegSeverity, avgHealth, avgSentiment float64, hasSentiment, liquidityCrisis bool) float64 {
	var score float64
	switch {
	case depeggedCount >= 3:
		score += 0.6
	case depeggedCount >= 2:
		score += 0.4
	case depeggedCount >= 1:
		score += 0.2
	}

	depegContribution := avgDepegSeverity * 3
	if depegContribution > 0.3 {
		depegContribution = 0.3
	}
	score += depegContribution

	score += (1.0 - avgHealth) * 0.2

	if hasSentiment && avgSentiment < 0 {
		score += absFloat(avgSentiment) * 0.1
	}

	if liquidityCrisis {
		score += 0.2
	}

	if score > 1.0 {
		return 1.0
	}
	return score
}

func severityLabel(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.3:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

func depeggedCoins(snapshots map[string]*event.AggregatedRiskSnapshot) []string {
	var out []string
	for _, coin := range sortedCoins(snapshots) {
		if snapshots[coin].IsDepegged {
			out = append(out, coin)
		}
	}
	return out
}

func sortedCoins(snapshots map[string]*event.AggregatedRiskSnapshot) []string {
	coins := make([]string, 0, len(snapshots))
	for c := range snapshots {
		coins = append(coins, c)
	}
	sort.Strings(coins)
	return coins
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
