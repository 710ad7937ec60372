// Copyright 2025 Certen Protocol
//
// Cross-Chain Aggregator - merges per-chain event groups for a single
// (coin, window) into one AggregatedRiskSnapshot.
//
// Cross-chain confidence is a two-dimensional weakest link: the worst
// event within each chain, then the worst chain across the set.

package aggregator

import (
	"fmt"
	"math"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
	"github.com/certen/stablecoin-risk-engine/pkg/tcs"
)

// DivergenceThreshold is the default absolute price gap above
// which a cross-chain divergence is flagged between a pair of chains.
const DivergenceThreshold = 0.01

// CoinConfig carries the per-coin parameters the aggregator needs.
type CoinConfig struct {
	Symbol         string
	DepegThreshold float64
}

// DivergencePair reports one chain-pair price gap.
type DivergencePair struct {
	ChainA      string
	ChainB      string
	AvgPriceA   float64
	AvgPriceB   float64
	AbsoluteGap float64
	PercentGap  float64
}

// DivergenceReport is the aggregator's first-class cross-chain signal.
// A non-empty Pairs list never invalidates the snapshot it accompanies.
type DivergenceReport struct {
	Pairs []DivergencePair
}

// Aggregator merges per-chain event groups into AggregatedRiskSnapshots.
type Aggregator struct {
	calc      *tcs.Calculator
	profiles  *chainprofile.Registry
	threshold float64
	idgen     func() string
}

// Config configures an Aggregator.
type Config struct {
	Calculator          *tcs.Calculator
	Profiles            *chainprofile.Registry
	DivergenceThreshold float64
	IDGenerator         func() string // defaults to a func returning the empty string
}

// New constructs an Aggregator.
func New(cfg Config) *Aggregator {
	threshold := cfg.DivergenceThreshold
	if threshold <= 0 {
		threshold = DivergenceThreshold
	}
	idgen := cfg.IDGenerator
	if idgen == nil {
		idgen = func() string { return "" }
	}
	return &Aggregator{
		calc:      cfg.Calculator,
		profiles:  cfg.Profiles,
		threshold: threshold,
		idgen:     idgen,
	}
}

// GracePeriod returns the readiness grace period for a set of
// contributing chains: the TIER3 wall-clock estimate of the slowest
// one.
func (a *Aggregator) GracePeriod(chains []string) time.Duration {
	if a.profiles == nil {
		return 0
	}
	return a.profiles.SlowestT3(chains)
}

// Ready reports whether aggregation for windowEnd is permitted at now:
// now >= windowEnd + grace, and every contributing chain has at least
// TIER2 confidence for all its events.
func (a *Aggregator) Ready(byChain map[string][]*event.RiskEvent, windowEnd, now time.Time) bool {
	chains := make([]string, 0, len(byChain))
	for c := range byChain {
		chains = append(chains, c)
	}
	grace := a.GracePeriod(chains)
	if now.Before(windowEnd.Add(grace)) {
		return false
	}
	for _, events := range byChain {
		for _, e := range events {
			if e.Invalidated {
				// A reorg-pruned event no longer speaks for its chain's
				// finality; it must not hold readiness hostage.
				continue
			}
			conf := e.TemporalConfidence
			if conf == 0 {
				conf = event.TierConfidence[e.FinalityTier]
			}
			if conf < event.TierConfidence[event.Tier2] {
				return false
			}
		}
	}
	return true
}

// Aggregate merges byChain into a single AggregatedRiskSnapshot for
// coin over windowID. It also returns the
// divergence report, a first-class signal, never a blocker.
func (a *Aggregator) Aggregate(coin CoinConfig, windowID string, byChain map[string][]*event.RiskEvent, now time.Time) (*event.AggregatedRiskSnapshot, DivergenceReport) {
	flat := make([]*event.RiskEvent, 0)
	chains := make([]string, 0, len(byChain))
	for chain, events := range byChain {
		chains = append(chains, chain)
		flat = append(flat, events...)
	}

	breakdown := a.calc.Compute(flat)

	// Step 2: override chain-confidence with the minimum, over chains,
	// of the minimum tier confidence within that chain.
	chainOverride := minOverChains(byChain)
	breakdown.ChainConfidence = chainOverride

	// Step 3: intentional double discount.
	breakdown.TCS = clamp01(breakdown.TCS * chainOverride)

	snapshot := &event.AggregatedRiskSnapshot{
		SnapshotID:          a.idgen(),
		Timestamp:           now,
		Coin:                coin.Symbol,
		Chains:              chains,
		WindowID:            windowID,
		WindowState:         event.WindowFinal,
		ConfidenceBreakdown: breakdown,
		TemporalConfidence:  breakdown.TCS,
	}

	aggregatePayloads(snapshot, flat)

	snapshot.IsDepegged = math.Abs(snapshot.AvgPrice-1.0) >= coin.DepegThreshold
	if snapshot.IsDepegged {
		snapshot.DepegSeverity = math.Abs(snapshot.AvgPrice - 1.0)
	}

	snapshot.NumEventsAggregated = len(flat)
	snapshot.SourcesIncluded = sourcesIncluded(flat)
	snapshot.EventIDs = eventIDs(flat)

	report := detectDivergence(byChain, a.threshold)
	return snapshot, report
}

// minOverChains is the "weakest link across chains, worst event within
// each" computation.
func minOverChains(byChain map[string][]*event.RiskEvent) float64 {
	minimum := 1.0
	first := true
	for _, events := range byChain {
		chainMin := 1.0
		chainFirst := true
		for _, e := range events {
			conf := e.TemporalConfidence
			if conf == 0 {
				conf = event.TierConfidence[e.FinalityTier]
			}
			if chainFirst || conf < chainMin {
				chainMin = conf
				chainFirst = false
			}
		}
		if chainFirst {
			continue
		}
		if first || chainMin < minimum {
			minimum = chainMin
			first = false
		}
	}
	if first {
		return 0
	}
	return minimum
}

// outlierDamping is the contribution weight applied to an event
// flagged is_outlier when it carries no explicit quality_score.
const outlierDamping = 0.5

// qualityWeight returns the contribution weight for e's payload
// fields: its quality_score when the quality pipeline set one,
// otherwise outlierDamping for flagged outliers and 1.0 for everything
// else.
func qualityWeight(e *event.RiskEvent) float64 {
	if e.QualityScore > 0 {
		return e.QualityScore
	}
	if e.IsOutlier {
		return outlierDamping
	}
	return 1.0
}

// aggregatePayloads applies the per-field aggregation rules
// step 4: mean for prices and sentiment, sum for liquidity/volume/
// supply, max for volatility (conservative). Every contribution is
// weighted by qualityWeight so outliers are damped, not excluded.
func aggregatePayloads(snapshot *event.AggregatedRiskSnapshot, flat []*event.RiskEvent) {
	var priceWeightedSum, priceWeightTotal float64
	minPrice, maxPrice := math.MaxFloat64, -math.MaxFloat64
	havePrice := false

	var liquiditySum, volumeSum, supplySum float64
	var sentimentWeightedSum, sentimentWeightTotal float64
	var volatilityMax float64

	for _, e := range flat {
		weight := qualityWeight(e)

		if e.Price != nil {
			priceWeightedSum += *e.Price * weight
			priceWeightTotal += weight
			havePrice = true
			if *e.Price < minPrice {
				minPrice = *e.Price
			}
			if *e.Price > maxPrice {
				maxPrice = *e.Price
			}
		}
		if e.LiquidityDepth != nil {
			liquiditySum += *e.LiquidityDepth * weight
		}
		if e.Volume != nil {
			volumeSum += *e.Volume * weight
		}
		if e.NetSupplyChange != nil {
			supplySum += *e.NetSupplyChange * weight
		}
		if e.MarketVolatility != nil && *e.MarketVolatility > volatilityMax {
			volatilityMax = *e.MarketVolatility
		}
		if e.SentimentScore != nil {
			sentimentWeightedSum += *e.SentimentScore * weight
			sentimentWeightTotal += weight
		}
	}

	if havePrice && priceWeightTotal > 0 {
		snapshot.AvgPrice = priceWeightedSum / priceWeightTotal
		snapshot.MinPrice = minPrice
		snapshot.MaxPrice = maxPrice
	}
	snapshot.TotalLiquidity = liquiditySum
	snapshot.TotalVolume = volumeSum
	snapshot.NetSupplyChange = supplySum
	snapshot.MarketVolatility = volatilityMax
	if sentimentWeightTotal > 0 {
		snapshot.SentimentScore = sentimentWeightedSum / sentimentWeightTotal
	}
}

func sourcesIncluded(flat []*event.RiskEvent) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range flat {
		if !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	return out
}

func eventIDs(flat []*event.RiskEvent) []string {
	out := make([]string, 0, len(flat))
	for _, e := range flat {
		out = append(out, e.EventID)
	}
	return out
}

// detectDivergence reports, for every pair of chains with at least one
// price event, an absolute gap exceeding threshold.
func detectDivergence(byChain map[string][]*event.RiskEvent, threshold float64) DivergenceReport {
	chainAvg := make(map[string]float64)
	chains := make([]string, 0, len(byChain))
	for chain, events := range byChain {
		var sum float64
		var count int
		for _, e := range events {
			if e.Price != nil {
				sum += *e.Price
				count++
			}
		}
		if count == 0 {
			continue
		}
		chainAvg[chain] = sum / float64(count)
		chains = append(chains, chain)
	}

	var report DivergenceReport
	for i := 0; i < len(chains); i++ {
		for j := i + 1; j < len(chains); j++ {
			a, b := chains[i], chains[j]
			gap := math.Abs(chainAvg[a] - chainAvg[b])
			if gap > threshold {
				report.Pairs = append(report.Pairs, DivergencePair{
					ChainA:      a,
					ChainB:      b,
					AvgPriceA:   chainAvg[a],
					AvgPriceB:   chainAvg[b],
					AbsoluteGap: gap,
					PercentGap:  gap * 100,
				})
			}
		}
	}
	return report
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GroupByChain splits a flat event slice into a chain -> events map,
// the input shape Aggregate expects.
func GroupByChain(events []*event.RiskEvent) map[string][]*event.RiskEvent {
	byChain := make(map[string][]*event.RiskEvent)
	for _, e := range events {
		byChain[e.Chain] = append(byChain[e.Chain], e)
	}
	return byChain
}

// Describe is a small diagnostic helper for log lines.
func Describe(s *event.AggregatedRiskSnapshot) string {
	return fmt.Sprintf("coin=%s window=%s tcs=%.3f depegged=%v events=%d",
		s.Coin, s.WindowID, s.TemporalConfidence, s.IsDepegged, s.NumEventsAggregated)
}
