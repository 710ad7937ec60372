// Copyright 2025 Certen Protocol

package aggregator

import (
	"testing"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
	"github.com/certen/stablecoin-risk-engine/pkg/tcs"
)

func fp(v float64) *float64 { return &v }

func priceEvent(chain, source string, price float64, tier event.FinalityTier, ts time.Time) *event.RiskEvent {
	return &event.RiskEvent{
		EventID:      chain + "-" + source,
		Coin:         "USDC",
		Chain:        chain,
		Source:       source,
		SourceType:   event.SourceTypePrice,
		Price:        fp(price),
		FinalityTier: tier,
		Timestamp:    ts,
	}
}

func newAggregator(now time.Time) *Aggregator {
	calc := tcs.New(tcs.DefaultConfig()).WithClock(func() time.Time { return now })
	return New(Config{
		Calculator:  calc,
		Profiles:    chainprofile.DefaultRegistry(),
		IDGenerator: func() string { return "snap-1" },
	})
}

func TestAggregate_SingleChainDegenerate(t *testing.T) {
	now := time.Now()
	a := newAggregator(now)

	byChain := map[string][]*event.RiskEvent{
		"ethereum": {priceEvent("ethereum", "chainlink", 1.0, event.Tier3, now.Add(-time.Minute))},
	}

	snap, _ := a.Aggregate(CoinConfig{Symbol: "USDC", DepegThreshold: 0.01}, "w1", byChain, now)
	if snap.AvgPrice != 1.0 {
		t.Fatalf("expected avg price 1.0, got %f", snap.AvgPrice)
	}
	if snap.IsDepegged {
		t.Fatalf("expected no depeg at price 1.0")
	}
	if snap.NumEventsAggregated != 1 {
		t.Fatalf("expected 1 event aggregated, got %d", snap.NumEventsAggregated)
	}
}

func TestAggregate_ChainConfidenceOverrideAndDoubleDiscount(t *testing.T) {
	now := time.Now()
	a := newAggregator(now)

	// Ethereum event is fully finalized (TIER3); Solana event is only
	// TIER1, bottlenecking the cross-chain confidence at 0.3.
	byChain := map[string][]*event.RiskEvent{
		"ethereum": {priceEvent("ethereum", "chainlink", 1.0, event.Tier3, now.Add(-time.Minute))},
		"solana":   {priceEvent("solana", "pyth", 1.0, event.Tier1, now.Add(-time.Minute))},
	}

	snap, _ := a.Aggregate(CoinConfig{Symbol: "USDC", DepegThreshold: 0.01}, "w1", byChain, now)
	if snap.ConfidenceBreakdown.ChainConfidence != 0.3 {
		t.Fatalf("expected chain confidence override 0.3, got %f", snap.ConfidenceBreakdown.ChainConfidence)
	}
	// TCS must equal the pre-override TCS times the override (double
	// discount), and therefore can never exceed the override itself.
	if snap.TemporalConfidence > 0.3 {
		t.Fatalf("expected double-discounted TCS <= 0.3, got %f", snap.TemporalConfidence)
	}
}

func TestAggregate_DepegFlagged(t *testing.T) {
	now := time.Now()
	a := newAggregator(now)

	byChain := map[string][]*event.RiskEvent{
		"ethereum": {priceEvent("ethereum", "chainlink", 0.95, event.Tier3, now.Add(-time.Minute))},
	}
	snap, _ := a.Aggregate(CoinConfig{Symbol: "USDC", DepegThreshold: 0.01}, "w1", byChain, now)
	if !snap.IsDepegged {
		t.Fatalf("expected depeg flag at price 0.95 with threshold 0.01")
	}
	if snap.DepegSeverity < 0.04 {
		t.Fatalf("expected depeg severity ~0.05, got %f", snap.DepegSeverity)
	}
}

func TestAggregate_PayloadAggregationRules(t *testing.T) {
	now := time.Now()
	a := newAggregator(now)

	vol1, vol2 := 0.1, 0.4
	liq1, liq2 := 1000.0, 2000.0

	e1 := priceEvent("ethereum", "chainlink", 1.0, event.Tier3, now.Add(-time.Minute))
	e1.LiquidityDepth = &liq1
	e1.MarketVolatility = &vol1
	e2 := priceEvent("ethereum", "uniswap", 1.02, event.Tier3, now.Add(-time.Minute))
	e2.LiquidityDepth = &liq2
	e2.MarketVolatility = &vol2

	byChain := map[string][]*event.RiskEvent{"ethereum": {e1, e2}}
	snap, _ := a.Aggregate(CoinConfig{Symbol: "USDC", DepegThreshold: 0.01}, "w1", byChain, now)

	if snap.AvgPrice != 1.01 {
		t.Fatalf("expected mean price 1.01, got %f", snap.AvgPrice)
	}
	if snap.TotalLiquidity != 3000.0 {
		t.Fatalf("expected summed liquidity 3000, got %f", snap.TotalLiquidity)
	}
	if snap.MarketVolatility != 0.4 {
		t.Fatalf("expected max volatility 0.4, got %f", snap.MarketVolatility)
	}
}

func TestDetectDivergence_FlagsPairExceedingThreshold(t *testing.T) {
	now := time.Now()
	byChain := map[string][]*event.RiskEvent{
		"ethereum": {priceEvent("ethereum", "chainlink", 1.00, event.Tier3, now)},
		"solana":   {priceEvent("solana", "pyth", 1.03, event.Tier3, now)},
	}
	report := detectDivergence(byChain, DivergenceThreshold)
	if len(report.Pairs) != 1 {
		t.Fatalf("expected 1 divergent pair, got %d", len(report.Pairs))
	}
	if report.Pairs[0].AbsoluteGap < 0.02 {
		t.Fatalf("expected absolute gap ~0.03, got %f", report.Pairs[0].AbsoluteGap)
	}
}

func TestDetectDivergence_NoFlagWithinThreshold(t *testing.T) {
	now := time.Now()
	byChain := map[string][]*event.RiskEvent{
		"ethereum": {priceEvent("ethereum", "chainlink", 1.000, event.Tier3, now)},
		"solana":   {priceEvent("solana", "pyth", 1.001, event.Tier3, now)},
	}
	report := detectDivergence(byChain, DivergenceThreshold)
	if len(report.Pairs) != 0 {
		t.Fatalf("expected no divergence within threshold, got %d", len(report.Pairs))
	}
}

func TestReady_RequiresGraceAndTier2(t *testing.T) {
	now := time.Now()
	a := newAggregator(now)
	windowEnd := now.Add(-time.Hour) // long past any reasonable grace

	byChain := map[string][]*event.RiskEvent{
		"solana": {priceEvent("solana", "pyth", 1.0, event.Tier2, now)},
	}
	if !a.Ready(byChain, windowEnd, now) {
		t.Fatalf("expected ready: grace elapsed and all events >= TIER2")
	}

	byChainNotReady := map[string][]*event.RiskEvent{
		"solana": {priceEvent("solana", "pyth", 1.0, event.Tier1, now)},
	}
	if a.Ready(byChainNotReady, windowEnd, now) {
		t.Fatalf("expected not ready: a TIER1 event is below the TIER2 floor")
	}

	if a.Ready(byChain, now, now) {
		t.Fatalf("expected not ready: grace period has not elapsed from now")
	}
}
