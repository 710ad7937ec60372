// Copyright 2025 Certen Protocol

package crosscoin

import (
	"testing"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

func snap(coin string, price, tcs float64, depegged bool, depegSeverity, liquidity, sentiment float64) *event.AggregatedRiskSnapshot {
	return &event.AggregatedRiskSnapshot{
		Coin:               coin,
		AvgPrice:           price,
		TemporalConfidence: tcs,
		IsDepegged:         depegged,
		DepegSeverity:      depegSeverity,
		TotalLiquidity:     liquidity,
		SentimentScore:     sentiment,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestComparePair_FlagsDivergence(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(Config{Clock: fixedClock(now)})

	usdc := snap("USDC", 1.0, 0.9, false, 0, 2_000_000, 0)
	usdt := snap("USDT", 0.97, 0.9, false, 0, 2_000_000, 0)

	cmp := a.ComparePair(usdc, usdt)
	if !cmp.IsDiverging {
		t.Fatalf("expected 3%% price gap to be flagged as diverging")
	}
	if cmp.PriceDiff <= DefaultDivergenceThreshold {
		t.Fatalf("expected price diff above threshold, got %v", cmp.PriceDiff)
	}
}

func TestComparePair_NoDivergenceWithinThreshold(t *testing.T) {
	a := New(DefaultConfig())
	usdc := snap("USDC", 1.0, 0.9, false, 0, 2_000_000, 0)
	dai := snap("DAI", 1.001, 0.9, false, 0, 2_000_000, 0)

	cmp := a.ComparePair(usdc, dai)
	if cmp.IsDiverging {
		t.Fatalf("expected sub-threshold price gap not to be flagged")
	}
}

func TestCompareAllPairs_CoversEveryCombination(t *testing.T) {
	a := New(DefaultConfig())
	snapshots := map[string]*event.AggregatedRiskSnapshot{
		"USDC": snap("USDC", 1.0, 0.9, false, 0, 1e6, 0),
		"USDT": snap("USDT", 1.0, 0.9, false, 0, 1e6, 0),
		"DAI":  snap("DAI", 1.0, 0.9, false, 0, 1e6, 0),
	}
	pairs := a.CompareAllPairs(snapshots)
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs for 3 coins, got %d", len(pairs))
	}
}

func TestDetectContagionRisk(t *testing.T) {
	a := New(DefaultConfig())

	below := map[string]*event.AggregatedRiskSnapshot{
		"USDC": snap("USDC", 0.9, 0.5, true, 0.1, 1e6, 0),
		"USDT": snap("USDT", 1.0, 0.9, false, 0, 1e6, 0),
	}
	if contagion, _ := a.DetectContagionRisk(below); contagion {
		t.Fatalf("expected no contagion with only one depegged coin")
	}

	atThreshold := map[string]*event.AggregatedRiskSnapshot{
		"USDC": snap("USDC", 0.9, 0.5, true, 0.1, 1e6, 0),
		"USDT": snap("USDT", 0.92, 0.5, true, 0.08, 1e6, 0),
		"DAI":  snap("DAI", 1.0, 0.9, false, 0, 1e6, 0),
	}
	contagion, coins := a.DetectContagionRisk(atThreshold)
	if !contagion {
		t.Fatalf("expected contagion with 2 coins depegged")
	}
	if len(coins) != 2 {
		t.Fatalf("expected 2 affected coins, got %d: %v", len(coins), coins)
	}
}

func TestAssessMarketStress_QuietMarketIsLow(t *testing.T) {
	a := New(DefaultConfig())
	snapshots := map[string]*event.AggregatedRiskSnapshot{
		"USDC": snap("USDC", 1.0, 1.0, false, 0, 5_000_000, 0.1),
		"USDT": snap("USDT", 1.0, 1.0, false, 0, 5_000_000, 0.1),
	}
	signal := a.AssessMarketStress(snapshots)
	if signal.Severity != SeverityLow {
		t.Fatalf("expected low severity for a quiet market, got %s (score=%v)", signal.Severity, signal.SeverityScore)
	}
	if signal.DepeggedCount != 0 {
		t.Fatalf("expected zero depegged coins")
	}
}

func TestAssessMarketStress_WidespreadDepegIsCritical(t *testing.T) {
	a := New(DefaultConfig())
	snapshots := map[string]*event.AggregatedRiskSnapshot{
		"USDC": snap("USDC", 0.85, 0.2, true, 0.15, 500_000, -0.8),
		"USDT": snap("USDT", 0.88, 0.2, true, 0.12, 500_000, -0.8),
		"DAI":  snap("DAI", 0.90, 0.3, true, 0.10, 500_000, -0.8),
	}
	signal := a.AssessMarketStress(snapshots)
	if signal.Severity != SeverityCritical {
		t.Fatalf("expected critical severity for widespread depeg + liquidity crisis, got %s (score=%v)", signal.Severity, signal.SeverityScore)
	}
	if !signal.LiquidityCrisis {
		t.Fatalf("expected liquidity crisis to be flagged")
	}
	if signal.DepeggedCount != 3 {
		t.Fatalf("expected 3 depegged coins, got %d", signal.DepeggedCount)
	}
}

func TestMarketOverview_BundlesEverything(t *testing.T) {
	a := New(DefaultConfig())
	snapshots := map[string]*event.AggregatedRiskSnapshot{
		"USDC": snap("USDC", 0.90, 0.4, true, 0.1, 1e6, -0.5),
		"USDT": snap("USDT", 0.95, 0.6, true, 0.05, 1e6, -0.5),
	}
	overview := a.MarketOverview(snapshots)
	if !overview.ContagionDetected {
		t.Fatalf("expected contagion detected across 2 depegged coins")
	}
	if len(overview.Divergences) == 0 {
		t.Fatalf("expected the 5%% price gap between USDC and USDT to surface as a divergence")
	}
	if overview.Stress.DepeggedCount != 2 {
		t.Fatalf("expected 2 depegged coins in the stress signal")
	}
}

func TestAssessMarketStress_EmptySnapshotsIsLow(t *testing.T) {
	a := New(DefaultConfig())
	signal := a.AssessMarketStress(map[string]*event.AggregatedRiskSnapshot{})
	if signal.Severity != SeverityLow {
		t.Fatalf("expected low severity with no tracked coins, got %s", signal.Severity)
	}
}
