// Copyright 2025 Certen Protocol
//
// Temporal Confidence Score (TCS) Calculator
// Combines finality, cross-chain minimum finality, source completeness
// and staleness into a single scalar in [0,1].
//
// The attestation decision is a continuous score checked against a
// configurable threshold.

package tcs

import (
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// Status is the categorical label derived from a TCS value.
type Status string

const (
	StatusExcellent Status = "EXCELLENT"
	StatusGood      Status = "GOOD"
	StatusModerate  Status = "MODERATE"
	StatusLow       Status = "LOW"
	StatusPoor      Status = "POOR"
)

// Config holds the calculator's tunables.
type Config struct {
	// ExpectedSourceTypes is the denominator for completeness.
	ExpectedSourceTypes []event.SourceType

	// SourceImportance weights finality by source type.
	SourceImportance map[event.SourceType]float64

	FreshThreshold      time.Duration
	AcceptableThreshold time.Duration

	AttestationThreshold float64
}

// DefaultConfig returns the stock weights and thresholds.
func DefaultConfig() Config {
	return Config{
		ExpectedSourceTypes: []event.SourceType{
			event.SourceTypePrice,
			event.SourceTypeLiquidity,
			event.SourceTypeSupply,
			event.SourceTypeVolatility,
			event.SourceTypeSentiment,
		},
		SourceImportance: map[event.SourceType]float64{
			event.SourceTypePrice:      1.0,
			event.SourceTypeSupply:     0.9,
			event.SourceTypeLiquidity:  0.8,
			event.SourceTypeVolatility: 0.7,
			event.SourceTypeSentiment:  0.5,
		},
		FreshThreshold:       300 * time.Second,
		AcceptableThreshold:  600 * time.Second,
		AttestationThreshold: 0.8,
	}
}

// Calculator computes TCS breakdowns over sets of events.
type Calculator struct {
	cfg Config
	now func() time.Time
}

// New constructs a Calculator.
func New(cfg Config) *Calculator {
	if len(cfg.ExpectedSourceTypes) == 0 {
		cfg.ExpectedSourceTypes = DefaultConfig().ExpectedSourceTypes
	}
	if len(cfg.SourceImportance) == 0 {
		cfg.SourceImportance = DefaultConfig().SourceImportance
	}
	if cfg.FreshThreshold <= 0 {
		cfg.FreshThreshold = DefaultConfig().FreshThreshold
	}
	if cfg.AcceptableThreshold <= 0 {
		cfg.AcceptableThreshold = DefaultConfig().AcceptableThreshold
	}
	if cfg.AttestationThreshold == 0 {
		cfg.AttestationThreshold = DefaultConfig().AttestationThreshold
	}
	return &Calculator{cfg: cfg, now: time.Now}
}

// WithClock overrides the calculator's notion of "now", for tests.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Compute returns the TCS breakdown for a set of events. An
// empty event set yields a zero breakdown.
func (c *Calculator) Compute(events []*event.RiskEvent) event.ConfidenceBreakdown {
	if len(events) == 0 {
		return event.ConfidenceBreakdown{}
	}

	f := c.finalityWeight(events)
	chain := c.chainConfidence(events)
	k := c.completeness(events)
	s := c.staleness(events)

	raw := (f * chain * k) / s
	return event.ConfidenceBreakdown{
		FinalityWeight:   f,
		ChainConfidence:  chain,
		Completeness:     k,
		StalenessPenalty: s,
		TCS:              clamp01(raw),
	}
}

// finalityWeight is the importance-weighted average of per-event tier
// confidence.
func (c *Calculator) finalityWeight(events []*event.RiskEvent) float64 {
	var weightedSum, weightTotal float64
	for _, e := range events {
		w := c.importanceFor(e)
		weightedSum += confidenceOf(e) * w
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

func (c *Calculator) importanceFor(e *event.RiskEvent) float64 {
	st := e.SourceType
	if st == "" {
		st = e.InferSourceType()
	}
	if w, ok := c.cfg.SourceImportance[st]; ok {
		return w
	}
	if e.SourceImportance > 0 {
		return e.SourceImportance
	}
	return 1.0
}

func confidenceOf(e *event.RiskEvent) float64 {
	if e.TemporalConfidence > 0 {
		return e.TemporalConfidence
	}
	return event.TierConfidence[e.FinalityTier]
}

// chainConfidence is the "weakest link" across chains:
// the minimum, over chains present, of the minimum event confidence
// within that chain.
func (c *Calculator) chainConfidence(events []*event.RiskEvent) float64 {
	perChainMin := make(map[string]float64)
	for _, e := range events {
		conf := confidenceOf(e)
		if existing, ok := perChainMin[e.Chain]; !ok || conf < existing {
			perChainMin[e.Chain] = conf
		}
	}
	minimum := 1.0
	first := true
	for _, v := range perChainMin {
		if first || v < minimum {
			minimum = v
			first = false
		}
	}
	if first {
		return 0
	}
	return minimum
}

// completeness is |present source types| / |expected source types|
// .
func (c *Calculator) completeness(events []*event.RiskEvent) float64 {
	present := make(map[event.SourceType]bool)
	for _, e := range events {
		st := e.SourceType
		if st == "" {
			st = e.InferSourceType()
		}
		present[st] = true
	}
	count := 0
	for _, expected := range c.cfg.ExpectedSourceTypes {
		if present[expected] {
			count++
		}
	}
	if len(c.cfg.ExpectedSourceTypes) == 0 {
		return 0
	}
	return float64(count) / float64(len(c.cfg.ExpectedSourceTypes))
}

// staleness derives the penalty from the age of the oldest event in the
// set.
func (c *Calculator) staleness(events []*event.RiskEvent) float64 {
	oldest := events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
	}
	age := c.now().Sub(oldest)
	switch {
	case age < c.cfg.FreshThreshold:
		return 1.0
	case age < c.cfg.AcceptableThreshold:
		return 0.9
	default:
		return 0.7
	}
}

// StatusFor maps a TCS value to its categorical label.
func StatusFor(tcsValue float64) Status {
	switch {
	case tcsValue >= 0.9:
		return StatusExcellent
	case tcsValue >= 0.8:
		return StatusGood
	case tcsValue >= 0.6:
		return StatusModerate
	case tcsValue >= 0.4:
		return StatusLow
	default:
		return StatusPoor
	}
}

// ShouldAttest is the attestation decision predicate: tcs >= threshold.
func (c *Calculator) ShouldAttest(tcsValue float64) bool {
	return tcsValue >= c.cfg.AttestationThreshold
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
