// Copyright 2025 Certen Protocol
//
// Quality Pipeline - normalize, deduplicate, and statistically screen a
// batch of RiskEvents.
//
// One method per stage, called in sequence from a single entry point,
// each stage retaining everything it can rather than raising for a
// single bad event.

package quality

import (
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// Config holds the pipeline's tunables.
type Config struct {
	PriceMin     float64
	PriceMax     float64
	DedupWindow  time.Duration
	ZThreshold   float64
	MinGroupSize int
}

// DefaultConfig returns the engine's stock tunables.
func DefaultConfig() Config {
	return Config{
		PriceMin:     0.95,
		PriceMax:     1.05,
		DedupWindow:  60 * time.Second,
		ZThreshold:   3.0,
		MinGroupSize: 3,
	}
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Pipeline runs the three-stage quality screen over batches of events.
// It is safe for concurrent use; the dedup signature map is guarded by
// its own mutex with short critical sections.
type Pipeline struct {
	cfg    Config
	now    Clock
	logger *log.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = DefaultConfig().ZThreshold
	}
	if cfg.PriceMax <= cfg.PriceMin {
		cfg.PriceMin, cfg.PriceMax = DefaultConfig().PriceMin, DefaultConfig().PriceMax
	}
	if cfg.MinGroupSize <= 0 {
		cfg.MinGroupSize = DefaultConfig().MinGroupSize
	}
	return &Pipeline{
		cfg:    cfg,
		now:    time.Now,
		logger: log.New(log.Writer(), "[QualityPipeline] ", log.LstdFlags),
		seen:   make(map[string]time.Time),
	}
}

// WithClock overrides the pipeline's notion of "now", for tests.
func (p *Pipeline) WithClock(clock Clock) *Pipeline {
	p.now = clock
	return p
}

// Process runs normalize -> deduplicate -> outlier-flag over a batch
// and returns the surviving events (a possibly smaller slice). It never
// returns an error: malformed individual events are normalized
// aggressively, never rejected outright.
func (p *Pipeline) Process(batch []*event.RiskEvent) []*event.RiskEvent {
	for _, e := range batch {
		p.normalize(e)
	}
	survivors := p.deduplicate(batch)
	p.flagOutliers(survivors)
	return survivors
}

// normalize applies stage 1: case folding, UTC normalization, price
// clamping, and quality_score initialization.
func (p *Pipeline) normalize(e *event.RiskEvent) {
	e.Coin = strings.ToUpper(strings.TrimSpace(e.Coin))
	e.Chain = strings.ToLower(strings.TrimSpace(e.Chain))
	e.Timestamp = e.Timestamp.UTC()
	if e.Price != nil {
		clamped := clamp(*e.Price, p.cfg.PriceMin, p.cfg.PriceMax)
		if clamped != *e.Price {
			p.logger.Printf("clamped price %.6f to %.6f for %s/%s from %s", *e.Price, clamped, e.Coin, e.Chain, e.Source)
		}
		e.Price = &clamped
	}
	if e.QualityScore == 0 {
		e.QualityScore = 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// deduplicate applies stage 2: drop events whose (coin, chain, source,
// rounded price/liquidity/volume) signature was seen within the dedup
// window. Idempotent given an unchanged clock:
// running Process twice in immediate succession drops the second
// batch's duplicates of the first, and running it a third time changes
// nothing further.
func (p *Pipeline) deduplicate(batch []*event.RiskEvent) []*event.RiskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.evictExpired(now)

	survivors := make([]*event.RiskEvent, 0, len(batch))
	for _, e := range batch {
		sig := signature(e)
		if lastSeen, ok := p.seen[sig]; ok && now.Sub(lastSeen) < p.cfg.DedupWindow {
			continue
		}
		p.seen[sig] = now
		survivors = append(survivors, e)
	}
	return survivors
}

func (p *Pipeline) evictExpired(now time.Time) {
	for sig, ts := range p.seen {
		if now.Sub(ts) >= p.cfg.DedupWindow {
			delete(p.seen, sig)
		}
	}
}

func signature(e *event.RiskEvent) string {
	round := func(v *float64) string {
		if v == nil {
			return "nil"
		}
		return roundTo(*v, 4)
	}
	return e.Coin + "|" + e.Chain + "|" + e.Source + "|" + round(e.Price) + "|" + round(e.LiquidityDepth) + "|" + round(e.Volume)
}

func roundTo(v float64, decimals int) string {
	scale := math.Pow(10, float64(decimals))
	rounded := math.Round(v*scale) / scale
	return strconv.FormatFloat(rounded, 'f', decimals, 64)
}

// flagOutliers applies stage 3: groups surviving events by (coin,
// chain) and flags statistical outliers per numeric metric
// independently. Clamping in normalize() always runs before this stage
// (the batch passed in has already been normalized), matching the
// requirement that clamping happens before outlier
// detection.
func (p *Pipeline) flagOutliers(events []*event.RiskEvent) {
	groups := make(map[string][]*event.RiskEvent)
	for _, e := range events {
		key := e.Coin + "|" + e.Chain
		groups[key] = append(groups[key], e)
	}

	metrics := []struct {
		get func(*event.RiskEvent) *float64
	}{
		{func(e *event.RiskEvent) *float64 { return e.Price }},
		{func(e *event.RiskEvent) *float64 { return e.Volume }},
		{func(e *event.RiskEvent) *float64 { return e.LiquidityDepth }},
		{func(e *event.RiskEvent) *float64 { return e.NetSupplyChange }},
		{func(e *event.RiskEvent) *float64 { return e.MarketVolatility }},
		{func(e *event.RiskEvent) *float64 { return e.SentimentScore }},
	}

	for _, group := range groups {
		if len(group) < p.cfg.MinGroupSize {
			continue
		}
		for _, m := range metrics {
			values := make([]float64, 0, len(group))
			for _, e := range group {
				if v := m.get(e); v != nil {
					values = append(values, *v)
				}
			}
			if len(values) < p.cfg.MinGroupSize {
				continue
			}
			mean, stddev := meanStddev(values)
			if stddev == 0 {
				continue
			}
			for _, e := range group {
				v := m.get(e)
				if v == nil {
					continue
				}
				z := math.Abs(*v-mean) / stddev
				if z > p.cfg.ZThreshold {
					e.IsOutlier = true
					e.QualityScore *= 0.5
				}
			}
		}
	}
}

func meanStddev(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}
