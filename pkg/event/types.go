// Copyright 2025 Certen Protocol
//
// Event Model - RiskEvent, AggregatedRiskSnapshot and TimeWindow types
// shared across the aggregation pipeline.

package event

import "time"

// FinalityTier is the coarse confidence bucket a RiskEvent falls into.
type FinalityTier string

const (
	Tier1 FinalityTier = "TIER1"
	Tier2 FinalityTier = "TIER2"
	Tier3 FinalityTier = "TIER3"
)

// TierConfidence is the fixed mapping from finality tier to numeric
// confidence. Never override these per-chain; chain-specific behavior
// belongs in the confirmation/age thresholds that decide the tier, not
// in this table.
var TierConfidence = map[FinalityTier]float64{
	Tier1: 0.3,
	Tier2: 0.8,
	Tier3: 1.0,
}

// WindowState is the lifecycle state of a TimeWindow.
type WindowState string

const (
	WindowOpen        WindowState = "OPEN"
	WindowProvisional WindowState = "PROVISIONAL"
	WindowFinal       WindowState = "FINAL"
)

// SourceType tags which payload field a RiskEvent primarily carries.
// Producers should set this explicitly;
// InferSourceType is kept only as a diagnostic fallback.
type SourceType string

const (
	SourceTypePrice      SourceType = "price"
	SourceTypeLiquidity  SourceType = "liquidity"
	SourceTypeSupply     SourceType = "supply"
	SourceTypeVolatility SourceType = "volatility"
	SourceTypeSentiment  SourceType = "sentiment"
	SourceTypeUnknown    SourceType = "unknown"
)

// ConfidenceBreakdown is the four components the TCS is computed from.
type ConfidenceBreakdown struct {
	FinalityWeight   float64 `json:"finality_weight"`
	ChainConfidence  float64 `json:"chain_confidence"`
	Completeness     float64 `json:"completeness"`
	StalenessPenalty float64 `json:"staleness_penalty"`
	TCS              float64 `json:"tcs"`
}

// RiskEvent is the atom of the pipeline. Identity (EventID) never
// changes across corrections; EventVersion is incremented only by the
// reorg handler.
type RiskEvent struct {
	// Identity
	EventID      string `json:"event_id"`
	EventVersion int    `json:"event_version"`

	// Provenance
	Coin       string     `json:"coin"`
	Chain      string     `json:"chain"`
	Source     string     `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	SourceType SourceType `json:"source_type,omitempty"`

	// Payload (all optional; populated per source type)
	Price            *float64 `json:"price,omitempty"`
	Volume           *float64 `json:"volume,omitempty"`
	LiquidityDepth   *float64 `json:"liquidity_depth,omitempty"`
	NetSupplyChange  *float64 `json:"net_supply_change,omitempty"`
	MarketVolatility *float64 `json:"market_volatility,omitempty"`
	SentimentScore   *float64 `json:"sentiment_score,omitempty"`

	// On-chain anchor (optional)
	BlockNumber         *uint64 `json:"block_number,omitempty"`
	BlockHash           string  `json:"block_hash,omitempty"`
	TxHash              string  `json:"tx_hash,omitempty"`
	ConfirmationCount   uint64  `json:"confirmation_count,omitempty"`
	OriginalBlockNumber *uint64 `json:"original_block_number,omitempty"`

	// Finality state
	FinalityTier      FinalityTier `json:"finality_tier,omitempty"`
	IsFinalized       bool         `json:"is_finalized"`
	FinalityTimestamp time.Time    `json:"finality_timestamp,omitempty"`

	// Confidence
	TemporalConfidence  float64             `json:"temporal_confidence"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidence_breakdown"`

	// Window binding
	WindowID    string      `json:"window_id,omitempty"`
	WindowState WindowState `json:"window_state,omitempty"`
	WindowStart time.Time   `json:"window_start,omitempty"`
	WindowEnd   time.Time   `json:"window_end,omitempty"`

	// Reorg state
	Invalidated        bool      `json:"invalidated"`
	ReplacementEventID string    `json:"replacement_event_id,omitempty"`
	ReorgDetectedAt    time.Time `json:"reorg_detected_at,omitempty"`

	// Quality
	IsOutlier    bool    `json:"is_outlier"`
	QualityScore float64 `json:"quality_score"`

	// Metadata
	SourceImportance float64           `json:"source_importance,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// InferSourceType derives a source type from whichever payload field is
// populated, for events that never set SourceType explicitly. Brittle
// for events that carry more than one payload field — kept only as a
// fallback, per the recommended tagged-variant design.
func (e *RiskEvent) InferSourceType() SourceType {
	if e.SourceType != "" {
		return e.SourceType
	}
	switch {
	case e.Price != nil:
		return SourceTypePrice
	case e.LiquidityDepth != nil:
		return SourceTypeLiquidity
	case e.NetSupplyChange != nil:
		return SourceTypeSupply
	case e.MarketVolatility != nil:
		return SourceTypeVolatility
	case e.SentimentScore != nil:
		return SourceTypeSentiment
	default:
		return SourceTypeUnknown
	}
}

// Clone returns a deep-enough copy safe to mutate independently of e.
// Used by the reorg handler when producing a correction event so the
// invalidated original is never mutated in place.
func (e *RiskEvent) Clone() *RiskEvent {
	clone := *e
	if e.Tags != nil {
		clone.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			clone.Tags[k] = v
		}
	}
	return &clone
}

// AggregatedRiskSnapshot is the product of a FINAL window: one per
// (coin, window) emission.
type AggregatedRiskSnapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	Timestamp  time.Time `json:"timestamp"`

	Coin        string      `json:"coin"`
	Chains      []string    `json:"chains"`
	WindowID    string      `json:"window_id"`
	WindowState WindowState `json:"window_state"`

	AvgPrice         float64 `json:"avg_price"`
	MinPrice         float64 `json:"min_price"`
	MaxPrice         float64 `json:"max_price"`
	TotalLiquidity   float64 `json:"total_liquidity"`
	TotalVolume      float64 `json:"total_volume"`
	NetSupplyChange  float64 `json:"net_supply_change"`
	MarketVolatility float64 `json:"market_volatility"`
	SentimentScore   float64 `json:"sentiment_score"`

	TemporalConfidence  float64             `json:"temporal_confidence"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidence_breakdown"`

	NumEventsAggregated int      `json:"num_events_aggregated"`
	SourcesIncluded     []string `json:"sources_included"`
	EventIDs            []string `json:"event_ids"`

	IsDepegged    bool    `json:"is_depegged"`
	DepegSeverity float64 `json:"depeg_severity"`
}

// TimeWindow is a fixed-duration, wall-clock-aligned bucket of events
// moving through OPEN -> PROVISIONAL -> FINAL.
type TimeWindow struct {
	WindowID    string
	WindowStart time.Time
	WindowEnd   time.Time
	State       WindowState

	Events []*RiskEvent

	OpenedAt      time.Time
	ProvisionalAt time.Time
	FinalAt       time.Time

	Snapshot *AggregatedRiskSnapshot
}
