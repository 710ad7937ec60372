// Copyright 2025 Certen Protocol
//
// Finality Tracker
// Per the per-chain confirmation/age thresholds of the Chain Profile,
// assigns a RiskEvent's finality tier and numeric confidence.
//
// Idempotent and safe to call repeatedly; a tier is never downgraded
// on transient failure.

package finality

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/chainrpc"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Tracker assigns finality tiers to events for a set of chains.
type Tracker struct {
	profiles *chainprofile.Registry
	rpcs     map[string]chainrpc.ChainRPC
	now      Clock
	logger   *log.Logger
}

// Config configures a Tracker.
type Config struct {
	Profiles *chainprofile.Registry
	// RPCs maps chain name -> ChainRPC. Off-chain-only deployments may
	// omit chains they never need to resolve on-chain events for.
	RPCs   map[string]chainrpc.ChainRPC
	Clock  Clock
	Logger *log.Logger
}

// New constructs a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("finality: chain profile registry is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[FinalityTracker] ", log.LstdFlags)
	}
	rpcs := cfg.RPCs
	if rpcs == nil {
		rpcs = make(map[string]chainrpc.ChainRPC)
	}
	return &Tracker{profiles: cfg.Profiles, rpcs: rpcs, now: clock, logger: logger}, nil
}

// Refresh assigns finality_tier and temporal_confidence to e in place.
// Idempotent: repeated calls on an already-finalized, non-invalidated
// event are no-ops beyond re-deriving the same tier.
func (t *Tracker) Refresh(ctx context.Context, e *event.RiskEvent) error {
	if e.Invalidated {
		return nil
	}
	if e.BlockNumber != nil {
		return t.refreshOnChain(ctx, e)
	}
	t.refreshOffChain(e)
	return nil
}

func (t *Tracker) refreshOnChain(ctx context.Context, e *event.RiskEvent) error {
	profile, ok := t.profiles.Get(e.Chain)
	if !ok {
		return fmt.Errorf("finality: no chain profile for %q", e.Chain)
	}
	rpc, ok := t.rpcs[normalizeChain(e.Chain)]
	if !ok {
		// No transport configured for this chain: leave the event at
		// its last known tier rather than downgrading or erroring.
		return nil
	}

	height, err := rpc.CurrentHeight(ctx)
	if err != nil {
		// Transient RPC failure: leave the event at its last known
		// tier. The transport already retried internally.
		t.logger.Printf("current height fetch failed for chain %s: %v", e.Chain, err)
		return nil
	}

	live, err := rpc.BlockAt(ctx, *e.BlockNumber)
	if err != nil {
		if errors.Is(err, chainrpc.ErrBlockNotFound) {
			t.markInvalidated(e)
			return nil
		}
		t.logger.Printf("block fetch failed for chain %s height %d: %v", e.Chain, *e.BlockNumber, err)
		return nil
	}
	if live.Hash != "" {
		if e.BlockHash == "" {
			e.BlockHash = live.Hash
		} else if !hashMatches(live, e) {
			t.markInvalidated(e)
			return nil
		}
	}

	var confirmations uint64
	if height+1 > *e.BlockNumber {
		confirmations = height - *e.BlockNumber + 1
	}
	if confirmations < e.ConfirmationCount {
		// A head that reads lower than an earlier poll (load-balanced
		// RPC providers lag each other) must not walk confirmations
		// backwards: outside a reorg, confirmation counts only grow.
		confirmations = e.ConfirmationCount
	}

	tier := tierForConfirmations(confirmations, profile)
	e.ConfirmationCount = confirmations
	if !tierRegressed(e.FinalityTier, tier) {
		e.FinalityTier = tier
		e.TemporalConfidence = event.TierConfidence[tier]
	}

	if tier == event.Tier3 && !e.IsFinalized {
		e.IsFinalized = true
		e.FinalityTimestamp = t.now()
	}
	return nil
}

// hashMatches compares the chain's live header at e.BlockNumber against
// the hash recorded the first time the tracker observed that block.
// The caller only invokes this once e.BlockHash has been populated, so
// a mismatch here means the block at that height has been replaced:
// the common-ancestor case of an EVM reorg.
func hashMatches(live chainrpc.BlockHeader, e *event.RiskEvent) bool {
	return live.Hash == e.BlockHash
}

func (t *Tracker) markInvalidated(e *event.RiskEvent) {
	e.Invalidated = true
	e.ReorgDetectedAt = t.now()
	e.OriginalBlockNumber = e.BlockNumber
}

func (t *Tracker) refreshOffChain(e *event.RiskEvent) {
	profile, ok := t.profiles.Get(e.Chain)
	if !ok {
		// Off-chain events still need a chain's wall-clock thresholds;
		// fall back to a conservative set rather than erroring, since
		// many off-chain sources (sentiment, aggregated prices) are not
		// chain-specific at all.
		profile = offChainDefaultProfile()
	}

	age := t.now().Sub(e.Timestamp)
	var tier event.FinalityTier
	switch {
	case age >= profile.T3():
		tier = event.Tier3
	case age >= profile.T2():
		tier = event.Tier2
	default:
		tier = event.Tier1
	}

	if !tierRegressed(e.FinalityTier, tier) {
		e.FinalityTier = tier
		e.TemporalConfidence = event.TierConfidence[tier]
	}

	if tier == event.Tier3 && !e.IsFinalized {
		e.IsFinalized = true
		e.FinalityTimestamp = t.now()
	}
}

// tierRegressed reports whether moving from current to candidate would
// be a downgrade: finality_tier is non-decreasing
// unless the event is invalidated by a reorg.
func tierRegressed(current, candidate event.FinalityTier) bool {
	rank := map[event.FinalityTier]int{"": -1, event.Tier1: 0, event.Tier2: 1, event.Tier3: 2}
	return rank[candidate] < rank[current]
}

func tierForConfirmations(confirmations uint64, p chainprofile.Profile) event.FinalityTier {
	switch {
	case confirmations >= p.C3:
		return event.Tier3
	case confirmations >= p.C2:
		return event.Tier2
	default:
		return event.Tier1
	}
}

func offChainDefaultProfile() chainprofile.Profile {
	return chainprofile.Profile{
		Name:      "off-chain",
		T1Seconds: 300,
		T2Seconds: 600,
		T3Seconds: 900,
	}
}

func normalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// WaitForConfirmations is the "should we wait before using this event?"
// helper predicate: true when the consumer should defer because
// the event hasn't accumulated enough confirmations yet.
func WaitForConfirmations(e *event.RiskEvent, minConfirmations uint64) bool {
	return e.BlockNumber != nil && !e.IsFinalized && e.ConfirmationCount < minConfirmations
}
