// Copyright 2025 Certen Protocol

package reorg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

type memoryLog struct {
	mu      sync.Mutex
	records []Record
}

func (m *memoryLog) Append(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func block(n uint64) *uint64 {
	return &n
}

func price(p float64) *float64 {
	return &p
}

// TestHandleReorg_ReplacementFound walks a single-event reorg with a
// matching replacement end to end:
// event X v1 at block 100 is reorged out; a matching replacement at
// block 101 is found; the handler emits a v2 correction and marks the
// original invalidated with a replacement pointer.
func TestHandleReorg_ReplacementFound(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := &memoryLog{}
	h := New(log).WithClock(func() time.Time { return now })

	orig := &event.RiskEvent{
		EventID:      "X",
		EventVersion: 1,
		Chain:        "ethereum",
		Coin:         "USDC",
		Source:       "chainlink",
		BlockNumber:  block(100),
		Price:        price(1.0),
		Timestamp:    now.Add(-5 * time.Second),
	}
	replacement := &event.RiskEvent{
		EventID:     "temp-id-from-source",
		Chain:       "ethereum",
		Coin:        "USDC",
		Source:      "chainlink",
		BlockNumber: block(101),
		Price:       price(0.999),
		Timestamp:   now.Add(-2 * time.Second),
	}

	corrections, err := h.HandleReorg(context.Background(), "ethereum",
		[]*event.RiskEvent{orig}, []*event.RiskEvent{replacement})
	if err != nil {
		t.Fatalf("HandleReorg: %v", err)
	}

	if !orig.Invalidated {
		t.Fatalf("expected original event to be invalidated")
	}
	if orig.OriginalBlockNumber == nil || *orig.OriginalBlockNumber != 100 {
		t.Fatalf("expected original_block_number=100, got %v", orig.OriginalBlockNumber)
	}

	if len(corrections) != 1 {
		t.Fatalf("expected exactly one correction event, got %d", len(corrections))
	}
	c := corrections[0]
	if c.EventID != "X" {
		t.Fatalf("expected correction to reuse event_id X, got %s", c.EventID)
	}
	if c.EventVersion != 2 {
		t.Fatalf("expected correction event_version=2, got %d", c.EventVersion)
	}
	if c.BlockNumber == nil || *c.BlockNumber != 101 {
		t.Fatalf("expected correction block=101, got %v", c.BlockNumber)
	}
	if c.OriginalBlockNumber == nil || *c.OriginalBlockNumber != 100 {
		t.Fatalf("expected correction original_block_number=100, got %v", c.OriginalBlockNumber)
	}
	if c.Price == nil || *c.Price != 0.999 {
		t.Fatalf("expected correction price=0.999, got %v", c.Price)
	}
	if orig.ReplacementEventID != c.EventID {
		t.Fatalf("expected original.replacement_event_id to reference the correction's event_id")
	}

	if len(log.records) != 1 {
		t.Fatalf("expected reorg log depth=1 entry, got %d", len(log.records))
	}
	rec := log.records[0]
	if rec.Depth != 1 {
		t.Fatalf("expected reorg log depth=1, got %d", rec.Depth)
	}
	if rec.Chain != "ethereum" {
		t.Fatalf("expected reorg log chain=ethereum, got %s", rec.Chain)
	}
	if len(rec.AffectedEventIDs) != 1 || rec.AffectedEventIDs[0] != "X" {
		t.Fatalf("expected affected_event_ids=[X], got %v", rec.AffectedEventIDs)
	}
}

// TestHandleReorg_NoReplacementFound covers the branch where no
// candidate matches (coin, source) or falls within the proximity
// window: the original stays invalidated with no replacement pointer
// and no correction is emitted.
func TestHandleReorg_NoReplacementFound(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := &memoryLog{}
	h := New(log).WithClock(func() time.Time { return now })

	orig := &event.RiskEvent{
		EventID:     "X",
		Chain:       "ethereum",
		Coin:        "USDC",
		Source:      "chainlink",
		BlockNumber: block(100),
		Timestamp:   now,
	}
	// Wrong source: not a valid candidate.
	wrongSource := &event.RiskEvent{
		Chain:     "ethereum",
		Coin:      "USDC",
		Source:    "pyth",
		Timestamp: now,
	}
	// Right coin/source but too far outside the 60s proximity window.
	tooLate := &event.RiskEvent{
		Chain:     "ethereum",
		Coin:      "USDC",
		Source:    "chainlink",
		Timestamp: now.Add(2 * time.Minute),
	}

	corrections, err := h.HandleReorg(context.Background(), "ethereum",
		[]*event.RiskEvent{orig}, []*event.RiskEvent{wrongSource, tooLate})
	if err != nil {
		t.Fatalf("HandleReorg: %v", err)
	}
	if len(corrections) != 0 {
		t.Fatalf("expected no corrections, got %d", len(corrections))
	}
	if !orig.Invalidated {
		t.Fatalf("expected original event to remain invalidated")
	}
	if orig.ReplacementEventID != "" {
		t.Fatalf("expected empty replacement_event_id, got %q", orig.ReplacementEventID)
	}
	if len(log.records) != 1 {
		t.Fatalf("expected a reorg log entry even without a replacement, got %d", len(log.records))
	}
}

// TestHandleReorg_VersionStrictlyIncreasing drives two successive
// reorgs against the same event_id and checks that emitted versions
// form a strictly increasing sequence. Both reorgs go through the same
// Handler.
func TestHandleReorg_VersionStrictlyIncreasing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := New(nil).WithClock(func() time.Time { return now })

	orig := &event.RiskEvent{
		EventID:      "X",
		EventVersion: 1,
		Chain:        "ethereum",
		Coin:         "USDC",
		Source:       "chainlink",
		BlockNumber:  block(100),
		Timestamp:    now,
	}
	replacement1 := &event.RiskEvent{
		Chain:       "ethereum",
		Coin:        "USDC",
		Source:      "chainlink",
		BlockNumber: block(101),
		Timestamp:   now.Add(1 * time.Second),
	}

	corrections, err := h.HandleReorg(context.Background(), "ethereum",
		[]*event.RiskEvent{orig}, []*event.RiskEvent{replacement1})
	if err != nil {
		t.Fatalf("HandleReorg (first): %v", err)
	}
	if len(corrections) != 1 || corrections[0].EventVersion != 2 {
		t.Fatalf("expected first correction version=2, got %+v", corrections)
	}

	// The correction itself (version 2) is now reorged again.
	second := corrections[0]
	second.Invalidated = false
	replacement2 := &event.RiskEvent{
		Chain:       "ethereum",
		Coin:        "USDC",
		Source:      "chainlink",
		BlockNumber: block(102),
		Timestamp:   second.Timestamp.Add(1 * time.Second),
	}

	corrections2, err := h.HandleReorg(context.Background(), "ethereum",
		[]*event.RiskEvent{second}, []*event.RiskEvent{replacement2})
	if err != nil {
		t.Fatalf("HandleReorg (second): %v", err)
	}
	if len(corrections2) != 1 || corrections2[0].EventVersion != 3 {
		t.Fatalf("expected second correction version=3, got %+v", corrections2)
	}
	if corrections2[0].EventID != "X" {
		t.Fatalf("expected event_id to remain X across reorgs, got %s", corrections2[0].EventID)
	}
}

// TestHandleReorg_DifferentChainsConcurrent exercises the per-chain
// lock path: reorgs on independent chains don't block each other and
// each produces its own log entry.
func TestHandleReorg_DifferentChainsConcurrent(t *testing.T) {
	now := time.Now()
	log := &memoryLog{}
	h := New(log).WithClock(func() time.Time { return now })

	origEth := &event.RiskEvent{EventID: "E1", Chain: "ethereum", Coin: "USDC", Source: "chainlink", BlockNumber: block(10), Timestamp: now}
	origSol := &event.RiskEvent{EventID: "S1", Chain: "solana", Coin: "USDC", Source: "pyth", BlockNumber: block(20), Timestamp: now}

	done := make(chan struct{}, 2)
	go func() {
		h.HandleReorg(context.Background(), "ethereum", []*event.RiskEvent{origEth}, nil)
		done <- struct{}{}
	}()
	go func() {
		h.HandleReorg(context.Background(), "solana", []*event.RiskEvent{origSol}, nil)
		done <- struct{}{}
	}()
	<-done
	<-done

	if len(log.records) != 2 {
		t.Fatalf("expected 2 independent log entries, got %d", len(log.records))
	}
}
