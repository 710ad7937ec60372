// Copyright 2025 Certen Protocol
//
// Reorg Handler - invalidates events affected by a detected chain
// reorganization and, where a replacement is found, emits a versioned
// correction event carrying the same event_id with an incremented
// event_version.
//
// Synchronous and pure from the caller's perspective: given the same
// inputs it produces the same outputs, and its only side effects are
// the per-event version map and the per-chain reorg log. Serialized per
// chain via a per-chain mutex: handling one reorg on a chain
// completes before the next is accepted for that same chain; different
// chains may run concurrently.

package reorg

import (
	"context"
	"sync"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// ReplacementWindow bounds how close a replacement's timestamp must be
// to the invalidated event's timestamp to be considered a match.
const ReplacementWindow = 60 * time.Second

// Log records a reorg diagnostic entry. Implemented by pkg/reorglog
// (Postgres-backed) or an in-memory fake for tests.
type Log interface {
	Append(ctx context.Context, record Record) error
}

// Record is the persisted reorg diagnostic record.
type Record struct {
	Chain            string
	Timestamp        time.Time
	OriginalBlock    uint64
	NewBlock         uint64
	Depth            int
	AffectedEventIDs []string
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Handler applies reorg policy to affected events.
type Handler struct {
	log Log
	now Clock

	chainLocks sync.Map // chain -> *sync.Mutex

	versionMu sync.Mutex
	versions  map[string]int // event_id -> current version
}

// New constructs a Handler.
func New(log Log) *Handler {
	return &Handler{log: log, now: time.Now, versions: make(map[string]int)}
}

// WithClock overrides the handler's notion of "now", for tests.
func (h *Handler) WithClock(clock Clock) *Handler {
	h.now = clock
	return h
}

func (h *Handler) lockFor(chain string) *sync.Mutex {
	v, _ := h.chainLocks.LoadOrStore(chain, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// HandleReorg implements blockmonitor.ReorgNotifier: for each affected
// event, invalidate it; if a matching replacement exists, emit a
// correction event sharing its event_id with event_version+1. Returns
// the correction events produced.
func (h *Handler) HandleReorg(ctx context.Context, chain string, affected []*event.RiskEvent, replacements []*event.RiskEvent) ([]*event.RiskEvent, error) {
	lock := h.lockFor(chain)
	lock.Lock()
	defer lock.Unlock()

	now := h.now()
	var corrections []*event.RiskEvent
	var affectedIDs []string
	var originalBlock, newBlock uint64
	depth := 0

	for _, orig := range affected {
		orig.Invalidated = true
		orig.ReorgDetectedAt = now
		if orig.BlockNumber != nil {
			orig.OriginalBlockNumber = orig.BlockNumber
			originalBlock = *orig.BlockNumber
		}
		affectedIDs = append(affectedIDs, orig.EventID)

		replacement := findReplacement(orig, replacements)
		if replacement == nil {
			orig.ReplacementEventID = ""
			continue
		}

		correction := h.buildCorrection(orig, replacement, now)
		orig.ReplacementEventID = correction.EventID
		corrections = append(corrections, correction)

		if correction.BlockNumber != nil {
			newBlock = *correction.BlockNumber
			if correction.OriginalBlockNumber != nil {
				depth = int(*correction.BlockNumber) - int(*correction.OriginalBlockNumber)
			}
		}
	}

	if h.log != nil && len(affectedIDs) > 0 {
		record := Record{
			Chain:            chain,
			Timestamp:        now,
			OriginalBlock:    originalBlock,
			NewBlock:         newBlock,
			Depth:            depth,
			AffectedEventIDs: affectedIDs,
		}
		if err := h.log.Append(ctx, record); err != nil {
			return corrections, err
		}
	}

	return corrections, nil
}

// findReplacement matches by (coin, source) and timestamp proximity
// <= ReplacementWindow.
func findReplacement(orig *event.RiskEvent, replacements []*event.RiskEvent) *event.RiskEvent {
	var best *event.RiskEvent
	var bestDelta time.Duration
	for _, r := range replacements {
		if r.Coin != orig.Coin || r.Source != orig.Source {
			continue
		}
		delta := absDuration(r.Timestamp.Sub(orig.Timestamp))
		if delta > ReplacementWindow {
			continue
		}
		if best == nil || delta < bestDelta {
			best = r
			bestDelta = delta
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// buildCorrection produces a new event sharing orig's event_id with an
// incremented version, carrying the replacement's payload and block
// fields. Version counters are maintained in a per-event map
// guarded by its own mutex, so versions form
// a strictly increasing sequence starting at 1.
func (h *Handler) buildCorrection(orig, replacement *event.RiskEvent, now time.Time) *event.RiskEvent {
	correction := replacement.Clone()
	correction.EventID = orig.EventID
	correction.EventVersion = h.nextVersion(orig)
	correction.IsFinalized = false
	correction.FinalityTimestamp = time.Time{}
	correction.Invalidated = false
	correction.ReplacementEventID = ""
	correction.ReorgDetectedAt = time.Time{}
	if orig.BlockNumber != nil {
		correction.OriginalBlockNumber = orig.BlockNumber
	}
	correction.WindowID = orig.WindowID
	correction.WindowState = orig.WindowState
	correction.WindowStart = orig.WindowStart
	correction.WindowEnd = orig.WindowEnd
	return correction
}

func (h *Handler) nextVersion(orig *event.RiskEvent) int {
	h.versionMu.Lock()
	defer h.versionMu.Unlock()

	current, ok := h.versions[orig.EventID]
	if !ok {
		current = orig.EventVersion
		if current == 0 {
			current = 1
		}
	}
	next := current + 1
	h.versions[orig.EventID] = next
	return next
}
