// Copyright 2025 Certen Protocol
//
// Block Monitor - polls a chain's head, caches recent headers, detects
// hash mismatches, and reports fork ranges to the reorg handler.
//
// A ticker-driven poll loop per chain with a bounded header cache;
// fork detection walks cached hashes back to the common ancestor.

package blockmonitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/chainrpc"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// ReorgNotifier is implemented by the reorg handler. The block monitor
// depends only on this narrow interface so the two packages don't
// import each other.
type ReorgNotifier interface {
	HandleReorg(ctx context.Context, chain string, affected []*event.RiskEvent, replacements []*event.RiskEvent) ([]*event.RiskEvent, error)
}

// ReplacementSource is the chain-specific adapter the monitor asks for
// replacement events at the newly canonical heights: it queries the
// new canonical chain at the same heights and re-derives events via
// the same data-source contract. Core logic never implements this
// itself.
type ReplacementSource interface {
	EventsAt(ctx context.Context, chain string, heights []uint64) ([]*event.RiskEvent, error)
}

// Stats are the monitor's observability counters.
type Stats struct {
	Polls          uint64
	ReorgsDetected uint64
	LastPoll       time.Time
	LastReorg      time.Time
}

// Config configures a Monitor.
type Config struct {
	Chain        string
	Profile      chainprofile.Profile
	RPC          chainrpc.ChainRPC
	Reorg        ReorgNotifier
	Replacements ReplacementSource // optional
	CheckDepth   int               // how many recent heights to re-check each tick; default 10
	MaxBacktrack int               // max blocks to backtrack for a common ancestor; default 100
	Logger       *log.Logger

	// OnCorrection receives the versioned correction events HandleReorg
	// returns, so a caller can route them back into the window manager
	// and re-register them for future reorg impact. Optional: nil means
	// corrections are produced by the reorg handler but not re-ingested.
	OnCorrection func(corrections []*event.RiskEvent)
}

// Monitor polls one chain's head and detects forks.
type Monitor struct {
	chain   string
	profile chainprofile.Profile
	rpc     chainrpc.ChainRPC
	reorg   ReorgNotifier
	replace ReplacementSource

	checkDepth   int
	maxBacktrack int
	logger       *log.Logger
	onCorrection func([]*event.RiskEvent)

	mu       sync.RWMutex
	cache    *lru.Cache // height -> chainrpc.BlockHeader
	stats    Stats
	registry map[uint64][]*event.RiskEvent // block_number -> registered events

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New constructs a Monitor for one chain.
func New(cfg Config) (*Monitor, error) {
	if cfg.RPC == nil {
		return nil, fmt.Errorf("blockmonitor: ChainRPC is required")
	}
	if cfg.Reorg == nil {
		return nil, fmt.Errorf("blockmonitor: ReorgNotifier is required")
	}
	capacity := int(cfg.Profile.MaxReorgDepth)
	if capacity <= 0 {
		capacity = 256
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("blockmonitor: cache init: %w", err)
	}
	checkDepth := cfg.CheckDepth
	if checkDepth <= 0 {
		checkDepth = 10
	}
	maxBacktrack := cfg.MaxBacktrack
	if maxBacktrack <= 0 {
		maxBacktrack = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[BlockMonitor:%s] ", cfg.Chain), log.LstdFlags)
	}

	return &Monitor{
		chain:        cfg.Chain,
		profile:      cfg.Profile,
		rpc:          cfg.RPC,
		reorg:        cfg.Reorg,
		replace:      cfg.Replacements,
		checkDepth:   checkDepth,
		maxBacktrack: maxBacktrack,
		logger:       logger,
		onCorrection: cfg.OnCorrection,
		cache:        cache,
		registry:     make(map[uint64][]*event.RiskEvent),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Register adds e to the set of events the monitor watches for
// reorg impact. Only events with a non-nil BlockNumber on this chain
// are meaningful to register. Each tick prunes heights buried deeper
// than MaxReorgDepth, and a detected fork removes the heights it spans.
func (m *Monitor) Register(e *event.RiskEvent) {
	if e.BlockNumber == nil || e.Chain != m.chain {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[*e.BlockNumber] = append(m.registry[*e.BlockNumber], e)
}

// Stats returns a snapshot of the monitor's observability counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Start begins the polling loop at the chain's tuned interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("blockmonitor: already running for chain %s", m.chain)
	}
	m.running = true
	m.mu.Unlock()

	go m.loop(ctx)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.profile.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Printf("tick failed: %v", err)
			}
		}
	}
}

// Tick performs one poll cycle: fetch head, cache it, re-check recent
// heights for mismatches, and on a fork hand affected events to the
// reorg handler. Exported so the orchestrator and tests can drive it
// deterministically.
func (m *Monitor) Tick(ctx context.Context) error {
	head, err := m.rpc.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("blockmonitor: current height: %w", err)
	}

	header, err := m.rpc.BlockAt(ctx, head)
	if err != nil {
		return fmt.Errorf("blockmonitor: head header: %w", err)
	}

	m.mu.Lock()
	m.cache.Add(head, header)
	m.stats.Polls++
	m.stats.LastPoll = time.Now()
	m.pruneRegistry(head)
	m.mu.Unlock()

	return m.checkForForks(ctx, head)
}

// pruneRegistry drops registered events buried deeper than the chain's
// maximum reorg depth; they can no longer be affected by a fork, and
// keeping them would grow the registry without bound. Caller holds mu.
func (m *Monitor) pruneRegistry(head uint64) {
	depth := m.profile.MaxReorgDepth
	if depth == 0 || head <= depth {
		return
	}
	horizon := head - depth
	for h := range m.registry {
		if h < horizon {
			delete(m.registry, h)
		}
	}
}

func (m *Monitor) checkForForks(ctx context.Context, head uint64) error {
	heights := m.recentCachedHeightsBelow(head, m.checkDepth)

	for _, h := range heights {
		mismatched, err := m.isMismatched(ctx, h)
		if err != nil {
			m.logger.Printf("recheck at height %d failed: %v", h, err)
			continue
		}
		if mismatched {
			return m.handleFork(ctx, h, head)
		}
	}
	return nil
}

// recentCachedHeightsBelow returns up to limit cached heights strictly
// below head, nearest-to-head first.
func (m *Monitor) recentCachedHeightsBelow(head uint64, limit int) []uint64 {
	m.mu.RLock()
	keys := m.cache.Keys()
	m.mu.RUnlock()

	var below []uint64
	for _, k := range keys {
		h := k.(uint64)
		if h < head {
			below = append(below, h)
		}
	}
	// Keys() is ordered oldest to newest; we want the heights nearest
	// head first, capped at limit.
	if len(below) > limit {
		below = below[len(below)-limit:]
	}
	for i, j := 0, len(below)-1; i < j; i, j = i+1, j-1 {
		below[i], below[j] = below[j], below[i]
	}
	return below
}

func (m *Monitor) isMismatched(ctx context.Context, height uint64) (bool, error) {
	m.mu.RLock()
	cached, ok := m.cache.Get(height)
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	cachedHeader := cached.(chainrpc.BlockHeader)

	live, err := m.rpc.BlockAt(ctx, height)
	if err != nil {
		if errors.Is(err, chainrpc.ErrBlockNotFound) {
			return true, nil
		}
		return false, err
	}
	return live.Hash != cachedHeader.Hash, nil
}

// handleFork backtracks from the mismatch height toward the tail of the
// cache to find the common ancestor, then hands the affected events to
// the reorg handler.
func (m *Monitor) handleFork(ctx context.Context, detectedHeight, head uint64) error {
	forkPoint, err := m.findCommonAncestor(ctx, detectedHeight)
	if err != nil {
		return fmt.Errorf("blockmonitor: common ancestor search: %w", err)
	}

	affectedRange := make([]uint64, 0, detectedHeight-forkPoint)
	for h := forkPoint + 1; h <= detectedHeight; h++ {
		affectedRange = append(affectedRange, h)
	}

	m.mu.Lock()
	var affected []*event.RiskEvent
	for _, h := range affectedRange {
		affected = append(affected, m.registry[h]...)
		delete(m.registry, h)
		m.cache.Remove(h)
	}
	m.stats.ReorgsDetected++
	m.stats.LastReorg = time.Now()
	m.mu.Unlock()

	if len(affected) == 0 {
		return nil
	}

	var replacements []*event.RiskEvent
	if m.replace != nil {
		replacements, err = m.replace.EventsAt(ctx, m.chain, affectedRange)
		if err != nil {
			m.logger.Printf("replacement fetch failed: %v", err)
		}
	}

	corrections, err := m.reorg.HandleReorg(ctx, m.chain, affected, replacements)
	if err != nil {
		return fmt.Errorf("blockmonitor: reorg handler: %w", err)
	}
	if len(corrections) > 0 && m.onCorrection != nil {
		m.onCorrection(corrections)
	}
	return nil
}

// findCommonAncestor backtracks from detectedHeight toward the tail of
// the cache until a height whose cached hash still matches the live
// hash, or until maxBacktrack blocks back, whichever comes first.
func (m *Monitor) findCommonAncestor(ctx context.Context, detectedHeight uint64) (uint64, error) {
	for i := 1; i <= m.maxBacktrack; i++ {
		if int(detectedHeight) < i {
			return 0, nil
		}
		h := detectedHeight - uint64(i)
		mismatched, err := m.isMismatched(ctx, h)
		if err != nil {
			return 0, err
		}
		if !mismatched {
			return h, nil
		}
	}
	if int(detectedHeight) < m.maxBacktrack {
		return 0, nil
	}
	return detectedHeight - uint64(m.maxBacktrack), nil
}
