// Copyright 2025 Certen Protocol
//
// Window Manager - routes events into fixed wall-clock-aligned time
// windows and drives each through OPEN -> PROVISIONAL -> FINAL.
//
// A ticker drives state checks and janitor eviction. A window that
// cannot finalize stays waiting and logs a warning per tick; it is
// never force-finalized.

package window

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/aggregator"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// FinalityRefresher refreshes a single event's finality tier in place.
// Satisfied by *finality.Tracker; declared narrowly here so this
// package never imports pkg/chainrpc transitively.
type FinalityRefresher interface {
	Refresh(ctx context.Context, e *event.RiskEvent) error
}

// Store persists FINAL windows/snapshots durably. Satisfied by
// pkg/winstore; optional — a nil Store means FINAL windows live only
// in memory until the janitor evicts them.
type Store interface {
	SaveFinal(ctx context.Context, w *event.TimeWindow) error
}

// Metrics receives window lifecycle observations. Satisfied by
// pkg/metrics; optional.
type Metrics interface {
	ObserveWindowState(windowID string, state event.WindowState)
	ObserveWindowAge(windowID string, age time.Duration)
	ObserveSnapshotEmitted(coin string)
}

// CoinResolver resolves a coin symbol's depeg threshold from an
// event's coin field, so the manager can hand the aggregator a
// CoinConfig without hardcoding the coin catalog.
type CoinResolver interface {
	Resolve(coin string) aggregator.CoinConfig
}

// StaticCoinResolver is a fixed-table CoinResolver, the common case
// when the coin catalog is loaded once at startup.
type StaticCoinResolver map[string]float64

// Resolve implements CoinResolver.
func (s StaticCoinResolver) Resolve(coin string) aggregator.CoinConfig {
	threshold, ok := s[coin]
	if !ok {
		threshold = 0.02
	}
	return aggregator.CoinConfig{Symbol: coin, DepegThreshold: threshold}
}

// Config configures a Manager.
type Config struct {
	WindowSize         time.Duration
	ProvisionalDelay   time.Duration
	FinalizationDelay  time.Duration
	MaxEventsPerWindow int
	TickInterval       time.Duration
	Retention          time.Duration
	RefreshConcurrency int

	Aggregator *aggregator.Aggregator
	Refresher  FinalityRefresher
	Coins      CoinResolver
	Store      Store   // optional
	Metrics    Metrics // optional
	Logger     *log.Logger
	Clock      func() time.Time
}

// DefaultConfig returns the stock window tunables.
func DefaultConfig() Config {
	return Config{
		WindowSize:         300 * time.Second,
		ProvisionalDelay:   60 * time.Second,
		FinalizationDelay:  900 * time.Second,
		MaxEventsPerWindow: 10000,
		TickInterval:       10 * time.Second,
		Retention:          24 * time.Hour,
		RefreshConcurrency: 8,
	}
}

// Manager owns the live set of TimeWindows for one coin's event stream.
type Manager struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	windows map[string]*event.TimeWindow
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Manager, filling unset Config fields from
// DefaultConfig.
func New(cfg Config) (*Manager, error) {
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("window: Aggregator is required")
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("window: FinalityRefresher is required")
	}
	if cfg.Coins == nil {
		return nil, fmt.Errorf("window: CoinResolver is required")
	}

	defaults := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.ProvisionalDelay <= 0 {
		cfg.ProvisionalDelay = defaults.ProvisionalDelay
	}
	if cfg.FinalizationDelay <= 0 {
		cfg.FinalizationDelay = defaults.FinalizationDelay
	}
	if cfg.MaxEventsPerWindow <= 0 {
		cfg.MaxEventsPerWindow = defaults.MaxEventsPerWindow
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = defaults.RefreshConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[WindowManager] ", log.LstdFlags)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{
		cfg:     cfg,
		now:     cfg.Clock,
		windows: make(map[string]*event.TimeWindow),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// windowBounds computes the aligned [start, end) bucket containing t.
func (m *Manager) windowBounds(t time.Time) (id string, start, end time.Time) {
	size := m.cfg.WindowSize
	floored := t.Truncate(size)
	// time.Truncate rounds down relative to the zero Time; for any W that
	// divides a day this matches "floor(t/W)*W" on Unix time.
	start = floored
	end = start.Add(size)
	id = start.UTC().Format(time.RFC3339)
	return id, start, end
}

// AddEvent computes the owning window, attaches window_id/state/start/
// end to e, and appends it if the window is OPEN. A late arrival
// (window already PROVISIONAL or FINAL) is logged and dropped — a
// StateViolation, not an error.
func (m *Manager) AddEvent(e *event.RiskEvent) error {
	id, start, end := m.windowBounds(e.Timestamp)

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		w = &event.TimeWindow{
			WindowID:    id,
			WindowStart: start,
			WindowEnd:   end,
			State:       event.WindowOpen,
			OpenedAt:    m.now(),
		}
		m.windows[id] = w
	}

	if w.State != event.WindowOpen {
		m.cfg.Logger.Printf("dropping late arrival for window %s (state=%s): event %s", id, w.State, e.EventID)
		return nil
	}

	if len(w.Events) >= m.cfg.MaxEventsPerWindow {
		m.cfg.Logger.Printf("window %s at capacity (%d events): dropping event %s", id, m.cfg.MaxEventsPerWindow, e.EventID)
		return nil
	}

	e.WindowID = w.WindowID
	e.WindowState = w.State
	e.WindowStart = w.WindowStart
	e.WindowEnd = w.WindowEnd
	w.Events = append(w.Events, e)
	return nil
}

// Start begins the periodic scheduler tick.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("window: scheduler already running")
	}
	m.running = true
	m.mu.Unlock()

	go m.loop(ctx)
	return nil
}

// Stop halts the scheduler and waits for the loop to exit.
func (m *Manager) Stop() {
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

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.cfg.Logger.Printf("tick failed: %v", err)
			}
			m.janitor()
		}
	}
}

// Tick iterates live windows, tries OPEN->PROVISIONAL, refreshes
// finality for PROVISIONAL windows, and tries PROVISIONAL->FINAL
// .
func (m *Manager) Tick(ctx context.Context) error {
	now := m.now()

	m.mu.RLock()
	live := make([]*event.TimeWindow, 0, len(m.windows))
	for _, w := range m.windows {
		live = append(live, w)
	}
	m.mu.RUnlock()

	for _, w := range live {
		m.tryOpenToProvisional(w, now)

		if w.State != event.WindowProvisional {
			continue
		}

		m.refreshWindowEvents(ctx, w)
		m.tryProvisionalToFinal(ctx, w, now)

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ObserveWindowAge(w.WindowID, now.Sub(w.WindowEnd))
		}
	}
	return nil
}

func (m *Manager) tryOpenToProvisional(w *event.TimeWindow, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.State != event.WindowOpen {
		return
	}
	if now.Before(w.WindowEnd.Add(m.cfg.ProvisionalDelay)) {
		return
	}
	w.State = event.WindowProvisional
	w.ProvisionalAt = now
	for _, e := range w.Events {
		e.WindowState = event.WindowProvisional
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObserveWindowState(w.WindowID, event.WindowProvisional)
	}
}

// refreshWindowEvents refreshes finality for every not-yet-final event
// in w, bounded by RefreshConcurrency.
func (m *Manager) refreshWindowEvents(ctx context.Context, w *event.TimeWindow) {
	m.mu.RLock()
	pending := make([]*event.RiskEvent, 0, len(w.Events))
	for _, e := range w.Events {
		if !e.IsFinalized && !e.Invalidated {
			pending = append(pending, e)
		}
	}
	m.mu.RUnlock()

	sem := make(chan struct{}, m.cfg.RefreshConcurrency)
	var wg sync.WaitGroup
	for _, e := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(e *event.RiskEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.cfg.Refresher.Refresh(ctx, e); err != nil {
				m.cfg.Logger.Printf("finality refresh failed for event %s: %v", e.EventID, err)
			}
		}(e)
	}
	wg.Wait()
}

// tryProvisionalToFinal finalizes w once every event is finalized or
// invalidated and the aggregator's cross-chain readiness predicate
// holds: now has passed windowEnd plus the grace period of the slowest
// contributing chain, and every non-invalidated event has reached at
// least TIER2. It never force-finalizes; FinalizationDelay only sets
// when the "still waiting" warning starts, after which it is logged on
// every tick the window is not yet ready.
func (m *Manager) tryProvisionalToFinal(ctx context.Context, w *event.TimeWindow, now time.Time) {
	m.mu.RLock()
	events := make([]*event.RiskEvent, len(w.Events))
	copy(events, w.Events)
	m.mu.RUnlock()

	byChain := aggregator.GroupByChain(events)
	if allSettled(events) && m.cfg.Aggregator.Ready(byChain, w.WindowEnd, now) {
		m.finalize(ctx, w, now)
		return
	}

	if !now.Before(w.WindowEnd.Add(m.cfg.FinalizationDelay)) {
		m.cfg.Logger.Printf("window %s past finalization deadline but not yet ready (grace period, TIER2 floor, or unfinalized events); extending grace", w.WindowID)
	}
}

// allSettled reports whether every event in the window is either
// finalized or invalidated, the precondition for PROVISIONAL -> FINAL.
func allSettled(events []*event.RiskEvent) bool {
	for _, e := range events {
		if !e.IsFinalized && !e.Invalidated {
			return false
		}
	}
	return true
}

func (m *Manager) finalize(ctx context.Context, w *event.TimeWindow, now time.Time) {
	m.mu.Lock()
	if w.State != event.WindowProvisional {
		m.mu.Unlock()
		return
	}
	events := make([]*event.RiskEvent, len(w.Events))
	copy(events, w.Events)
	coin := ""
	if len(events) > 0 {
		coin = events[0].Coin
	}
	m.mu.Unlock()

	byChain := aggregator.GroupByChain(events)
	coinCfg := m.cfg.Coins.Resolve(coin)
	snapshot, divergence := m.cfg.Aggregator.Aggregate(coinCfg, w.WindowID, byChain, now)
	_ = divergence // first-class signal; surfaced via logging below, never blocks emission

	m.mu.Lock()
	w.State = event.WindowFinal
	w.FinalAt = now
	w.Snapshot = snapshot
	for _, e := range w.Events {
		e.WindowState = event.WindowFinal
	}
	m.mu.Unlock()

	if len(divergence.Pairs) > 0 {
		m.cfg.Logger.Printf("window %s: cross-chain divergence detected: %d pairs", w.WindowID, len(divergence.Pairs))
	}
	m.cfg.Logger.Printf("window %s finalized: %s", w.WindowID, aggregator.Describe(snapshot))

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObserveWindowState(w.WindowID, event.WindowFinal)
		m.cfg.Metrics.ObserveSnapshotEmitted(snapshot.Coin)
	}
	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveFinal(ctx, w); err != nil {
			m.cfg.Logger.Printf("window %s: persisting FINAL snapshot failed: %v", w.WindowID, err)
		}
	}
}

// janitor removes FINAL windows older than the retention horizon
// , bounding memory.
func (m *Manager) janitor() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.windows {
		if w.State == event.WindowFinal && now.Sub(w.FinalAt) > m.cfg.Retention {
			delete(m.windows, id)
		}
	}
}

// Window returns the current state of the window with the given
// windowID, if one exists, for inspection by tests and diagnostics.
func (m *Manager) Window(windowID string) (*event.TimeWindow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[windowID]
	return w, ok
}

// LiveWindowIDs returns the IDs of all windows the manager currently
// tracks, sorted for deterministic iteration in tests and diagnostics.
func (m *Manager) LiveWindowIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.windows))
	for id := range m.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
