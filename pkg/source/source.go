// Copyright 2025 Certen Protocol
//
// Data-source contract (consumed only). Concrete price feeds, DEX
// subgraphs, sentiment APIs and historical backfill collectors are
// explicit Non-goals; this package specifies only the shape the rest
// of the pipeline depends on, plus an in-memory fake for tests and
// local runs.

package source

import (
	"context"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
	"github.com/certen/stablecoin-risk-engine/pkg/quality"
)

// Source is a named producer that, on request for (coin, chain),
// yields zero or one RiskEvent. A returned event carries the required
// identity/provenance fields and at least one payload field, but no
// finality fields — those are filled in later by the finality tracker.
type Source interface {
	Name() string
	Fetch(ctx context.Context, coin, chain string) (*event.RiskEvent, bool, error)
}

// Batched is implemented by sources that can yield many events for one
// request cycle instead of one.
type Batched interface {
	Source
	FetchBatch(ctx context.Context, coin, chain string) ([]*event.RiskEvent, error)
}

// Memory is an in-memory Source fake for tests and local demo runs: it
// replays a fixed queue of events per (coin, chain) key.
type Memory struct {
	name  string
	queue map[string][]*event.RiskEvent
}

// NewMemory constructs a Memory source with the given name.
func NewMemory(name string) *Memory {
	return &Memory{name: name, queue: make(map[string][]*event.RiskEvent)}
}

// Name implements Source.
func (m *Memory) Name() string { return m.name }

// Seed appends events to the queue for (coin, chain), consumed
// first-in-first-out by Fetch.
func (m *Memory) Seed(coin, chain string, events ...*event.RiskEvent) {
	key := coin + "|" + chain
	m.queue[key] = append(m.queue[key], events...)
}

// Fetch implements Source: pops the next queued event for (coin,
// chain), if any.
func (m *Memory) Fetch(_ context.Context, coin, chain string) (*event.RiskEvent, bool, error) {
	key := coin + "|" + chain
	q := m.queue[key]
	if len(q) == 0 {
		return nil, false, nil
	}
	next := q[0]
	m.queue[key] = q[1:]
	return next, true, nil
}

// FetchBatch implements Batched: drains every queued event for (coin,
// chain) in one call.
func (m *Memory) FetchBatch(_ context.Context, coin, chain string) ([]*event.RiskEvent, error) {
	key := coin + "|" + chain
	q := m.queue[key]
	m.queue[key] = nil
	return q, nil
}

// Poller drives a set of sources through the quality pipeline's
// circuit breaker, satisfying the "backpressure/circuit breaker
// companion facility used by source collaborators".
type Poller struct {
	sources []Source
	cb      *quality.CircuitBreaker
}

// NewPoller constructs a Poller guarding every call to sources through
// cb.
func NewPoller(sources []Source, cb *quality.CircuitBreaker) *Poller {
	return &Poller{sources: sources, cb: cb}
}

// PollAll calls Fetch on every configured source for (coin, chain),
// routed through the circuit breaker so a persistently failing source
// stops being hammered. Sources with an open circuit are skipped
// rather than erroring the whole poll.
func (p *Poller) PollAll(ctx context.Context, coin, chain string) ([]*event.RiskEvent, error) {
	var collected []*event.RiskEvent
	for _, src := range p.sources {
		var result *event.RiskEvent
		err := p.cb.Call(ctx, src.Name(), func(ctx context.Context) error {
			e, ok, fetchErr := src.Fetch(ctx, coin, chain)
			if fetchErr != nil {
				return fetchErr
			}
			if ok {
				result = e
			}
			return nil
		})
		if err == quality.ErrCircuitOpen {
			continue
		}
		if err != nil {
			continue
		}
		if result != nil {
			collected = append(collected, result)
		}
	}
	return collected, nil
}
