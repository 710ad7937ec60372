// Copyright 2025 Certen Protocol
//
// MemoryChainRPC is an in-memory ChainRPC used by tests across the
// finality, block monitor and reorg packages to simulate a chain head
// advancing and reorganizing without a live RPC endpoint.

package chainrpc

import (
	"context"
	"fmt"
	"sync"
)

// MemoryChainRPC is a deterministic, mutation-friendly ChainRPC.
type MemoryChainRPC struct {
	mu      sync.RWMutex
	height  uint64
	headers map[uint64]BlockHeader
}

// NewMemoryChainRPC creates an empty chain at height 0.
func NewMemoryChainRPC() *MemoryChainRPC {
	return &MemoryChainRPC{headers: make(map[uint64]BlockHeader)}
}

// SetHead advances the simulated chain to height with the given header,
// overwriting any existing header at that height (used to simulate a
// reorg replacing a block).
func (m *MemoryChainRPC) SetHead(height uint64, header BlockHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[height] = header
	if height > m.height {
		m.height = height
	}
}

// Reorg replaces the canonical header at height and truncates any
// heights above it, the way a real chain reorg discards descendants of
// the replaced block.
func (m *MemoryChainRPC) Reorg(height uint64, replacement BlockHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h := range m.headers {
		if h > height {
			delete(m.headers, h)
		}
	}
	m.headers[height] = replacement
	if height > m.height || m.height > height {
		m.height = height
	}
}

// CurrentHeight implements ChainRPC.
func (m *MemoryChainRPC) CurrentHeight(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height, nil
}

// BlockAt implements ChainRPC.
func (m *MemoryChainRPC) BlockAt(_ context.Context, height uint64) (BlockHeader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.headers[height]
	if !ok {
		return BlockHeader{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return h, nil
}
