// Copyright 2025 Certen Protocol
//
// Failover ChainRPC - tries a primary transport first and falls back
// through the configured alternates on transport failure.

package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Failover is a ChainRPC that delegates to an ordered list of
// transports, returning the first successful answer. ErrBlockNotFound
// is a definitive answer about the canonical chain, not a transport
// failure, so it is returned immediately rather than retried against
// a fallback.
type Failover struct {
	clients []ChainRPC
	logger  *log.Logger
}

// NewFailover constructs a Failover over clients, primary first.
func NewFailover(clients []ChainRPC, logger *log.Logger) (*Failover, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("chainrpc: failover needs at least one transport")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ChainRPC] ", log.LstdFlags)
	}
	return &Failover{clients: clients, logger: logger}, nil
}

// CurrentHeight implements ChainRPC.
func (f *Failover) CurrentHeight(ctx context.Context) (uint64, error) {
	var lastErr error
	for i, c := range f.clients {
		height, err := c.CurrentHeight(ctx)
		if err == nil {
			return height, nil
		}
		lastErr = err
		if i < len(f.clients)-1 {
			f.logger.Printf("current height via endpoint %d failed, trying fallback: %v", i, err)
		}
	}
	return 0, fmt.Errorf("chainrpc: all endpoints failed: %w", lastErr)
}

// BlockAt implements ChainRPC.
func (f *Failover) BlockAt(ctx context.Context, height uint64) (BlockHeader, error) {
	var lastErr error
	for i, c := range f.clients {
		header, err := c.BlockAt(ctx, height)
		if err == nil {
			return header, nil
		}
		if errors.Is(err, ErrBlockNotFound) {
			return BlockHeader{}, err
		}
		lastErr = err
		if i < len(f.clients)-1 {
			f.logger.Printf("block %d via endpoint %d failed, trying fallback: %v", height, i, err)
		}
	}
	return BlockHeader{}, fmt.Errorf("chainrpc: all endpoints failed: %w", lastErr)
}
