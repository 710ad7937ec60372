// Copyright 2025 Certen Protocol
//
// Chain-RPC contract consumed by the finality tracker and block
// monitor. Implementations for Ethereum/Arbitrum use an EVM JSON-RPC
// dialect; Solana would use its slot/block dialect. The core depends
// only on this interface, never on wire format.

package chainrpc

import (
	"context"
	"errors"
	"time"
)

// ErrBlockNotFound is returned by BlockAt when the requested height has
// no corresponding canonical block (e.g. it was reorged away).
var ErrBlockNotFound = errors.New("chainrpc: block not found")

// BlockHeader is the minimal per-block data the block monitor needs to
// detect forks and the finality tracker needs to compute confirmations.
type BlockHeader struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
}

// ChainRPC is the capability contract for one chain's RPC transport.
// Retries and failover for transient errors are the transport's
// responsibility; a ChainRPC method
// returning an error here means the transport exhausted its retries.
type ChainRPC interface {
	// CurrentHeight returns the chain's current head height.
	CurrentHeight(ctx context.Context) (uint64, error)

	// BlockAt returns the header at height, or ErrBlockNotFound if no
	// canonical block exists there.
	BlockAt(ctx context.Context, height uint64) (BlockHeader, error)
}
