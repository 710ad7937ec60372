// Copyright 2025 Certen Protocol
//
// EVM Chain RPC adapter
// Wraps go-ethereum's ethclient.Client to satisfy the ChainRPC contract
// for Ethereum/Arbitrum style chains.
//
// A thin client wrapper with a bounded per-call timeout, never holding
// a lock across the network call.

package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClientConfig configures an EVM-backed ChainRPC.
type EVMClientConfig struct {
	// Client is an already-dialed ethclient.
	Client *ethclient.Client

	// CallTimeout bounds each RPC call.
	CallTimeout time.Duration
}

// DefaultEVMClientConfig returns sensible defaults.
func DefaultEVMClientConfig(client *ethclient.Client) EVMClientConfig {
	return EVMClientConfig{
		Client:      client,
		CallTimeout: 10 * time.Second,
	}
}

// EVMClient implements ChainRPC against an EVM JSON-RPC endpoint.
type EVMClient struct {
	client      *ethclient.Client
	callTimeout time.Duration
}

// NewEVMClient constructs an EVMClient.
func NewEVMClient(cfg EVMClientConfig) (*EVMClient, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("chainrpc: ethclient.Client is required")
	}
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &EVMClient{client: cfg.Client, callTimeout: timeout}, nil
}

// CurrentHeight implements ChainRPC.
func (c *EVMClient) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	height, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: current height: %w", err)
	}
	return height, nil
}

// BlockAt implements ChainRPC.
func (c *EVMClient) BlockAt(ctx context.Context, height uint64) (BlockHeader, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return BlockHeader{}, ErrBlockNotFound
		}
		return BlockHeader{}, fmt.Errorf("chainrpc: block at %d: %w", height, err)
	}
	if header == nil {
		return BlockHeader{}, ErrBlockNotFound
	}

	return BlockHeader{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}
