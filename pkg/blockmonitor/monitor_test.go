// Copyright 2025 Certen Protocol

package blockmonitor

import (
	"context"
	"fmt"
	"testing"

	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/chainrpc"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

type fakeReorgHandler struct {
	calls []call
}

type call struct {
	chain        string
	affected     []*event.RiskEvent
	replacements []*event.RiskEvent
}

func (f *fakeReorgHandler) HandleReorg(ctx context.Context, chain string, affected []*event.RiskEvent, replacements []*event.RiskEvent) ([]*event.RiskEvent, error) {
	f.calls = append(f.calls, call{chain: chain, affected: affected, replacements: replacements})
	return nil, nil
}

func header(n uint64, hash string) chainrpc.BlockHeader {
	return chainrpc.BlockHeader{Number: n, Hash: hash}
}

func TestMonitor_DetectsForkAndNotifiesHandler(t *testing.T) {
	rpc := chainrpc.NewMemoryChainRPC()
	for i := uint64(1); i <= 10; i++ {
		rpc.SetHead(i, header(i, "hash-original"))
	}

	handler := &fakeReorgHandler{}
	mon, err := New(Config{
		Chain:   "ethereum",
		Profile: chainprofile.DefaultProfiles()[0],
		RPC:     rpc,
		Reorg:   handler,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	block := uint64(5)
	e := &event.RiskEvent{Chain: "ethereum", BlockNumber: &block}
	mon.Register(e)

	// First tick observes the chain at height 10 and caches it.
	if err := mon.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Manually seed the cache with the heights we want re-checked, since
	// a single real tick only caches the head.
	for i := uint64(1); i <= 10; i++ {
		h, _ := rpc.BlockAt(context.Background(), i)
		mon.cache.Add(i, h)
	}

	// Now reorg block 5 onward.
	rpc.Reorg(5, header(5, "hash-fork"))
	for i := uint64(6); i <= 10; i++ {
		rpc.SetHead(i, header(i, fmt.Sprintf("hash-fork-%d", i)))
	}

	if err := mon.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(handler.calls) != 1 {
		t.Fatalf("expected reorg handler invoked once, got %d", len(handler.calls))
	}
	if handler.calls[0].chain != "ethereum" {
		t.Fatalf("expected chain ethereum, got %s", handler.calls[0].chain)
	}
	found := false
	for _, a := range handler.calls[0].affected {
		if a == e {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected registered event at block 5 to be reported as affected")
	}

	stats := mon.Stats()
	if stats.ReorgsDetected != 1 {
		t.Fatalf("expected 1 reorg detected, got %d", stats.ReorgsDetected)
	}
}

func TestMonitor_NoForkNoNotification(t *testing.T) {
	rpc := chainrpc.NewMemoryChainRPC()
	for i := uint64(1); i <= 5; i++ {
		rpc.SetHead(i, header(i, "hash-stable"))
	}
	handler := &fakeReorgHandler{}
	mon, err := New(Config{
		Chain:   "ethereum",
		Profile: chainprofile.DefaultProfiles()[0],
		RPC:     rpc,
		Reorg:   handler,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := mon.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if len(handler.calls) != 0 {
		t.Fatalf("expected no reorg calls on a stable chain, got %d", len(handler.calls))
	}
}
