// Copyright 2025 Certen Protocol

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/config"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
	"github.com/certen/stablecoin-risk-engine/pkg/source"
)

func testConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	cfg.Coins = []string{"USDC"}
	cfg.Chains = []string{"ethereum"}
	return cfg
}

func fp(v float64) *float64 { return &v }

func TestNew_WiresOneManagerPerCoin(t *testing.T) {
	cfg := testConfig()
	cfg.Coins = []string{"USDC", "USDT"}

	o, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.sink.Close()

	if _, ok := o.Window("USDC"); !ok {
		t.Fatal("expected a window manager for USDC")
	}
	if _, ok := o.Window("USDT"); !ok {
		t.Fatal("expected a window manager for USDT")
	}
}

func TestNew_SkipsBlockMonitorWithoutRPC(t *testing.T) {
	cfg := testConfig()
	cfg.Chains = []string{"ethereum", "solana"}

	o, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.sink.Close()

	if len(o.monitors) != 0 {
		t.Fatalf("expected no block monitors without configured RPC endpoints, got %d", len(o.monitors))
	}
}

// writeFastProfile writes a chain profile YAML with second-granularity
// thresholds small enough to finalize an off-chain event within a test
// deadline, and returns its path.
func writeFastProfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	yaml := `
chains:
  - name: ethereum
    block_time_ms: 50
    c1: 1
    c2: 2
    c3: 3
    t1_seconds: 1
    t2_seconds: 2
    t3_seconds: 3
    max_reorg_depth: 10
    reorg_probability: 0.01
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write profile yaml: %v", err)
	}
	return path
}

func TestStartStop_PollsSourceIntoFinalSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.ChainProfilesPath = writeFastProfile(t)
	cfg.Window.WindowSize = 200 * time.Millisecond
	cfg.Window.ProvisionalDelay = 50 * time.Millisecond
	cfg.Window.FinalizationDelay = 50 * time.Millisecond
	cfg.Window.TickInterval = 20 * time.Millisecond

	mem := source.NewMemory("test-feed")
	mem.Seed("USDC", "ethereum",
		&event.RiskEvent{EventID: "e1", Coin: "USDC", Chain: "ethereum", Source: "test-feed", Timestamp: time.Now(), Price: fp(1.0)},
	)

	o, err := New(cfg, []source.Source{mem})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		mgr, _ := o.Window("USDC")
		for _, id := range mgr.LiveWindowIDs() {
			if w, ok := mgr.Window(id); ok && w.State == event.WindowFinal {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected a FINAL window for USDC within the deadline")
}
