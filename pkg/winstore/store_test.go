// Copyright 2025 Certen Protocol

package winstore

import (
	"context"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	return &Store{db: dbm.NewMemDB()}
}

func TestSaveAndLoadFinal(t *testing.T) {
	s := memStore(t)
	now := time.Now()

	w := &event.TimeWindow{
		WindowID:    "2026-01-01T00:00:00Z",
		WindowStart: now.Add(-300 * time.Second),
		WindowEnd:   now,
		FinalAt:     now,
		Events:      []*event.RiskEvent{{EventID: "e1"}, {EventID: "e2"}},
		Snapshot:    &event.AggregatedRiskSnapshot{Coin: "USDC", WindowID: "2026-01-01T00:00:00Z"},
	}

	if err := s.SaveFinal(context.Background(), w); err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}

	snapshot, ok, err := s.LoadFinal(w.WindowID)
	if err != nil {
		t.Fatalf("LoadFinal: %v", err)
	}
	if !ok {
		t.Fatalf("expected window to be found")
	}
	if snapshot.Coin != "USDC" {
		t.Fatalf("expected coin USDC, got %s", snapshot.Coin)
	}
}

func TestLoadFinal_MissingWindow(t *testing.T) {
	s := memStore(t)
	_, ok, err := s.LoadFinal("does-not-exist")
	if err != nil {
		t.Fatalf("LoadFinal: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a missing window")
	}
}

func TestDelete_RemovesRecord(t *testing.T) {
	s := memStore(t)
	w := &event.TimeWindow{WindowID: "w1", Snapshot: &event.AggregatedRiskSnapshot{Coin: "USDC"}}
	if err := s.SaveFinal(context.Background(), w); err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}
	if err := s.Delete("w1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.LoadFinal("w1")
	if err != nil {
		t.Fatalf("LoadFinal: %v", err)
	}
	if ok {
		t.Fatalf("expected window to be gone after Delete")
	}
}
