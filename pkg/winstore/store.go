// Copyright 2025 Certen Protocol
//
// Window Store - persists FINAL windows and their snapshots so they
// survive a process restart.
//
// A thin wrapper over CometBFT's dbm.DB keyed by window_id.

package winstore

import (
	"context"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// Store is a cometbft-db backed KV store keyed by window_id.
type Store struct {
	db dbm.DB
}

// Open opens (creating if absent) a GoLevelDB-backed store at dir.
func Open(dir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB("window-store", dir)
	if err != nil {
		return nil, fmt.Errorf("winstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

// record is the on-disk shape for one FINAL window.
type record struct {
	WindowID    string                        `json:"window_id"`
	WindowStart int64                         `json:"window_start"`
	WindowEnd   int64                         `json:"window_end"`
	FinalAt     int64                         `json:"final_at"`
	EventIDs    []string                      `json:"event_ids"`
	Snapshot    *event.AggregatedRiskSnapshot `json:"snapshot"`
}

// SaveFinal implements window.Store: persists w's snapshot and
// membership keyed by window_id.
func (s *Store) SaveFinal(_ context.Context, w *event.TimeWindow) error {
	eventIDs := make([]string, 0, len(w.Events))
	for _, e := range w.Events {
		eventIDs = append(eventIDs, e.EventID)
	}
	rec := record{
		WindowID:    w.WindowID,
		WindowStart: w.WindowStart.Unix(),
		WindowEnd:   w.WindowEnd.Unix(),
		FinalAt:     w.FinalAt.Unix(),
		EventIDs:    eventIDs,
		Snapshot:    w.Snapshot,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("winstore: marshal %s: %w", w.WindowID, err)
	}
	if err := s.db.SetSync([]byte(w.WindowID), raw); err != nil {
		return fmt.Errorf("winstore: set %s: %w", w.WindowID, err)
	}
	return nil
}

// LoadFinal retrieves a previously persisted FINAL window's snapshot
// by window_id, for retention-aware restarts (e.g. a janitor that
// needs to know a window's final_at before evicting it from memory).
func (s *Store) LoadFinal(windowID string) (*event.AggregatedRiskSnapshot, bool, error) {
	raw, err := s.db.Get([]byte(windowID))
	if err != nil {
		return nil, false, fmt.Errorf("winstore: get %s: %w", windowID, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("winstore: unmarshal %s: %w", windowID, err)
	}
	return rec.Snapshot, true, nil
}

// Delete removes a window's persisted record. The window janitor
// evicts windows from memory only and does not call Delete.
func (s *Store) Delete(windowID string) error {
	if err := s.db.DeleteSync([]byte(windowID)); err != nil {
		return fmt.Errorf("winstore: delete %s: %w", windowID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
