// Copyright 2025 Certen Protocol

package snapshotsink

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

func TestEmit_WritesLineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New(context.Background(), Config{Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s1 := &event.AggregatedRiskSnapshot{SnapshotID: "s1", Coin: "USDC"}
	s2 := &event.AggregatedRiskSnapshot{SnapshotID: "s2", Coin: "USDT"}

	if err := sink.Emit(context.Background(), s1); err != nil {
		t.Fatalf("Emit s1: %v", err)
	}
	if err := sink.Emit(context.Background(), s2); err != nil {
		t.Fatalf("Emit s2: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded event.AggregatedRiskSnapshot
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if decoded.SnapshotID != "s1" {
		t.Fatalf("expected first line to be s1, got %s", decoded.SnapshotID)
	}
}

func TestNew_FirestoreDisabledIsNoOp(t *testing.T) {
	var buf bytes.Buffer
	sink, err := New(context.Background(), Config{Writer: &buf, FirestoreEnabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sink.firestore != nil {
		t.Fatalf("expected no Firestore client when disabled")
	}
}

func TestNew_FirestoreEnabledWithoutProjectIDFails(t *testing.T) {
	var buf bytes.Buffer
	_, err := New(context.Background(), Config{Writer: &buf, FirestoreEnabled: true})
	if err == nil {
		t.Fatalf("expected an error when Firestore is enabled without a project ID")
	}
}
