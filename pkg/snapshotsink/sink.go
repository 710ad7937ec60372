// Copyright 2025 Certen Protocol
//
// Snapshot Sink - emits AggregatedRiskSnapshots as canonical
// line-delimited JSON and, when enabled, mirrors each snapshot to a
// Firestore document.

package snapshotsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// Config configures a Sink.
type Config struct {
	// Writer receives the line-delimited JSON stream. Required.
	Writer io.Writer

	// FirestoreEnabled mirrors every emitted snapshot to Firestore when
	// true. All other Firestore fields are ignored when false.
	FirestoreEnabled   bool
	FirestoreProjectID string
	CredentialsFile    string
	Collection         string

	Logger *log.Logger
}

// DefaultConfig reads Firestore mirroring settings from the environment.
func DefaultConfig(w io.Writer) Config {
	return Config{
		Writer:             w,
		FirestoreEnabled:   getEnvBool("FIRESTORE_ENABLED", false),
		FirestoreProjectID: os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile:    os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Collection:         "riskSnapshots",
		Logger:             log.New(os.Stdout, "[SnapshotSink] ", log.LstdFlags),
	}
}

// Sink writes AggregatedRiskSnapshots to a line-delimited JSON stream
// and, optionally, to Firestore.
type Sink struct {
	cfg Config

	mu sync.Mutex
	w  io.Writer

	firestore  *gcpfirestore.Client
	collection string
}

// New constructs a Sink. If cfg.FirestoreEnabled, it initializes a
// Firestore client; failures there are returned rather than silently
// swallowed, since an operator who asked for durable mirroring should
// know immediately if credentials are wrong.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("snapshotsink: Writer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[SnapshotSink] ", log.LstdFlags)
	}
	if cfg.Collection == "" {
		cfg.Collection = "riskSnapshots"
	}

	s := &Sink{cfg: cfg, w: cfg.Writer, collection: cfg.Collection}

	if !cfg.FirestoreEnabled {
		cfg.Logger.Println("Firestore mirroring is DISABLED - writing line-delimited JSON only")
		return s, nil
	}
	if cfg.FirestoreProjectID == "" {
		return nil, fmt.Errorf("snapshotsink: FIREBASE_PROJECT_ID is required when Firestore mirroring is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirestoreProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshotsink: initialize Firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotsink: create Firestore client: %w", err)
	}
	s.firestore = client
	cfg.Logger.Printf("Firestore mirroring enabled for project %s, collection %s", cfg.FirestoreProjectID, cfg.Collection)
	return s, nil
}

// Emit writes snapshot as one line of JSON and, if enabled, mirrors it
// to Firestore keyed by snapshot_id.
func (s *Sink) Emit(ctx context.Context, snapshot *event.AggregatedRiskSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("snapshotsink: marshal snapshot %s: %w", snapshot.SnapshotID, err)
	}

	s.mu.Lock()
	_, writeErr := s.w.Write(append(raw, '\n'))
	s.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("snapshotsink: write snapshot %s: %w", snapshot.SnapshotID, writeErr)
	}

	if s.firestore == nil {
		return nil
	}

	docPath := fmt.Sprintf("%s/%s", s.collection, snapshot.SnapshotID)
	if _, err := s.firestore.Doc(docPath).Set(ctx, snapshot); err != nil {
		s.cfg.Logger.Printf("Firestore mirror failed for snapshot %s: %v", snapshot.SnapshotID, err)
		return fmt.Errorf("snapshotsink: firestore set %s: %w", snapshot.SnapshotID, err)
	}
	return nil
}

// Close releases the Firestore client, if one was created.
func (s *Sink) Close() error {
	if s.firestore == nil {
		return nil
	}
	return s.firestore.Close()
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1" || val == "yes"
}
