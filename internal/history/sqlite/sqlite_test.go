package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/dztiler/internal/history"
)

func event(dataset string, typ history.EventType) history.Event {
	return history.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Dataset:    dataset,
		RunID:      uuid.NewString(),
		OccurredAt: time.Now().UTC(),
	}
}

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()

	status := event("moon", history.EventStatus)
	status.From, status.To = "pending", "processing"
	if err := sink.Send(ctx, status); err != nil {
		t.Fatalf("Failed to send status event: %v", err)
	}

	stage := event("moon", history.EventStage)
	stage.Stage = "convert"
	stage.DurationMS = 1200
	stage.Error = "vips: exit status 1"
	if err := sink.Send(ctx, stage); err != nil {
		t.Fatalf("Failed to send stage event: %v", err)
	}

	n, err := sink.Count(ctx, "moon")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, event("mars", history.EventStatus)); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	n, err := sink.Count(ctx, "mars")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 event, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_DuplicateIDRejected(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sink.Close() }()

	e := event("moon", history.EventStatus)
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(context.Background(), e); err == nil {
		t.Fatal("expected primary key violation for repeated event id")
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Send(ctx, event("moon", history.EventStatus)); err != nil {
		t.Logf("Expected error with cancelled context: %v", err)
	}
}

func TestNewEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
