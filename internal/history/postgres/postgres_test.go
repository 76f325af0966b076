package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/dztiler/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	runID := uuid.NewString()
	status := history.Event{
		ID:         uuid.NewString(),
		Type:       history.EventStatus,
		Dataset:    "moon",
		RunID:      runID,
		From:       "pending",
		To:         "processing",
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, status); err != nil {
		t.Fatalf("Failed to send status event: %v", err)
	}

	stage := history.Event{
		ID:         uuid.NewString(),
		Type:       history.EventStage,
		Dataset:    "moon",
		RunID:      runID,
		Stage:      "tile",
		DurationMS: 4200,
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, stage); err != nil {
		t.Fatalf("Failed to send stage event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dataset_history WHERE dataset = $1", "moon").Scan(&count); err != nil {
		t.Fatalf("Failed to query dataset_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
