package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of dataset event.
type EventType string

const (
	// EventStatus records a dataset status transition.
	EventStatus EventType = "status"
	// EventStage records the outcome of one pipeline stage.
	EventStage EventType = "stage"
)

// Event represents a dataset lifecycle event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Dataset    string    `json:"dataset"`
	RunID      string    `json:"run_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send on one sink.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to every configured sink. Sink failures are
// logged and never propagated to the caller.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder returns a recorder over sinks. A nil logger uses slog.Default.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, logger: logger, now: time.Now}
}

// Add appends a sink.
func (r *Recorder) Add(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Len reports the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Record stamps e with an ID and time when missing and sends it to all sinks.
// A nil recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			r.logger.Warn("history sink send failed", "dataset", e.Dataset, "type", e.Type, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}
