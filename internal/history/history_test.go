package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorderStampsAndFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	r := NewRecorder(nil, a)
	r.Add(b)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	r.Record(context.Background(), Event{Type: EventStatus, Dataset: "moon", From: "pending", To: "processing"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	got := a.events[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got.OccurredAt)
	assert.Equal(t, got, b.events[0])
}

func TestRecorderKeepsCallerFields(t *testing.T) {
	a := &memSink{}
	r := NewRecorder(nil, a)
	at := time.Now().UTC()
	r.Record(context.Background(), Event{ID: "fixed", Type: EventStage, Dataset: "moon", Stage: "tile", OccurredAt: at})
	require.Len(t, a.events, 1)
	assert.Equal(t, "fixed", a.events[0].ID)
	assert.Equal(t, at, a.events[0].OccurredAt)
}

func TestRecorderSinkFailureDoesNotStopOthers(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	r := NewRecorder(nil, bad, good)
	r.Record(context.Background(), Event{Type: EventStatus, Dataset: "moon"})
	assert.Len(t, good.events, 1)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Dataset: "x"})
	r.Add(&memSink{})
	assert.Equal(t, 0, r.Len())
	assert.NoError(t, r.Close())
}

func TestRecorderClose(t *testing.T) {
	a := &memSink{}
	r := NewRecorder(nil, a)
	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.Equal(t, 0, r.Len())
}
