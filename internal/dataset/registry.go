package dataset

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Observer is notified after every accepted status transition.
// It is called outside the registry lock.
type Observer func(name string, from, to Status)

type entry struct {
	status    Status
	logs      *LogRing
	errDetail string
	updatedAt time.Time
}

// Registry is the authoritative in-memory state of every known dataset.
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	logCap    int
	now       func() time.Time
	observers []Observer

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogCapacity overrides the per-dataset log capacity.
func WithLogCapacity(n int) Option { return func(r *Registry) { r.logCap = n } }

// WithClock overrides the clock used for log timestamps.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logCap:  DefaultLogCapacity,
		now:     time.Now,
		subs:    make(map[chan struct{}]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reserve inserts name as pending if it is not known yet.
// It returns false when the name was already present.
func (r *Registry) Reserve(name string) bool {
	return r.insert(name, StatusPending)
}

// Seed inserts name with the given status if absent. Used by startup recovery.
func (r *Registry) Seed(name string, st Status) bool {
	if !st.Valid() {
		return false
	}
	return r.insert(name, st)
}

// Release drops a pending reservation so name can be reserved again. It
// returns false when name is unknown or has already moved past pending.
func (r *Registry) Release(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.status != StatusPending {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, name)
	r.mu.Unlock()
	r.notify()
	return true
}

func (r *Registry) insert(name string, st Status) bool {
	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return false
	}
	r.entries[name] = &entry{status: st, logs: NewLogRing(r.logCap), updatedAt: r.now()}
	r.mu.Unlock()
	r.notify()
	return true
}

// SetStatus moves name to st. Backward, lateral and unknown transitions are
// rejected with ErrIllegalTransition and leave the state unchanged. Setting
// the current status again is a no-op.
func (r *Registry) SetStatus(name string, st Status) error {
	return r.transition(name, st, "")
}

// Fail moves name to error and records detail as its terminal error.
func (r *Registry) Fail(name, detail string) error {
	return r.transition(name, StatusError, detail)
}

func (r *Registry) transition(name string, to Status, detail string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	from := e.status
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, name, from, to)
	}
	e.status = to
	if detail != "" {
		e.errDetail = detail
	}
	e.updatedAt = r.now()
	obs := r.observers
	r.mu.Unlock()

	for _, o := range obs {
		o(name, from, to)
	}
	r.notify()
	return nil
}

// AppendLog appends a timestamped line to the dataset's log.
func (r *Registry) AppendLog(name, line string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	now := r.now()
	e.logs.Append(fmt.Sprintf("[%s] %s", now.Format("15:04:05"), strings.TrimSpace(line)))
	e.updatedAt = now
	r.mu.Unlock()
	r.notify()
	return nil
}

// Status returns the current status of name.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Get returns a copy of one dataset's state.
func (r *Registry) Get(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(name), true
}

// Snapshot returns a consistent copy of every dataset, sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.snapshot(name))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of datasets per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := map[Status]int{StatusPending: 0, StatusProcessing: 0, StatusReady: 0, StatusError: 0}
	for _, e := range r.entries {
		m[e.status]++
	}
	return m
}

func (e *entry) snapshot(name string) Snapshot {
	return Snapshot{
		Name:      name,
		Status:    e.status,
		Logs:      e.logs.Lines(),
		Error:     e.errDetail,
		UpdatedAt: e.updatedAt,
	}
}

// Subscribe returns a channel that receives a signal after registry changes.
// Signals are coalesced: a slow reader sees at most one pending signal.
// The returned func unsubscribes and must be called once.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch, func() {
		r.subMu.Lock()
		delete(r.subs, ch)
		r.subMu.Unlock()
	}
}

func (r *Registry) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
