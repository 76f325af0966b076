package dataset

import (
	"errors"
	"time"
)

// Status is the processing state of a dataset.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

var (
	ErrUnknownDataset    = errors.New("unknown dataset")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// rank orders statuses; ready and error are both terminal.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusReady, StatusError:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool { return s == StatusReady || s == StatusError }

// CanTransition reports whether from -> to moves strictly forward.
// pending -> ready is allowed for datasets whose artifacts already exist.
// pending -> error is not: a run always enters processing before it can fail.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == StatusPending && to == StatusError {
		return false
	}
	return to.rank() > from.rank()
}

// Snapshot is a point-in-time copy of one dataset's state.
type Snapshot struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Logs      []string  `json:"logs" yaml:"logs"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
