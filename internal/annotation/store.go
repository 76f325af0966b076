// Package annotation persists point annotations per dataset as JSON documents.
package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/dztiler/internal/fsutil"
	"github.com/loykin/dztiler/internal/layout"
	"github.com/loykin/dztiler/internal/metrics"
)

var (
	ErrValidation  = errors.New("invalid annotation")
	ErrInvalidName = errors.New("invalid dataset name")
)

// Annotation is a point in normalized viewer coordinates.
type Annotation struct {
	X    float64 `json:"x" yaml:"x"`
	Y    float64 `json:"y" yaml:"y"`
	Text string  `json:"text" yaml:"text"`
}

// Input is an append request; nil fields are missing.
type Input struct {
	X    *float64 `json:"x"`
	Y    *float64 `json:"y"`
	Text *string  `json:"text"`
}

// Validate reports the missing fields wrapped in ErrValidation.
func (in Input) Validate() error {
	var missing []string
	if in.X == nil {
		missing = append(missing, "x")
	}
	if in.Y == nil {
		missing = append(missing, "y")
	}
	if in.Text == nil {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Store keeps one JSON array per dataset under dir.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "annotation"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// ValidName reports whether name can address an annotation document. It is
// the same rule discovery applies, so every dataset can be annotated.
func ValidName(name string) bool { return layout.ValidName(name) }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name+".json") }

func (s *Store) lock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// List returns the annotations of name in insertion order. A missing
// document is an empty list; so is an unreadable one, which is logged.
func (s *Store) List(name string) ([]Annotation, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()
	list, corrupt, err := s.read(name)
	if err != nil {
		return nil, err
	}
	if corrupt != nil {
		s.logger.Warn("annotation document is corrupt, treating as empty", "dataset", name, "error", corrupt)
		return []Annotation{}, nil
	}
	return list, nil
}

// Append validates in and adds it to the end of name's annotations.
func (s *Store) Append(name string, in Input) (Annotation, error) {
	if !ValidName(name) {
		return Annotation{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := in.Validate(); err != nil {
		return Annotation{}, err
	}
	a := Annotation{X: *in.X, Y: *in.Y, Text: *in.Text}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	list, corrupt, err := s.read(name)
	if err != nil {
		return Annotation{}, err
	}
	if corrupt != nil {
		dst := fmt.Sprintf("%s.corrupt-%d", s.path(name), s.now().Unix())
		if err := os.Rename(s.path(name), dst); err != nil {
			return Annotation{}, fmt.Errorf("quarantine corrupt annotations for %s: %w", name, err)
		}
		s.logger.Warn("quarantined corrupt annotation document", "dataset", name, "moved_to", dst, "error", corrupt)
		list = nil
	}

	list = append(list, a)
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return Annotation{}, err
	}
	if err := fsutil.WriteJSONAtomic(s.path(name), list); err != nil {
		return Annotation{}, fmt.Errorf("write annotations for %s: %w", name, err)
	}
	metrics.IncAnnotations()
	return a, nil
}

// read loads the document. A decode failure is returned as corrupt, not err.
func (s *Store) read(name string) (list []Annotation, corrupt error, err error) {
	b, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return []Annotation{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return []Annotation{}, nil, nil
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err, nil
	}
	if list == nil {
		list = []Annotation{}
	}
	return list, nil, nil
}
