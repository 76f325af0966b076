package annotation

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dztiler/internal/layout"
)

func ptr[T any](v T) *T { return &v }

func input(x, y float64, text string) Input {
	return Input{X: ptr(x), Y: ptr(y), Text: ptr(text)}
}

func TestListMissingIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	list, err := s.List("moon")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestAppendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "annotations"), nil)

	a, err := s.Append("moon", input(0.25, 0.5, "crater"))
	require.NoError(t, err)
	assert.Equal(t, Annotation{X: 0.25, Y: 0.5, Text: "crater"}, a)
	_, err = s.Append("moon", input(0.75, 0.1, ""))
	require.NoError(t, err)

	list, err := s.List("moon")
	require.NoError(t, err)
	assert.Equal(t, []Annotation{{0.25, 0.5, "crater"}, {0.75, 0.1, ""}}, list)

	// a fresh store reads the same document
	list, err = NewStore(filepath.Join(dir, "annotations"), nil).List("moon")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAppendValidation(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	_, err := s.Append("moon", Input{X: ptr(1.0), Text: ptr("t")})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "y")

	_, err = s.Append("moon", Input{})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "x, y, text")

	_, statErr := os.Stat(filepath.Join(dir, "moon.json"))
	assert.True(t, os.IsNotExist(statErr), "invalid input must not write")
}

func TestInvalidNames(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	for _, name := range []string{"", "..", "../etc", "a/b", `a\b`, ".hidden", "a..b", "nul\x00"} {
		_, err := s.List(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
		_, err = s.Append(name, input(0, 0, "x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	assert.True(t, ValidName("LRO_WAC-2024.v2"))
}

func TestDiscoverableNamesAreAnnotatable(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	for _, name := range []string{"Mars Crater", "Mondkrater Tycho ü", "moon (2)"} {
		require.True(t, layout.ValidName(name), name)
		_, err := s.Append(name, input(0.5, 0.25, "crater"))
		require.NoError(t, err, name)
		list, err := s.List(name)
		require.NoError(t, err, name)
		assert.Equal(t, []Annotation{{0.5, 0.25, "crater"}}, list)
		assert.FileExists(t, filepath.Join(dir, name+".json"))
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append("moon", input(float64(i), 0, "p"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := s.List("moon")
	require.NoError(t, err)
	assert.Len(t, list, n)
	seen := map[float64]bool{}
	for _, a := range list {
		seen[a.X] = true
	}
	assert.Len(t, seen, n)
}

func TestCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moon.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(dir, nil)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	list, err := s.List("moon")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Append("moon", input(1, 2, "after"))
	require.NoError(t, err)

	quarantined, err := os.ReadFile(path + ".corrupt-1700000000")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(quarantined))

	list, err = s.List("moon")
	require.NoError(t, err)
	assert.Equal(t, []Annotation{{1, 2, "after"}}, list)
}

func TestDocumentIsJSONArray(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	_, err := s.Append("moon", input(0.5, 0.5, "c"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "moon.json"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(b)), "["))
	assert.JSONEq(t, `[{"x":0.5,"y":0.5,"text":"c"}]`, string(b))
}
