package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsledger/internal/domain"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	tasks := Load[domain.Task](s, Tasks)
	require.NotNil(t, tasks)
	assert.Empty(t, tasks)
}

func TestLoadCorruptFileReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.EnsureDir())
	require.NoError(t, os.WriteFile(s.Path(Tasks), []byte("{not json"), 0o644))
	tasks := Load[domain.Task](s, Tasks)
	require.NotNil(t, tasks)
	assert.Empty(t, tasks)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	agent := "builder"
	code := "patch -p1"
	in := []domain.Task{
		{ID: "t1", Title: "First", Description: "do it", State: "pending", Priority: "normal", CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "t2", Title: "Second", Description: "do it too", State: "done", OwningAgent: &agent, Priority: "high", CreatedAt: "2024-01-02T00:00:00Z", Context: map[string]any{"retries": float64(2)}},
	}
	require.NoError(t, Save(s, Tasks, in))
	out := Load[domain.Task](s, Tasks)
	assert.Equal(t, in, out)

	fixes := []domain.Fix{{ID: "f1", Description: "apply patch", Code: &code, Applied: true, Timestamp: "2024-01-01T00:00:00Z"}}
	require.NoError(t, Save(s, Fixes, fixes))
	assert.Equal(t, fixes, Load[domain.Fix](s, Fixes))
}

func TestSaveWritesIndentedUnescapedJSON(t *testing.T) {
	s := New(t.TempDir())
	in := []domain.Diagnostic{{
		ID:          "d1",
		Kind:        "system",
		Description: "conexão perdida <aqui> & ali",
		Severity:    "error",
		Timestamp:   "2024-01-01T00:00:00Z",
	}}
	require.NoError(t, Save(s, Diagnostics, in))
	data, err := os.ReadFile(s.Path(Diagnostics))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "conexão perdida <aqui> & ali")
	assert.Contains(t, content, "\n  {")
	assert.NotContains(t, content, `\u003c`)
	assert.NotContains(t, content, `\u00e3`)
}

func TestSaveNilWritesEmptyArray(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, Save[domain.Task](s, Tasks, nil))
	data, err := os.ReadFile(s.Path(Tasks))
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, Save(s, Tasks, []domain.Task{{ID: "t1", Title: "x", Description: "y"}}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "leftover temp file %s", entry.Name())
	}
}

func TestUpdateMutatesAndPersists(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, Save(s, Tasks, []domain.Task{{ID: "t1", Title: "x", Description: "y"}}))
	records, err := Update(s, Tasks, func(tasks []domain.Task) ([]domain.Task, error) {
		return append(tasks, domain.Task{ID: "t2", Title: "z", Description: "w"}), nil
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, Load[domain.Task](s, Tasks), 2)
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, Save(s, Tasks, []domain.Task{{ID: "t1", Title: "x", Description: "y"}}))
	_, err := Update(s, Tasks, func(tasks []domain.Task) ([]domain.Task, error) {
		return nil, os.ErrInvalid
	})
	require.Error(t, err)
	assert.Len(t, Load[domain.Task](s, Tasks), 1)
}

func TestPathUsesCollectionName(t *testing.T) {
	s := New("data")
	assert.Equal(t, filepath.Join("data", "suggestions.json"), s.Path(Suggestions))
}
