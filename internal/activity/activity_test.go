package activity

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	rec := NewRecorder(eventBus, Config{}, log)
	t.Cleanup(rec.Close)
	return rec
}

func TestRecordAndTail(t *testing.T) {
	rec := newTestRecorder(t)
	repo := t.TempDir()
	ctx := context.Background()

	rec.Info(ctx, repo, "sess_11111111", "session started")
	rec.File(ctx, repo, "sess_11111111", "changed src/main.go")
	rec.Commit(ctx, repo, "sess_11111111", "auto-commit 2 file(s)", map[string]string{"hash": "abc123"})

	entries, err := rec.Tail(repo, "sess_11111111", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, TypeInfo, entries[0].Type)
	assert.Equal(t, TypeCommit, entries[2].Type)
	assert.Equal(t, "abc123", entries[2].Details["hash"])
	assert.NotEmpty(t, entries[0].ID, "missing IDs are filled in")
	assert.False(t, entries[0].Timestamp.IsZero())

	limited, err := rec.Tail(repo, "sess_11111111", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, TypeFile, limited[0].Type)
}

func TestTailMissingLog(t *testing.T) {
	rec := newTestRecorder(t)
	entries, err := rec.Tail(t.TempDir(), "sess_nowhere", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDamagedLinesSkipped(t *testing.T) {
	rec := newTestRecorder(t)
	repo := t.TempDir()
	ctx := context.Background()

	rec.Error(ctx, repo, "sess_22222222", "push failed", nil)

	path := statedir.ActivityFile(repo, "sess_22222222")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"id\":\"truncated mid-wr\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec.Record(ctx, repo, registry.ActivityEntry{SessionID: "sess_22222222", Type: TypeInfo, Message: "after crash"})

	entries, err := rec.Tail(repo, "sess_22222222", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "after crash", entries[1].Message)
}
