package commands

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

func readQueue(t *testing.T, repo, sessionID string) []Command {
	t.Helper()
	f, err := os.Open(statedir.CommandsFile(repo, sessionID))
	require.NoError(t, err)
	defer f.Close()

	var out []Command
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var cmd Command
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &cmd))
		out = append(out, cmd)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestSendAppendsInOrder(t *testing.T) {
	w := NewWriter(logger.Default())
	repo := t.TempDir()

	require.NoError(t, w.Send(repo, "sess_11111111", Pause, nil))
	require.NoError(t, w.Send(repo, "sess_11111111", Resume, nil))
	require.NoError(t, w.RequestCommit(repo, "sess_11111111", "fix: typo"))

	queue := readQueue(t, repo, "sess_11111111")
	require.Len(t, queue, 3)
	assert.Equal(t, Pause, queue[0].Command)
	assert.Equal(t, Resume, queue[1].Command)
	assert.Equal(t, Commit, queue[2].Command)
	assert.Equal(t, "fix: typo", queue[2].Params["message"])
	assert.NotEmpty(t, queue[0].ID)
	assert.NotEqual(t, queue[0].ID, queue[1].ID)
}

func TestSendRejectsUnknownCommand(t *testing.T) {
	w := NewWriter(logger.Default())
	err := w.Send(t.TempDir(), "sess_11111111", "self-destruct", nil)
	assert.Error(t, err)
}
