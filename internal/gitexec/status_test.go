package gitexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatusV2(t *testing.T) {
	out := "# branch.oid 4c5a1e2f\n" +
		"# branch.head feature/agent-work\n" +
		"# branch.upstream origin/feature/agent-work\n" +
		"# branch.ab +2 -1\n" +
		"1 .M N... 100644 100644 100644 abc123 abc123 internal/server.go\n" +
		"1 A. N... 000000 100644 100644 000000 def456 docs/notes.md\n" +
		"? scratch.txt\n"

	st := parseStatusV2(out)
	assert.Equal(t, "feature/agent-work", st.Branch)
	assert.Equal(t, 2, st.Ahead)
	assert.Equal(t, 1, st.Behind)
	assert.False(t, st.Clean)
	assert.Equal(t, []Change{
		{Path: "internal/server.go", Status: ".M"},
		{Path: "docs/notes.md", Status: "A."},
		{Path: "scratch.txt", Status: "??"},
	}, st.Changes)
}

func TestParseStatusV2Clean(t *testing.T) {
	out := "# branch.oid 4c5a1e2f\n# branch.head main\n# branch.ab +0 -0\n"
	st := parseStatusV2(out)
	assert.True(t, st.Clean)
	assert.Equal(t, "main", st.Branch)
	assert.Empty(t, st.Changes)
}

func TestParseStatusV2Rename(t *testing.T) {
	out := "# branch.head main\n" +
		"2 R. N... 100644 100644 100644 abc123 abc123 R100 new/name.go\told/name.go\n"
	st := parseStatusV2(out)
	assert.Equal(t, []Change{{Path: "new/name.go", Status: "R."}}, st.Changes)
}

func TestParseStatusV2Unmerged(t *testing.T) {
	out := "# branch.head main\n" +
		"u UU N... 100644 100644 100644 100644 abc123 def456 fed789 internal/conflict.go\n"
	st := parseStatusV2(out)
	assert.Equal(t, []Change{{Path: "internal/conflict.go", Status: "u"}}, st.Changes)
}

func TestParseAheadBehind(t *testing.T) {
	ahead, behind := parseAheadBehind("3\t7\n")
	assert.Equal(t, 3, ahead)
	assert.Equal(t, 7, behind)

	ahead, behind = parseAheadBehind("")
	assert.Zero(t, ahead)
	assert.Zero(t, behind)
}
