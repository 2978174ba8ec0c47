package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, root, project, sessionID string) {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte("{}\n"), 0o644))
}

func TestWorkDirForDecodesProjectDir(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "-home-alex-apps-demo", "abc-123")

	l := New(root)
	assert.Equal(t, "/home/alex/apps/demo", l.WorkDirFor("abc-123"))
}

func TestWorkDirForUnknownSession(t *testing.T) {
	l := New(t.TempDir())
	assert.Empty(t, l.WorkDirFor("missing"))
	assert.Empty(t, l.WorkDirFor(""))
}

func TestSessionsEnumeratesTranscripts(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "-home-alex", "s1")
	writeTranscript(t, root, "-home-alex-other", "s2")
	// Noise that must be skipped.
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "-home-alex", "index.json"), []byte("{}"), 0o644))

	sessions := New(root).Sessions()
	require.Len(t, sessions, 2)
	ids := []string{sessions[0].SessionID, sessions[1].SessionID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
	for _, s := range sessions {
		assert.NotZero(t, s.UpdatedAt)
		assert.True(t, filepath.IsAbs(s.WorkDir))
	}
}

func TestMissingRootIsEmptyNotError(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope"))
	assert.Empty(t, l.Sessions())
	assert.Empty(t, l.WorkDirFor("s1"))
}
