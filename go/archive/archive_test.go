package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/stretchr/testify/require"
)

var archiveT0 = time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)

func seedBubbleDir(t *testing.T) string {
	var dir = filepath.Join(t.TempDir(), "b1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "transcript.ndjson"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts", "task.md"), []byte("# Task\n"), 0o644))
	return dir
}

func TestRepoKeyStableAndDistinct(t *testing.T) {
	var k1 = RepoKey("/work/repo")
	require.Equal(t, k1, RepoKey("/work/repo"))
	require.NotEqual(t, k1, RepoKey("/other/repo"))
	require.Contains(t, k1, "repo-")

	// Hostile path characters are sanitized.
	require.NotContains(t, RepoKey("/work/my repo!"), " ")
}

func TestSnapshotCopiesAndWritesManifest(t *testing.T) {
	var bubbleDir = seedBubbleDir(t)
	var root = t.TempDir()

	var dest, err = Snapshot(SnapshotArgs{
		BubbleDir:  bubbleDir,
		Root:       root,
		RepoKey:    "repo-abcd1234",
		BubbleID:   "b1",
		InstanceID: "inst-1",
		Now:        func() time.Time { return archiveT0 },
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "repo-abcd1234", "inst-1"), dest)

	var raw, readErr = os.ReadFile(filepath.Join(dest, "archive-manifest.json"))
	require.NoError(t, readErr)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.Equal(t, "b1", manifest.BubbleID)
	require.Equal(t, 3, manifest.FileCount)

	_, err = os.Stat(filepath.Join(dest, "artifacts", "task.md"))
	require.NoError(t, err)

	// No staging directory is left behind.
	entries, err := os.ReadDir(filepath.Join(root, "repo-abcd1234"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSnapshotIdempotent(t *testing.T) {
	var bubbleDir = seedBubbleDir(t)
	var root = t.TempDir()
	var args = SnapshotArgs{
		BubbleDir: bubbleDir, Root: root, RepoKey: "rk", BubbleID: "b1", InstanceID: "inst-1",
	}

	var first, err = Snapshot(args)
	require.NoError(t, err)

	// The bubble directory may already be partially deleted on retry; the
	// existing snapshot is reused untouched.
	require.NoError(t, os.RemoveAll(filepath.Join(bubbleDir, "artifacts")))
	second, err := Snapshot(args)
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = os.Stat(filepath.Join(second, "artifacts", "task.md"))
	require.NoError(t, err)
}

func newIndex(t *testing.T) *Index {
	var dir = t.TempDir()
	return &Index{
		Path:     filepath.Join(dir, "index.json"),
		LockPath: filepath.Join(dir, "archive.lock"),
		Now:      func() time.Time { return archiveT0 },
	}
}

func TestIndexUpsertIsKeyedByInstance(t *testing.T) {
	var x = newIndex(t)
	var entry = Entry{
		InstanceID: "inst-1", BubbleID: "b1", RepoPath: "/work/repo",
		RepoKey: "rk", ArchivePath: "/arch/rk/inst-1", Status: StatusDeleted,
	}

	require.NoError(t, x.Upsert(entry))
	require.NoError(t, x.Upsert(entry)) // Retry converges to one entry.

	var entries, err = x.Read()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusDeleted, entries[0].Status)
	require.False(t, entries[0].CreatedAt.IsZero())
}

func TestIndexStatusTransitions(t *testing.T) {
	var x = newIndex(t)
	require.NoError(t, x.Upsert(Entry{InstanceID: "inst-1", BubbleID: "b1", Status: StatusActive}))

	require.NoError(t, x.SetStatus("inst-1", StatusDeleted))
	var entry, ok, err = x.Find("inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusDeleted, entry.Status)
	require.NotNil(t, entry.DeletedAt)

	require.NoError(t, x.SetStatus("inst-1", StatusPurged))
	entry, _, _ = x.Find("inst-1")
	require.NotNil(t, entry.PurgedAt)

	err = x.SetStatus("ghost", StatusDeleted)
	require.Equal(t, fault.NotFound, fault.KindOf(err))

	err = x.SetStatus("inst-1", "shredded")
	require.Equal(t, fault.Validation, fault.KindOf(err))
}
