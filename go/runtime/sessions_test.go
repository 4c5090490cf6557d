package runtime

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	var dir = t.TempDir()
	return &Registry{
		Path:     filepath.Join(dir, "sessions.json"),
		LockPath: filepath.Join(dir, "sessions.lock"),
		Now:      func() time.Time { return time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC) },
	}
}

func rec(id string) Record {
	return Record{
		BubbleID:    id,
		RepoPath:    "/work/repo",
		Worktree:    "/work/repo/.pairflow/worktrees/" + id,
		SessionName: multiplex.SessionName(id),
	}
}

func TestUpsertAndGet(t *testing.T) {
	var r = newRegistry(t)

	require.NoError(t, r.Upsert(rec("b1")))

	var got, ok, err = r.Get("b1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pairflow-b1", got.SessionName)
	require.False(t, got.UpdatedAt.IsZero())

	_, ok, err = r.Get("b2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimSingleWinner(t *testing.T) {
	var r = newRegistry(t)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var won, owner, err = r.Claim(rec("b1"))
			require.NoError(t, err)
			require.Equal(t, "b1", owner.BubbleID)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestClaimLoserSeesOwner(t *testing.T) {
	var r = newRegistry(t)

	var won, _, err = r.Claim(rec("b1"))
	require.NoError(t, err)
	require.True(t, won)

	var other = rec("b1")
	other.SessionName = "someone-else"
	won, owner, err := r.Claim(other)
	require.NoError(t, err)
	require.False(t, won)
	require.Equal(t, "pairflow-b1", owner.SessionName)
}

func TestRemoveMissingIsFalse(t *testing.T) {
	var r = newRegistry(t)

	var removed, err = r.Remove("ghost")
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, r.Upsert(rec("b1")))
	removed, err = r.Remove("b1")
	require.NoError(t, err)
	require.True(t, removed)
}

func TestRemoveMany(t *testing.T) {
	var r = newRegistry(t)
	require.NoError(t, r.Upsert(rec("b1")))
	require.NoError(t, r.Upsert(rec("b2")))
	require.NoError(t, r.Upsert(rec("b3")))

	require.NoError(t, r.RemoveMany([]string{"b1", "b3", "ghost"}))

	var all, err = r.Read()
	require.NoError(t, err)
	require.Len(t, all, 1)
	var _, ok = all["b2"]
	require.True(t, ok)
}

func TestReconcileDropsDeadSessions(t *testing.T) {
	var r = newRegistry(t)
	var stub = multiplex.NewStub()

	require.NoError(t, r.Upsert(rec("b1")))
	require.NoError(t, r.Upsert(rec("b2")))
	stub.SetAlive("pairflow-b2", true)

	var removed, err = r.Reconcile(context.Background(), stub)
	require.NoError(t, err)
	require.Equal(t, []string{"b1"}, removed)

	var all, readErr = r.Read()
	require.NoError(t, readErr)
	require.Len(t, all, 1)
}

func TestInitIdempotent(t *testing.T) {
	var r = newRegistry(t)
	require.NoError(t, r.Init())
	require.NoError(t, r.Upsert(rec("b1")))
	require.NoError(t, r.Init()) // Does not clobber.

	var all, err = r.Read()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRegistryCreatesItsDirectory(t *testing.T) {
	// The registry lives in a nested directory (.pairflow/runtime) which may
	// not exist yet; every writer must create it on the way in.
	var dir = filepath.Join(t.TempDir(), ".pairflow", "runtime")
	var r = &Registry{
		Path:     filepath.Join(dir, "sessions.json"),
		LockPath: filepath.Join(dir, "sessions.json.lock"),
		Now:      func() time.Time { return time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC) },
	}

	var won, owner, err = r.Claim(rec("b1"))
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, "b1", owner.BubbleID)

	var all, readErr = r.Read()
	require.NoError(t, readErr)
	require.Len(t, all, 1)
}
