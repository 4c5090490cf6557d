package repos

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	return &Registry{
		Path: filepath.Join(t.TempDir(), "pairflow", "repos.json"),
		Now:  func() time.Time { return time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC) },
	}
}

func TestAddListRemove(t *testing.T) {
	var r = testRegistry(t)

	var list, err = r.List()
	require.NoError(t, err)
	require.Empty(t, list)

	added, err := r.Add("/work/zeta")
	require.NoError(t, err)
	require.True(t, added)
	added, err = r.Add("/work/alpha")
	require.NoError(t, err)
	require.True(t, added)

	// Re-adding is a no-op.
	added, err = r.Add("/work/alpha")
	require.NoError(t, err)
	require.False(t, added)

	list, err = r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "/work/alpha", list[0].Path) // Sorted by path.
	require.Equal(t, "/work/zeta", list[1].Path)
	require.False(t, list[0].AddedAt.IsZero())

	require.NoError(t, r.Remove("/work/zeta"))
	list, err = r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	var rmErr = r.Remove("/work/zeta")
	require.Equal(t, fault.NotFound, fault.KindOf(rmErr))
}
