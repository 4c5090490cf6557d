package flock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/stretchr/testify/require"
)

func TestAcquireRunReleases(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bubble.lock")

	var ran bool
	require.NoError(t, WithLock(path, Options{Timeout: time.Second}, func() error {
		ran = true
		// The lock file exists and names this process while held.
		var raw, err = os.ReadFile(path)
		require.NoError(t, err)
		var owner Owner
		require.NoError(t, json.Unmarshal(raw, &owner))
		require.Equal(t, os.Getpid(), owner.PID)
		return nil
	}))
	require.True(t, ran)

	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestContendedTimesOut(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bubble.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":1,"acquired_at":"2026-01-01T00:00:00Z"}`), 0o644))

	var err = WithLock(path, Options{Timeout: 120 * time.Millisecond, Poll: 20 * time.Millisecond},
		func() error { return nil })
	require.Error(t, err)
	require.Equal(t, fault.LockTimeout, fault.KindOf(err))
	require.Contains(t, err.Error(), path)
}

func TestMutualExclusion(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bubble.lock")

	var mu sync.Mutex
	var inCritical, maxInCritical int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(path, Options{Timeout: 5 * time.Second, Poll: time.Millisecond}, func() error {
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInCritical)
}

func TestStaleRecoveryRemovesDeadOwner(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bubble.lock")
	var acquired = time.Now().Add(-time.Hour).UTC()
	var content, _ = json.Marshal(Owner{PID: 999999, AcquiredAt: acquired})
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var ran bool
	var err = WithLock(path, Options{
		Timeout:    time.Second,
		Poll:       10 * time.Millisecond,
		StaleAfter: time.Second,
		ProbePID:   func(int) bool { return false },
	}, func() error { ran = true; return nil })

	require.NoError(t, err)
	require.True(t, ran)
}

func TestStaleRecoverySkipsLiveOwner(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bubble.lock")
	var content, _ = json.Marshal(Owner{PID: 424242, AcquiredAt: time.Now().Add(-time.Hour).UTC()})
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var err = WithLock(path, Options{
		Timeout:    100 * time.Millisecond,
		Poll:       10 * time.Millisecond,
		StaleAfter: 50 * time.Millisecond,
		ProbePID:   func(int) bool { return true }, // Owner is alive.
	}, func() error { return nil })

	require.Equal(t, fault.LockTimeout, fault.KindOf(err))
}

func TestStaleRecoverySkipsFreshLock(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bubble.lock")
	var content, _ = json.Marshal(Owner{PID: 999999, AcquiredAt: time.Now().UTC()})
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var err = WithLock(path, Options{
		Timeout:    100 * time.Millisecond,
		Poll:       10 * time.Millisecond,
		StaleAfter: time.Minute,
		ProbePID:   func(int) bool { return false },
	}, func() error { return nil })

	require.Equal(t, fault.LockTimeout, fault.KindOf(err))
}

func TestClampedStaleAfterWarnsOnce(t *testing.T) {
	ResetWarnings()
	var path = filepath.Join(t.TempDir(), "bubble.lock")

	for i := 0; i < 3; i++ {
		require.NoError(t, WithLock(path, Options{
			Timeout:    time.Second,
			StaleAfter: time.Hour, // Exceeds timeout; clamped.
		}, func() error { return nil }))
	}
	// Dedup set holds exactly the one clamp warning for this path.
	require.Equal(t, 1, warned.Len())
}

func TestUnparseableLockNeverRecovered(t *testing.T) {
	ResetWarnings()
	var path = filepath.Join(t.TempDir(), "bubble.lock")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	var err = WithLock(path, Options{
		Timeout:    80 * time.Millisecond,
		Poll:       10 * time.Millisecond,
		StaleAfter: time.Millisecond,
		ProbePID:   func(int) bool { return false },
	}, func() error { return nil })
	require.Equal(t, fault.LockTimeout, fault.KindOf(err))

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
