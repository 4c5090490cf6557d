// Package flock provides cross-process mutual exclusion through exclusive
// lock files. A lock is a file created with O_EXCL whose content records the
// owning process; waiters poll until the budget elapses. Optional stale-owner
// recovery removes locks whose owner has provably exited.
package flock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	log "github.com/sirupsen/logrus"
)

// Owner is the JSON content of a held lock file.
type Owner struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Host       string    `json:"host,omitempty"`
}

// Options tune a WithLock acquisition.
type Options struct {
	// Timeout bounds the total time spent acquiring the lock.
	Timeout time.Duration
	// Poll is the retry interval while the lock is contended.
	// Zero defaults to 50ms.
	Poll time.Duration
	// StaleAfter enables stale-owner recovery when non-zero: a lock older
	// than this whose owner process no longer exists may be removed.
	// Recovery is off by default; the engine is correct without it, only
	// slower to recover from crashes.
	StaleAfter time.Duration
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
	// ProbePID reports whether a process exists; nil defaults to a
	// signal-0 probe. Injectable for tests.
	ProbePID func(pid int) bool
}

// DefaultTimeout is the lock budget used by transcript and state writes.
const DefaultTimeout = 5 * time.Second

func (o Options) withDefaults() Options {
	if o.Poll <= 0 {
		o.Poll = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ProbePID == nil {
		o.ProbePID = pidExists
	}
	return o
}

// WithLock acquires the lock at |path|, runs |fn|, and releases the lock.
// Acquisition failure maps to fault.LockTimeout. The error of |fn| is
// returned unchanged.
func WithLock(path string, opts Options, fn func() error) error {
	opts = opts.withDefaults()

	if opts.StaleAfter > 0 && opts.StaleAfter > opts.Timeout {
		warnOnce(path, "stale-after exceeds lock timeout; clamping to timeout")
		opts.StaleAfter = opts.Timeout
	}

	var deadline = opts.Now().Add(opts.Timeout)
	for {
		var err = tryAcquire(path, opts)
		if err == nil {
			break
		} else if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock file %s: %w", path, err)
		}

		if opts.StaleAfter > 0 {
			if removed := tryRecoverStale(path, opts); removed {
				continue // Retry immediately.
			}
		}
		if !opts.Now().Before(deadline) {
			lockTimeouts.Inc()
			return fault.New(fault.LockTimeout,
				"timed out acquiring lock %s after %s", path, opts.Timeout)
		}
		time.Sleep(opts.Poll)
	}
	defer release(path)

	lockAcquisitions.Inc()
	return fn()
}

// tryAcquire attempts a single exclusive create of the lock file.
func tryAcquire(path string, opts Options) error {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	var host, _ = os.Hostname()
	var content, _ = json.Marshal(Owner{
		PID:        os.Getpid(),
		AcquiredAt: opts.Now().UTC(),
		Host:       host,
	})
	content = append(content, '\n')

	if _, err = f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func release(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"lock": path, "err": err}).
			Warn("failed to release lock file")
	}
}

// tryRecoverStale removes the lock at |path| when its recorded owner has
// exceeded StaleAfter and the owner process no longer exists. Identity
// (mtime, size, content) is re-validated immediately before removal to
// narrow the window in which a freshly re-acquired lock could be deleted.
// A residual race between the final validation and the Remove is accepted.
func tryRecoverStale(path string, opts Options) bool {
	var info, err = os.Stat(path)
	if err != nil {
		return false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var owner Owner
	if err = json.Unmarshal(raw, &owner); err != nil {
		// Unparseable lock content is never recovered automatically.
		warnOnce(path, "lock content is not parseable; skipping stale recovery")
		return false
	}

	var age = opts.Now().Sub(owner.AcquiredAt)
	if age < opts.StaleAfter {
		return false
	}
	if owner.PID == os.Getpid() || opts.ProbePID(owner.PID) {
		return false
	}

	// Re-validate identity just before removal.
	var again, err2 = os.Stat(path)
	if err2 != nil || !again.ModTime().Equal(info.ModTime()) || again.Size() != info.Size() {
		return false
	}
	rawAgain, err2 := os.ReadFile(path)
	if err2 != nil || string(rawAgain) != string(raw) {
		return false
	}

	if err = os.Remove(path); err != nil {
		return false
	}
	staleRecoveries.Inc()
	log.WithFields(log.Fields{
		"lock": path,
		"pid":  owner.PID,
		"age":  age.String(),
	}).Warn("recovered stale lock from dead process")
	return true
}

// pidExists probes a pid with signal 0.
func pidExists(pid int) bool {
	var proc, err = os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
