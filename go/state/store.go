package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/minio/highwayhash"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/flock"
)

// Fingerprint is the content hash of a snapshot file, used for optimistic
// concurrency between readers that later write.
type Fingerprint string

// fingerprintKey keys the highwayhash. It is fixed: fingerprints only ever
// compare against fingerprints produced by this same code.
var fingerprintKey = bytes.Repeat([]byte("pairflow"), 4)

func fingerprintOf(raw []byte) Fingerprint {
	return Fingerprint(fmt.Sprintf("%016x", highwayhash.Sum64(raw, fingerprintKey)))
}

// Store reads and conditionally replaces a snapshot file.
type Store struct {
	// Path of the state.json snapshot.
	Path string
	// LockPath of the bubble lock serialising writers.
	LockPath string
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
}

// Read returns the current snapshot and its fingerprint.
func (s *Store) Read() (Snapshot, Fingerprint, error) {
	var raw, err = os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, "", fault.New(fault.NotFound, "state snapshot %s does not exist", s.Path)
	} else if err != nil {
		return Snapshot{}, "", fmt.Errorf("reading state snapshot %s: %w", s.Path, err)
	}

	var snap Snapshot
	if err = json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, "", fault.New(fault.Validation, "parsing state snapshot %s: %v", s.Path, err)
	}
	if err = snap.Validate(); err != nil {
		return Snapshot{}, "", fmt.Errorf("state snapshot %s: %w", s.Path, err)
	}
	return snap, fingerprintOf(raw), nil
}

// WriteOpts guard a conditional snapshot write.
type WriteOpts struct {
	// ExpectedFingerprint, when non-empty, must match the current file.
	ExpectedFingerprint Fingerprint
	// ExpectedState, when non-empty, must match the current snapshot state.
	ExpectedState State
	// LockTimeout bounds the bubble-lock acquisition; zero uses the default.
	LockTimeout time.Duration
	// AllowCreate permits writing when no snapshot exists yet.
	AllowCreate bool
}

// Write validates |snap|, verifies the optimistic-concurrency expectations,
// and atomically replaces the snapshot file (write-to-temp + rename, parent
// directory fsynced) under the bubble lock.
func (s *Store) Write(snap Snapshot, opts WriteOpts) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = flock.DefaultTimeout
	}

	return flock.WithLock(s.LockPath, flock.Options{Timeout: opts.LockTimeout, Now: s.Now}, func() error {
		var current, fingerprint, err = s.Read()
		if err != nil {
			if fault.KindOf(err) == fault.NotFound && opts.AllowCreate {
				return s.replace(snap)
			}
			return err
		}

		if opts.ExpectedFingerprint != "" && fingerprint != opts.ExpectedFingerprint {
			return fault.New(fault.Conflict,
				"state snapshot %s changed concurrently: fingerprint %s, expected %s",
				s.Path, fingerprint, opts.ExpectedFingerprint)
		}
		if opts.ExpectedState != "" && current.State != opts.ExpectedState {
			return fault.New(fault.Conflict,
				"state snapshot %s is %s, expected %s", s.Path, current.State, opts.ExpectedState)
		}
		return s.replace(snap)
	})
}

// replace atomically installs the snapshot, pretty-printed with a trailing
// newline, and fsyncs the parent directory.
func (s *Store) replace(snap Snapshot) error {
	var raw, err = json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling state snapshot: %w", err)
	}
	raw = append(raw, '\n')

	if err = renameio.WriteFile(s.Path, raw, 0o644); err != nil {
		return fmt.Errorf("replacing state snapshot %s: %w", s.Path, err)
	}
	if dir, err2 := os.Open(filepath.Dir(s.Path)); err2 == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
