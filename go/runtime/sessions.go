// Package runtime tracks which multiplexer session backs which bubble on
// this host. The registry is a single JSON file per repository; every write
// is serialised by the registry lock, and Claim guarantees exactly one
// winner per bubble across concurrent processes.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pairflow/pairflow/go/flock"
	"github.com/pairflow/pairflow/go/multiplex"
)

// SchemaVersion of the sessions file.
const SchemaVersion = 1

// Record claims a multiplexer session for a bubble.
type Record struct {
	BubbleID    string    `json:"bubble_id"`
	RepoPath    string    `json:"repo_path"`
	Worktree    string    `json:"worktree_path"`
	SessionName string    `json:"multiplexer_session_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type document struct {
	SchemaVersion int               `json:"schema_version"`
	Sessions      map[string]Record `json:"sessions"`
}

// Registry is a file-backed session registry.
type Registry struct {
	// Path of the sessions.json file.
	Path string
	// LockPath serialising registry writers.
	LockPath string
	// LockTimeout bounds lock acquisition; zero uses the default.
	LockTimeout time.Duration
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) lockOpts() flock.Options {
	var timeout = r.LockTimeout
	if timeout <= 0 {
		timeout = flock.DefaultTimeout
	}
	return flock.Options{Timeout: timeout, Now: r.Now}
}

// ensureDir creates the registry directory; the lock file lives beside the
// registry itself.
func (r *Registry) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(r.LockPath), 0o755); err != nil {
		return fmt.Errorf("creating session registry directory: %w", err)
	}
	return nil
}

// Init writes an empty registry if none exists.
func (r *Registry) Init() error {
	if err := r.ensureDir(); err != nil {
		return err
	}
	return flock.WithLock(r.LockPath, r.lockOpts(), func() error {
		if _, err := os.Stat(r.Path); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return r.store(document{SchemaVersion: SchemaVersion, Sessions: map[string]Record{}})
	})
}

// Read returns all records, keyed by bubble id. A missing file is empty.
func (r *Registry) Read() (map[string]Record, error) {
	var doc, err = r.load()
	if err != nil {
		return nil, err
	}
	return doc.Sessions, nil
}

// Get returns the record for |bubbleID|, if any.
func (r *Registry) Get(bubbleID string) (Record, bool, error) {
	var doc, err = r.load()
	if err != nil {
		return Record{}, false, err
	}
	var rec, ok = doc.Sessions[bubbleID]
	return rec, ok, nil
}

// Upsert installs or replaces the record for its bubble.
func (r *Registry) Upsert(rec Record) error {
	if err := r.ensureDir(); err != nil {
		return err
	}
	return flock.WithLock(r.LockPath, r.lockOpts(), func() error {
		var doc, err = r.load()
		if err != nil {
			return err
		}
		rec.UpdatedAt = r.now().UTC()
		doc.Sessions[rec.BubbleID] = rec
		return r.store(doc)
	})
}

// Claim atomically installs |rec| if the bubble has no current claim.
// It returns whether this caller won, and the final owner's record either
// way so callers can distinguish.
func (r *Registry) Claim(rec Record) (won bool, owner Record, err error) {
	if err = r.ensureDir(); err != nil {
		return false, Record{}, err
	}
	err = flock.WithLock(r.LockPath, r.lockOpts(), func() error {
		var doc, loadErr = r.load()
		if loadErr != nil {
			return loadErr
		}
		if existing, ok := doc.Sessions[rec.BubbleID]; ok {
			owner = existing
			return nil
		}
		rec.UpdatedAt = r.now().UTC()
		doc.Sessions[rec.BubbleID] = rec
		if storeErr := r.store(doc); storeErr != nil {
			return storeErr
		}
		won, owner = true, rec
		return nil
	})
	return won, owner, err
}

// Remove deletes the bubble's record, reporting whether one existed.
// Removing a missing entry is a no-op returning false.
func (r *Registry) Remove(bubbleID string) (bool, error) {
	if err := r.ensureDir(); err != nil {
		return false, err
	}
	var removed bool
	var err = flock.WithLock(r.LockPath, r.lockOpts(), func() error {
		var doc, loadErr = r.load()
		if loadErr != nil {
			return loadErr
		}
		if _, ok := doc.Sessions[bubbleID]; !ok {
			return nil
		}
		delete(doc.Sessions, bubbleID)
		removed = true
		return r.store(doc)
	})
	return removed, err
}

// RemoveMany deletes all named records in one write.
func (r *Registry) RemoveMany(bubbleIDs []string) error {
	if err := r.ensureDir(); err != nil {
		return err
	}
	return flock.WithLock(r.LockPath, r.lockOpts(), func() error {
		var doc, err = r.load()
		if err != nil {
			return err
		}
		var dirty bool
		for _, id := range bubbleIDs {
			if _, ok := doc.Sessions[id]; ok {
				delete(doc.Sessions, id)
				dirty = true
			}
		}
		if !dirty {
			return nil
		}
		return r.store(doc)
	})
}

// Reconcile removes records whose multiplexer session is dead, returning
// the removed bubble ids in sorted order.
func (r *Registry) Reconcile(ctx context.Context, mux multiplex.Mux) ([]string, error) {
	if err := r.ensureDir(); err != nil {
		return nil, err
	}
	var removed []string
	var err = flock.WithLock(r.LockPath, r.lockOpts(), func() error {
		var doc, loadErr = r.load()
		if loadErr != nil {
			return loadErr
		}
		for id, rec := range doc.Sessions {
			if !mux.HasSession(ctx, rec.SessionName) {
				delete(doc.Sessions, id)
				removed = append(removed, id)
			}
		}
		if len(removed) == 0 {
			return nil
		}
		return r.store(doc)
	})
	sort.Strings(removed)
	return removed, err
}

func (r *Registry) load() (document, error) {
	var raw, err = os.ReadFile(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return document{SchemaVersion: SchemaVersion, Sessions: map[string]Record{}}, nil
	} else if err != nil {
		return document{}, fmt.Errorf("reading session registry %s: %w", r.Path, err)
	}

	var doc document
	if err = json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("parsing session registry %s: %w", r.Path, err)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]Record{}
	}
	return doc, nil
}

func (r *Registry) store(doc document) error {
	var raw, err = json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling session registry: %w", err)
	}
	raw = append(raw, '\n')
	if err = renameio.WriteFile(r.Path, raw, 0o644); err != nil {
		return fmt.Errorf("replacing session registry %s: %w", r.Path, err)
	}
	return nil
}
