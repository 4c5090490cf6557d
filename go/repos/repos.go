// Package repos is the per-user registry of repositories known to
// Pairflow, backing `repo add|remove|list`. It shares the storage idiom of
// the runtime-session registry: one JSON document, writers serialised by a
// lock file, replaced atomically.
package repos

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/flock"
)

// SchemaVersion of the repos file.
const SchemaVersion = 1

// Entry is one registered repository.
type Entry struct {
	Path    string    `json:"path"`
	AddedAt time.Time `json:"added_at"`
}

type document struct {
	SchemaVersion int     `json:"schema_version"`
	Repos         []Entry `json:"repos"`
}

// Registry is the file-backed repository registry.
type Registry struct {
	// Path of repos.json; empty uses DefaultPath().
	Path string
	// LockTimeout bounds lock acquisition; zero uses the default.
	LockTimeout time.Duration
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
}

// DefaultPath is $HOME/.pairflow/repos.json.
func DefaultPath() (string, error) {
	var home, err = os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".pairflow", "repos.json"), nil
}

func (r *Registry) path() string { return r.Path }

func (r *Registry) lockOpts() flock.Options {
	var timeout = r.LockTimeout
	if timeout <= 0 {
		timeout = flock.DefaultTimeout
	}
	return flock.Options{Timeout: timeout, Now: r.Now}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// List returns registered repositories in path order.
func (r *Registry) List() ([]Entry, error) {
	var doc, err = r.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Repos, func(i, j int) bool { return doc.Repos[i].Path < doc.Repos[j].Path })
	return doc.Repos, nil
}

// Add registers a repository path. Adding an already-registered path is a
// no-op returning false.
func (r *Registry) Add(path string) (bool, error) {
	var abs, err = filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving repo path %s: %w", path, err)
	}
	if err = os.MkdirAll(filepath.Dir(r.path()), 0o755); err != nil {
		return false, fmt.Errorf("creating registry directory: %w", err)
	}
	var added bool
	err = flock.WithLock(r.path()+".lock", r.lockOpts(), func() error {
		var doc, loadErr = r.load()
		if loadErr != nil {
			return loadErr
		}
		for _, e := range doc.Repos {
			if e.Path == abs {
				return nil
			}
		}
		doc.Repos = append(doc.Repos, Entry{Path: abs, AddedAt: r.now().UTC()})
		added = true
		return r.store(doc)
	})
	return added, err
}

// Remove unregisters a repository path.
func (r *Registry) Remove(path string) error {
	var abs, err = filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving repo path %s: %w", path, err)
	}
	if err = os.MkdirAll(filepath.Dir(r.path()), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	return flock.WithLock(r.path()+".lock", r.lockOpts(), func() error {
		var doc, loadErr = r.load()
		if loadErr != nil {
			return loadErr
		}
		for i, e := range doc.Repos {
			if e.Path == abs {
				doc.Repos = append(doc.Repos[:i], doc.Repos[i+1:]...)
				return r.store(doc)
			}
		}
		return fault.New(fault.NotFound, "repo %s is not registered", abs)
	})
}

func (r *Registry) load() (document, error) {
	var raw, err = os.ReadFile(r.path())
	if errors.Is(err, os.ErrNotExist) {
		return document{SchemaVersion: SchemaVersion}, nil
	} else if err != nil {
		return document{}, fmt.Errorf("reading repo registry %s: %w", r.path(), err)
	}

	var doc document
	if err = json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("parsing repo registry %s: %w", r.path(), err)
	}
	return doc, nil
}

func (r *Registry) store(doc document) error {
	if err := os.MkdirAll(filepath.Dir(r.path()), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	var raw, err = json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling repo registry: %w", err)
	}
	raw = append(raw, '\n')
	if err = renameio.WriteFile(r.path(), raw, 0o644); err != nil {
		return fmt.Errorf("replacing repo registry %s: %w", r.path(), err)
	}
	return nil
}
