package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/flock"
)

// Status of an archive index entry.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
	StatusPurged  Status = "purged"
)

// Entry is one archived bubble instance in the index.
type Entry struct {
	InstanceID  string     `json:"bubble_instance_id"`
	BubbleID    string     `json:"bubble_id"`
	RepoPath    string     `json:"repo_path"`
	RepoKey     string     `json:"repo_key"`
	ArchivePath string     `json:"archive_path"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	PurgedAt    *time.Time `json:"purged_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type indexDocument struct {
	SchemaVersion int     `json:"schema_version"`
	Entries       []Entry `json:"entries"`
}

// Index is the file-backed archive index, serialised by the global
// archive lock.
type Index struct {
	// Path of index.json under the archive root.
	Path string
	// LockPath of the global archive lock.
	LockPath string
	// LockTimeout bounds lock acquisition; zero uses the default.
	LockTimeout time.Duration
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
}

func (x *Index) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x *Index) lockOpts() flock.Options {
	var timeout = x.LockTimeout
	if timeout <= 0 {
		timeout = flock.DefaultTimeout
	}
	return flock.Options{Timeout: timeout, Now: x.Now}
}

// Read returns all index entries. A missing index is empty.
func (x *Index) Read() ([]Entry, error) {
	var doc, err = x.load()
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// Upsert installs or replaces the entry for its instance id. Exactly one
// entry per instance id ever exists.
func (x *Index) Upsert(entry Entry) error {
	return flock.WithLock(x.LockPath, x.lockOpts(), func() error {
		var doc, err = x.load()
		if err != nil {
			return err
		}
		entry.UpdatedAt = x.now().UTC()
		var replaced bool
		for i := range doc.Entries {
			if doc.Entries[i].InstanceID == entry.InstanceID {
				// Preserve the original creation stamp across retries.
				if entry.CreatedAt.IsZero() {
					entry.CreatedAt = doc.Entries[i].CreatedAt
				}
				doc.Entries[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = entry.UpdatedAt
			}
			doc.Entries = append(doc.Entries, entry)
		}
		return x.store(doc)
	})
}

// SetStatus transitions the named entry, stamping deleted_at/purged_at.
func (x *Index) SetStatus(instanceID string, status Status) error {
	switch status {
	case StatusActive, StatusDeleted, StatusPurged:
	default:
		return fault.New(fault.Validation, "archive status: unknown status %q", string(status))
	}
	return flock.WithLock(x.LockPath, x.lockOpts(), func() error {
		var doc, err = x.load()
		if err != nil {
			return err
		}
		for i := range doc.Entries {
			if doc.Entries[i].InstanceID != instanceID {
				continue
			}
			var now = x.now().UTC()
			doc.Entries[i].Status = status
			doc.Entries[i].UpdatedAt = now
			switch status {
			case StatusDeleted:
				doc.Entries[i].DeletedAt = &now
			case StatusPurged:
				doc.Entries[i].PurgedAt = &now
			}
			return x.store(doc)
		}
		return fault.New(fault.NotFound, "archive index has no entry for instance %s", instanceID)
	})
}

// Find returns the entry for an instance id.
func (x *Index) Find(instanceID string) (Entry, bool, error) {
	var doc, err = x.load()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range doc.Entries {
		if e.InstanceID == instanceID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (x *Index) load() (indexDocument, error) {
	var raw, err = os.ReadFile(x.Path)
	if errors.Is(err, os.ErrNotExist) {
		return indexDocument{SchemaVersion: 1}, nil
	} else if err != nil {
		return indexDocument{}, fmt.Errorf("reading archive index %s: %w", x.Path, err)
	}

	var doc indexDocument
	if err = json.Unmarshal(raw, &doc); err != nil {
		return indexDocument{}, fault.New(fault.Validation, "parsing archive index %s: %v", x.Path, err)
	}
	if doc.SchemaVersion != 1 {
		return indexDocument{}, fault.New(fault.Validation,
			"archive index %s: unsupported schema version %d", x.Path, doc.SchemaVersion)
	}
	return doc, nil
}

func (x *Index) store(doc indexDocument) error {
	var raw, err = json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling archive index: %w", err)
	}
	raw = append(raw, '\n')
	if err = renameio.WriteFile(x.Path, raw, 0o644); err != nil {
		return fmt.Errorf("replacing archive index %s: %w", x.Path, err)
	}
	return nil
}
