package bubble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pairflow/pairflow/go/archive"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
)

// DeleteResult reports what Delete did (or, without force, what it would
// have to destroy).
type DeleteResult struct {
	// Manifest lists external artifacts which still exist. Non-empty on a
	// refused (non-forced) delete.
	Manifest []string
	// ArchivePath is where the bubble directory was snapshotted.
	ArchivePath string
	// Steps are the completed cleanup step tags, in order.
	Steps []string
}

// Delete archives and removes a bubble. When external artifacts (worktree,
// session, branch) still exist, a non-forced call refuses with their
// manifest and fault.Confirm; a second call with force proceeds. Every
// cleanup step is idempotent, so a retry after partial failure converges.
func (e *Engine) Delete(ctx context.Context, repoPath, bubbleID string, force bool) (DeleteResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var out DeleteResult

	var cfg, err = e.loadConfig(p)
	if err != nil {
		return out, err
	}

	var session = multiplex.SessionName(bubbleID)
	if e.Git.HasWorktree(ctx, repoPath, p.WorktreePath()) {
		out.Manifest = append(out.Manifest, "worktree "+p.WorktreePath())
	}
	if e.Mux.HasSession(ctx, session) {
		out.Manifest = append(out.Manifest, "multiplexer session "+session)
	}
	if e.Git.HasBranch(ctx, repoPath, cfg.Branch) {
		out.Manifest = append(out.Manifest, "branch "+cfg.Branch)
	}
	if len(out.Manifest) > 0 && !force {
		return out, fault.New(fault.Confirm,
			"bubble %s still has external artifacts (%s); re-run with --force to destroy them",
			bubbleID, strings.Join(out.Manifest, ", "))
	}

	var step = func(tag string, fn func() error) error {
		if err := fn(); err != nil {
			return fmt.Errorf("delete step %s: %w", tag, err)
		}
		out.Steps = append(out.Steps, tag)
		return nil
	}

	if err = step("stop", func() error {
		var snap, _, readErr = e.store(p).Read()
		if readErr != nil {
			return readErr
		}
		if snap.State.Terminal() || snap.State == state.Created {
			return nil
		}
		var _, stopErr = e.Stop(ctx, repoPath, bubbleID)
		return stopErr
	}); err != nil {
		return out, err
	}

	if err = step("archive", func() error {
		var path, snapErr = archive.Snapshot(archive.SnapshotArgs{
			BubbleDir:  p.Dir(),
			Root:       e.ArchiveRoot,
			RepoKey:    archive.RepoKey(repoPath),
			BubbleID:   bubbleID,
			InstanceID: cfg.InstanceID,
			Now:        e.Now,
		})
		out.ArchivePath = path
		return snapErr
	}); err != nil {
		return out, err
	}

	if err = step("index", func() error {
		var now = e.now().UTC()
		var idx = e.archiveIndex()
		return idx.Upsert(archive.Entry{
			InstanceID:  cfg.InstanceID,
			BubbleID:    bubbleID,
			RepoPath:    repoPath,
			RepoKey:     archive.RepoKey(repoPath),
			ArchivePath: out.ArchivePath,
			Status:      archive.StatusDeleted,
			DeletedAt:   &now,
		})
	}); err != nil {
		return out, err
	}

	if err = step("worktree", func() error {
		if cleanErr := e.Git.RemoveWorktree(ctx, repoPath, p.WorktreePath()); cleanErr != nil {
			return cleanErr
		}
		return e.Git.DeleteBranch(ctx, repoPath, cfg.Branch)
	}); err != nil {
		return out, err
	}

	if err = step("dir", func() error {
		if rmErr := os.RemoveAll(p.Dir()); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		_ = os.Remove(p.LockPath())
		return nil
	}); err != nil {
		return out, err
	}

	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleDeleted,
		ActorRole:  string(protocol.Human),
	})
	return out, nil
}

func (e *Engine) archiveIndex() *archive.Index {
	return &archive.Index{
		Path:        filepath.Join(e.ArchiveRoot, "index.json"),
		LockPath:    filepath.Join(e.ArchiveRoot, "index.lock"),
		LockTimeout: e.LockTimeout,
		Now:         e.Now,
	}
}
