// Package bubble implements the lifecycle operations of a Pairflow bubble:
// create, start, stop, delete, commit, merge, the agent commands (pass,
// ask-human, converged), and the human commands (reply, approve,
// request-rework). Every mutating operation follows the same shape: resolve
// the bubble, backfill its instance id if missing, validate preconditions
// against the current snapshot, append the protocol envelope (the canonical
// step), then persist the next state under a fingerprint guard. Deliveries,
// notifications, and metrics are strictly best-effort afterwards.
package bubble

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/gitwt"
)

// Well-known names under the repository and bubble directories.
const (
	pairflowDir  = ".pairflow"
	bubblesDir   = "bubbles"
	locksDir     = "locks"
	worktreesDir = "worktrees"

	configFile       = "bubble.toml"
	stateFile        = "state.json"
	transcriptFile   = "transcript.ndjson"
	inboxFile        = "inbox.ndjson"
	artifactsDir     = "artifacts"
	taskFile         = "task.md"
	donePackage      = "done-package.md"
	verificationFile = "reviewer-test-verification.json"

	runtimeDir   = "runtime"
	sessionsFile = "sessions.json"
)

// Paths derives every on-disk location of a bubble from its repository and
// identifier.
type Paths struct {
	RepoPath string
	BubbleID string
}

func (p Paths) Dir() string {
	return filepath.Join(p.RepoPath, pairflowDir, bubblesDir, p.BubbleID)
}

// LockPath is the bubble lock serialising transcript and state writes.
func (p Paths) LockPath() string {
	return filepath.Join(p.RepoPath, pairflowDir, locksDir, p.BubbleID+".lock")
}

func (p Paths) ConfigPath() string     { return filepath.Join(p.Dir(), configFile) }
func (p Paths) StatePath() string      { return filepath.Join(p.Dir(), stateFile) }
func (p Paths) TranscriptPath() string { return filepath.Join(p.Dir(), transcriptFile) }
func (p Paths) InboxPath() string      { return filepath.Join(p.Dir(), inboxFile) }
func (p Paths) ArtifactsDir() string   { return filepath.Join(p.Dir(), artifactsDir) }
func (p Paths) TaskPath() string       { return filepath.Join(p.ArtifactsDir(), taskFile) }
func (p Paths) DonePackagePath() string {
	return filepath.Join(p.ArtifactsDir(), donePackage)
}

// VerificationPath is the reviewer-test-verification artifact, written on
// every reviewer pass.
func (p Paths) VerificationPath() string {
	return filepath.Join(p.ArtifactsDir(), verificationFile)
}

// WorktreePath is where the bubble's git worktree is bootstrapped.
func (p Paths) WorktreePath() string {
	return filepath.Join(p.RepoPath, pairflowDir, worktreesDir, p.BubbleID)
}

// SessionsPath is the repository's runtime-session registry file,
// <repo>/.pairflow/runtime/sessions.json.
func SessionsPath(repoPath string) string {
	return filepath.Join(repoPath, pairflowDir, runtimeDir, sessionsFile)
}

// SessionsLockPath serialises runtime-session registry writers.
func SessionsLockPath(repoPath string) string {
	return SessionsPath(repoPath) + ".lock"
}

// Resolved identifies a bubble located by Resolve. BubbleID is populated
// only when |dir| was inside a bubble worktree.
type Resolved struct {
	RepoPath string
	BubbleID string
}

// Resolve locates the repository (and, when possible, the bubble) for an
// operation. An explicit |repoFlag| wins; otherwise the working tree
// containing |dir| is used. When |dir| is inside a bubble worktree
// (<repo>/.pairflow/worktrees/<id>), the owning repository and bubble id
// are both recovered, which is how agent commands find their bubble.
func Resolve(ctx context.Context, git *gitwt.Git, repoFlag, dir string) (Resolved, error) {
	if repoFlag != "" {
		var abs, err = filepath.Abs(repoFlag)
		if err != nil {
			return Resolved{}, fmt.Errorf("resolving repo path %s: %w", repoFlag, err)
		}
		if !git.IsWorktree(ctx, abs) {
			return Resolved{}, fault.New(fault.Validation, "repo %s is not a git worktree", abs)
		}
		return Resolved{RepoPath: abs}, nil
	}

	var top, err = git.Toplevel(ctx, dir)
	if err != nil {
		return Resolved{}, fault.New(fault.NotFound,
			"%s is not inside a git worktree; pass --repo explicitly", dir)
	}

	// A bubble worktree lives at <repo>/.pairflow/worktrees/<id>.
	var marker = string(filepath.Separator) + filepath.Join(pairflowDir, worktreesDir) + string(filepath.Separator)
	if i := strings.Index(top, marker); i >= 0 {
		var id = filepath.Base(top)
		return Resolved{RepoPath: top[:i], BubbleID: id}, nil
	}
	return Resolved{RepoPath: top}, nil
}
