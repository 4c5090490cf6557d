// Package gitwt wraps the git operations the bubble engine depends on:
// worktree bootstrap and cleanup, branch removal, commit and fast-forward
// merge creation, and worktree fingerprinting. Execution goes through an
// injectable Runner so lifecycle operations stay free of process-spawning
// logic in tests.
package gitwt

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pairflow/pairflow/go/fault"
)

// Runner executes one git invocation in |dir| and returns stdout.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// Git runs git commands through an injectable Runner.
type Git struct {
	// Binary is the git executable; empty means "git" from $PATH.
	Binary string
	// Run overrides process execution; nil uses exec.CommandContext.
	Run Runner
}

func (g *Git) binary() string {
	if g.Binary != "" {
		return g.Binary
	}
	return "git"
}

func (g *Git) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if g.Run != nil {
		return g.Run(ctx, dir, args...)
	}

	var cmd = exec.CommandContext(ctx, g.binary(), args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fault.New(fault.ExternalCommand,
			"git %s (in %s): %v (stderr: %s)",
			strings.Join(args, " "), dir, err, tail(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// IsWorktree reports whether |dir| is inside a git working tree.
func (g *Git) IsWorktree(ctx context.Context, dir string) bool {
	var out, err = g.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Toplevel returns the root of the working tree containing |dir|.
func (g *Git) Toplevel(ctx context.Context, dir string) (string, error) {
	var out, err = g.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// AddWorktree creates |path| as a new worktree on a fresh |branch| cut
// from |base|.
func (g *Git) AddWorktree(ctx context.Context, repo, path, branch, base string) error {
	var _, err = g.run(ctx, repo, "worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree force-removes the worktree at |path|. A worktree git no
// longer knows about is not an error.
func (g *Git) RemoveWorktree(ctx context.Context, repo, path string) error {
	var _, err = g.run(ctx, repo, "worktree", "remove", "--force", path)
	if err != nil && strings.Contains(err.Error(), "is not a working tree") {
		return nil
	}
	return err
}

// HasWorktree reports whether |path| is registered as a worktree of |repo|.
func (g *Git) HasWorktree(ctx context.Context, repo, path string) bool {
	var out, err = g.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimPrefix(line, "worktree ") == path && strings.HasPrefix(line, "worktree ") {
			return true
		}
	}
	return false
}

// HasBranch reports whether the local |branch| exists in |repo|.
func (g *Git) HasBranch(ctx context.Context, repo, branch string) bool {
	var _, err = g.run(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// DeleteBranch force-deletes a local branch. A missing branch is not an
// error.
func (g *Git) DeleteBranch(ctx context.Context, repo, branch string) error {
	if !g.HasBranch(ctx, repo, branch) {
		return nil
	}
	var _, err = g.run(ctx, repo, "branch", "-D", branch)
	return err
}

// Commit stages everything in |worktree| and commits with |message|,
// returning the new commit sha.
func (g *Git) Commit(ctx context.Context, worktree, message string) (string, error) {
	if _, err := g.run(ctx, worktree, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, worktree, "commit", "-m", message); err != nil {
		return "", err
	}
	var out, err = g.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// MergeFF fast-forwards |base| to |branch| in |repo|.
func (g *Git) MergeFF(ctx context.Context, repo, base, branch string) error {
	if _, err := g.run(ctx, repo, "checkout", base); err != nil {
		return err
	}
	var _, err = g.run(ctx, repo, "merge", "--ff-only", branch)
	return err
}

// WorktreeFingerprint identifies the exact content state of a worktree:
// HEAD commit, a hash of porcelain status output, and a dirty bit.
type WorktreeFingerprint struct {
	CommitSHA  string `json:"commit_sha"`
	StatusHash string `json:"status_hash"`
	Dirty      bool   `json:"dirty"`
}

// Fingerprint computes the WorktreeFingerprint of |worktree|.
func (g *Git) Fingerprint(ctx context.Context, worktree string) (WorktreeFingerprint, error) {
	var sha, err = g.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return WorktreeFingerprint{}, err
	}
	status, err := g.run(ctx, worktree, "status", "--porcelain")
	if err != nil {
		return WorktreeFingerprint{}, err
	}
	return WorktreeFingerprint{
		CommitSHA:  strings.TrimSpace(string(sha)),
		StatusHash: fmt.Sprintf("%x", sha256.Sum256(status))[:16],
		Dirty:      len(bytes.TrimSpace(status)) > 0,
	}, nil
}
