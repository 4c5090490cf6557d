package bubble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
)

// CommitResult extends OpResult with the created commit.
type CommitResult struct {
	OpResult
	CommitSHA string
}

// Commit creates the bubble's git commit from its worktree. It requires an
// approved bubble and a non-empty done-package artifact, appends the
// DONE_PACKAGE envelope, and advances APPROVED_FOR_COMMIT through COMMITTED
// to DONE in one persisted write alongside the commit.
func (e *Engine) Commit(ctx context.Context, repoPath, bubbleID, message string) (CommitResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return CommitResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return CommitResult{}, err
	}
	if snap.State != state.ApprovedForCommit {
		return CommitResult{}, fault.New(fault.Precondition,
			"bubble %s is %s; commit requires APPROVED_FOR_COMMIT", bubbleID, snap.State)
	}

	pkg, err := os.ReadFile(p.DonePackagePath())
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(pkg))) == 0) {
		return CommitResult{}, fault.New(fault.Precondition,
			"bubble %s has no done-package artifact; stage a non-empty %s first",
			bubbleID, p.DonePackagePath())
	} else if err != nil {
		return CommitResult{}, fmt.Errorf("reading done-package artifact: %w", err)
	}

	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("pairflow: %s", bubbleID)
	}

	appended, err := transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  bubbleID,
		Sender:    protocol.Human,
		Recipient: protocol.Orchestrator,
		Type:      protocol.TypeDonePackage,
		Round:     snap.Round,
		Payload:   protocol.Payload{Summary: string(pkg)},
		Refs:      []string{artifactsDir + "/" + donePackage},
	}))
	if err != nil {
		return CommitResult{}, err
	}

	sha, err := e.Git.Commit(ctx, p.WorktreePath(), message)
	if err != nil {
		return CommitResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	next, err := state.ApplyTransition(snap, state.TransitionInput{To: state.Committed})
	if err == nil {
		next, err = state.ApplyTransition(next, state.TransitionInput{
			To:            state.Done,
			LastCommandAt: timep(e.now().UTC()),
		})
	}
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		return CommitResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	e.notify(cfg, "bubble committed")
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleCommitted,
		Round:      intp(snap.Round),
		ActorRole:  string(protocol.Human),
		Metadata:   map[string]interface{}{"commit_sha": sha},
	})
	return CommitResult{
		OpResult: OpResult{
			BubbleID: bubbleID,
			Seq:      appended.Seq,
			Envelope: appended.Envelope,
			NewState: next.State,
		},
		CommitSHA: sha,
	}, nil
}

// Merge fast-forwards the base branch onto the bubble branch after the
// bubble is DONE, optionally deleting the branch afterwards.
func (e *Engine) Merge(ctx context.Context, repoPath, bubbleID string, deleteBranch bool) error {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return err
	}
	snap, _, err := e.store(p).Read()
	if err != nil {
		return err
	}
	if snap.State != state.Done {
		return fault.New(fault.Precondition,
			"bubble %s is %s; merge requires DONE", bubbleID, snap.State)
	}

	if err = e.Git.MergeFF(ctx, repoPath, cfg.BaseBranch, cfg.Branch); err != nil {
		return err
	}
	if deleteBranch {
		if err = e.Git.RemoveWorktree(ctx, repoPath, p.WorktreePath()); err != nil {
			return err
		}
		if err = e.Git.DeleteBranch(ctx, repoPath, cfg.Branch); err != nil {
			return err
		}
	}
	return nil
}
