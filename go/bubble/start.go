package bubble

import (
	"context"
	"fmt"

	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/runtime"
	"github.com/pairflow/pairflow/go/state"
	log "github.com/sirupsen/logrus"
)

// Start boots (or reattaches) a bubble: bootstrap the worktree when needed,
// launch the multiplexer session, claim it in the runtime registry, and
// transition to RUNNING with the implementer active.
func (e *Engine) Start(ctx context.Context, repoPath, bubbleID string) (OpResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return OpResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return OpResult{}, err
	}

	switch snap.State {
	case state.Created, state.PreparingWorkspace, state.Running:
	default:
		return OpResult{}, fault.New(fault.Precondition,
			"bubble %s cannot start from state %s", bubbleID, snap.State)
	}

	var reg = e.registry(repoPath)
	var session = multiplex.SessionName(bubbleID)
	if rec, claimed, getErr := reg.Get(bubbleID); getErr != nil {
		return OpResult{}, getErr
	} else if claimed {
		if e.Mux.HasSession(ctx, rec.SessionName) {
			return OpResult{}, fault.New(fault.Precondition,
				"bubble %s is already running in session %s", bubbleID, rec.SessionName)
		}
		// Dead claim: drop it and continue.
		if _, rmErr := reg.Remove(bubbleID); rmErr != nil {
			return OpResult{}, rmErr
		}
		log.WithFields(log.Fields{"bubble": bubbleID, "session": rec.SessionName}).
			Info("dropped runtime claim of a dead multiplexer session")
	}

	var now = e.now().UTC()
	var resume = snap.State == state.Running

	if !resume {
		if snap.State == state.Created {
			snap, err = state.ApplyTransition(snap, state.TransitionInput{To: state.PreparingWorkspace})
			if err != nil {
				return OpResult{}, err
			}
			if err = e.writeState(p, snap, fp); err != nil {
				return OpResult{}, err
			}
			if snap, fp, err = e.store(p).Read(); err != nil {
				return OpResult{}, err
			}
		}
		if !e.Git.HasWorktree(ctx, repoPath, p.WorktreePath()) {
			if err = e.Git.AddWorktree(ctx, repoPath, p.WorktreePath(), cfg.Branch, cfg.BaseBranch); err != nil {
				return OpResult{}, err
			}
		}
	}

	if !e.Mux.HasSession(ctx, session) {
		if err = e.Mux.NewSession(ctx, session, p.WorktreePath(), ""); err != nil {
			if !resume {
				e.failBootstrap(ctx, p, cfg, snap, fp)
			}
			return OpResult{}, fmt.Errorf("launching multiplexer session for bubble %s: %w", bubbleID, err)
		}
	}

	won, owner, err := reg.Claim(runtime.Record{
		BubbleID:    bubbleID,
		RepoPath:    repoPath,
		Worktree:    p.WorktreePath(),
		SessionName: session,
	})
	if err != nil {
		return OpResult{}, err
	}
	if !won {
		return OpResult{}, fault.New(fault.Conflict,
			"bubble %s was started concurrently; session %s owns it", bubbleID, owner.SessionName)
	}

	if resume {
		var next = snap.Clone()
		next.LastCommandAt = timep(now)
		if err = e.writeState(p, next, fp); err != nil {
			return OpResult{}, err
		}
		snap = next
	} else {
		snap, err = state.ApplyTransition(snap, state.TransitionInput{
			To:            state.Running,
			Round:         intp(1),
			SetActive:     agentp(state.AgentImpl),
			ActiveSince:   timep(now),
			LastCommandAt: timep(now),
			AppendRoleEntry: &state.RoleEntry{
				Round:       1,
				Implementer: cfg.Implementer,
				Reviewer:    cfg.Reviewer,
				SwitchedAt:  now,
			},
		})
		if err != nil {
			return OpResult{}, err
		}
		if err = e.writeState(p, snap, fp); err != nil {
			return OpResult{}, err
		}
	}

	e.deliver(ctx, bubbleID, fmt.Sprintf("pairflow: bubble %s is running; %s is active", bubbleID, snap.ActiveRole))
	e.notify(cfg, "bubble started")
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleStarted,
		Round:      intp(snap.Round),
		ActorRole:  string(protocol.Orchestrator),
	})
	return OpResult{BubbleID: bubbleID, NewState: snap.State}, nil
}

// failBootstrap tears down worktree artifacts after a launch failure and
// parks the bubble in FAILED. Cleanup failures are logged, not returned;
// the launch error is what the caller reports.
func (e *Engine) failBootstrap(ctx context.Context, p Paths, cfg config.Bubble, snap state.Snapshot, fp state.Fingerprint) {
	if err := e.Git.RemoveWorktree(ctx, p.RepoPath, p.WorktreePath()); err != nil {
		log.WithFields(log.Fields{"bubble": p.BubbleID, "err": err}).
			Warn("worktree cleanup failed after launch failure")
	}
	if err := e.Git.DeleteBranch(ctx, p.RepoPath, cfg.Branch); err != nil {
		log.WithFields(log.Fields{"bubble": p.BubbleID, "err": err}).
			Warn("branch cleanup failed after launch failure")
	}

	var next, err = state.ApplyTransition(snap, state.TransitionInput{To: state.Failed})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		log.WithFields(log.Fields{"bubble": p.BubbleID, "err": err}).
			Warn("could not park bubble in FAILED after launch failure")
	}
}

func agentp(a state.AgentID) *state.AgentID { return &a }
