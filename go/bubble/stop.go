package bubble

import (
	"context"

	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
)

// StopReport records which external resources were actually released.
// It is populated even when the final state write fails, because the
// session and claim are gone either way.
type StopReport struct {
	SessionKilled bool
	ClaimRemoved  bool
	NewState      state.State
}

// Stop terminates the bubble's multiplexer session, removes its runtime
// claim, and transitions to CANCELLED.
func (e *Engine) Stop(ctx context.Context, repoPath, bubbleID string) (StopReport, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var report StopReport

	var cfg, err = e.loadConfig(p)
	if err != nil {
		return report, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return report, err
	}
	if snap.State.Terminal() {
		return report, fault.New(fault.Precondition,
			"bubble %s is already terminal (%s)", bubbleID, snap.State)
	}

	var session = multiplex.SessionName(bubbleID)
	var alive = e.Mux.HasSession(ctx, session)
	if err = e.Mux.KillSession(ctx, session); err != nil {
		return report, err
	}
	report.SessionKilled = alive

	removed, err := e.registry(repoPath).Remove(bubbleID)
	if err != nil {
		return report, err
	}
	report.ClaimRemoved = removed

	next, err := state.ApplyTransition(snap, state.TransitionInput{To: state.Cancelled})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		// External resources are already released; the report must say so.
		return report, err
	}
	report.NewState = next.State

	e.notify(cfg, "bubble stopped")
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleStopped,
		ActorRole:  string(protocol.Orchestrator),
	})
	return report, nil
}
