// Package watchdog is the externally scheduled supervisor of a bubble. Each
// invocation is stateless: it reads the snapshot and config, computes the
// time budget, and applies at most one action in priority order: deliver a
// queued rework intent, retry stuck input, or escalate an expired agent to
// the human. Everything else is a no-op with a reason code.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/pairflow/pairflow/go/bubble"
	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
	log "github.com/sirupsen/logrus"
)

// Actions and no-op reasons reported by Run.
const (
	ActionIntentApplied  = "intent_applied"
	ActionResent         = "stuck_input_resent"
	ActionEscalated      = "expiry_escalated"
	ReasonDeliveryFailed = "rework_delivery_failed"
	ReasonNotMonitored   = "not_monitored"
	ReasonHealthy        = "healthy"
	ReasonNothingToSend  = "nothing_to_resend"
)

// Status is the pure time-budget computation.
type Status struct {
	Monitored bool
	Remaining time.Duration
	Expired   bool
}

// Compute derives the watchdog status of a snapshot. A bubble is monitored
// iff it is RUNNING or WAITING_HUMAN with an active agent; the budget runs
// from the later of last_command_at and active_since.
func Compute(snap state.Snapshot, cfg config.Bubble, now time.Time) Status {
	if snap.State != state.Running && snap.State != state.WaitingHuman {
		return Status{}
	}
	if snap.ActiveAgent == "" || snap.ActiveSince == nil {
		return Status{}
	}

	var since = *snap.ActiveSince
	if snap.LastCommandAt != nil && snap.LastCommandAt.After(since) {
		since = *snap.LastCommandAt
	}
	var timeout = time.Duration(cfg.WatchdogTimeoutMinutes) * time.Minute
	var remaining = timeout - now.Sub(since)
	return Status{Monitored: true, Remaining: remaining, Expired: remaining <= 0}
}

// Runner executes one watchdog pass over a bubble.
type Runner struct {
	Engine *bubble.Engine
	Mux    multiplex.Mux
	Events *events.Emitter
	Now    func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Outcome is the result of one pass.
type Outcome struct {
	Action string
	Reason string
	Status Status
}

// Run applies the highest-priority applicable action.
func (r *Runner) Run(ctx context.Context, repoPath, bubbleID string) (Outcome, error) {
	var p = bubble.Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = r.Engine.LoadConfig(p)
	if err != nil {
		return Outcome{}, err
	}
	snap, fp, err := r.Engine.ReadState(p)
	if err != nil {
		return Outcome{}, err
	}
	var status = Compute(snap, cfg, r.now().UTC())

	// Priority 1: deliver a queued rework intent.
	if snap.State == state.WaitingHuman && snap.PendingReworkIntent != nil {
		return r.applyIntent(ctx, p, cfg, snap, fp, status)
	}

	if !status.Monitored {
		return Outcome{Reason: ReasonNotMonitored, Status: status}, nil
	}

	// Priority 3: escalate an expired RUNNING agent to the human.
	if snap.State == state.Running && status.Expired {
		return r.escalate(p, cfg, snap, fp, status)
	}

	// Priority 2: retry stuck input on a healthy RUNNING bubble.
	if snap.State == state.Running {
		return r.retryStuckInput(ctx, p, snap, status)
	}
	return Outcome{Reason: ReasonHealthy, Status: status}, nil
}

// applyIntent delivers the pending rework intent to the implementer. Only a
// confirmed delivery mutates state; a failed delivery leaves everything
// unchanged so the intent is retried on the next pass.
func (r *Runner) applyIntent(ctx context.Context, p bubble.Paths, cfg config.Bubble, snap state.Snapshot, fp state.Fingerprint, status Status) (Outcome, error) {
	var intent = *snap.PendingReworkIntent
	var session = multiplex.SessionName(p.BubbleID)
	var text = fmt.Sprintf("pairflow: rework requested: %s", intent.Message)

	if !r.Mux.HasSession(ctx, session) {
		return Outcome{Reason: ReasonDeliveryFailed, Status: status}, nil
	}
	if err := r.Mux.SendText(ctx, session, text); err != nil {
		log.WithFields(log.Fields{"bubble": p.BubbleID, "err": err}).
			Warn("rework intent delivery failed; intent stays pending")
		return Outcome{Reason: ReasonDeliveryFailed, Status: status}, nil
	}

	var now = r.now().UTC()
	var applied = intent
	applied.Status = state.IntentApplied
	applied.AppliedAt = &now

	next, err := state.ApplyTransition(snap, state.TransitionInput{
		To:            state.Running,
		Round:         intp(snap.Round + 1),
		SetActive:     agentp(state.AgentImpl),
		ActiveSince:   &now,
		LastCommandAt: &now,
		AppendRoleEntry: &state.RoleEntry{
			Round:       snap.Round + 1,
			Implementer: cfg.Implementer,
			Reviewer:    cfg.Reviewer,
			SwitchedAt:  now,
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	next.PendingReworkIntent = nil
	next.ReworkIntentHistory = append(next.ReworkIntentHistory, applied)

	if err = r.Engine.WriteState(p, next, fp); err != nil {
		return Outcome{}, err
	}

	if r.Events != nil {
		r.Events.Record(events.Event{
			RepoPath:   p.RepoPath,
			InstanceID: cfg.InstanceID,
			BubbleID:   p.BubbleID,
			EventType:  events.ReworkIntentApplied,
			Round:      intp(next.Round),
			ActorRole:  string(protocol.Orchestrator),
			Metadata:   map[string]interface{}{"intent_id": intent.IntentID},
		})
	}
	return Outcome{Action: ActionIntentApplied, Status: status}, nil
}

// retryStuckInput re-sends the newest envelope addressed to the active
// agent when it postdates the agent's last command, on the theory that the
// agent never received it.
func (r *Runner) retryStuckInput(ctx context.Context, p bubble.Paths, snap state.Snapshot, status Status) (Outcome, error) {
	var envelopes, err = transcript.Read(p.TranscriptPath(),
		transcript.ReadOpts{AllowMissing: true, ToleratePartialTail: true})
	if err != nil {
		return Outcome{}, err
	}
	if len(envelopes) == 0 {
		return Outcome{Reason: ReasonNothingToSend, Status: status}, nil
	}

	var last = envelopes[len(envelopes)-1]
	if last.Recipient != snap.ActiveRole {
		return Outcome{Reason: ReasonHealthy, Status: status}, nil
	}
	if snap.LastCommandAt != nil && !last.TS.After(*snap.LastCommandAt) {
		return Outcome{Reason: ReasonHealthy, Status: status}, nil
	}

	var session = multiplex.SessionName(p.BubbleID)
	if !r.Mux.HasSession(ctx, session) {
		return Outcome{Reason: ReasonNothingToSend, Status: status}, nil
	}
	var text = fmt.Sprintf("pairflow: resending %s (%s): %s",
		last.ID, last.Type, firstNonEmpty(last.Payload.Summary, last.Payload.Message, last.Payload.Question))
	if err = r.Mux.SendText(ctx, session, text); err != nil {
		return Outcome{Reason: ReasonNothingToSend, Status: status}, nil
	}
	return Outcome{Action: ActionResent, Status: status}, nil
}

// escalate appends an orchestrator HUMAN_QUESTION and parks the bubble in
// WAITING_HUMAN.
func (r *Runner) escalate(p bubble.Paths, cfg config.Bubble, snap state.Snapshot, fp state.Fingerprint, status Status) (Outcome, error) {
	var question = fmt.Sprintf(
		"the %s has been inactive for over %d minutes; intervene or stop the bubble",
		snap.ActiveRole, cfg.WatchdogTimeoutMinutes)

	var appended, err = transcript.Append(r.Engine.AppendArgsFor(p, transcript.Draft{
		BubbleID:  p.BubbleID,
		Sender:    protocol.Orchestrator,
		Recipient: protocol.Human,
		Type:      protocol.TypeHumanQuestion,
		Round:     snap.Round,
		Payload:   protocol.Payload{Question: question},
	}))
	if err != nil {
		return Outcome{}, err
	}

	next, err := state.ApplyTransition(snap, state.TransitionInput{To: state.WaitingHuman})
	if err == nil {
		err = r.Engine.WriteState(p, next, fp)
	}
	if err != nil {
		return Outcome{}, fault.Wrap(fault.Recovery,
			fmt.Errorf("envelope %s is appended but the escalation state write failed: %w",
				appended.Envelope.ID, err))
	}

	if r.Events != nil {
		r.Events.Record(events.Event{
			RepoPath:   p.RepoPath,
			InstanceID: cfg.InstanceID,
			BubbleID:   p.BubbleID,
			EventType:  events.BubbleAskedHuman,
			Round:      intp(snap.Round),
			ActorRole:  string(protocol.Orchestrator),
		})
	}
	return Outcome{Action: ActionEscalated, Status: status}, nil
}

func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

func intp(n int) *int { return &n }

func agentp(a state.AgentID) *state.AgentID { return &a }
