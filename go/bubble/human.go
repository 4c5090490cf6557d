package bubble

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
)

// Reply answers a waiting bubble. The recipient is the agent that last
// asked; the bubble resumes RUNNING.
func (e *Engine) Reply(ctx context.Context, repoPath, bubbleID, message string) (OpResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return OpResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return OpResult{}, err
	}
	if snap.State != state.WaitingHuman {
		return OpResult{}, fault.New(fault.Precondition,
			"bubble %s is %s; reply requires WAITING_HUMAN", bubbleID, snap.State)
	}

	envelopes, err := transcript.Read(p.TranscriptPath(), transcript.ReadOpts{AllowMissing: true, ToleratePartialTail: true})
	if err != nil {
		return OpResult{}, err
	}
	var recipient = snap.ActiveRole
	for i := len(envelopes) - 1; i >= 0; i-- {
		if envelopes[i].Type == protocol.TypeHumanQuestion {
			recipient = envelopes[i].Sender
			break
		}
	}

	appended, err := transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  bubbleID,
		Sender:    protocol.Human,
		Recipient: recipient,
		Type:      protocol.TypeHumanReply,
		Round:     snap.Round,
		Payload:   protocol.Payload{Message: message},
	}))
	if err != nil {
		return OpResult{}, err
	}

	next, err := state.ApplyTransition(snap, state.TransitionInput{
		To:            state.Running,
		LastCommandAt: timep(e.now().UTC()),
	})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		return OpResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	e.deliver(ctx, bubbleID, fmt.Sprintf("pairflow: human replied: %s", message))
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleReplied,
		Round:      intp(snap.Round),
		ActorRole:  string(protocol.Human),
	})
	return OpResult{BubbleID: bubbleID, Seq: appended.Seq, Envelope: appended.Envelope, NewState: next.State}, nil
}

// Approve records the human's approval and readies the bubble for commit.
func (e *Engine) Approve(ctx context.Context, repoPath, bubbleID string) (OpResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return OpResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return OpResult{}, err
	}
	if snap.State != state.ReadyForApproval {
		return OpResult{}, fault.New(fault.Precondition,
			"bubble %s is %s; approve requires READY_FOR_APPROVAL", bubbleID, snap.State)
	}

	appended, err := transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  bubbleID,
		Sender:    protocol.Human,
		Recipient: protocol.Reviewer,
		Type:      protocol.TypeApprovalDecision,
		Round:     snap.Round,
		Payload:   protocol.Payload{Decision: protocol.DecisionApprove},
	}))
	if err != nil {
		return OpResult{}, err
	}

	next, err := state.ApplyTransition(snap, state.TransitionInput{
		To:            state.ApprovedForCommit,
		LastCommandAt: timep(e.now().UTC()),
	})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		return OpResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	e.notify(cfg, "bubble approved for commit")
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleApproved,
		Round:      intp(snap.Round),
		ActorRole:  string(protocol.Human),
	})
	return OpResult{BubbleID: bubbleID, Seq: appended.Seq, Envelope: appended.Envelope, NewState: next.State}, nil
}

// RequestRework routes a human rework request. From READY_FOR_APPROVAL the
// request is immediate: an APPROVAL_DECISION=revise envelope and a return
// to RUNNING with a fresh round. From WAITING_HUMAN the request is queued
// as a pending intent (latest wins) for the watchdog to deliver; nothing is
// appended to the transcript.
func (e *Engine) RequestRework(ctx context.Context, repoPath, bubbleID, message string) (OpResult, error) {
	if strings.TrimSpace(message) == "" {
		return OpResult{}, fault.New(fault.Validation, "rework request requires a message")
	}

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
	case state.ReadyForApproval:
		return e.reworkImmediate(ctx, p, cfg.InstanceID, cfg.Implementer, cfg.Reviewer, snap, fp, message)
	case state.WaitingHuman:
		return e.reworkQueued(p, cfg.InstanceID, snap, fp, message)
	default:
		return OpResult{}, fault.New(fault.Precondition,
			"bubble %s is %s; rework requires READY_FOR_APPROVAL or WAITING_HUMAN", bubbleID, snap.State)
	}
}

func (e *Engine) reworkImmediate(ctx context.Context, p Paths, instanceID, implementer, reviewer string, snap state.Snapshot, fp state.Fingerprint, message string) (OpResult, error) {
	var appended, err = transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  p.BubbleID,
		Sender:    protocol.Human,
		Recipient: protocol.Implementer,
		Type:      protocol.TypeApprovalDecision,
		Round:     snap.Round,
		Payload:   protocol.Payload{Decision: protocol.DecisionRevise, Message: message},
	}))
	if err != nil {
		return OpResult{}, err
	}

	var now = e.now().UTC()
	next, err := state.ApplyTransition(snap, state.TransitionInput{
		To:            state.Running,
		Round:         intp(snap.Round + 1),
		SetActive:     agentp(state.AgentImpl),
		ActiveSince:   timep(now),
		LastCommandAt: timep(now),
		AppendRoleEntry: &state.RoleEntry{
			Round:       snap.Round + 1,
			Implementer: implementer,
			Reviewer:    reviewer,
			SwitchedAt:  now,
		},
	})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		return OpResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	e.deliver(ctx, p.BubbleID, fmt.Sprintf("pairflow: rework requested: %s", message))
	e.record(events.Event{
		RepoPath:   p.RepoPath,
		InstanceID: instanceID,
		BubbleID:   p.BubbleID,
		EventType:  events.BubbleReworkRequested,
		Round:      intp(next.Round),
		ActorRole:  string(protocol.Human),
	})
	return OpResult{BubbleID: p.BubbleID, Seq: appended.Seq, Envelope: appended.Envelope, NewState: next.State}, nil
}

func (e *Engine) reworkQueued(p Paths, instanceID string, snap state.Snapshot, fp state.Fingerprint, message string) (OpResult, error) {
	var now = e.now().UTC()
	var next = snap.Clone()
	var intent = state.Intent{
		IntentID:    "intent_" + uuid.NewString(),
		Message:     message,
		RequestedBy: string(protocol.Human),
		RequestedAt: now,
		Status:      state.IntentPending,
	}

	var superseded *state.Intent
	if prior := next.PendingReworkIntent; prior != nil {
		var moved = *prior
		moved.Status = state.IntentSuperseded
		moved.SupersededByIntentID = intent.IntentID
		next.ReworkIntentHistory = append(next.ReworkIntentHistory, moved)
		superseded = &moved
	}
	next.PendingReworkIntent = &intent

	if err := e.writeState(p, next, fp); err != nil {
		return OpResult{}, err
	}

	if superseded != nil {
		e.record(events.Event{
			RepoPath:   p.RepoPath,
			InstanceID: instanceID,
			BubbleID:   p.BubbleID,
			EventType:  events.ReworkIntentSuperseded,
			Round:      intp(snap.Round),
			ActorRole:  string(protocol.Human),
			Metadata:   map[string]interface{}{"intent_id": superseded.IntentID},
		})
	}
	e.record(events.Event{
		RepoPath:   p.RepoPath,
		InstanceID: instanceID,
		BubbleID:   p.BubbleID,
		EventType:  events.ReworkIntentQueued,
		Round:      intp(snap.Round),
		ActorRole:  string(protocol.Human),
		Metadata:   map[string]interface{}{"intent_id": intent.IntentID},
	})
	return OpResult{BubbleID: p.BubbleID, NewState: next.State}, nil
}
