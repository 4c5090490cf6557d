package bubble

import (
	"context"
	"fmt"
	"strings"

	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/review"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
	log "github.com/sirupsen/logrus"
)

// PassArgs parameterise an agent pass.
type PassArgs struct {
	Caller   protocol.Participant
	Summary  string
	Intent   protocol.PassIntent
	Findings []protocol.Finding
	Refs     []string
}

// Pass hands the bubble to the other agent. An implementer pass stays in
// the same round with the reviewer active; a reviewer pass hands back,
// incrementing the round with the implementer active.
func (e *Engine) Pass(ctx context.Context, repoPath, bubbleID string, args PassArgs) (OpResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return OpResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return OpResult{}, err
	}
	if err = requireActiveCaller(snap, bubbleID, args.Caller); err != nil {
		return OpResult{}, err
	}

	var recipient = protocol.Reviewer
	var verification *review.Verdict
	if args.Caller == protocol.Reviewer {
		recipient = protocol.Implementer
		var verdict, verifyErr = e.verifyReviewerEvidence(ctx, p, cfg, args)
		if verifyErr != nil {
			return OpResult{}, verifyErr
		}
		verification = &verdict
	}

	appended, err := transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  bubbleID,
		Sender:    args.Caller,
		Recipient: recipient,
		Type:      protocol.TypePass,
		Round:     snap.Round,
		Payload: protocol.Payload{
			Summary:    args.Summary,
			PassIntent: args.Intent,
			Findings:   args.Findings,
			Metadata:   verificationMetadata(verification),
		},
		Refs: args.Refs,
	}))
	if err != nil {
		return OpResult{}, err
	}

	var now = e.now().UTC()
	var next = snap.Clone()
	next.ActiveAgent = state.AgentOf(recipient)
	next.ActiveRole = recipient
	next.ActiveSince = timep(now)
	next.LastCommandAt = timep(now)
	if args.Caller == protocol.Reviewer {
		next.Round = snap.Round + 1
		next.RoundRoleHistory = append(next.RoundRoleHistory, state.RoleEntry{
			Round:       next.Round,
			Implementer: cfg.Implementer,
			Reviewer:    cfg.Reviewer,
			SwitchedAt:  now,
		})
	}
	if err = e.writeState(p, next, fp); err != nil {
		return OpResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	e.deliver(ctx, bubbleID,
		fmt.Sprintf("pairflow: %s passed to you (round %d): %s", args.Caller, next.Round, args.Summary))
	e.notify(cfg, fmt.Sprintf("%s passed", args.Caller))
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubblePassed,
		Round:      intp(snap.Round),
		ActorRole:  string(args.Caller),
	})
	return OpResult{BubbleID: bubbleID, Seq: appended.Seq, Envelope: appended.Envelope, NewState: next.State}, nil
}

// verifyReviewerEvidence classifies the reviewer's cited test evidence
// against the configured commands and persists the verification artifact
// before the pass envelope is appended. When the current pass carries no
// fresh evidence, a prior trusted artifact still matching the worktree
// fingerprint stands in.
func (e *Engine) verifyReviewerEvidence(ctx context.Context, p Paths, cfg config.Bubble, args PassArgs) (review.Verdict, error) {
	var commands []string
	for _, c := range []string{cfg.TestCommand, cfg.TypecheckCommand} {
		if strings.TrimSpace(c) != "" {
			commands = append(commands, c)
		}
	}

	var fp, fpErr = e.Git.Fingerprint(ctx, p.WorktreePath())
	if fpErr != nil {
		log.WithFields(log.Fields{
			"bubble": p.BubbleID,
			"err":    fpErr,
		}).Warn("worktree fingerprint failed; stored verification cannot be held across passes")
	}

	var verdict = review.Classify(review.Evidence{
		Summary:      args.Summary,
		Refs:         args.Refs,
		WorktreeRoot: p.WorktreePath(),
		RepoRoot:     p.RepoPath,
		Commands:     commands,
	})
	if verdict.Status != review.StatusTrusted && fpErr == nil && len(commands) > 0 {
		if prior, ok, loadErr := review.LoadArtifact(p.VerificationPath()); loadErr == nil && ok {
			if held := review.Recheck(prior, fp); held.Status == review.StatusTrusted {
				verdict = held
			}
		}
	}

	var err = review.StoreArtifact(p.VerificationPath(), review.Artifact{
		Commands:    commands,
		Fingerprint: fp,
		Verdict:     verdict,
		CreatedAt:   e.now().UTC(),
	})
	return verdict, err
}

func verificationMetadata(v *review.Verdict) map[string]interface{} {
	if v == nil {
		return nil
	}
	return map[string]interface{}{
		"test_verification": map[string]interface{}{
			"status":      v.Status,
			"decision":    v.Decision,
			"reason_code": v.ReasonCode,
		},
	}
}

// AskHuman appends a HUMAN_QUESTION from the active agent and parks the
// bubble in WAITING_HUMAN.
func (e *Engine) AskHuman(ctx context.Context, repoPath, bubbleID string, caller protocol.Participant, question string) (OpResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return OpResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return OpResult{}, err
	}
	if err = requireActiveCaller(snap, bubbleID, caller); err != nil {
		return OpResult{}, err
	}

	appended, err := transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  bubbleID,
		Sender:    caller,
		Recipient: protocol.Human,
		Type:      protocol.TypeHumanQuestion,
		Round:     snap.Round,
		Payload:   protocol.Payload{Question: question},
	}))
	if err != nil {
		return OpResult{}, err
	}

	next, err := state.ApplyTransition(snap, state.TransitionInput{
		To:            state.WaitingHuman,
		LastCommandAt: timep(e.now().UTC()),
	})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		return OpResult{}, recoveryErr(appended.Envelope.ID, err)
	}

	e.notify(cfg, "agent is waiting on you")
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleAskedHuman,
		Round:      intp(snap.Round),
		ActorRole:  string(caller),
	})
	return OpResult{BubbleID: bubbleID, Seq: appended.Seq, Envelope: appended.Envelope, NewState: next.State}, nil
}

// Converged is the reviewer-only operation declaring the exchange done. It
// enforces the convergence gate, appends CONVERGENCE plus a synthesised
// APPROVAL_REQUEST in one lock scope, and moves to READY_FOR_APPROVAL.
func (e *Engine) Converged(ctx context.Context, repoPath, bubbleID, summary string) (OpResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return OpResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return OpResult{}, err
	}
	if err = requireActiveCaller(snap, bubbleID, protocol.Reviewer); err != nil {
		return OpResult{}, err
	}

	envelopes, err := transcript.Read(p.TranscriptPath(), transcript.ReadOpts{AllowMissing: true, ToleratePartialTail: true})
	if err != nil {
		return OpResult{}, err
	}
	if err = review.GateConverged(snap.Round, envelopes); err != nil {
		return OpResult{}, err
	}

	appendedAll, err := transcript.AppendMany(e.appendArgs(p),
		transcript.Draft{
			BubbleID:  bubbleID,
			Sender:    protocol.Reviewer,
			Recipient: protocol.Orchestrator,
			Type:      protocol.TypeConvergence,
			Round:     snap.Round,
			Payload:   protocol.Payload{Summary: summary},
		},
		transcript.Draft{
			BubbleID:  bubbleID,
			Sender:    protocol.Reviewer,
			Recipient: protocol.Human,
			Type:      protocol.TypeApprovalRequest,
			Round:     snap.Round,
			Payload:   protocol.Payload{Summary: summary},
		})
	if err != nil {
		return OpResult{}, err
	}
	var convergence = appendedAll[0]

	next, err := state.ApplyTransition(snap, state.TransitionInput{
		To:            state.ReadyForApproval,
		LastCommandAt: timep(e.now().UTC()),
	})
	if err == nil {
		err = e.writeState(p, next, fp)
	}
	if err != nil {
		return OpResult{}, recoveryErr(convergence.Envelope.ID, err)
	}

	e.notify(cfg, "bubble is ready for your approval")
	e.record(events.Event{
		RepoPath:   repoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   bubbleID,
		EventType:  events.BubbleConverged,
		Round:      intp(snap.Round),
		ActorRole:  string(protocol.Reviewer),
	})
	return OpResult{BubbleID: bubbleID, Seq: convergence.Seq, Envelope: convergence.Envelope, NewState: next.State}, nil
}

// requireActiveCaller asserts a RUNNING bubble whose active role matches
// the calling agent.
func requireActiveCaller(snap state.Snapshot, bubbleID string, caller protocol.Participant) error {
	if caller != protocol.Implementer && caller != protocol.Reviewer {
		return fault.New(fault.Validation, "caller %q is not an agent role", string(caller))
	}
	if snap.State != state.Running {
		return fault.New(fault.Precondition,
			"bubble %s is %s; agent commands require RUNNING", bubbleID, snap.State)
	}
	if snap.ActiveRole != caller {
		return fault.New(fault.Precondition,
			"bubble %s: %s is active, %s may not act", bubbleID, snap.ActiveRole, caller)
	}
	return nil
}
