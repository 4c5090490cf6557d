// Package review holds the convergence gatekeeping rules and the reviewer
// test-evidence classifier.
package review

import (
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
)

// GateConverged enforces the reviewer-convergence preconditions that go
// beyond the state machine: at least two completed implementer↔reviewer
// exchanges, no blocking findings in the reviewer's last review, and no
// unanswered human question.
func GateConverged(round int, envelopes []protocol.Envelope) error {
	if round < 2 && completedExchanges(envelopes) < 2 {
		return fault.New(fault.Precondition,
			"converged: at least 2 completed implementer↔reviewer rounds required, bubble is in round %d", round)
	}

	if last := lastReviewerPass(envelopes); last != nil {
		if blocking := last.Payload.BlockingFindings(); len(blocking) > 0 {
			return fault.New(fault.Precondition,
				"converged: reviewer's last review has %d unresolved P0/P1 finding(s), first: %q",
				len(blocking), blocking[0].Title)
		}
	}

	if q := unansweredQuestion(envelopes); q != nil {
		return fault.New(fault.Precondition,
			"converged: human question %s is still unanswered", q.ID)
	}
	return nil
}

// completedExchanges counts reviewer-to-implementer hand-backs, each of which
// closes one round.
func completedExchanges(envelopes []protocol.Envelope) int {
	var n int
	for i := range envelopes {
		if envelopes[i].Type == protocol.TypePass && envelopes[i].Sender == protocol.Reviewer {
			n++
		}
	}
	return n
}

func lastReviewerPass(envelopes []protocol.Envelope) *protocol.Envelope {
	for i := len(envelopes) - 1; i >= 0; i-- {
		if envelopes[i].Type == protocol.TypePass && envelopes[i].Sender == protocol.Reviewer {
			return &envelopes[i]
		}
	}
	return nil
}

// unansweredQuestion returns the most recent HUMAN_QUESTION with no
// HUMAN_REPLY after it.
func unansweredQuestion(envelopes []protocol.Envelope) *protocol.Envelope {
	for i := len(envelopes) - 1; i >= 0; i-- {
		switch envelopes[i].Type {
		case protocol.TypeHumanReply:
			return nil
		case protocol.TypeHumanQuestion:
			return &envelopes[i]
		}
	}
	return nil
}
