// Package state holds the per-bubble state snapshot: its document shape,
// the validated transition machine, and a fingerprinted store with
// optimistic concurrency.
package state

import (
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
)

// State enumerates bubble lifecycle states.
type State string

const (
	Created            State = "CREATED"
	PreparingWorkspace State = "PREPARING_WORKSPACE"
	Running            State = "RUNNING"
	WaitingHuman       State = "WAITING_HUMAN"
	ReadyForApproval   State = "READY_FOR_APPROVAL"
	ApprovedForCommit  State = "APPROVED_FOR_COMMIT"
	Committed          State = "COMMITTED"
	Done               State = "DONE"
	Failed             State = "FAILED"
	Cancelled          State = "CANCELLED"
)

// Terminal reports whether no further transitions leave this state.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// requiresActive are the states in which the active_agent / active_role /
// active_since trio must be present. Everywhere else it must be absent.
func (s State) requiresActive() bool {
	switch s {
	case Running, WaitingHuman, ReadyForApproval, ApprovedForCommit, Committed, Done:
		return true
	}
	return false
}

var allStates = []State{
	Created, PreparingWorkspace, Running, WaitingHuman, ReadyForApproval,
	ApprovedForCommit, Committed, Done, Failed, Cancelled,
}

// AgentID names a bubble's agent slot.
type AgentID string

const (
	AgentImpl AgentID = "impl"
	AgentRev  AgentID = "rev"
)

// RoleOf maps an agent slot to its protocol participant.
func RoleOf(agent AgentID) protocol.Participant {
	if agent == AgentRev {
		return protocol.Reviewer
	}
	return protocol.Implementer
}

// AgentOf maps a protocol participant to its agent slot.
func AgentOf(role protocol.Participant) AgentID {
	if role == protocol.Reviewer {
		return AgentRev
	}
	return AgentImpl
}

// RoleEntry records who held which role during a round.
type RoleEntry struct {
	Round       int       `json:"round"`
	Implementer string    `json:"implementer"`
	Reviewer    string    `json:"reviewer"`
	SwitchedAt  time.Time `json:"switched_at"`
}

// IntentStatus tracks a rework intent through its life.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentApplied    IntentStatus = "applied"
	IntentSuperseded IntentStatus = "superseded"
)

// Intent is a queued human rework request.
type Intent struct {
	IntentID             string       `json:"intent_id"`
	Message              string       `json:"message"`
	RequestedBy          string       `json:"requested_by"`
	RequestedAt          time.Time    `json:"requested_at"`
	Status               IntentStatus `json:"status"`
	SupersededByIntentID string       `json:"superseded_by_intent_id,omitempty"`
	AppliedAt            *time.Time   `json:"applied_at,omitempty"`
}

// Snapshot is the persisted per-bubble state document.
type Snapshot struct {
	BubbleID            string               `json:"bubble_id"`
	State               State                `json:"state"`
	Round               int                  `json:"round"`
	ActiveAgent         AgentID              `json:"active_agent,omitempty"`
	ActiveRole          protocol.Participant `json:"active_role,omitempty"`
	ActiveSince         *time.Time           `json:"active_since,omitempty"`
	LastCommandAt       *time.Time           `json:"last_command_at,omitempty"`
	RoundRoleHistory    []RoleEntry          `json:"round_role_history,omitempty"`
	PendingReworkIntent *Intent              `json:"pending_rework_intent,omitempty"`
	ReworkIntentHistory []Intent             `json:"rework_intent_history,omitempty"`
}

// Validate asserts every snapshot invariant.
func (s *Snapshot) Validate() error {
	if s.BubbleID == "" {
		return fault.New(fault.Validation, "bubble_id: must not be empty")
	}
	var known bool
	for _, st := range allStates {
		if s.State == st {
			known = true
			break
		}
	}
	if !known {
		return fault.New(fault.Validation, "state: unknown state %q", string(s.State))
	}

	if s.Round < 0 {
		return fault.New(fault.Validation, "round: must be non-negative, got %d", s.Round)
	}
	if s.Round == 0 && s.State != Created && s.State != PreparingWorkspace {
		return fault.New(fault.Validation, "round: 0 is only valid in CREATED or PREPARING_WORKSPACE, state is %s", s.State)
	}

	var hasActive = s.ActiveAgent != "" || s.ActiveRole != "" || s.ActiveSince != nil
	var fullActive = s.ActiveAgent != "" && s.ActiveRole != "" && s.ActiveSince != nil
	if s.State.requiresActive() && !fullActive {
		return fault.New(fault.Validation,
			"active_agent/active_role/active_since: all required in state %s", s.State)
	}
	if !s.State.requiresActive() && hasActive {
		return fault.New(fault.Validation,
			"active_agent/active_role/active_since: must be empty in state %s", s.State)
	}
	if s.ActiveAgent != "" && s.ActiveAgent != AgentImpl && s.ActiveAgent != AgentRev {
		return fault.New(fault.Validation, "active_agent: unknown agent %q", string(s.ActiveAgent))
	}
	if s.ActiveRole != "" && s.ActiveRole != protocol.Implementer && s.ActiveRole != protocol.Reviewer {
		return fault.New(fault.Validation, "active_role: must be implementer or reviewer, got %q", string(s.ActiveRole))
	}
	if s.ActiveAgent != "" && RoleOf(s.ActiveAgent) != s.ActiveRole {
		return fault.New(fault.Validation,
			"active_role: %q does not match active_agent %q", string(s.ActiveRole), string(s.ActiveAgent))
	}

	var prevRound = 0
	for i, entry := range s.RoundRoleHistory {
		if entry.Round <= prevRound && i > 0 {
			return fault.New(fault.Validation,
				"round_role_history[%d]: rounds must be strictly increasing", i)
		}
		prevRound = entry.Round
	}

	var seen = map[string]bool{}
	if p := s.PendingReworkIntent; p != nil {
		if p.Status != IntentPending {
			return fault.New(fault.Validation,
				"pending_rework_intent.status: must be pending, got %q", string(p.Status))
		}
		if p.IntentID == "" {
			return fault.New(fault.Validation, "pending_rework_intent.intent_id: must not be empty")
		}
		seen[p.IntentID] = true
	}
	for i, h := range s.ReworkIntentHistory {
		if h.Status == IntentPending {
			return fault.New(fault.Validation,
				"rework_intent_history[%d].status: history never stores pending", i)
		}
		if h.Status != IntentApplied && h.Status != IntentSuperseded {
			return fault.New(fault.Validation,
				"rework_intent_history[%d].status: unknown status %q", i, string(h.Status))
		}
		if seen[h.IntentID] {
			return fault.New(fault.Validation,
				"rework_intent_history[%d].intent_id: duplicate intent id %q", i, h.IntentID)
		}
		seen[h.IntentID] = true
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() Snapshot {
	var out = *s
	if s.ActiveSince != nil {
		var v = *s.ActiveSince
		out.ActiveSince = &v
	}
	if s.LastCommandAt != nil {
		var v = *s.LastCommandAt
		out.LastCommandAt = &v
	}
	out.RoundRoleHistory = append([]RoleEntry(nil), s.RoundRoleHistory...)
	if s.PendingReworkIntent != nil {
		var v = *s.PendingReworkIntent
		out.PendingReworkIntent = &v
	}
	out.ReworkIntentHistory = append([]Intent(nil), s.ReworkIntentHistory...)
	return out
}
