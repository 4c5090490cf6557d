package state

import (
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
)

// transitions is the table of allowed direct edges.
var transitions = map[State][]State{
	Created:            {PreparingWorkspace, Cancelled},
	PreparingWorkspace: {Running, Failed, Cancelled},
	Running:            {WaitingHuman, ReadyForApproval, Failed, Cancelled},
	WaitingHuman:       {Running, Failed, Cancelled},
	ReadyForApproval:   {Running, ApprovedForCommit, Failed, Cancelled},
	ApprovedForCommit:  {Committed, Failed, Cancelled},
	Committed:          {Done},
	Done:               nil,
	Failed:             nil,
	Cancelled:          nil,
}

// CanTransition reports whether |from| -> |to| is an allowed direct edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionInput describes a requested transition with optional field
// overrides applied to the resulting snapshot.
type TransitionInput struct {
	To State

	// Round, when non-nil, replaces the snapshot round.
	Round *int

	// SetActive, when non-nil, installs the agent as active (role derived,
	// active_since set to ActiveSince or left unchanged if nil).
	SetActive   *AgentID
	ActiveSince *time.Time

	// ClearActive removes the active trio. Applied automatically when the
	// target state forbids it.
	ClearActive bool

	// LastCommandAt, when non-nil, replaces last_command_at.
	LastCommandAt *time.Time

	// AppendRoleEntry, when non-nil, is appended to round_role_history.
	AppendRoleEntry *RoleEntry
}

// ApplyTransition validates the edge, applies overrides, and re-validates
// the resulting snapshot. The input snapshot is not mutated.
func ApplyTransition(snap Snapshot, input TransitionInput) (Snapshot, error) {
	if !CanTransition(snap.State, input.To) {
		return Snapshot{}, fault.New(fault.Conflict,
			"transition %s -> %s is not allowed", snap.State, input.To)
	}

	var next = snap.Clone()
	next.State = input.To

	if input.Round != nil {
		next.Round = *input.Round
	}
	if input.SetActive != nil {
		next.ActiveAgent = *input.SetActive
		next.ActiveRole = RoleOf(*input.SetActive)
		if input.ActiveSince != nil {
			var v = *input.ActiveSince
			next.ActiveSince = &v
		}
	}
	if input.ClearActive || !input.To.requiresActive() {
		next.ActiveAgent = ""
		next.ActiveRole = protocol.Participant("")
		next.ActiveSince = nil
	}
	if input.LastCommandAt != nil {
		var v = *input.LastCommandAt
		next.LastCommandAt = &v
	}
	if input.AppendRoleEntry != nil {
		next.RoundRoleHistory = append(next.RoundRoleHistory, *input.AppendRoleEntry)
	}

	if err := next.Validate(); err != nil {
		return Snapshot{}, err
	}
	return next, nil
}
