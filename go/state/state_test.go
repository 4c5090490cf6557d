package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func runningSnapshot() Snapshot {
	var since = t0
	return Snapshot{
		BubbleID:    "b1",
		State:       Running,
		Round:       1,
		ActiveAgent: AgentImpl,
		ActiveRole:  protocol.Implementer,
		ActiveSince: &since,
		RoundRoleHistory: []RoleEntry{
			{Round: 1, Implementer: "claude-a", Reviewer: "claude-b", SwitchedAt: t0},
		},
	}
}

func TestValidateActiveTrio(t *testing.T) {
	var snap = runningSnapshot()
	require.NoError(t, snap.Validate())

	snap.ActiveSince = nil
	require.ErrorContains(t, snap.Validate(), "all required in state RUNNING")

	snap = Snapshot{BubbleID: "b1", State: Created, Round: 0, ActiveAgent: AgentImpl}
	require.ErrorContains(t, snap.Validate(), "must be empty in state CREATED")
}

func TestValidateRoundZero(t *testing.T) {
	var snap = Snapshot{BubbleID: "b1", State: Created, Round: 0}
	require.NoError(t, snap.Validate())

	snap.State = Cancelled
	require.ErrorContains(t, snap.Validate(), "round: 0 is only valid")
}

func TestValidateIntentInvariants(t *testing.T) {
	var snap = runningSnapshot()
	snap.State = WaitingHuman
	snap.PendingReworkIntent = &Intent{
		IntentID: "i1", Message: "redo", RequestedBy: "human", RequestedAt: t0,
		Status: IntentPending,
	}
	require.NoError(t, snap.Validate())

	snap.PendingReworkIntent.Status = IntentApplied
	require.ErrorContains(t, snap.Validate(), "must be pending")
	snap.PendingReworkIntent.Status = IntentPending

	snap.ReworkIntentHistory = []Intent{{IntentID: "i0", Status: IntentPending}}
	require.ErrorContains(t, snap.Validate(), "history never stores pending")

	snap.ReworkIntentHistory = []Intent{{IntentID: "i1", Status: IntentSuperseded, SupersededByIntentID: "i1"}}
	require.ErrorContains(t, snap.Validate(), "duplicate intent id")
}

func TestValidateRoleHistoryOrdering(t *testing.T) {
	var snap = runningSnapshot()
	snap.RoundRoleHistory = append(snap.RoundRoleHistory,
		RoleEntry{Round: 1, Implementer: "a", Reviewer: "b", SwitchedAt: t0})
	require.ErrorContains(t, snap.Validate(), "strictly increasing")
}

func TestTransitionTable(t *testing.T) {
	require.True(t, CanTransition(Created, PreparingWorkspace))
	require.True(t, CanTransition(Running, WaitingHuman))
	require.True(t, CanTransition(ReadyForApproval, Running))
	require.True(t, CanTransition(Committed, Done))

	require.False(t, CanTransition(Created, Running))
	require.False(t, CanTransition(Done, Running))
	require.False(t, CanTransition(WaitingHuman, ReadyForApproval))
	require.False(t, CanTransition(Cancelled, Created))
}

func TestApplyTransition(t *testing.T) {
	var snap = runningSnapshot()

	var next, err = ApplyTransition(snap, TransitionInput{To: WaitingHuman})
	require.NoError(t, err)
	require.Equal(t, WaitingHuman, next.State)
	// Active trio survives into WAITING_HUMAN.
	require.Equal(t, AgentImpl, next.ActiveAgent)

	// Terminal transition clears the trio automatically.
	next, err = ApplyTransition(snap, TransitionInput{To: Cancelled})
	require.NoError(t, err)
	require.Empty(t, next.ActiveAgent)
	require.Nil(t, next.ActiveSince)

	// Illegal edge is a Conflict.
	_, err = ApplyTransition(snap, TransitionInput{To: Done})
	require.Equal(t, fault.Conflict, fault.KindOf(err))

	// Input snapshot is never mutated.
	require.Equal(t, Running, snap.State)
}

func TestApplyTransitionOverrides(t *testing.T) {
	var snap = runningSnapshot()
	var round = 2
	var rev = AgentRev
	var at = t0.Add(time.Minute)

	var next, err = ApplyTransition(snap, TransitionInput{
		To:            Running,
		Round:         &round,
		SetActive:     &rev,
		ActiveSince:   &at,
		LastCommandAt: &at,
		AppendRoleEntry: &RoleEntry{
			Round: 2, Implementer: "claude-a", Reviewer: "claude-b", SwitchedAt: at,
		},
	})
	require.Error(t, err) // RUNNING -> RUNNING is not an edge.

	next, err = ApplyTransition(snap, TransitionInput{To: WaitingHuman, Round: &round,
		SetActive: &rev, ActiveSince: &at, LastCommandAt: &at})
	require.NoError(t, err)
	require.Equal(t, 2, next.Round)
	require.Equal(t, AgentRev, next.ActiveAgent)
	require.Equal(t, protocol.Reviewer, next.ActiveRole)
	require.Equal(t, at, *next.LastCommandAt)
}

func newStore(t *testing.T) *Store {
	var dir = t.TempDir()
	return &Store{
		Path:     filepath.Join(dir, "state.json"),
		LockPath: filepath.Join(dir, "bubble.lock"),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	var store = newStore(t)
	var snap = runningSnapshot()

	require.NoError(t, store.Write(snap, WriteOpts{AllowCreate: true}))

	var got, fingerprint, err = store.Read()
	require.NoError(t, err)
	require.NotEmpty(t, fingerprint)
	require.Equal(t, snap.State, got.State)
	require.Equal(t, snap.RoundRoleHistory, got.RoundRoleHistory)

	// Pretty-printed with trailing newline.
	raw, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	require.True(t, raw[len(raw)-1] == '\n')
	require.Contains(t, string(raw), "\n  \"state\": \"RUNNING\"")
}

func TestStoreFingerprintGuard(t *testing.T) {
	var store = newStore(t)
	require.NoError(t, store.Write(runningSnapshot(), WriteOpts{AllowCreate: true}))

	var snap, fingerprint, err = store.Read()
	require.NoError(t, err)

	// A concurrent writer slips in.
	var other = snap.Clone()
	var at = t0.Add(time.Second)
	other.LastCommandAt = &at
	require.NoError(t, store.Write(other, WriteOpts{}))

	// The original reader's conditional write now fails.
	var next, applyErr = ApplyTransition(snap, TransitionInput{To: WaitingHuman})
	require.NoError(t, applyErr)
	err = store.Write(next, WriteOpts{ExpectedFingerprint: fingerprint})
	require.Equal(t, fault.Conflict, fault.KindOf(err))

	// Re-reading yields a fresh fingerprint that succeeds.
	snap, fingerprint, err = store.Read()
	require.NoError(t, err)
	next, applyErr = ApplyTransition(snap, TransitionInput{To: WaitingHuman})
	require.NoError(t, applyErr)
	require.NoError(t, store.Write(next, WriteOpts{ExpectedFingerprint: fingerprint}))
}

func TestStoreExpectedStateGuard(t *testing.T) {
	var store = newStore(t)
	require.NoError(t, store.Write(runningSnapshot(), WriteOpts{AllowCreate: true}))

	var snap, _, err = store.Read()
	require.NoError(t, err)

	var next, applyErr = ApplyTransition(snap, TransitionInput{To: Failed})
	require.NoError(t, applyErr)
	err = store.Write(next, WriteOpts{ExpectedState: WaitingHuman})
	require.Equal(t, fault.Conflict, fault.KindOf(err))

	require.NoError(t, store.Write(next, WriteOpts{ExpectedState: Running}))
}

func TestStoreReadMissing(t *testing.T) {
	var store = newStore(t)
	var _, _, err = store.Read()
	require.Equal(t, fault.NotFound, fault.KindOf(err))

	// Writing without AllowCreate also refuses.
	err = store.Write(runningSnapshot(), WriteOpts{})
	require.Equal(t, fault.NotFound, fault.KindOf(err))
}
