package watchdog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/bubble"
	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/gitwt"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
	"github.com/stretchr/testify/require"
)

var wdT0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func scriptedGit(_ context.Context, _ string, args ...string) ([]byte, error) {
	var joined = strings.Join(args, " ")
	switch {
	case joined == "rev-parse --is-inside-work-tree":
		return []byte("true\n"), nil
	case args[0] == "worktree" && args[1] == "add":
		return nil, nil
	case args[0] == "worktree" && args[1] == "list":
		return nil, nil
	}
	return nil, fault.New(fault.ExternalCommand, "scriptedGit: unhandled git %s", joined)
}

type fixture struct {
	repo   string
	mux    *multiplex.Stub
	eng    *bubble.Engine
	runner *Runner
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	var f = &fixture{repo: t.TempDir(), mux: multiplex.NewStub(), now: wdT0}
	f.eng = &bubble.Engine{
		Git:    &gitwt.Git{Run: scriptedGit},
		Mux:    f.mux,
		Events: &events.Emitter{Root: filepath.Join(t.TempDir(), "metrics")},
		Now:    func() time.Time { return f.now },
	}
	f.runner = &Runner{
		Engine: f.eng,
		Mux:    f.mux,
		Events: f.eng.Events,
		Now:    func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) running(t *testing.T, id string) {
	var ctx = context.Background()
	var _, err = f.eng.Create(ctx, bubble.CreateArgs{
		ID: id, RepoPath: f.repo, BaseBranch: "main", TaskText: "tighten the cache eviction"})
	require.NoError(t, err)
	_, err = f.eng.Start(ctx, f.repo, id)
	require.NoError(t, err)
}

func (f *fixture) snap(t *testing.T, id string) state.Snapshot {
	var snap, _, err = f.eng.ReadState(bubble.Paths{RepoPath: f.repo, BubbleID: id})
	require.NoError(t, err)
	return snap
}

func TestComputeStatus(t *testing.T) {
	var cfg = config.Defaults() // 30 minute timeout.
	var since = wdT0

	var snap = state.Snapshot{
		BubbleID: "b", State: state.Running, Round: 1,
		ActiveAgent: state.AgentImpl, ActiveRole: protocol.Implementer,
		ActiveSince: &since,
	}

	var s = Compute(snap, cfg, wdT0.Add(10*time.Minute))
	require.True(t, s.Monitored)
	require.Equal(t, 20*time.Minute, s.Remaining)
	require.False(t, s.Expired)

	// One second before the deadline is still healthy.
	s = Compute(snap, cfg, wdT0.Add(30*time.Minute-time.Second))
	require.False(t, s.Expired)

	// Exactly at the deadline is expired.
	s = Compute(snap, cfg, wdT0.Add(30*time.Minute))
	require.True(t, s.Expired)

	// last_command_at later than active_since restarts the budget.
	var bumped = wdT0.Add(25 * time.Minute)
	snap.LastCommandAt = &bumped
	s = Compute(snap, cfg, wdT0.Add(30*time.Minute))
	require.False(t, s.Expired)
	require.Equal(t, 25*time.Minute, s.Remaining)

	// Unmonitored shapes.
	require.False(t, Compute(state.Snapshot{State: state.Created}, cfg, wdT0).Monitored)
	require.False(t, Compute(state.Snapshot{State: state.Done}, cfg, wdT0).Monitored)
}

func TestRunNotMonitored(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	var _, err = f.eng.Create(ctx, bubble.CreateArgs{
		ID: "fresh", RepoPath: f.repo, BaseBranch: "main", TaskText: "task"})
	require.NoError(t, err)

	out, err := f.runner.Run(ctx, f.repo, "fresh")
	require.NoError(t, err)
	require.Empty(t, out.Action)
	require.Equal(t, ReasonNotMonitored, out.Reason)
}

func TestRunDeliversQueuedIntent(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.running(t, "deferred")

	var _, err = f.eng.AskHuman(ctx, f.repo, "deferred", protocol.Implementer, "which backend?")
	require.NoError(t, err)
	_, err = f.eng.RequestRework(ctx, f.repo, "deferred", "switch to the new backend")
	require.NoError(t, err)

	var before = f.snap(t, "deferred")
	require.NotNil(t, before.PendingReworkIntent)

	out, err := f.runner.Run(ctx, f.repo, "deferred")
	require.NoError(t, err)
	require.Equal(t, ActionIntentApplied, out.Action)

	var snap = f.snap(t, "deferred")
	require.Equal(t, state.Running, snap.State)
	require.Equal(t, before.Round+1, snap.Round)
	require.Equal(t, protocol.Implementer, snap.ActiveRole)
	require.Nil(t, snap.PendingReworkIntent)
	require.Len(t, snap.ReworkIntentHistory, 1)
	require.Equal(t, state.IntentApplied, snap.ReworkIntentHistory[0].Status)
	require.NotNil(t, snap.ReworkIntentHistory[0].AppliedAt)

	var sent = f.mux.Sent(multiplex.SessionName("deferred"))
	require.Contains(t, sent[len(sent)-1], "switch to the new backend")
}

func TestRunIntentDeliveryFailureLeavesStateAlone(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.running(t, "stuckint")

	var _, err = f.eng.AskHuman(ctx, f.repo, "stuckint", protocol.Implementer, "q?")
	require.NoError(t, err)
	_, err = f.eng.RequestRework(ctx, f.repo, "stuckint", "do it differently")
	require.NoError(t, err)

	f.mux.SetAlive(multiplex.SessionName("stuckint"), false)

	out, err := f.runner.Run(ctx, f.repo, "stuckint")
	require.NoError(t, err)
	require.Equal(t, ReasonDeliveryFailed, out.Reason)

	var snap = f.snap(t, "stuckint")
	require.Equal(t, state.WaitingHuman, snap.State)
	require.NotNil(t, snap.PendingReworkIntent)
	require.Empty(t, snap.ReworkIntentHistory)
}

func TestRunEscalatesExpiredAgent(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.running(t, "stalled")

	f.now = f.now.Add(31 * time.Minute)
	out, err := f.runner.Run(ctx, f.repo, "stalled")
	require.NoError(t, err)
	require.Equal(t, ActionEscalated, out.Action)
	require.True(t, out.Status.Expired)

	var p = bubble.Paths{RepoPath: f.repo, BubbleID: "stalled"}
	envelopes, err := transcript.Read(p.TranscriptPath(), transcript.ReadOpts{})
	require.NoError(t, err)
	var last = envelopes[len(envelopes)-1]
	require.Equal(t, protocol.TypeHumanQuestion, last.Type)
	require.Equal(t, protocol.Orchestrator, last.Sender)
	require.Contains(t, last.Payload.Question, "inactive")

	require.Equal(t, state.WaitingHuman, f.snap(t, "stalled").State)
}

func TestRunRetriesStuckInput(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.running(t, "nudge")
	var p = bubble.Paths{RepoPath: f.repo, BubbleID: "nudge"}

	// Make the last envelope (TASK to the implementer) look newer than the
	// agent's last activity.
	snap, fp, err := f.eng.ReadState(p)
	require.NoError(t, err)
	var stale = wdT0.Add(-time.Hour)
	var next = snap.Clone()
	next.LastCommandAt = &stale
	require.NoError(t, f.eng.WriteState(p, next, fp))

	f.now = f.now.Add(5 * time.Minute) // Well inside the budget.
	out, err := f.runner.Run(ctx, f.repo, "nudge")
	require.NoError(t, err)
	require.Equal(t, ActionResent, out.Action)

	var sent = f.mux.Sent(multiplex.SessionName("nudge"))
	require.Contains(t, sent[len(sent)-1], "resending")
	require.Contains(t, sent[len(sent)-1], string(protocol.TypeTask))
}

func TestRunHealthyIsNoop(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.running(t, "fine")

	// last_command_at equals the TASK envelope's timestamp, so there is
	// nothing to re-send and nothing has expired.
	out, err := f.runner.Run(ctx, f.repo, "fine")
	require.NoError(t, err)
	require.Empty(t, out.Action)
	require.Equal(t, ReasonHealthy, out.Reason)
}
