package events

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

var evT0 = time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

func TestShardPath(t *testing.T) {
	var e = Emitter{Root: "/metrics"}
	require.Equal(t, "/metrics/2026/08/events-2026-08.ndjson", e.ShardPath(evT0))
	require.Equal(t, "/metrics/2025/12/events-2025-12.ndjson",
		e.ShardPath(time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)))
}

func TestEmitAppendsToMonthlyShard(t *testing.T) {
	var root = t.TempDir()
	var e = Emitter{Root: root, Now: func() time.Time { return evT0 }}

	require.NoError(t, e.Emit(Event{
		RepoPath: "/work/repo", InstanceID: "inst-1", BubbleID: "b1",
		EventType: BubbleCreated, ActorRole: "human",
	}))
	require.NoError(t, e.Emit(Event{
		RepoPath: "/work/repo", InstanceID: "inst-1", BubbleID: "b1",
		EventType: BubblePassed, Round: intp(1), ActorRole: "implementer",
	}))

	var raw, err = os.ReadFile(e.ShardPath(evT0))
	require.NoError(t, err)
	var lines = strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"schema_version":1`)
	require.Contains(t, lines[1], `"round":1`)
	require.Contains(t, lines[0], `"round":null`)
}

func TestEmitDisabledWithoutRoot(t *testing.T) {
	var e = Emitter{}
	require.NoError(t, e.Emit(Event{EventType: BubbleCreated}))
}

func TestRecordSwallowsFailures(t *testing.T) {
	ResetWarnings()
	// Root is a file, so shard directory creation must fail.
	var rootFile = filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(rootFile, []byte("x"), 0o644))

	var e = Emitter{Root: filepath.Join(rootFile, "metrics"), Now: func() time.Time { return evT0 }}
	e.Record(Event{EventType: BubbleCreated}) // Must not panic or propagate.
	e.Record(Event{EventType: BubbleCreated}) // Second warning is deduped.
	require.Equal(t, 1, warned.Len())
}

func TestBuildReportAggregates(t *testing.T) {
	var root = t.TempDir()
	var e = Emitter{Root: root}

	var seed = func(ts time.Time, bubble, instance, eventType, role string, round *int) {
		require.NoError(t, e.Emit(Event{
			TS: ts, RepoPath: "/work/repo", InstanceID: instance, BubbleID: bubble,
			EventType: eventType, Round: round, ActorRole: role,
		}))
	}

	// Spread across two months to exercise multi-shard loading.
	var july = time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)
	seed(july, "b1", "inst-1", BubbleCreated, "human", nil)
	seed(july.Add(time.Hour), "b1", "inst-1", BubblePassed, "implementer", intp(1))
	seed(evT0, "b1", "inst-1", BubblePassed, "reviewer", intp(2))
	seed(evT0.Add(time.Minute), "b1", "inst-1", BubbleApproved, "human", nil)
	seed(evT0.Add(2*time.Minute), "b2", "inst-2", BubbleCreated, "human", nil)
	// Outside the window: excluded.
	seed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "b0", "inst-0", BubbleCreated, "human", nil)

	var report, err = BuildReport(root,
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)

	require.Equal(t, 5, report.Total)
	require.Len(t, report.Bubbles, 2)
	require.Equal(t, "b1", report.Bubbles[0].BubbleID)
	require.Equal(t, 2, report.Bubbles[0].MaxRound)
	require.True(t, report.Bubbles[0].Approved)
	require.False(t, report.Bubbles[1].Approved)

	var counts = map[string]int{}
	for _, tc := range report.ByType {
		counts[tc.EventType] = tc.Count
	}
	require.Equal(t, 2, counts[BubblePassed])
	require.Equal(t, 2, counts[BubbleCreated])
}

func TestBuildReportRepoFilterAndBadRange(t *testing.T) {
	var root = t.TempDir()
	var e = Emitter{Root: root}
	require.NoError(t, e.Emit(Event{TS: evT0, RepoPath: "/a", BubbleID: "b1", InstanceID: "i1", EventType: BubbleCreated}))
	require.NoError(t, e.Emit(Event{TS: evT0, RepoPath: "/b", BubbleID: "b2", InstanceID: "i2", EventType: BubbleCreated}))

	var report, err = BuildReport(root, evT0.Add(-time.Hour), evT0.Add(time.Hour), "/a")
	require.NoError(t, err)
	require.Equal(t, 1, report.Total)

	_, err = BuildReport(root, evT0, evT0.Add(-time.Hour), "")
	require.Error(t, err)
}

func TestRenderJSONAndTable(t *testing.T) {
	var report = &Report{
		From: evT0, To: evT0.Add(24 * time.Hour), Total: 3,
		ByType:  []TypeCount{{EventType: BubblePassed, Count: 3}},
		Bubbles: []BubbleStat{{BubbleID: "b1", MaxRound: 2, Events: 3}},
	}

	var buf bytes.Buffer
	require.NoError(t, report.RenderJSON(&buf))
	require.Contains(t, buf.String(), `"total_events": 3`)

	buf.Reset()
	report.RenderTable(&buf)
	require.Contains(t, buf.String(), "bubble_passed")
	require.Contains(t, buf.String(), "rounds=2")
}

func TestReportJSONSnapshot(t *testing.T) {
	var report = &Report{
		From:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		Total: 5,
		ByType: []TypeCount{
			{EventType: BubblePassed, Count: 3},
			{EventType: BubbleCreated, Count: 2},
		},
		Bubbles: []BubbleStat{{
			BubbleID:  "cache-fix",
			RepoPath:  "/work/repo",
			Events:    5,
			MaxRound:  3,
			FirstSeen: time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
			LastSeen:  time.Date(2026, 8, 3, 17, 30, 0, 0, time.UTC),
			Approved:  true,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, report.RenderJSON(&buf))
	cupaloy.SnapshotT(t, buf.String())
}
