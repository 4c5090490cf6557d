package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	transcript string
	inbox      string
	lock       string
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	var dir = t.TempDir()
	return &fixture{
		transcript: filepath.Join(dir, "transcript.ndjson"),
		inbox:      filepath.Join(dir, "inbox.ndjson"),
		lock:       filepath.Join(dir, "bubble.lock"),
		now:        time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
	}
}

func (f *fixture) args(draft Draft) AppendArgs {
	return AppendArgs{
		TranscriptPath: f.transcript,
		InboxPath:      f.inbox,
		LockPath:       f.lock,
		Draft:          draft,
		Now:            func() time.Time { return f.now },
	}
}

func passDraft(summary string) Draft {
	return Draft{
		BubbleID:  "b1",
		Sender:    protocol.Implementer,
		Recipient: protocol.Reviewer,
		Type:      protocol.TypePass,
		Round:     1,
		Payload:   protocol.Payload{Summary: summary},
	}
}

func TestAppendAllocatesContiguousSequences(t *testing.T) {
	var f = newFixture(t)

	for i := 1; i <= 3; i++ {
		var got, err = Append(f.args(passDraft("pass")))
		require.NoError(t, err)
		require.Equal(t, i, got.Seq)
		require.Equal(t, protocol.FormatMsgID(f.now, i), got.Envelope.ID)
	}

	var envelopes, err = Read(f.transcript, ReadOpts{})
	require.NoError(t, err)
	require.Len(t, envelopes, 3)
}

func TestAppendRepairsBrokenTail(t *testing.T) {
	var f = newFixture(t)

	_, err := Append(f.args(passDraft("first")))
	require.NoError(t, err)

	// Simulate a crashed writer: partial line without terminating newline.
	fh, err := os.OpenFile(f.transcript, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"id":"msg_20260824_002","ts":"2026-08-`)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	// Read without tolerance fails; with tolerance drops the tail.
	_, err = Read(f.transcript, ReadOpts{})
	require.Equal(t, fault.Validation, fault.KindOf(err))
	envelopes, err := Read(f.transcript, ReadOpts{ToleratePartialTail: true})
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	// Append repairs, then continues the sequence from the last good line.
	got, err := Append(f.args(passDraft("second")))
	require.NoError(t, err)
	require.Equal(t, 2, got.Seq)

	envelopes, err = Read(f.transcript, ReadOpts{})
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	require.Equal(t, "second", envelopes[1].Payload.Summary)
}

func TestAppendRejectsForeignBubbleID(t *testing.T) {
	var f = newFixture(t)

	_, err := Append(f.args(passDraft("mine")))
	require.NoError(t, err)

	var foreign = passDraft("theirs")
	foreign.BubbleID = "b2"
	_, err = Append(f.args(foreign))
	require.Equal(t, fault.Validation, fault.KindOf(err))
	require.Contains(t, err.Error(), `bubble_id "b1"`)
}

func TestStrictAuditDetectsGap(t *testing.T) {
	var f = newFixture(t)

	// Hand-write a transcript with a sequence gap: 1 then 3.
	var mk = func(seq int) string {
		var e = protocol.Envelope{
			ID: protocol.FormatMsgID(f.now, seq), TS: f.now, BubbleID: "b1",
			Sender: protocol.Implementer, Recipient: protocol.Reviewer,
			Type: protocol.TypePass, Round: 1,
			Payload: protocol.Payload{Summary: "s"},
		}
		var line, err = protocol.EncodeLine(&e)
		require.NoError(t, err)
		return string(line)
	}
	require.NoError(t, os.WriteFile(f.transcript, []byte(mk(1)+mk(3)), 0o644))

	var args = f.args(passDraft("next"))
	args.StrictAudit = true
	_, err := Append(args)
	require.Equal(t, fault.Conflict, fault.KindOf(err))
	require.Contains(t, err.Error(), "sequence audit failed")

	// Without strict audit the append proceeds from the last sequence.
	got, err := Append(f.args(passDraft("next")))
	require.NoError(t, err)
	require.Equal(t, 4, got.Seq)
}

func TestInboxMirrorsHumanTypesOnly(t *testing.T) {
	var f = newFixture(t)

	_, err := Append(f.args(passDraft("not mirrored")))
	require.NoError(t, err)

	var question = Draft{
		BubbleID:  "b1",
		Sender:    protocol.Implementer,
		Recipient: protocol.Human,
		Type:      protocol.TypeHumanQuestion,
		Round:     1,
		Payload:   protocol.Payload{Question: "server-side too?"},
	}
	_, err = Append(f.args(question))
	require.NoError(t, err)

	var raw, readErr = os.ReadFile(f.inbox)
	require.NoError(t, readErr)
	require.Equal(t, 1, strings.Count(string(raw), "\n"))
	require.Contains(t, string(raw), "HUMAN_QUESTION")
}

func TestRebuildInbox(t *testing.T) {
	var f = newFixture(t)

	_, err := Append(f.args(passDraft("p")))
	require.NoError(t, err)
	_, err = Append(f.args(Draft{
		BubbleID: "b1", Sender: protocol.Reviewer, Recipient: protocol.Human,
		Type: protocol.TypeApprovalRequest, Round: 2,
		Payload: protocol.Payload{Summary: "ready"},
	}))
	require.NoError(t, err)

	require.NoError(t, os.Remove(f.inbox))
	require.NoError(t, RebuildInbox(f.transcript, f.inbox, f.lock, time.Second))

	var raw, readErr = os.ReadFile(f.inbox)
	require.NoError(t, readErr)
	require.Contains(t, string(raw), "APPROVAL_REQUEST")
	require.NotContains(t, string(raw), `"PASS"`)
}

func TestReadMissing(t *testing.T) {
	var f = newFixture(t)

	var envelopes, err = Read(f.transcript, ReadOpts{AllowMissing: true})
	require.NoError(t, err)
	require.Empty(t, envelopes)

	_, err = Read(f.transcript, ReadOpts{})
	require.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestMidFileCorruptionIsFatal(t *testing.T) {
	var f = newFixture(t)
	require.NoError(t, os.WriteFile(f.transcript, []byte("garbage\n{\"also\":\"garbage\"}\n"), 0o644))

	var _, err = Read(f.transcript, ReadOpts{ToleratePartialTail: true})
	require.Equal(t, fault.Validation, fault.KindOf(err))
}
