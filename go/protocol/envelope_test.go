package protocol

import (
	"testing"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/stretchr/testify/require"
)

var testTS = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func validPass() Envelope {
	return Envelope{
		ID:        FormatMsgID(testTS, 7),
		TS:        testTS,
		BubbleID:  "fix-auth",
		Sender:    Implementer,
		Recipient: Reviewer,
		Type:      TypePass,
		Round:     1,
		Payload:   Payload{Summary: "implemented the retry loop", PassIntent: IntentTask},
		Refs:      []string{"artifacts/notes.md"},
	}
}

func TestMsgIDFormat(t *testing.T) {
	require.Equal(t, "msg_20260824_001", FormatMsgID(testTS, 1))
	require.Equal(t, "msg_20260824_042", FormatMsgID(testTS, 42))
	require.Equal(t, "msg_20260824_999", FormatMsgID(testTS, 999))
	// Widens past three digits, never truncates.
	require.Equal(t, "msg_20260824_1000", FormatMsgID(testTS, 1000))
	require.Equal(t, "msg_20260824_12345", FormatMsgID(testTS, 12345))
}

func TestSeqOf(t *testing.T) {
	var n, err = SeqOf("msg_20260824_017")
	require.NoError(t, err)
	require.Equal(t, 17, n)

	n, err = SeqOf("msg_20260824_1234")
	require.NoError(t, err)
	require.Equal(t, 1234, n)

	_, err = SeqOf("msg_20260824_1")
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var e = validPass()
	e.Payload.Findings = []Finding{
		{Severity: SeverityP2, Title: "nit: rename helper", Refs: []string{"impl.go"}},
	}
	e.Payload.Metadata = map[string]interface{}{"elapsed_s": 12.5}

	var line, err = EncodeLine(&e)
	require.NoError(t, err)

	var got Envelope
	got, err = DecodeLine(line)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestValidateRequiredFields(t *testing.T) {
	var cases = []struct {
		name   string
		mutate func(*Envelope)
		expect string
	}{
		{"empty pass summary", func(e *Envelope) { e.Payload.Summary = " " },
			"payload.summary: PASS payload requires non-empty summary"},
		{"bad sender", func(e *Envelope) { e.Sender = "robot" }, "sender: unknown participant"},
		{"empty recipient", func(e *Envelope) { e.Recipient = "" }, "recipient: must not be empty"},
		{"negative round", func(e *Envelope) { e.Round = -1 }, "round: must be non-negative"},
		{"empty ref", func(e *Envelope) { e.Refs = []string{"a", ""} }, "refs[1]: must not be empty"},
		{"bad id", func(e *Envelope) { e.ID = "msg_2026_1" }, "malformed envelope id"},
		{"bad intent", func(e *Envelope) { e.Payload.PassIntent = "retry" }, "unknown intent"},
		{"bad severity", func(e *Envelope) {
			e.Payload.Findings = []Finding{{Severity: "P9", Title: "x"}}
		}, "unknown severity"},
		{"untitled finding", func(e *Envelope) {
			e.Payload.Findings = []Finding{{Severity: SeverityP1, Title: ""}}
		}, "title: must not be empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e = validPass()
			tc.mutate(&e)
			var err = e.Validate()
			require.Error(t, err)
			require.Equal(t, fault.Validation, fault.KindOf(err))
			require.Contains(t, err.Error(), tc.expect)
		})
	}
}

func TestValidatePerType(t *testing.T) {
	var e = validPass()
	e.Type = TypeHumanQuestion
	e.Payload = Payload{}
	require.ErrorContains(t, e.Validate(), "payload.question")

	e.Type = TypeHumanReply
	require.ErrorContains(t, e.Validate(), "payload.message")

	e.Type = TypeApprovalDecision
	require.ErrorContains(t, e.Validate(), "payload.decision")

	e.Payload.Decision = DecisionRevise
	e.Payload.Message = "redo the validation"
	require.NoError(t, e.Validate())
}

func TestDecodeRejectsUnknownPayloadKeys(t *testing.T) {
	var line = []byte(`{"id":"msg_20260824_001","ts":"2026-08-24T12:00:00Z","bubble_id":"b1",` +
		`"sender":"implementer","recipient":"reviewer","type":"PASS","round":1,` +
		`"payload":{"summary":"ok","surprise":"nope"}}`)
	var _, err = DecodeLine(line)
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	var line = []byte(`{"id":"msg_20260824_001","ts":"24/08/2026","bubble_id":"b1",` +
		`"sender":"implementer","recipient":"reviewer","type":"PASS","round":1,` +
		`"payload":{"summary":"ok"}}`)
	var _, err = DecodeLine(line)
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestBlockingFindings(t *testing.T) {
	var p = Payload{Findings: []Finding{
		{Severity: SeverityP0, Title: "data loss"},
		{Severity: SeverityP2, Title: "style"},
		{Severity: SeverityP1, Title: "race"},
	}}
	var blocking = p.BlockingFindings()
	require.Len(t, blocking, 2)
	require.True(t, SeverityP0.Blocking())
	require.False(t, SeverityP3.Blocking())
}
