// Package protocol defines the envelope: the validated, append-only unit of
// the bubble transcript. Envelopes are strict on the wire; unknown payload
// keys, malformed timestamps, and out-of-membership participants are
// rejected at decode time.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pairflow/pairflow/go/fault"
)

// Type enumerates envelope types.
type Type string

const (
	TypeTask             Type = "TASK"
	TypePass             Type = "PASS"
	TypeHumanQuestion    Type = "HUMAN_QUESTION"
	TypeHumanReply       Type = "HUMAN_REPLY"
	TypeConvergence      Type = "CONVERGENCE"
	TypeApprovalRequest  Type = "APPROVAL_REQUEST"
	TypeApprovalDecision Type = "APPROVAL_DECISION"
	TypeDonePackage      Type = "DONE_PACKAGE"
)

func (t Type) validate() error {
	switch t {
	case TypeTask, TypePass, TypeHumanQuestion, TypeHumanReply,
		TypeConvergence, TypeApprovalRequest, TypeApprovalDecision, TypeDonePackage:
		return nil
	}
	return fault.New(fault.Validation, "type: unknown envelope type %q", string(t))
}

// InboxTypes are the envelope types mirrored into inbox.ndjson.
var InboxTypes = map[Type]bool{
	TypeHumanQuestion:    true,
	TypeHumanReply:       true,
	TypeApprovalRequest:  true,
	TypeApprovalDecision: true,
}

// Participant enumerates protocol senders and recipients.
type Participant string

const (
	Implementer  Participant = "implementer"
	Reviewer     Participant = "reviewer"
	Orchestrator Participant = "orchestrator"
	Human        Participant = "human"
)

func (p Participant) validate(field string) error {
	switch p {
	case Implementer, Reviewer, Orchestrator, Human:
		return nil
	case "":
		return fault.New(fault.Validation, "%s: must not be empty", field)
	}
	return fault.New(fault.Validation, "%s: unknown participant %q", field, string(p))
}

// Decision enumerates approval decisions.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// PassIntent qualifies a PASS envelope.
type PassIntent string

const (
	IntentTask       PassIntent = "task"
	IntentReview     PassIntent = "review"
	IntentFixRequest PassIntent = "fix_request"
)

// Severity ranks a review finding.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Blocking reports whether a finding of this severity blocks convergence.
func (s Severity) Blocking() bool { return s == SeverityP0 || s == SeverityP1 }

// Finding is one reviewer finding inside a PASS payload.
type Finding struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
	Code     string   `json:"code,omitempty"`
	Refs     []string `json:"refs,omitempty"`
}

// Payload carries the type-restricted envelope body.
type Payload struct {
	Summary    string                 `json:"summary,omitempty"`
	Question   string                 `json:"question,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Decision   Decision               `json:"decision,omitempty"`
	PassIntent PassIntent             `json:"pass_intent,omitempty"`
	Findings   []Finding              `json:"findings,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Envelope is one transcript record.
type Envelope struct {
	ID        string      `json:"id"`
	TS        time.Time   `json:"ts"`
	BubbleID  string      `json:"bubble_id"`
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"`
	Type      Type        `json:"type"`
	Round     int         `json:"round"`
	Payload   Payload     `json:"payload"`
	Refs      []string    `json:"refs,omitempty"`
}

var msgIDRe = regexp.MustCompile(`^msg_\d{8}_\d{3,}$`)

// FormatMsgID builds an envelope id from the UTC date of |ts| and the
// transcript sequence. Sequences are zero-padded to three digits and widen
// without truncation from 1000 up.
func FormatMsgID(ts time.Time, seq int) string {
	return fmt.Sprintf("msg_%s_%03d", ts.UTC().Format("20060102"), seq)
}

// SeqOf extracts the sequence number from an envelope id.
func SeqOf(id string) (int, error) {
	if !msgIDRe.MatchString(id) {
		return 0, fault.New(fault.Validation, "id: malformed envelope id %q", id)
	}
	var n, err = strconv.Atoi(id[strings.LastIndexByte(id, '_')+1:])
	if err != nil {
		return 0, fault.New(fault.Validation, "id: malformed envelope sequence in %q", id)
	}
	return n, nil
}

// Validate checks structural and per-type payload requirements.
func (e *Envelope) Validate() error {
	if !msgIDRe.MatchString(e.ID) {
		return fault.New(fault.Validation, "id: malformed envelope id %q", e.ID)
	}
	if e.TS.IsZero() {
		return fault.New(fault.Validation, "ts: timestamp is required")
	}
	if e.BubbleID == "" {
		return fault.New(fault.Validation, "bubble_id: must not be empty")
	}
	if err := e.Sender.validate("sender"); err != nil {
		return err
	}
	if err := e.Recipient.validate("recipient"); err != nil {
		return err
	}
	if err := e.Type.validate(); err != nil {
		return err
	}
	if e.Round < 0 {
		return fault.New(fault.Validation, "round: must be non-negative, got %d", e.Round)
	}
	for i, ref := range e.Refs {
		if strings.TrimSpace(ref) == "" {
			return fault.New(fault.Validation, "refs[%d]: must not be empty", i)
		}
	}
	return e.validatePayload()
}

func (e *Envelope) validatePayload() error {
	var p = &e.Payload

	switch e.Type {
	case TypePass:
		if strings.TrimSpace(p.Summary) == "" {
			return fault.New(fault.Validation, "payload.summary: PASS payload requires non-empty summary")
		}
	case TypeConvergence:
		if strings.TrimSpace(p.Summary) == "" {
			return fault.New(fault.Validation, "payload.summary: CONVERGENCE payload requires non-empty summary")
		}
	case TypeHumanQuestion:
		if strings.TrimSpace(p.Question) == "" {
			return fault.New(fault.Validation, "payload.question: HUMAN_QUESTION payload requires non-empty question")
		}
	case TypeHumanReply:
		if strings.TrimSpace(p.Message) == "" {
			return fault.New(fault.Validation, "payload.message: HUMAN_REPLY payload requires non-empty message")
		}
	case TypeApprovalDecision:
		if p.Decision == "" {
			return fault.New(fault.Validation, "payload.decision: APPROVAL_DECISION payload requires a decision")
		}
	}

	if p.Decision != "" {
		switch p.Decision {
		case DecisionApprove, DecisionRevise, DecisionReject:
		default:
			return fault.New(fault.Validation, "payload.decision: unknown decision %q", string(p.Decision))
		}
	}
	if p.PassIntent != "" {
		switch p.PassIntent {
		case IntentTask, IntentReview, IntentFixRequest:
		default:
			return fault.New(fault.Validation, "payload.pass_intent: unknown intent %q", string(p.PassIntent))
		}
	}
	for i, f := range p.Findings {
		switch f.Severity {
		case SeverityP0, SeverityP1, SeverityP2, SeverityP3:
		default:
			return fault.New(fault.Validation, "payload.findings[%d].severity: unknown severity %q", i, string(f.Severity))
		}
		if strings.TrimSpace(f.Title) == "" {
			return fault.New(fault.Validation, "payload.findings[%d].title: must not be empty", i)
		}
	}
	return nil
}

// BlockingFindings returns the P0/P1 findings of the payload.
func (p *Payload) BlockingFindings() []Finding {
	var out []Finding
	for _, f := range p.Findings {
		if f.Severity.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// EncodeLine serialises a validated envelope as one NDJSON line,
// terminating newline included.
func EncodeLine(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var line, err = json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope %s: %w", e.ID, err)
	}
	return append(line, '\n'), nil
}

// DecodeLine parses one NDJSON line into a validated envelope.
// Unknown fields anywhere but payload.metadata are rejected.
func DecodeLine(line []byte) (Envelope, error) {
	var dec = json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, fault.New(fault.Validation, "decoding envelope: %v", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
