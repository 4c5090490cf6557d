// Package transcript implements the append-only NDJSON log of protocol
// envelopes which is the canonical record of a bubble. Appends are
// serialised by the bubble lock, allocate strictly increasing sequence
// numbers, and repair a syntactically broken trailing partial line before
// writing. A configured inbox mirror receives the subset of envelope types
// surfaced to humans; the mirror is never a source of truth.
package transcript

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/flock"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var appendedEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pairflow_transcript_envelopes_appended_total",
	Help: "Count of envelopes appended across all transcripts.",
})

// Draft is an envelope to be appended. ID and TS are assigned by Append;
// any caller-set values are ignored.
type Draft struct {
	BubbleID  string
	Sender    protocol.Participant
	Recipient protocol.Participant
	Type      protocol.Type
	Round     int
	Payload   protocol.Payload
	Refs      []string
}

// AppendArgs parameterise a transcript append.
type AppendArgs struct {
	TranscriptPath string
	// InboxPath, when non-empty, receives a mirrored copy of envelopes
	// whose type is in protocol.InboxTypes.
	InboxPath   string
	LockPath    string
	LockTimeout time.Duration
	// StrictAudit asserts contiguous, duplicate-free sequences across the
	// whole transcript before allocating the next.
	StrictAudit bool
	Draft       Draft
	Now         func() time.Time
}

// Appended is the result of a successful append.
type Appended struct {
	Envelope protocol.Envelope
	Seq      int
}

// ReadOpts tune transcript reads.
type ReadOpts struct {
	// AllowMissing treats a missing transcript as empty.
	AllowMissing bool
	// ToleratePartialTail drops a broken trailing partial line instead of
	// failing the read.
	ToleratePartialTail bool
}

// Append serialises under the bubble lock, allocates the next sequence,
// validates the envelope, and writes it durably. See AppendArgs.
func Append(args AppendArgs) (Appended, error) {
	var out, err = AppendMany(args, args.Draft)
	if err != nil {
		return Appended{}, err
	}
	return out[0], nil
}

// AppendMany appends several drafts in order within a single lock scope, so
// no other writer can interleave between them. Sequences are contiguous.
func AppendMany(args AppendArgs, drafts ...Draft) ([]Appended, error) {
	if args.Now == nil {
		args.Now = time.Now
	}
	if args.LockTimeout <= 0 {
		args.LockTimeout = flock.DefaultTimeout
	}

	var out []Appended
	var err = flock.WithLock(args.LockPath, flock.Options{Timeout: args.LockTimeout, Now: args.Now}, func() error {
		for _, draft := range drafts {
			args.Draft = draft
			var one, inner = appendLocked(args)
			if inner != nil {
				return inner
			}
			out = append(out, one)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func appendLocked(args AppendArgs) (Appended, error) {
	var raw, err = os.ReadFile(args.TranscriptPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Appended{}, fmt.Errorf("reading transcript %s: %w", args.TranscriptPath, err)
	}

	var envelopes, goodLen, tailBroken, scanErr = scan(raw)
	if scanErr != nil {
		return Appended{}, scanErr
	}
	if tailBroken {
		// Rewrite to the last fully-parsed envelope before appending.
		if err = os.WriteFile(args.TranscriptPath, raw[:goodLen], 0o644); err != nil {
			return Appended{}, fmt.Errorf("repairing transcript tail of %s: %w", args.TranscriptPath, err)
		}
		log.WithFields(log.Fields{
			"transcript": args.TranscriptPath,
			"truncated":  len(raw) - goodLen,
		}).Warn("repaired broken trailing partial line before append")
	}

	var lastSeq int
	for i := range envelopes {
		if envelopes[i].BubbleID != args.Draft.BubbleID {
			return Appended{}, fault.New(fault.Validation,
				"transcript %s: envelope %s has bubble_id %q, want %q",
				args.TranscriptPath, envelopes[i].ID, envelopes[i].BubbleID, args.Draft.BubbleID)
		}
		var seq, seqErr = protocol.SeqOf(envelopes[i].ID)
		if seqErr != nil {
			return Appended{}, seqErr
		}
		if args.StrictAudit && seq != i+1 {
			return Appended{}, fault.New(fault.Conflict,
				"transcript %s: sequence audit failed at position %d: envelope %s has sequence %d, want %d",
				args.TranscriptPath, i, envelopes[i].ID, seq, i+1)
		}
		lastSeq = seq
	}

	var now = args.Now().UTC()
	var envelope = protocol.Envelope{
		ID:        protocol.FormatMsgID(now, lastSeq+1),
		TS:        now,
		BubbleID:  args.Draft.BubbleID,
		Sender:    args.Draft.Sender,
		Recipient: args.Draft.Recipient,
		Type:      args.Draft.Type,
		Round:     args.Draft.Round,
		Payload:   args.Draft.Payload,
		Refs:      args.Draft.Refs,
	}

	line, err := protocol.EncodeLine(&envelope)
	if err != nil {
		return Appended{}, err
	}
	if err = appendLine(args.TranscriptPath, line); err != nil {
		return Appended{}, fmt.Errorf("appending to transcript %s: %w", args.TranscriptPath, err)
	}
	appendedEnvelopes.Inc()

	// Mirror after the canonical write. Mirror failures are logged and
	// swallowed; the inbox can be rebuilt from the transcript on demand.
	if args.InboxPath != "" && protocol.InboxTypes[envelope.Type] {
		if err = appendLine(args.InboxPath, line); err != nil {
			log.WithFields(log.Fields{
				"inbox":    args.InboxPath,
				"envelope": envelope.ID,
				"err":      err,
			}).Warn("inbox mirror write failed; transcript remains canonical")
		}
	}

	return Appended{Envelope: envelope, Seq: lastSeq + 1}, nil
}

// Read returns the ordered envelopes of a transcript.
func Read(path string, opts ReadOpts) ([]protocol.Envelope, error) {
	var raw, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if opts.AllowMissing {
			return nil, nil
		}
		return nil, fault.New(fault.NotFound, "transcript %s does not exist", path)
	} else if err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", path, err)
	}

	var envelopes, _, tailBroken, scanErr = scan(raw)
	if scanErr != nil {
		return nil, scanErr
	}
	if tailBroken && !opts.ToleratePartialTail {
		return nil, fault.New(fault.Validation,
			"transcript %s has a broken trailing partial line", path)
	}
	return envelopes, nil
}

// RebuildInbox regenerates the inbox mirror from the canonical transcript.
func RebuildInbox(transcriptPath, inboxPath, lockPath string, lockTimeout time.Duration) error {
	if lockTimeout <= 0 {
		lockTimeout = flock.DefaultTimeout
	}
	return flock.WithLock(lockPath, flock.Options{Timeout: lockTimeout}, func() error {
		var envelopes, err = Read(transcriptPath, ReadOpts{AllowMissing: true, ToleratePartialTail: true})
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		for i := range envelopes {
			if !protocol.InboxTypes[envelopes[i].Type] {
				continue
			}
			var line, encErr = protocol.EncodeLine(&envelopes[i])
			if encErr != nil {
				return encErr
			}
			buf.Write(line)
		}
		if err = os.WriteFile(inboxPath, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("rewriting inbox %s: %w", inboxPath, err)
		}
		return nil
	})
}

// scan splits |raw| into parsed envelopes. It returns the byte length of
// the fully-committed prefix and whether a broken trailing partial line was
// detected. A parse failure anywhere except the final line is an error.
func scan(raw []byte) (envelopes []protocol.Envelope, goodLen int, tailBroken bool, err error) {
	var offset int
	for offset < len(raw) {
		var nl = bytes.IndexByte(raw[offset:], '\n')
		if nl < 0 {
			// No terminating newline: partial tail.
			return envelopes, offset, true, nil
		}
		var line = raw[offset : offset+nl]
		if len(bytes.TrimSpace(line)) == 0 {
			offset += nl + 1
			continue
		}
		var e, decErr = protocol.DecodeLine(line)
		if decErr != nil {
			if offset+nl+1 >= len(raw) {
				// Unparseable final line: treat as partial tail.
				return envelopes, offset, true, nil
			}
			return nil, 0, false, fault.New(fault.Validation,
				"transcript corrupt at byte %d: %v", offset, decErr)
		}
		envelopes = append(envelopes, e)
		offset += nl + 1
		goodLen = offset
	}
	return envelopes, goodLen, false, nil
}

// appendLine appends |line| and syncs the file before returning.
func appendLine(path string, line []byte) error {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
