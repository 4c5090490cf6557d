package bubble

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/flock"
	"github.com/pairflow/pairflow/go/gitwt"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/runtime"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
	log "github.com/sirupsen/logrus"
)

// Notifier is an injectable audible/visual notification hook. Failures are
// the notifier's own problem; the engine never checks them.
type Notifier func(bubbleID, text string)

// Engine wires the lifecycle operations to their collaborators. The zero
// value is not usable; construct with every external dependency assigned.
type Engine struct {
	Git *gitwt.Git
	Mux multiplex.Mux
	// Events emits metrics; a zero-root emitter disables emission.
	Events *events.Emitter
	// Notify is the optional audible-notification hook.
	Notify Notifier
	// ArchiveRoot is the global archive tree used by Delete.
	ArchiveRoot string
	// LockTimeout bounds every lock acquisition; zero uses the default.
	LockTimeout time.Duration
	// StrictAudit asserts contiguous transcript sequences on append.
	StrictAudit bool
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// OpResult is returned by every mutating lifecycle operation. Seq and
// Envelope are zero for operations which append nothing (start, stop,
// queued request-rework).
type OpResult struct {
	BubbleID string
	Seq      int
	Envelope protocol.Envelope
	NewState state.State
}

func (e *Engine) store(p Paths) *state.Store {
	return &state.Store{Path: p.StatePath(), LockPath: p.LockPath(), Now: e.Now}
}

func (e *Engine) registry(repoPath string) *runtime.Registry {
	return &runtime.Registry{
		Path:        SessionsPath(repoPath),
		LockPath:    SessionsLockPath(repoPath),
		LockTimeout: e.LockTimeout,
		Now:         e.Now,
	}
}

func (e *Engine) appendArgs(p Paths) transcript.AppendArgs {
	return transcript.AppendArgs{
		TranscriptPath: p.TranscriptPath(),
		InboxPath:      p.InboxPath(),
		LockPath:       p.LockPath(),
		LockTimeout:    e.LockTimeout,
		StrictAudit:    e.StrictAudit,
		Now:            e.Now,
	}
}

// loadConfig reads the bubble config, backfilling a missing instance id
// under the bubble lock. The backfill is the only post-create config
// mutation and emits a one-shot migration event.
func (e *Engine) loadConfig(p Paths) (config.Bubble, error) {
	var cfg, err = config.Load(p.ConfigPath())
	if err != nil {
		return config.Bubble{}, err
	}
	if cfg.InstanceID != "" {
		return cfg, nil
	}

	err = flock.WithLock(p.LockPath(), flock.Options{Timeout: e.lockTimeout(), Now: e.Now}, func() error {
		// Reload: another process may have backfilled first.
		cfg, err = config.Load(p.ConfigPath())
		if err != nil || cfg.InstanceID != "" {
			return err
		}
		cfg.InstanceID = uuid.NewString()
		if storeErr := config.Store(p.ConfigPath(), cfg); storeErr != nil {
			return storeErr
		}
		e.record(events.Event{
			RepoPath:   cfg.RepoPath,
			InstanceID: cfg.InstanceID,
			BubbleID:   cfg.ID,
			EventType:  events.BubbleInstanceBackfilled,
			ActorRole:  string(protocol.Orchestrator),
		})
		return nil
	})
	if err != nil {
		return config.Bubble{}, err
	}
	return cfg, nil
}

func (e *Engine) lockTimeout() time.Duration {
	if e.LockTimeout > 0 {
		return e.LockTimeout
	}
	return flock.DefaultTimeout
}

// writeState persists |next| guarded by the fingerprint observed at read
// time. A failure after a successful transcript append must be wrapped by
// the caller as fault.Recovery.
func (e *Engine) writeState(p Paths, next state.Snapshot, fp state.Fingerprint) error {
	return e.store(p).Write(next, state.WriteOpts{
		ExpectedFingerprint: fp,
		LockTimeout:         e.LockTimeout,
	})
}

// recoveryErr reports a state write failing after envelope |id| was already
// appended. The transcript remains canonical.
func recoveryErr(id string, err error) error {
	return fault.Wrap(fault.Recovery,
		fmt.Errorf("envelope %s is appended but the state write failed (transcript remains canonical): %w", id, err))
}

// deliver sends text to the bubble's multiplexer session, best-effort.
func (e *Engine) deliver(ctx context.Context, bubbleID, text string) {
	var session = multiplex.SessionName(bubbleID)
	if !e.Mux.HasSession(ctx, session) {
		return
	}
	if err := e.Mux.SendText(ctx, session, text); err != nil {
		log.WithFields(log.Fields{
			"bubble":  bubbleID,
			"session": session,
			"err":     err,
		}).Warn("multiplexer delivery failed; canonical writes are unaffected")
	}
}

// notify fires the audible-notification hook, if configured.
func (e *Engine) notify(cfg config.Bubble, text string) {
	if e.Notify == nil || cfg.Notifications == "disabled" {
		return
	}
	e.Notify(cfg.ID, text)
}

// record emits a metrics event, best-effort.
func (e *Engine) record(ev events.Event) {
	if e.Events == nil {
		return
	}
	e.Events.Record(ev)
}

// LoadConfig, ReadState, WriteState, and AppendArgsFor expose the engine's
// storage plumbing to the watchdog, which shares the bubble's files but
// applies its own policy.
func (e *Engine) LoadConfig(p Paths) (config.Bubble, error) { return e.loadConfig(p) }

func (e *Engine) ReadState(p Paths) (state.Snapshot, state.Fingerprint, error) {
	return e.store(p).Read()
}

func (e *Engine) WriteState(p Paths, next state.Snapshot, fp state.Fingerprint) error {
	return e.writeState(p, next, fp)
}

func (e *Engine) AppendArgsFor(p Paths, draft transcript.Draft) transcript.AppendArgs {
	return withDraft(e.appendArgs(p), draft)
}

func intp(n int) *int { return &n }

func timep(t time.Time) *time.Time { return &t }
