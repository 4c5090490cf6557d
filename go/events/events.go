// Package events emits Pairflow metrics events as monthly NDJSON shards
// under a global metrics root, and aggregates them into reports. Emission
// is strictly best-effort: a failed write warns (deduped, bounded) and
// never surfaces to the operation that triggered it. A dropped event is
// acceptable; a corrupt shard is not, so shard writes serialise through a
// per-shard lock with optional stale recovery.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pairflow/pairflow/go/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// SchemaVersion of emitted events.
const SchemaVersion = 1

// Event types emitted by the lifecycle engine.
const (
	BubbleCreated            = "bubble_created"
	BubbleStarted            = "bubble_started"
	BubbleStopped            = "bubble_stopped"
	BubblePassed             = "bubble_passed"
	BubbleAskedHuman         = "bubble_asked_human"
	BubbleReplied            = "bubble_replied"
	BubbleConverged          = "bubble_converged"
	BubbleReworkRequested    = "bubble_rework_requested"
	ReworkIntentQueued       = "rework_intent_queued"
	ReworkIntentSuperseded   = "rework_intent_superseded"
	ReworkIntentApplied      = "rework_intent_applied"
	BubbleApproved           = "bubble_approved"
	BubbleCommitted          = "bubble_committed"
	BubbleDeleted            = "bubble_deleted"
	BubbleInstanceBackfilled = "bubble_instance_backfilled"
)

// Event is one metrics record.
type Event struct {
	SchemaVersion int                    `json:"schema_version"`
	TS            time.Time              `json:"ts"`
	RepoPath      string                 `json:"repo_path"`
	InstanceID    string                 `json:"bubble_instance_id"`
	BubbleID      string                 `json:"bubble_id"`
	EventType     string                 `json:"event_type"`
	Round         *int                   `json:"round"`
	ActorRole     string                 `json:"actor_role"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pairflow_metrics_events_dropped_total",
	Help: "Count of metrics events dropped because the shard write failed.",
})

// warned bounds emission-failure warnings per shard path.
var warned, _ = lru.New[string, struct{}](128)

// ResetWarnings clears the emission warning dedup set. Test hook.
func ResetWarnings() { warned.Purge() }

// Emitter appends events to monthly shards.
type Emitter struct {
	// Root of the metrics tree; empty disables emission entirely.
	Root string
	// LockTimeout bounds the shard lock; zero uses the default.
	LockTimeout time.Duration
	// StaleAfter enables stale shard-lock recovery when non-zero.
	StaleAfter time.Duration
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ShardPath returns the shard for a timestamp:
// <root>/<YYYY>/<MM>/events-<YYYY>-<MM>.ndjson.
func (e *Emitter) ShardPath(ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(e.Root,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("events-%04d-%02d.ndjson", ts.Year(), int(ts.Month())))
}

// Emit appends one event to its monthly shard. Returned errors exist for
// tests; operational callers use Record.
func (e *Emitter) Emit(ev Event) error {
	if e.Root == "" {
		return nil
	}
	ev.SchemaVersion = SchemaVersion
	if ev.TS.IsZero() {
		ev.TS = e.now().UTC()
	}

	var shard = e.ShardPath(ev.TS)
	if err := os.MkdirAll(filepath.Dir(shard), 0o755); err != nil {
		return fmt.Errorf("creating metrics shard directory: %w", err)
	}

	var line, err = json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshalling metrics event: %w", err)
	}
	line = append(line, '\n')

	var timeout = e.LockTimeout
	if timeout <= 0 {
		timeout = flock.DefaultTimeout
	}
	return flock.WithLock(shard+".lock", flock.Options{
		Timeout:    timeout,
		StaleAfter: e.StaleAfter,
		Now:        e.Now,
	}, func() error {
		var f, openErr = os.OpenFile(shard, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			return openErr
		}
		if _, writeErr := f.Write(line); writeErr != nil {
			_ = f.Close()
			return writeErr
		}
		return f.Close()
	})
}

// Record emits best-effort: failures increment a counter and warn once per
// shard until the dedup set evicts.
func (e *Emitter) Record(ev Event) {
	var err = e.Emit(ev)
	if err == nil {
		return
	}
	droppedEvents.Inc()
	var shard = e.ShardPath(ev.TS)
	if _, ok := warned.Get(shard); ok {
		return
	}
	warned.Add(shard, struct{}{})
	log.WithFields(log.Fields{
		"shard":      shard,
		"event_type": ev.EventType,
		"err":        err,
	}).Warn("dropping metrics event; shard write failed")
}

// readShard parses one shard, skipping unparseable lines with a warning.
func readShard(path string) ([]Event, error) {
	var raw, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading metrics shard %s: %w", path, err)
	}

	var out []Event
	var offset int
	for offset < len(raw) {
		var end = offset
		for end < len(raw) && raw[end] != '\n' {
			end++
		}
		var line = raw[offset:end]
		offset = end + 1
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err = json.Unmarshal(line, &ev); err != nil {
			log.WithFields(log.Fields{"shard": path, "err": err}).
				Warn("skipping unparseable metrics event")
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
