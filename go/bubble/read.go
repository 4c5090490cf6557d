package bubble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
)

// Summary is one row of List.
type Summary struct {
	BubbleID     string      `json:"bubble_id"`
	State        state.State `json:"state"`
	Round        int         `json:"round"`
	ActiveRole   string      `json:"active_role,omitempty"`
	SessionAlive bool        `json:"session_alive"`
}

// List enumerates the repository's bubbles in id order.
func (e *Engine) List(ctx context.Context, repoPath string) ([]Summary, error) {
	var root = filepath.Join(repoPath, pairflowDir, bubblesDir)
	var entries, err = os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("listing bubbles under %s: %w", root, err)
	}

	var out []Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var p = Paths{RepoPath: repoPath, BubbleID: entry.Name()}
		var snap, _, readErr = e.store(p).Read()
		if readErr != nil {
			// A half-created or corrupt bubble still shows up, unclassified.
			out = append(out, Summary{BubbleID: entry.Name()})
			continue
		}
		out = append(out, Summary{
			BubbleID:     entry.Name(),
			State:        snap.State,
			Round:        snap.Round,
			ActiveRole:   string(snap.ActiveRole),
			SessionAlive: e.Mux.HasSession(ctx, multiplex.SessionName(entry.Name())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BubbleID < out[j].BubbleID })
	return out, nil
}

// StatusResult is the full read-side view of one bubble.
type StatusResult struct {
	Config       config.Bubble     `json:"config"`
	Snapshot     state.Snapshot    `json:"snapshot"`
	Fingerprint  state.Fingerprint `json:"fingerprint"`
	SessionAlive bool              `json:"session_alive"`
	Envelopes    int               `json:"envelopes"`
}

// Status reads config, snapshot, and liveness of a bubble.
func (e *Engine) Status(ctx context.Context, repoPath, bubbleID string) (StatusResult, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return StatusResult{}, err
	}
	snap, fp, err := e.store(p).Read()
	if err != nil {
		return StatusResult{}, err
	}
	envelopes, err := transcript.Read(p.TranscriptPath(), transcript.ReadOpts{AllowMissing: true, ToleratePartialTail: true})
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		Config:       cfg,
		Snapshot:     snap,
		Fingerprint:  fp,
		SessionAlive: e.Mux.HasSession(ctx, multiplex.SessionName(bubbleID)),
		Envelopes:    len(envelopes),
	}, nil
}

// Inbox returns the human-facing envelopes, rebuilt from the canonical
// transcript when the mirror is missing or stale.
func (e *Engine) Inbox(repoPath, bubbleID string) ([]protocol.Envelope, error) {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	if _, err := e.loadConfig(p); err != nil {
		return nil, err
	}

	var envelopes, err = transcript.Read(p.InboxPath(), transcript.ReadOpts{AllowMissing: true, ToleratePartialTail: true})
	if err == nil && envelopes != nil {
		return envelopes, nil
	}
	if rebuildErr := transcript.RebuildInbox(p.TranscriptPath(), p.InboxPath(), p.LockPath(), e.LockTimeout); rebuildErr != nil {
		return nil, rebuildErr
	}
	return transcript.Read(p.InboxPath(), transcript.ReadOpts{AllowMissing: true, ToleratePartialTail: true})
}

// Open sends the bubble's configured open command to its multiplexer
// session, for attaching editors or dashboards.
func (e *Engine) Open(ctx context.Context, repoPath, bubbleID string) error {
	var p = Paths{RepoPath: repoPath, BubbleID: bubbleID}
	var cfg, err = e.loadConfig(p)
	if err != nil {
		return err
	}
	if cfg.OpenCommand == "" {
		return fault.New(fault.Precondition,
			"bubble %s has no open_command configured", bubbleID)
	}
	var session = multiplex.SessionName(bubbleID)
	if !e.Mux.HasSession(ctx, session) {
		return fault.New(fault.Precondition,
			"bubble %s has no live multiplexer session; start it first", bubbleID)
	}
	return e.Mux.SendText(ctx, session, cfg.OpenCommand)
}

// Reconcile drops runtime-session claims whose multiplexer session died.
func (e *Engine) Reconcile(ctx context.Context, repoPath string) ([]string, error) {
	return e.registry(repoPath).Reconcile(ctx, e.Mux)
}
