// Package multiplex is the delivery contract between the bubble engine and
// a terminal multiplexer. The engine only ever needs the five operations of
// Mux; pane layout and shell wrapping live with the integrator. All
// deliveries are best-effort from the engine's point of view: a failed
// delivery is reported, never fatal to the canonical write that preceded it.
package multiplex

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pairflow/pairflow/go/fault"
)

// Mux abstracts the terminal multiplexer.
type Mux interface {
	// HasSession reports whether the named session is alive.
	HasSession(ctx context.Context, name string) bool
	// NewSession starts a detached session rooted at |dir| running |command|.
	NewSession(ctx context.Context, name, dir, command string) error
	// KillSession terminates the session. A missing session is not an error.
	KillSession(ctx context.Context, name string) error
	// SendText delivers a line of text to the session's active pane.
	SendText(ctx context.Context, name, text string) error
	// CapturePane returns the visible contents of the session's active pane.
	CapturePane(ctx context.Context, name string) (string, error)
}

// Runner executes a multiplexer binary invocation and returns combined
// stdout. Injectable for tests.
type Runner func(ctx context.Context, name string, args ...string) (stdout []byte, err error)

// Tmux drives tmux through an injectable Runner.
type Tmux struct {
	// Binary is the tmux executable; empty means "tmux" from $PATH.
	Binary string
	// Run overrides process execution; nil uses exec.CommandContext.
	Run Runner
}

func (t *Tmux) binary() string {
	if t.Binary != "" {
		return t.Binary
	}
	return "tmux"
}

// run invokes tmux, surfacing non-zero exits as fault.ExternalCommand with
// the command arguments and a stderr tail.
func (t *Tmux) run(ctx context.Context, args ...string) ([]byte, error) {
	if t.Run != nil {
		return t.Run(ctx, t.binary(), args...)
	}

	var cmd = exec.CommandContext(ctx, t.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fault.New(fault.ExternalCommand,
			"%s %s: %v (stderr: %s)", t.binary(), strings.Join(args, " "), err, tail(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	var _, err = t.run(ctx, "has-session", "-t", exactTarget(name))
	return err == nil
}

func (t *Tmux) NewSession(ctx context.Context, name, dir, command string) error {
	var args = []string{"new-session", "-d", "-s", name, "-c", dir}
	if command != "" {
		args = append(args, command)
	}
	var _, err = t.run(ctx, args...)
	return err
}

func (t *Tmux) KillSession(ctx context.Context, name string) error {
	if !t.HasSession(ctx, name) {
		return nil
	}
	var _, err = t.run(ctx, "kill-session", "-t", exactTarget(name))
	return err
}

func (t *Tmux) SendText(ctx context.Context, name, text string) error {
	if _, err := t.run(ctx, "send-keys", "-t", exactTarget(name), "-l", text); err != nil {
		return err
	}
	var _, err = t.run(ctx, "send-keys", "-t", exactTarget(name), "Enter")
	return err
}

func (t *Tmux) CapturePane(ctx context.Context, name string) (string, error) {
	var out, err = t.run(ctx, "capture-pane", "-p", "-t", exactTarget(name))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// exactTarget pins tmux target matching to the exact session name rather
// than its prefix-matching default.
func exactTarget(name string) string { return "=" + name }

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// SessionName is the canonical multiplexer session name for a bubble.
func SessionName(bubbleID string) string {
	return fmt.Sprintf("pairflow-%s", bubbleID)
}
