package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/pairflow/pairflow/go/bubble"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/gitwt"
	"github.com/pairflow/pairflow/go/multiplex"
	"github.com/pairflow/pairflow/go/protocol"
	mbp "go.gazette.dev/core/mainboilerplate"
)

// engineConfig carries the knobs shared by every engine-backed command.
type engineConfig struct {
	ArchiveRoot string        `long:"archive-root" env:"PAIRFLOW_ARCHIVE_ROOT" description:"Archive root (default: ~/.pairflow/archive)"`
	MetricsRoot string        `long:"metrics-root" env:"PAIRFLOW_METRICS_ROOT" description:"Metrics root (default: ~/.pairflow/metrics)"`
	LockTimeout time.Duration `long:"lock-timeout" default:"5s" description:"Budget for acquiring file locks"`
	StrictAudit bool          `long:"strict-audit" description:"Assert contiguous transcript sequences on append"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c engineConfig) engine() *bubble.Engine {
	mbp.InitLog(c.Log)
	return &bubble.Engine{
		Git:         &gitwt.Git{},
		Mux:         &multiplex.Tmux{},
		Events:      &events.Emitter{Root: c.metricsRoot()},
		Notify:      bellNotifier,
		ArchiveRoot: c.archiveRoot(),
		LockTimeout: c.LockTimeout,
		StrictAudit: c.StrictAudit,
	}
}

func (c engineConfig) archiveRoot() string {
	if c.ArchiveRoot != "" {
		return c.ArchiveRoot
	}
	return filepath.Join(homeDir(), ".pairflow", "archive")
}

func (c engineConfig) metricsRoot() string {
	if c.MetricsRoot != "" {
		return c.MetricsRoot
	}
	return filepath.Join(homeDir(), ".pairflow", "metrics")
}

// bellNotifier rings the terminal bell with a one-line banner.
func bellNotifier(bubbleID, text string) {
	fmt.Fprintf(os.Stderr, "\a[%s] %s\n", bubbleID, text)
}

func homeDir() string {
	var home, err = os.UserHomeDir()
	mbp.Must(err, "failed to resolve home directory")
	return home
}

// bubbleSelector names the bubble a command operates on. With no flags the
// bubble is derived from the working directory's worktree.
type bubbleSelector struct {
	ID   string `long:"id" description:"Bubble identifier"`
	Repo string `long:"repo" description:"Repository path (default: derived from the working directory)"`
}

// resolve locates the repo and bubble, preferring explicit flags.
func (s bubbleSelector) resolve(ctx context.Context, git *gitwt.Git) (repoPath, bubbleID string, err error) {
	var cwd string
	if cwd, err = os.Getwd(); err != nil {
		return "", "", fmt.Errorf("resolving working directory: %w", err)
	}
	resolved, err := bubble.Resolve(ctx, git, s.Repo, cwd)
	if err != nil {
		return "", "", err
	}
	bubbleID = s.ID
	if bubbleID == "" {
		bubbleID = resolved.BubbleID
	}
	if bubbleID == "" {
		return "", "", fault.New(fault.Validation,
			"no bubble selected; pass --id or run from inside a bubble worktree")
	}
	return resolved.RepoPath, bubbleID, nil
}

// resolveRepo locates just the repository.
func (s bubbleSelector) resolveRepo(ctx context.Context, git *gitwt.Git) (string, error) {
	var cwd, err = os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	resolved, err := bubble.Resolve(ctx, git, s.Repo, cwd)
	if err != nil {
		return "", err
	}
	return resolved.RepoPath, nil
}

// outputConfig selects machine or human rendering.
type outputConfig struct {
	JSON bool `long:"json" description:"Render output as JSON"`
}

func (o outputConfig) render(v interface{}, human func()) error {
	if !o.JSON {
		human()
		return nil
	}
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOpResult(out bubble.OpResult) {
	fmt.Printf("bubble %s is now %s", out.BubbleID, out.NewState)
	if out.Seq > 0 {
		fmt.Printf(" (envelope %s, seq %d)", out.Envelope.ID, out.Seq)
	}
	fmt.Println()
}

func printEnvelope(e protocol.Envelope) {
	var header = color.New(color.Bold)
	header.Printf("%s  %s → %s  %s  round %d\n", e.ID, e.Sender, e.Recipient, e.Type, e.Round)
	switch {
	case e.Payload.Question != "":
		fmt.Printf("  %s\n", e.Payload.Question)
	case e.Payload.Message != "":
		fmt.Printf("  %s\n", e.Payload.Message)
	case e.Payload.Summary != "":
		fmt.Printf("  %s\n", e.Payload.Summary)
	}
	if e.Payload.Decision != "" {
		fmt.Printf("  decision: %s\n", e.Payload.Decision)
	}
}
