package bubble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pairflow/pairflow/go/config"
	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
	"github.com/pairflow/pairflow/go/state"
	"github.com/pairflow/pairflow/go/transcript"
)

// CreateArgs parameterise bubble creation. Exactly one of TaskText or
// TaskFile must be given.
type CreateArgs struct {
	ID         string
	RepoPath   string
	BaseBranch string
	TaskText   string
	TaskFile   string

	// Optional overrides; zero values take config.Defaults.
	Implementer      string
	Reviewer         string
	TestCommand      string
	TypecheckCommand string
	OpenCommand      string
}

// CreateResult extends OpResult with what the caller usually prints next.
type CreateResult struct {
	OpResult
	Config   config.Bubble
	Dir      string
	TaskText string
}

// Create materialises a new bubble: its directory tree, config, empty
// transcript and inbox, task artifact, initial CREATED snapshot, and the
// initial TASK envelope.
func (e *Engine) Create(ctx context.Context, args CreateArgs) (CreateResult, error) {
	if !config.IDPattern.MatchString(args.ID) {
		return CreateResult{}, fault.New(fault.Validation,
			"bubble id %q does not match %s", args.ID, config.IDPattern.String())
	}
	if !e.Git.IsWorktree(ctx, args.RepoPath) {
		return CreateResult{}, fault.New(fault.Validation,
			"repo %s is not a git worktree", args.RepoPath)
	}
	if strings.TrimSpace(args.BaseBranch) == "" {
		return CreateResult{}, fault.New(fault.Validation, "base branch must not be empty")
	}

	var task, err = resolveTask(args)
	if err != nil {
		return CreateResult{}, err
	}

	var p = Paths{RepoPath: args.RepoPath, BubbleID: args.ID}
	if _, statErr := os.Stat(p.Dir()); statErr == nil {
		return CreateResult{}, fault.New(fault.Conflict, "bubble %s already exists at %s", args.ID, p.Dir())
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return CreateResult{}, fmt.Errorf("checking bubble directory %s: %w", p.Dir(), statErr)
	}

	var cfg = config.Defaults()
	cfg.ID = args.ID
	cfg.InstanceID = uuid.NewString()
	cfg.RepoPath = args.RepoPath
	cfg.BaseBranch = args.BaseBranch
	cfg.Branch = "pairflow/" + args.ID
	if args.Implementer != "" {
		cfg.Implementer = args.Implementer
	}
	if args.Reviewer != "" {
		cfg.Reviewer = args.Reviewer
	}
	cfg.TestCommand = args.TestCommand
	cfg.TypecheckCommand = args.TypecheckCommand
	cfg.OpenCommand = args.OpenCommand
	cfg.ReviewArtifactType = config.InferArtifactType(task)
	if err = cfg.Validate(); err != nil {
		return CreateResult{}, err
	}

	for _, dir := range []string{p.Dir(), p.ArtifactsDir()} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return CreateResult{}, fmt.Errorf("creating bubble directory %s: %w", dir, err)
		}
	}
	if err = os.MkdirAll(filepath.Dir(p.LockPath()), 0o755); err != nil {
		return CreateResult{}, fmt.Errorf("creating lock directory: %w", err)
	}

	if err = config.Store(p.ConfigPath(), cfg); err != nil {
		return CreateResult{}, err
	}
	if err = os.WriteFile(p.TaskPath(), []byte(task), 0o644); err != nil {
		return CreateResult{}, fmt.Errorf("writing task artifact: %w", err)
	}
	for _, path := range []string{p.TranscriptPath(), p.InboxPath()} {
		if err = os.WriteFile(path, nil, 0o644); err != nil {
			return CreateResult{}, fmt.Errorf("initialising %s: %w", path, err)
		}
	}

	var snap = state.Snapshot{BubbleID: args.ID, State: state.Created, Round: 0}
	if err = e.store(p).Write(snap, state.WriteOpts{AllowCreate: true, LockTimeout: e.LockTimeout}); err != nil {
		return CreateResult{}, err
	}
	if err = e.registry(args.RepoPath).Init(); err != nil {
		return CreateResult{}, err
	}

	appended, err := transcript.Append(withDraft(e.appendArgs(p), transcript.Draft{
		BubbleID:  args.ID,
		Sender:    protocol.Human,
		Recipient: protocol.Implementer,
		Type:      protocol.TypeTask,
		Round:     0,
		Payload:   protocol.Payload{Summary: task, PassIntent: protocol.IntentTask},
		Refs:      []string{artifactsDir + "/" + taskFile},
	}))
	if err != nil {
		return CreateResult{}, err
	}

	e.record(events.Event{
		RepoPath:   args.RepoPath,
		InstanceID: cfg.InstanceID,
		BubbleID:   args.ID,
		EventType:  events.BubbleCreated,
		ActorRole:  string(protocol.Human),
	})

	return CreateResult{
		OpResult: OpResult{
			BubbleID: args.ID,
			Seq:      appended.Seq,
			Envelope: appended.Envelope,
			NewState: state.Created,
		},
		Config:   cfg,
		Dir:      p.Dir(),
		TaskText: task,
	}, nil
}

func resolveTask(args CreateArgs) (string, error) {
	var hasText = strings.TrimSpace(args.TaskText) != ""
	var hasFile = args.TaskFile != ""
	if hasText == hasFile {
		return "", fault.New(fault.Validation, "exactly one of task text or task file is required")
	}
	if hasText {
		return args.TaskText, nil
	}
	var raw, err = os.ReadFile(args.TaskFile)
	if err != nil {
		return "", fmt.Errorf("reading task file %s: %w", args.TaskFile, err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", fault.New(fault.Validation, "task file %s is empty", args.TaskFile)
	}
	return string(raw), nil
}

func withDraft(args transcript.AppendArgs, draft transcript.Draft) transcript.AppendArgs {
	args.Draft = draft
	return args
}
