package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pairflow/pairflow/go/bubble"
	"github.com/pairflow/pairflow/go/fault"
	log "github.com/sirupsen/logrus"
)

type cmdBubbleCreate struct {
	engineConfig

	ID          string `long:"id" required:"true" description:"Bubble identifier (lowercase letters, digits, hyphens)"`
	Repo        string `long:"repo" description:"Repository path (default: derived from the working directory)"`
	Base        string `long:"base" default:"main" description:"Base branch the bubble branches from"`
	Task        string `long:"task" description:"Task text (mutually exclusive with --task-file)"`
	TaskFile    string `long:"task-file" description:"File holding the task text"`
	Implementer string `long:"implementer" description:"Implementer agent command"`
	Reviewer    string `long:"reviewer" description:"Reviewer agent command"`
	TestCmd     string `long:"test-cmd" description:"Command agents run to test"`
	Typecheck   string `long:"typecheck-cmd" description:"Command agents run to typecheck"`
	OpenCmd     string `long:"open-cmd" description:"Command run by 'bubble open'"`
}

func (cmd cmdBubbleCreate) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, err = bubbleSelector{Repo: cmd.Repo}.resolveRepo(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Create(ctx, bubble.CreateArgs{
		ID:               cmd.ID,
		RepoPath:         repo,
		BaseBranch:       cmd.Base,
		TaskText:         cmd.Task,
		TaskFile:         cmd.TaskFile,
		Implementer:      cmd.Implementer,
		Reviewer:         cmd.Reviewer,
		TestCommand:      cmd.TestCmd,
		TypecheckCommand: cmd.Typecheck,
		OpenCommand:      cmd.OpenCmd,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"bubble": out.BubbleID, "dir": out.Dir}).Info("created bubble")
	fmt.Printf("created bubble %s at %s (branch %s)\n", out.BubbleID, out.Dir, out.Config.Branch)
	fmt.Println("start it with: pairflowctl bubble start --id " + out.BubbleID)
	return nil
}

type cmdBubbleStart struct {
	engineConfig
	bubbleSelector
}

func (cmd cmdBubbleStart) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Start(ctx, repo, id)
	if err != nil {
		return err
	}
	printOpResult(out)
	return nil
}

// cmdBubbleResume is start on an already-RUNNING bubble, kept as its own
// verb so scripts read naturally after a crash.
type cmdBubbleResume struct {
	engineConfig
	bubbleSelector
}

func (cmd cmdBubbleResume) Execute(_ []string) error {
	return cmdBubbleStart{engineConfig: cmd.engineConfig, bubbleSelector: cmd.bubbleSelector}.Execute(nil)
}

type cmdBubbleStop struct {
	engineConfig
	bubbleSelector
}

func (cmd cmdBubbleStop) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	report, err := eng.Stop(ctx, repo, id)
	if err != nil {
		return err
	}
	fmt.Printf("stopped bubble %s (session killed: %v, claim removed: %v); state is %s\n",
		id, report.SessionKilled, report.ClaimRemoved, report.NewState)
	return nil
}

type cmdBubbleDelete struct {
	engineConfig
	bubbleSelector
	Force bool `long:"force" description:"Destroy external artifacts (worktree, session, branch)"`
}

func (cmd cmdBubbleDelete) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Delete(ctx, repo, id, cmd.Force)
	if fault.KindOf(err) == fault.Confirm {
		fmt.Fprintf(os.Stderr, "bubble %s still has external artifacts:\n", id)
		for _, m := range out.Manifest {
			fmt.Fprintf(os.Stderr, "  %s\n", m)
		}
		fmt.Fprintln(os.Stderr, "re-run with --force to destroy them")
		return err
	} else if err != nil {
		return err
	}
	fmt.Printf("deleted bubble %s (archived to %s)\n", id, out.ArchivePath)
	return nil
}
