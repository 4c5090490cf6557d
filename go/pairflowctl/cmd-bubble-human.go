package main

import (
	"context"
	"fmt"
)

type cmdBubbleReply struct {
	engineConfig
	bubbleSelector
	Message string `long:"message" short:"m" required:"true" description:"Answer for the waiting agent"`
}

func (cmd cmdBubbleReply) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Reply(ctx, repo, id, cmd.Message)
	if err != nil {
		return err
	}
	printOpResult(out)
	return nil
}

type cmdBubbleApprove struct {
	engineConfig
	bubbleSelector
}

func (cmd cmdBubbleApprove) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Approve(ctx, repo, id)
	if err != nil {
		return err
	}
	printOpResult(out)
	fmt.Println("commit it with: pairflowctl bubble commit --id " + id)
	return nil
}

type cmdBubbleRework struct {
	engineConfig
	bubbleSelector
	Message string `long:"message" short:"m" required:"true" description:"What must change"`
}

func (cmd cmdBubbleRework) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.RequestRework(ctx, repo, id, cmd.Message)
	if err != nil {
		return err
	}
	if out.Seq > 0 {
		printOpResult(out)
	} else {
		fmt.Printf("bubble %s is waiting on its agent; rework queued for the watchdog (latest request wins)\n", id)
	}
	return nil
}

type cmdBubbleCommit struct {
	engineConfig
	bubbleSelector
	Message string `long:"message" short:"m" description:"Commit message (default: pairflow: <bubble>)"`
}

func (cmd cmdBubbleCommit) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Commit(ctx, repo, id, cmd.Message)
	if err != nil {
		return err
	}
	fmt.Printf("bubble %s committed as %s; state is %s\n", id, out.CommitSHA, out.NewState)
	return nil
}

type cmdBubbleMerge struct {
	engineConfig
	bubbleSelector
	DeleteBranch bool `long:"delete-branch" description:"Remove the worktree and branch after the merge"`
}

func (cmd cmdBubbleMerge) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	if err = eng.Merge(ctx, repo, id, cmd.DeleteBranch); err != nil {
		return err
	}
	fmt.Printf("merged bubble %s into its base branch\n", id)
	return nil
}
