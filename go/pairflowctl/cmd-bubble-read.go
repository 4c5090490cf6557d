package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

type cmdBubbleStatus struct {
	engineConfig
	bubbleSelector
	outputConfig
}

func (cmd cmdBubbleStatus) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Status(ctx, repo, id)
	if err != nil {
		return err
	}
	return cmd.render(out, func() {
		var snap = out.Snapshot
		fmt.Printf("bubble:     %s\n", id)
		fmt.Printf("state:      %s (round %d)\n", snap.State, snap.Round)
		if snap.ActiveRole != "" {
			fmt.Printf("active:     %s (%s)\n", snap.ActiveRole, snap.ActiveAgent)
		}
		if snap.ActiveSince != nil {
			fmt.Printf("since:      %s\n", snap.ActiveSince.Format(time.RFC3339))
		}
		fmt.Printf("branch:     %s (base %s)\n", out.Config.Branch, out.Config.BaseBranch)
		fmt.Printf("session:    alive=%v\n", out.SessionAlive)
		fmt.Printf("transcript: %d envelopes\n", out.Envelopes)
		if snap.PendingReworkIntent != nil {
			fmt.Printf("pending rework: %s\n", snap.PendingReworkIntent.Message)
		}
	})
}

type cmdBubbleList struct {
	engineConfig
	bubbleSelector
	outputConfig
}

func (cmd cmdBubbleList) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, err = cmd.resolveRepo(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.List(ctx, repo)
	if err != nil {
		return err
	}
	return cmd.render(out, func() {
		if len(out) == 0 {
			fmt.Println("no bubbles")
			return
		}
		var tw = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BUBBLE\tSTATE\tROUND\tACTIVE\tSESSION")
		for _, s := range out {
			var session = "dead"
			if s.SessionAlive {
				session = "alive"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.BubbleID, s.State, s.Round, s.ActiveRole, session)
		}
		tw.Flush()
	})
}

type cmdBubbleInbox struct {
	engineConfig
	bubbleSelector
	outputConfig
}

func (cmd cmdBubbleInbox) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	envelopes, err := eng.Inbox(repo, id)
	if err != nil {
		return err
	}
	return cmd.render(envelopes, func() {
		if len(envelopes) == 0 {
			fmt.Println("inbox is empty")
			return
		}
		for _, e := range envelopes {
			printEnvelope(e)
		}
	})
}

type cmdBubbleReconcile struct {
	engineConfig
	bubbleSelector
}

func (cmd cmdBubbleReconcile) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, err = cmd.resolveRepo(ctx, eng.Git)
	if err != nil {
		return err
	}
	dropped, err := eng.Reconcile(ctx, repo)
	if err != nil {
		return err
	}
	if len(dropped) == 0 {
		fmt.Println("all runtime claims are backed by live sessions")
		return nil
	}
	for _, id := range dropped {
		fmt.Printf("dropped stale claim of bubble %s\n", id)
	}
	return nil
}

type cmdBubbleOpen struct {
	engineConfig
	bubbleSelector
}

func (cmd cmdBubbleOpen) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	return eng.Open(ctx, repo, id)
}
