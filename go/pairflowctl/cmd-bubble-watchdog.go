package main

import (
	"context"
	"fmt"

	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/watchdog"
)

type cmdBubbleWatchdog struct {
	engineConfig
	bubbleSelector
	All bool `long:"all" description:"Run over every bubble of the repository"`
}

func (cmd cmdBubbleWatchdog) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()
	var runner = &watchdog.Runner{Engine: eng, Mux: eng.Mux, Events: eng.Events}

	if cmd.All {
		var repo, err = cmd.resolveRepo(ctx, eng.Git)
		if err != nil {
			return err
		}
		bubbles, err := eng.List(ctx, repo)
		if err != nil {
			return err
		}
		var failed bool
		for _, b := range bubbles {
			out, runErr := runner.Run(ctx, repo, b.BubbleID)
			if runErr != nil {
				failed = true
				fmt.Printf("%s: error: %v\n", b.BubbleID, runErr)
				continue
			}
			printOutcome(b.BubbleID, out)
		}
		if failed {
			return fault.New(fault.Recovery, "watchdog pass finished with errors")
		}
		return nil
	}

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := runner.Run(ctx, repo, id)
	if err != nil {
		return err
	}
	printOutcome(id, out)
	return nil
}

func printOutcome(bubbleID string, out watchdog.Outcome) {
	switch {
	case out.Action != "":
		fmt.Printf("%s: %s\n", bubbleID, out.Action)
	case out.Status.Monitored:
		fmt.Printf("%s: %s (%s of budget remaining)\n", bubbleID, out.Reason, out.Status.Remaining)
	default:
		fmt.Printf("%s: %s\n", bubbleID, out.Reason)
	}
}
