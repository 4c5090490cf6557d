package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/pairflow/pairflow/go/fault"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "pairflow.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	bubbles, err := parser.Command.AddCommand("bubble", "Manage bubbles", "", &struct{}{})
	mbp.Must(err, "failed to add bubble command")

	addCmd(bubbles, "create", "Create a new bubble", `
Create a bubble: its directory, config, transcript, task artifact, and
initial state. The bubble is not started.
`, &cmdBubbleCreate{})
	addCmd(bubbles, "start", "Start (or reattach) a bubble", `
Bootstrap the bubble worktree, launch its multiplexer session, and hand the
task to the implementer. A crashed bubble in RUNNING is reattached.
`, &cmdBubbleStart{})
	addCmd(bubbles, "resume", "Reattach a crashed bubble", `
Relaunch the multiplexer session of a bubble already in RUNNING. Equivalent
to start on a running bubble.
`, &cmdBubbleResume{})
	addCmd(bubbles, "stop", "Stop a bubble", `
Kill the bubble's multiplexer session, drop its runtime claim, and cancel it.
`, &cmdBubbleStop{})
	addCmd(bubbles, "delete", "Archive and delete a bubble", `
Snapshot the bubble directory into the archive, index it, and remove the
bubble with its worktree and branch. Without --force, external artifacts are
listed and nothing is destroyed.
`, &cmdBubbleDelete{})
	addCmd(bubbles, "status", "Show one bubble", "", &cmdBubbleStatus{})
	addCmd(bubbles, "list", "List the repository's bubbles", "", &cmdBubbleList{})
	addCmd(bubbles, "inbox", "Show the bubble's human-facing envelopes", "", &cmdBubbleInbox{})
	addCmd(bubbles, "reconcile", "Drop claims of dead multiplexer sessions", "", &cmdBubbleReconcile{})
	addCmd(bubbles, "reply", "Answer a waiting bubble", "", &cmdBubbleReply{})
	addCmd(bubbles, "approve", "Approve a converged bubble for commit", "", &cmdBubbleApprove{})
	addCmd(bubbles, "request-rework", "Request rework from the agents", `
From READY_FOR_APPROVAL the request is applied immediately. From
WAITING_HUMAN it is queued as a pending intent and delivered by the
watchdog; the latest queued request wins.
`, &cmdBubbleRework{})
	addCmd(bubbles, "commit", "Commit an approved bubble", "", &cmdBubbleCommit{})
	addCmd(bubbles, "merge", "Fast-forward the base branch after DONE", "", &cmdBubbleMerge{})
	addCmd(bubbles, "open", "Run the bubble's configured open command", "", &cmdBubbleOpen{})
	addCmd(bubbles, "watchdog", "Run one watchdog pass over a bubble", `
Apply at most one watchdog action: deliver a queued rework intent, re-send
stuck input, or escalate an expired agent to the human.
`, &cmdBubbleWatchdog{})

	agents, err := parser.Command.AddCommand("agent", "Agent-side commands", `
Commands invoked by the implementer and reviewer agents from inside a
bubble worktree. The bubble is derived from the working directory.
`, &struct{}{})
	mbp.Must(err, "failed to add agent command")

	addCmd(agents, "pass", "Hand the bubble to the other agent", "", &cmdAgentPass{})
	addCmd(agents, "ask-human", "Ask the human a question", "", &cmdAgentAskHuman{})
	addCmd(agents, "converged", "Declare the review converged (reviewer only)", "", &cmdAgentConverged{})

	reposCmd, err := parser.Command.AddCommand("repo", "Manage registered repositories", "", &struct{}{})
	mbp.Must(err, "failed to add repo command")

	addCmd(reposCmd, "add", "Register a repository", "", &cmdRepoAdd{})
	addCmd(reposCmd, "remove", "Unregister a repository", "", &cmdRepoRemove{})
	addCmd(reposCmd, "list", "List registered repositories", "", &cmdRepoList{})

	metrics, err := parser.Command.AddCommand("metrics", "Aggregate emitted metrics events", "", &struct{}{})
	mbp.Must(err, "failed to add metrics command")

	addCmd(metrics, "report", "Aggregate events over a time window", `
Load the monthly event shards overlapping [--from, --to] and aggregate them
by event type and by bubble.
`, &cmdMetricsReport{})

	mbp.AddPrintConfigCmd(parser, iniFilename)

	if _, err = parser.Parse(); err != nil {
		var flagErr *flags.Error
		if ok := asFlagsError(err, &flagErr); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		} else if ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		log.WithField("err", err).Error("command failed")
		os.Exit(fault.ExitCode(err))
	}
}

func asFlagsError(err error, out **flags.Error) bool {
	if fe, ok := err.(*flags.Error); ok {
		*out = fe
		return true
	}
	return false
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
