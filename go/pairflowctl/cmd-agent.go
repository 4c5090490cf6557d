package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pairflow/pairflow/go/bubble"
	"github.com/pairflow/pairflow/go/fault"
	"github.com/pairflow/pairflow/go/protocol"
)

type cmdAgentPass struct {
	engineConfig
	bubbleSelector
	Role     string   `long:"role" required:"true" choice:"implementer" choice:"reviewer" description:"Calling agent role"`
	Summary  string   `long:"summary" required:"true" description:"What this pass covers"`
	Intent   string   `long:"intent" choice:"task" choice:"review" choice:"fix_request" description:"Pass intent (default: review from the implementer, fix_request from the reviewer)"`
	Findings []string `long:"finding" description:"Reviewer finding, 'SEVERITY: title[: detail]' (repeatable)"`
	Refs     []string `long:"ref" description:"Artifact path referenced by the pass (repeatable)"`
}

func (cmd cmdAgentPass) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}

	var caller = protocol.Participant(cmd.Role)
	var intent = protocol.PassIntent(cmd.Intent)
	if intent == "" {
		intent = protocol.IntentReview
		if caller == protocol.Reviewer {
			intent = protocol.IntentFixRequest
		}
	}
	var findings []protocol.Finding
	for _, raw := range cmd.Findings {
		f, parseErr := parseFinding(raw)
		if parseErr != nil {
			return parseErr
		}
		findings = append(findings, f)
	}

	out, err := eng.Pass(ctx, repo, id, bubble.PassArgs{
		Caller:   caller,
		Summary:  cmd.Summary,
		Intent:   intent,
		Findings: findings,
		Refs:     cmd.Refs,
	})
	if err != nil {
		return err
	}
	printOpResult(out)
	return nil
}

// parseFinding splits 'P1: title' or 'P1: title: detail'.
func parseFinding(raw string) (protocol.Finding, error) {
	var parts = strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return protocol.Finding{}, fault.New(fault.Validation,
			"finding %q is not of the form 'SEVERITY: title[: detail]'", raw)
	}
	var sev = protocol.Severity(strings.ToUpper(strings.TrimSpace(parts[0])))
	switch sev {
	case protocol.SeverityP0, protocol.SeverityP1, protocol.SeverityP2, protocol.SeverityP3:
	default:
		return protocol.Finding{}, fault.New(fault.Validation,
			"finding %q: severity must be one of P0, P1, P2, P3", raw)
	}
	var f = protocol.Finding{Severity: sev, Title: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		f.Detail = strings.TrimSpace(parts[2])
	}
	return f, nil
}

type cmdAgentAskHuman struct {
	engineConfig
	bubbleSelector
	Role     string `long:"role" required:"true" choice:"implementer" choice:"reviewer" description:"Calling agent role"`
	Question string `long:"question" short:"q" required:"true" description:"Question for the human"`
}

func (cmd cmdAgentAskHuman) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.AskHuman(ctx, repo, id, protocol.Participant(cmd.Role), cmd.Question)
	if err != nil {
		return err
	}
	printOpResult(out)
	return nil
}

type cmdAgentConverged struct {
	engineConfig
	bubbleSelector
	Summary string `long:"summary" required:"true" description:"Summary of what converged and why"`
}

func (cmd cmdAgentConverged) Execute(_ []string) error {
	var ctx = context.Background()
	var eng = cmd.engineConfig.engine()

	var repo, id, err = cmd.resolve(ctx, eng.Git)
	if err != nil {
		return err
	}
	out, err := eng.Converged(ctx, repo, id, cmd.Summary)
	if err != nil {
		return err
	}
	printOpResult(out)
	fmt.Println("the human has been asked to approve")
	return nil
}
