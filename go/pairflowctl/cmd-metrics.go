package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pairflow/pairflow/go/events"
	"github.com/pairflow/pairflow/go/fault"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdMetricsReport struct {
	Root   string        `long:"metrics-root" env:"PAIRFLOW_METRICS_ROOT" description:"Metrics root (default: ~/.pairflow/metrics)"`
	From   string        `long:"from" required:"true" description:"Window start, YYYY-MM-DD or RFC 3339"`
	To     string        `long:"to" description:"Window end, inclusive (default: now)"`
	Repo   string        `long:"repo" description:"Restrict to events of one repository path"`
	Format string        `long:"format" choice:"table" choice:"json" default:"table" description:"Output format"`
	Log    mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdMetricsReport) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var root = cmd.Root
	if root == "" {
		root = filepath.Join(homeDir(), ".pairflow", "metrics")
	}

	var from, err = parseWindowTime(cmd.From)
	if err != nil {
		return err
	}
	var to = time.Now().UTC()
	if cmd.To != "" {
		if to, err = parseWindowTime(cmd.To); err != nil {
			return err
		}
		// A bare date means the whole of that day.
		if len(cmd.To) == len("2006-01-02") {
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
	}

	report, err := events.BuildReport(root, from, to, cmd.Repo)
	if err != nil {
		return err
	}
	if cmd.Format == "json" {
		return report.RenderJSON(os.Stdout)
	}
	report.RenderTable(os.Stdout)
	return nil
}

func parseWindowTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fault.New(fault.Validation,
		"cannot parse %q as a date (YYYY-MM-DD) or RFC 3339 timestamp", s)
}
