package journal

import (
	"context"

	"github.com/snowcluster/snowcluster/internal/runner"
)

// StepCommand names the steps Capture records.
const StepCommand = "command"

// Capture wraps r so that every completed command is recorded to rec with
// its exit code and full output. Commands that fail to start are not
// recorded; the caller reports those. A failed Record never fails the
// command.
func Capture(r runner.Runner, rec Recorder) runner.Runner {
	return &captured{next: r, rec: rec}
}

type captured struct {
	next runner.Runner
	rec  Recorder
}

func (c *captured) Run(ctx context.Context, command, dir string) (runner.Result, error) {
	res, err := c.next.Run(ctx, command, dir)
	if err != nil {
		return res, err
	}
	status := StatusOK
	if !res.OK() {
		status = StatusFailed
	}
	detail := command
	if dir != "" {
		detail += " (in " + dir + ")"
	}
	_ = c.rec.Record(ctx, Step{
		Step:     StepCommand,
		Status:   status,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Detail:   detail,
	})
	return res, nil
}
