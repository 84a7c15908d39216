package runner

import (
	"context"
	"time"
)

// Observer receives the outcome of every command a Runner executed.
type Observer interface {
	Record(command string, exitCode int, d time.Duration)
}

// Observe wraps r so that every completed command is reported to o.
// Commands that fail to start are not reported.
func Observe(r Runner, o Observer) Runner {
	return &observed{next: r, obs: o}
}

type observed struct {
	next Runner
	obs  Observer
}

func (r *observed) Run(ctx context.Context, command, dir string) (Result, error) {
	start := time.Now()
	res, err := r.next.Run(ctx, command, dir)
	if err == nil {
		r.obs.Record(command, res.ExitCode, time.Since(start))
	}
	return res, err
}
