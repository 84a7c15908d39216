// Package runner executes external commands through a shell and captures
// their exit code and output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
)

// DefaultShell is used when no shell is configured.
const DefaultShell = "/bin/sh"

// maxDetail bounds how much captured output is attached to an error.
const maxDetail = 4096

// Result is the outcome of one command. A non-zero ExitCode is a normal
// result, not an error.
type Result struct {
	Command  string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited 0.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Err returns nil for a successful result, otherwise an invocation error for
// step that carries the exit code and the captured output.
func (r Result) Err(step string) error {
	if r.OK() {
		return nil
	}
	msg := fmt.Sprintf("%q exited with status %d", r.Command, r.ExitCode)
	if s := strings.TrimSpace(r.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return herrors.New(herrors.ErrCategoryInvocation, herrors.CodeNonZeroExit, msg).
		At(step, 0).
		WithDetails(r.details())
}

// ExitCode returns the exit code carried by an error from Result.Err, or 0
// when err did not come from a completed command.
func ExitCode(err error) int {
	var he *herrors.Error
	if !errors.As(err, &he) {
		return 0
	}
	code, _ := he.Details["exit_code"].(int)
	return code
}

func (r Result) details() map[string]interface{} {
	return map[string]interface{}{
		"command":   r.Command,
		"dir":       r.Dir,
		"exit_code": r.ExitCode,
		"stdout":    truncate(r.Stdout),
		"stderr":    truncate(r.Stderr),
	}
}

// Runner runs a command line in a working directory.
type Runner interface {
	Run(ctx context.Context, command, dir string) (Result, error)
}

// ShellRunner runs commands with "<shell> -c".
type ShellRunner struct {
	shell  string
	env    []string
	logger *zap.Logger
}

// Option configures a ShellRunner.
type Option func(*ShellRunner)

// WithShell sets the shell binary.
func WithShell(shell string) Option {
	return func(r *ShellRunner) {
		if shell != "" {
			r.shell = shell
		}
	}
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *ShellRunner) {
		r.env = append(r.env, env...)
	}
}

// NewShellRunner creates a runner.
func NewShellRunner(logger *zap.Logger, opts ...Option) *ShellRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ShellRunner{shell: DefaultShell, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes command in dir and waits for it to finish. The returned error
// is non-nil only when the command could not be started or was interrupted
// by ctx; every exit status is reported through the Result.
func (r *ShellRunner) Run(ctx context.Context, command, dir string) (Result, error) {
	res := Result{Command: command, Dir: dir, ExitCode: -1}

	if dir != "" {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return res, r.spawnError(res, fmt.Errorf("working directory %s is not accessible", dir))
		}
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", zap.String("command", command), zap.String("dir", dir))

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, r.spawnError(res, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, r.spawnError(res, ctxErr)
		}
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = 0
	}

	r.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("stdout_bytes", len(res.Stdout)),
		zap.Int("stderr_bytes", len(res.Stderr)),
	)
	return res, nil
}

func (r *ShellRunner) spawnError(res Result, cause error) error {
	msg := fmt.Sprintf("failed to invoke %q", res.Command)
	if errors.Is(cause, exec.ErrNotFound) {
		msg = fmt.Sprintf("shell %s not found", r.shell)
	}
	r.logger.Error(msg, zap.String("dir", res.Dir), zap.Error(cause))
	return herrors.NewInvocationError(herrors.CodeSpawnFailed, msg, cause).WithDetails(res.details())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail] + "...(truncated)"
}
