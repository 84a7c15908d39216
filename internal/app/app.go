// Package app wires the harness components from one Config and runs a
// command against them, recording the run in the journal.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/snowcluster/snowcluster/internal/cluster"
	"github.com/snowcluster/snowcluster/internal/config"
	"github.com/snowcluster/snowcluster/internal/journal"
	"github.com/snowcluster/snowcluster/internal/observability"
	"github.com/snowcluster/snowcluster/internal/provision"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/internal/scenario"
	"github.com/snowcluster/snowcluster/internal/session"
	"github.com/snowcluster/snowcluster/internal/storage"
	"github.com/snowcluster/snowcluster/internal/verify"
)

// Commands accepted by Execute.
const (
	CommandStage        = "stage"
	CommandProvision    = "provision"
	CommandReplicate    = "replicate"
	CommandVerify       = "verify"
	CommandDecommission = "decommission"
	CommandTeardown     = "teardown"
	CommandAll          = "all"
)

// Commands lists every command in the order "all" runs them, stage excluded
// since provision stages first.
var Commands = []string{
	CommandProvision,
	CommandReplicate,
	CommandVerify,
	CommandDecommission,
	CommandTeardown,
}

// Components lets tests replace the external edges of the harness.
type Components struct {
	Runner  runner.Runner
	Dialer  session.Dialer
	Fetcher cluster.Fetcher
}

// App holds the wired harness for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	runner   runner.Runner
	orch     *cluster.Orchestrator
	scenario *scenario.Scenario
	journal  *journal.Journal
	rec      *switchRecorder
	stats    *observability.CommandStats

	mu sync.Mutex
}

// New validates cfg and builds every component. Zero fields of c get the
// production implementation.
func New(cfg *config.Config, logger *zap.Logger, c Components) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{cfg: *cfg, logger: logger, rec: &switchRecorder{}, stats: observability.NewCommandStats()}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = j
	}

	base := c.Runner
	if base == nil {
		base = runner.NewShellRunner(logger.Named("runner"), runner.WithShell(cfg.Command.Shell))
	}
	a.runner = runner.Observe(journal.Capture(base, a.rec), a.stats)
	dialer := c.Dialer
	if dialer == nil {
		dialer = session.NewPgxDialer(logger.Named("session"))
	}
	fetcher := c.Fetcher
	if fetcher == nil {
		fetcher = storage.NewFetcher(storage.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		}, logger.Named("fetch"))
	}

	popts := provision.DefaultOptions()
	popts.CLI = cfg.Engine.CLI
	popts.TemplateDir = cfg.StageDir
	popts.BackupComponent = cfg.Engine.BackupComponent
	prov := provision.New(a.runner, popts, logger.Named("provision"))

	a.orch = cluster.New(a.cfg, a.runner, prov, fetcher, a.rec, logger.Named("cluster"))

	validator := verify.New(verify.Options{MaxSkew: cfg.Verify.MaxSkew, Namespace: cfg.Verify.Namespace})
	a.scenario = scenario.New(a.runner, dialer, validator, scenario.Options{
		Table:     cfg.Verify.Table,
		Column:    cfg.Verify.Column,
		BatchSize: cfg.Verify.BatchSize,
		CLI:       cfg.Engine.CLI,
		Namespace: cfg.Verify.Namespace,
	}, a.rec, logger.Named("scenario"))

	return a, nil
}

// Execute runs command and returns its report. Only one command runs at a
// time. The returned error is the report's failure, if any.
func (a *App) Execute(ctx context.Context, command string) (*cluster.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Reset()
	run := a.beginRun(ctx, command)
	report, err := a.dispatch(ctx, command)
	a.finishRun(ctx, run, report)
	a.logStats(command)
	if err != nil {
		return report, err
	}
	return report, report.Err
}

func (a *App) dispatch(ctx context.Context, command string) (*cluster.Report, error) {
	nodes := a.cfg.Nodes()
	switch command {
	case CommandStage:
		return single(CommandStage, cluster.StepStage, a.orch.Stage(ctx)), nil
	case CommandProvision:
		return a.orch.Provision(ctx, nodes)
	case CommandReplicate:
		return a.orch.Replicate(ctx, nodes)
	case CommandVerify:
		return a.scenario.Run(ctx, nodes)
	case CommandDecommission:
		return a.orch.Decommission(ctx, nodes)
	case CommandTeardown:
		return single(CommandTeardown, cluster.StepTeardown, a.orch.Teardown(ctx)), nil
	case CommandAll:
		return a.all(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// all runs every command in order and stops at the first failure.
func (a *App) all(ctx context.Context) (*cluster.Report, error) {
	total := &cluster.Report{Operation: CommandAll}
	for _, cmd := range Commands {
		r, err := a.dispatch(ctx, cmd)
		if r != nil {
			for _, o := range r.Outcomes {
				total.Add(o)
			}
			if err == nil {
				err = r.Err
			}
		}
		if err != nil {
			if total.Err == nil {
				total.Err = err
			}
			return total, err
		}
		a.logger.Info("command passed", zap.String("command", cmd), zap.String("reason", r.Reason()))
	}
	return total, nil
}

func (a *App) beginRun(ctx context.Context, command string) *journal.Run {
	if a.journal == nil {
		return nil
	}
	run, err := a.journal.BeginRun(ctx, command)
	if err != nil {
		a.logger.Warn("failed to begin journal run", zap.Error(err))
		return nil
	}
	a.rec.set(a.journal.For(run))
	a.logger.Debug("journal run started", zap.String("run_id", run.ID.String()))
	return run
}

func (a *App) finishRun(ctx context.Context, run *journal.Run, report *cluster.Report) {
	defer a.rec.set(nil)
	if run == nil {
		return
	}
	status, reason := journal.StatusFailed, "unknown command"
	if report != nil {
		reason = report.Reason()
		if report.Passed() {
			status = journal.StatusPassed
		}
	}
	run.TemplateFingerprint = a.orch.Fingerprint()
	if err := a.journal.FinishRun(ctx, run, status, reason); err != nil {
		a.logger.Warn("failed to finish journal run", zap.Error(err))
	}
}

// logStats logs where the command spent its time.
func (a *App) logStats(command string) {
	for _, s := range a.stats.Top(5) {
		a.logger.Debug("command timing",
			zap.String("command", command),
			zap.String("key", s.Key),
			zap.Int64("count", s.Count),
			zap.Duration("total", s.Total),
			zap.Duration("max", s.Max))
	}
	if n := a.stats.Failures(); n > 0 {
		a.logger.Info("commands exited non-zero", zap.String("command", command), zap.Int64("count", n))
	}
}

// Stats returns the command statistics of the last Execute.
func (a *App) Stats() []observability.CommandStat {
	return a.stats.Top(100)
}

// Journal returns the open journal, nil when journaling is disabled.
func (a *App) Journal() *journal.Journal {
	return a.journal
}

// Close releases the journal.
func (a *App) Close() error {
	if a.journal == nil {
		return nil
	}
	return a.journal.Close()
}

func single(operation, step string, err error) *cluster.Report {
	r := &cluster.Report{Operation: operation}
	r.Add(cluster.NodeOutcome{Step: step, Action: "done", Err: err})
	return r
}

// switchRecorder forwards to the recorder of the current run. Components are
// built once and hold this recorder for the life of the App.
type switchRecorder struct {
	mu  sync.Mutex
	rec journal.Recorder
}

func (s *switchRecorder) set(r journal.Recorder) {
	s.mu.Lock()
	s.rec = r
	s.mu.Unlock()
}

func (s *switchRecorder) Record(ctx context.Context, step journal.Step) error {
	s.mu.Lock()
	r := s.rec
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Record(ctx, step)
}
