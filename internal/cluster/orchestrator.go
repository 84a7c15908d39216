// Package cluster sequences node provisioning, replication registration,
// decommissioning and teardown across a fixed set of nodes.
package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/snowcluster/snowcluster/internal/config"
	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/journal"
	"github.com/snowcluster/snowcluster/internal/provision"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/internal/storage"
	"github.com/snowcluster/snowcluster/pkg/types"
)

// Step names owned by the orchestrator.
const (
	StepStage     = "stage"
	StepFetch     = "fetch"
	StepInstall   = "install"
	StepUnstage   = "unstage"
	StepReplicate = "node-create"
	StepTeardown  = "teardown"
)

// replicationConfirmation is printed by a successful node-create.
const replicationConfirmation = "node_create"

// Provisioner is the per-node pipeline the orchestrator drives.
type Provisioner interface {
	Provision(ctx context.Context, node types.NodeSpec) (provision.Outcome, error)
	Remove(ctx context.Context, node types.NodeSpec) (provision.Outcome, error)
	Info(ctx context.Context, workDir string) (string, error)
}

// Fetcher downloads the installer.
type Fetcher interface {
	Fetch(ctx context.Context, location, dest string) (storage.Artifact, error)
}

// Orchestrator runs operations over all nodes sequentially, stopping at the
// first failure.
type Orchestrator struct {
	cfg     config.Config
	runner  runner.Runner
	prov    Provisioner
	fetcher Fetcher
	journal journal.Recorder
	logger  *zap.Logger

	fingerprint string
}

// New creates an orchestrator. A nil recorder disables journaling.
func New(cfg config.Config, r runner.Runner, p Provisioner, f Fetcher, rec journal.Recorder, logger *zap.Logger) *Orchestrator {
	if rec == nil {
		rec = journal.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		runner:  r,
		prov:    p,
		fetcher: f,
		journal: rec,
		logger:  logger,
	}
}

// Fingerprint returns the installer fingerprint recorded by the last Stage.
func (o *Orchestrator) Fingerprint() string {
	return o.fingerprint
}

// Stage installs the engine once into NCDir, unless the engine home already
// exists, and refreshes the staged template tree every node is copied from.
// It runs to completion before any node reads the template.
func (o *Orchestrator) Stage(ctx context.Context) error {
	err := o.stage(ctx)
	status := journal.StatusOK
	detail := "fingerprint=" + o.fingerprint
	if err != nil {
		status = journal.StatusFailed
		detail = err.Error()
	}
	o.record(ctx, journal.Step{Step: StepStage, Status: status, Detail: detail})
	return err
}

func (o *Orchestrator) stage(ctx context.Context) error {
	log := o.logger.With(zap.String("nc_dir", o.cfg.NCDir))

	if exists(o.cfg.HomeDir) {
		log.Info("engine home already installed, skipping download", zap.String("home", o.cfg.HomeDir))
	} else {
		if err := o.run(ctx, StepInstall, runner.Join("mkdir", "-p", o.cfg.NCDir), ""); err != nil {
			return err
		}

		script := filepath.Join(o.cfg.NCDir, "install.py")
		if _, err := o.fetcher.Fetch(ctx, o.cfg.Repo, script); err != nil {
			return herrors.NewInvocationError(herrors.CodeDownloadFailed,
				fmt.Sprintf("could not download installer from %s", o.cfg.Repo), err).At(StepFetch, 0)
		}

		python := o.cfg.Command.Python
		if python == "" {
			python = "python3"
		}
		if err := o.run(ctx, StepInstall, runner.Join(python, "install.py"), o.cfg.NCDir); err != nil {
			return err
		}

		if _, err := o.prov.Info(ctx, o.cfg.HomeDir); err != nil {
			return herrors.Locate(err, provision.StepInfo, 0)
		}
		log.Info("engine installed", zap.String("home", o.cfg.HomeDir))
	}

	if art, err := storage.Fingerprint(filepath.Join(o.cfg.NCDir, "install.py")); err == nil {
		o.fingerprint = art.Fingerprint
		log.Info("installer fingerprint", zap.String("fingerprint", art.Fingerprint), zap.Int64("bytes", art.Size))
	} else {
		log.Warn("installer not found in nc dir, template has no fingerprint", zap.Error(err))
	}

	if err := o.run(ctx, StepStage, runner.Join("rm", "-rf", o.cfg.StageDir), ""); err != nil {
		return err
	}
	src := strings.TrimSuffix(o.cfg.NCDir, "/") + "/."
	if err := o.run(ctx, StepStage, runner.Join("cp", "-r", "-T", src, o.cfg.StageDir), ""); err != nil {
		return err
	}
	log.Info("template staged", zap.String("stage_dir", o.cfg.StageDir))
	return nil
}

// Provision stages the template and provisions nodes in ascending index
// order. It stops at the first failing node; later nodes are not attempted.
// The staged template is removed once every node succeeded.
func (o *Orchestrator) Provision(ctx context.Context, nodes []types.NodeSpec) (*Report, error) {
	report := &Report{Operation: "provision"}

	if err := o.Stage(ctx); err != nil {
		report.Add(NodeOutcome{Step: StepStage, Err: err})
		return report, err
	}
	report.Add(NodeOutcome{Step: StepStage, Action: "staged"})

	for _, node := range ordered(nodes) {
		out, err := o.prov.Provision(ctx, node)
		o.recordOutcome(ctx, node, "provision", out, err)
		report.Add(NodeOutcome{Node: node.Index, Step: "provision", Action: action(out, err), Err: err})
		if err != nil {
			o.logger.Error("node provisioning failed", zap.Int("node", node.Index), zap.Error(err))
			return report, err
		}
		o.logger.Info("node ready", zap.Int("node", node.Index), zap.String("action", out.Action.String()))
	}

	if err := o.run(ctx, StepUnstage, runner.Join("rm", "-rf", o.cfg.StageDir), ""); err != nil {
		report.Add(NodeOutcome{Step: StepUnstage, Err: err})
		return report, err
	}
	return report, nil
}

// Replicate registers every node with the replication extension, in order.
func (o *Orchestrator) Replicate(ctx context.Context, nodes []types.NodeSpec) (*Report, error) {
	report := &Report{Operation: "replicate"}

	for _, node := range ordered(nodes) {
		err := o.createReplicationNode(ctx, node)
		status := journal.StatusOK
		if err != nil {
			status = journal.StatusFailed
		}
		o.record(ctx, journal.Step{Node: node.Index, Step: StepReplicate, Status: status, ExitCode: runner.ExitCode(err), Detail: errString(err)})
		report.Add(NodeOutcome{Node: node.Index, Step: StepReplicate, Action: "registered", Err: err})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) createReplicationNode(ctx context.Context, node types.NodeSpec) error {
	cmd := runner.Join("./"+o.cfg.Engine.CLI, "spock", "node-create", node.Name, node.PeerConnString(), node.Database)
	res, err := o.runner.Run(ctx, cmd, node.WorkDir)
	if err != nil {
		return herrors.Locate(err, StepReplicate, node.Index)
	}
	if err := res.Err(StepReplicate); err != nil {
		return herrors.Locate(err, StepReplicate, node.Index)
	}
	if !strings.Contains(res.Stdout, replicationConfirmation) {
		return herrors.NewAssertionError(herrors.CodeConfirmationMissing,
			fmt.Sprintf("node-create output does not contain %q", replicationConfirmation)).
			At(StepReplicate, node.Index).
			WithDetails(map[string]interface{}{"stdout": res.Stdout})
	}
	o.logger.Info("replication node created", zap.Int("node", node.Index), zap.String("name", node.Name))
	return nil
}

// Decommission removes every node, in order, stopping at the first failure.
func (o *Orchestrator) Decommission(ctx context.Context, nodes []types.NodeSpec) (*Report, error) {
	report := &Report{Operation: "decommission"}

	for _, node := range ordered(nodes) {
		out, err := o.prov.Remove(ctx, node)
		o.recordOutcome(ctx, node, "remove", out, err)
		report.Add(NodeOutcome{Node: node.Index, Step: "remove", Action: action(out, err), Err: err, Ignored: out.Ignored})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// Teardown deletes the engine install directory and the password file and
// verifies the install directory is gone.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	err := o.teardown(ctx)
	status := journal.StatusOK
	if err != nil {
		status = journal.StatusFailed
	}
	o.record(ctx, journal.Step{Step: StepTeardown, Status: status, Detail: errString(err)})
	return err
}

func (o *Orchestrator) teardown(ctx context.Context) error {
	if err := o.run(ctx, StepTeardown, runner.Join("rm", "-rf", o.cfg.NCDir), ""); err != nil {
		return err
	}
	if exists(o.cfg.NCDir) {
		return herrors.NewStateError(herrors.CodeTeardownIncomplete,
			fmt.Sprintf("could not delete %s", o.cfg.NCDir)).At(StepTeardown, 0)
	}

	if o.cfg.PgPassFile != "" {
		if err := o.run(ctx, StepTeardown, runner.Join("rm", "-f", o.cfg.PgPassFile), ""); err != nil {
			return err
		}
		if exists(o.cfg.PgPassFile) {
			return herrors.NewStateError(herrors.CodeTeardownIncomplete,
				fmt.Sprintf("could not delete %s", o.cfg.PgPassFile)).At(StepTeardown, 0)
		}
	}
	o.logger.Info("teardown complete", zap.String("nc_dir", o.cfg.NCDir))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, step, command, dir string) error {
	res, err := o.runner.Run(ctx, command, dir)
	if err != nil {
		return herrors.Locate(err, step, 0)
	}
	if err := res.Err(step); err != nil {
		o.logger.Error("command failed", zap.String("step", step), zap.Int("exit_code", res.ExitCode), zap.String("stderr", res.Stderr))
		return herrors.Locate(err, step, 0)
	}
	return nil
}

func (o *Orchestrator) recordOutcome(ctx context.Context, node types.NodeSpec, step string, out provision.Outcome, err error) {
	s := journal.Step{Node: node.Index, Step: step, Status: journal.StatusOK, Detail: out.Action.String()}
	switch {
	case err != nil:
		s.Status = journal.StatusFailed
		s.ExitCode = runner.ExitCode(err)
		s.Detail = err.Error()
	case out.Action == provision.Skipped:
		s.Status = journal.StatusSkipped
	case out.Ignored != nil:
		s.Status = journal.StatusIgnored
		s.Detail = out.Ignored.Error()
	}
	o.record(ctx, s)
}

// action names what happened to a node; a failed node reports "failed"
// whatever action the provisioner had reached.
func action(out provision.Outcome, err error) string {
	if err != nil {
		return "failed"
	}
	return out.Action.String()
}

func (o *Orchestrator) record(ctx context.Context, s journal.Step) {
	if err := o.journal.Record(ctx, s); err != nil {
		o.logger.Warn("failed to journal step", zap.String("step", s.Step), zap.Error(err))
	}
}

// ordered returns a copy of nodes sorted by index.
func ordered(nodes []types.NodeSpec) []types.NodeSpec {
	out := append([]types.NodeSpec(nil), nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
