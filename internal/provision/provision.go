// Package provision drives the per-node install pipeline: state inspection,
// materializing the staged template, engine setup, module verification and
// removal.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/modules"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/pkg/types"
)

// Step names used in errors, logs and the journal.
const (
	StepInspect       = "inspect"
	StepMaterialize   = "materialize"
	StepSetup         = "setup"
	StepVerifyModules = "verify-modules"
	StepRemove        = "remove"
	StepRemoveBackup  = "remove-backup"
	StepVerifyRemoval = "verify-removal"
	StepInfo          = "info"
)

// Action is what Provision or Remove did to a node.
type Action int

const (
	// Skipped means the node was already provisioned and nothing ran.
	Skipped Action = iota
	// AlreadyRunning means setup reported the engine as already installed.
	AlreadyRunning
	// Provisioned means the node was installed and its modules verified.
	Provisioned
	// Removed means the node's modules were removed and verified absent.
	Removed
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Skipped:
		return "skipped"
	case AlreadyRunning:
		return "already-running"
	case Provisioned:
		return "provisioned"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Outcome reports a successful Provision or Remove.
type Outcome struct {
	Node   int
	Action Action
	// State is the provisioning state observed before acting, or Running
	// when setup reported the engine already up.
	State types.ProvisioningState
	// Modules is the last module listing, nil when none was taken.
	Modules modules.Status
	// Ignored holds the failure of an optional step. It never fails the node.
	Ignored error
}

// Options configures a Provisioner.
type Options struct {
	// CLI is the engine command line tool in the node's work dir.
	CLI string
	// TemplateDir is the staged tree copied into every new node.
	TemplateDir string
	// StatusToken in setup output means the engine is already running.
	StatusToken string
	// BackupComponent is removed best-effort during Remove.
	BackupComponent string
}

// DefaultOptions returns the options the upstream CLI expects.
func DefaultOptions() Options {
	return Options{
		CLI:             "pgedge",
		TemplateDir:     filepath.Join(os.TempDir(), "nccopy"),
		StatusToken:     "already installed",
		BackupComponent: "backrest",
	}
}

// Provisioner installs and removes single nodes. It holds no per-node state.
type Provisioner struct {
	runner runner.Runner
	opts   Options
	logger *zap.Logger
}

// New creates a provisioner. Empty options fall back to DefaultOptions.
func New(r runner.Runner, opts Options, logger *zap.Logger) *Provisioner {
	def := DefaultOptions()
	if opts.CLI == "" {
		opts.CLI = def.CLI
	}
	if opts.TemplateDir == "" {
		opts.TemplateDir = def.TemplateDir
	}
	if opts.StatusToken == "" {
		opts.StatusToken = def.StatusToken
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{runner: r, opts: opts, logger: logger}
}

// State inspects the node directory. It is read fresh on every call.
func (p *Provisioner) State(node types.NodeSpec) (types.ProvisioningState, error) {
	fi, err := os.Stat(node.Dir)
	if os.IsNotExist(err) {
		return types.StateUnprovisioned, nil
	}
	if err != nil {
		return types.StateUnprovisioned, herrors.NewInternalError("failed to inspect node directory", err).At(StepInspect, node.Index)
	}
	if !fi.IsDir() {
		return types.StatePartiallyInstalled, nil
	}

	for _, marker := range node.Markers() {
		if _, err := os.Stat(marker); err != nil {
			return types.StatePartiallyInstalled, nil
		}
	}
	return types.StateProvisioned, nil
}

// Provision brings one node to the provisioned state. A provisioned node is
// skipped without running anything; a broken one fails without being touched.
func (p *Provisioner) Provision(ctx context.Context, node types.NodeSpec) (Outcome, error) {
	log := p.logger.With(zap.Int("node", node.Index), zap.String("dir", node.Dir))
	out := Outcome{Node: node.Index}

	state, err := p.State(node)
	if err != nil {
		return out, err
	}
	out.State = state

	switch state {
	case types.StateProvisioned:
		log.Info("node already installed, skipping")
		out.Action = Skipped
		return out, nil
	case types.StatePartiallyInstalled:
		return out, p.brokenError(node)
	}

	if err := p.materialize(ctx, node); err != nil {
		return out, err
	}

	res, err := p.run(ctx, node, StepSetup, p.setupCommand(node), node.WorkDir)
	if err != nil {
		return out, err
	}
	if strings.Contains(res.Stdout, p.opts.StatusToken) {
		log.Info("engine already running on node")
		out.Action = AlreadyRunning
		out.State = types.StateRunning
		return out, nil
	}

	status, err := p.listModules(ctx, node, StepVerifyModules)
	if err != nil {
		return out, err
	}
	out.Modules = status

	if missing := status.Missing(); len(missing) > 0 {
		return out, herrors.NewAssertionError(herrors.CodeModuleMissing,
			fmt.Sprintf("modules not installed: %s", strings.Join(missing, ", "))).
			At(StepVerifyModules, node.Index).
			WithDetails(map[string]interface{}{"missing": missing})
	}

	if v := node.ReplicationVersion; v != "" && !status.HasVersion(types.ReplicationModule, v) {
		return out, herrors.NewAssertionError(herrors.CodeVersionMismatch,
			fmt.Sprintf("wrong %s version installed, want %s", types.ReplicationModule, v)).
			At(StepVerifyModules, node.Index).
			WithDetails(map[string]interface{}{
				"want":  v,
				"found": status[types.ReplicationModule].Version,
				"lines": status[types.ReplicationModule].Lines,
			})
	}

	for _, name := range node.ModuleNames() {
		log.Info("module installed", zap.String("module", name), zap.String("version", status[name].Version))
	}
	out.Action = Provisioned
	return out, nil
}

// Remove uninstalls the engine and its data from a node and verifies that no
// expected module is still installed. Removing the backup component is
// best-effort; its failure is reported in Outcome.Ignored.
func (p *Provisioner) Remove(ctx context.Context, node types.NodeSpec) (Outcome, error) {
	log := p.logger.With(zap.Int("node", node.Index), zap.String("dir", node.Dir))
	out := Outcome{Node: node.Index, Action: Removed}

	state, err := p.State(node)
	if err != nil {
		return out, err
	}
	out.State = state

	switch state {
	case types.StateUnprovisioned:
		log.Info("node not installed, nothing to remove")
		return out, nil
	case types.StatePartiallyInstalled:
		return out, p.brokenError(node)
	}

	cli := "./" + p.opts.CLI
	if _, err := p.run(ctx, node, StepRemove, runner.Join(cli, "remove", node.Component, "--rm-data"), node.WorkDir); err != nil {
		return out, err
	}

	if p.opts.BackupComponent != "" {
		if _, err := p.run(ctx, node, StepRemoveBackup, runner.Join(cli, "remove", p.opts.BackupComponent), node.WorkDir); err != nil {
			out.Ignored = herrors.NewBestEffortError(
				fmt.Sprintf("failed to remove %s", p.opts.BackupComponent), err).At(StepRemoveBackup, node.Index)
			log.Warn("optional removal failed", zap.String("component", p.opts.BackupComponent), zap.Error(err))
		}
	}

	status, err := p.listModules(ctx, node, StepVerifyRemoval)
	if err != nil {
		return out, err
	}
	out.Modules = status

	if installed := status.Installed(); len(installed) > 0 {
		return out, herrors.NewStateError(herrors.CodeModuleStillInstalled,
			fmt.Sprintf("modules still installed: %s", strings.Join(installed, ", "))).
			At(StepVerifyRemoval, node.Index).
			WithDetails(map[string]interface{}{"installed": installed})
	}

	log.Info("node removed")
	return out, nil
}

// Info runs the CLI's info probe in workDir and returns its output.
func (p *Provisioner) Info(ctx context.Context, workDir string) (string, error) {
	res, err := p.runner.Run(ctx, runner.Join("./"+p.opts.CLI, "info"), workDir)
	if err != nil {
		return "", herrors.Locate(err, StepInfo, 0)
	}
	if err := res.Err(StepInfo); err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

func (p *Provisioner) materialize(ctx context.Context, node types.NodeSpec) error {
	if fi, err := os.Stat(p.opts.TemplateDir); err != nil || !fi.IsDir() {
		return herrors.NewStateError(herrors.CodeStagingMissing,
			fmt.Sprintf("staged template %s does not exist", p.opts.TemplateDir)).
			At(StepMaterialize, node.Index)
	}

	if _, err := p.run(ctx, node, StepMaterialize, runner.Join("mkdir", "-p", node.Dir), ""); err != nil {
		return err
	}
	src := strings.TrimSuffix(p.opts.TemplateDir, "/") + "/."
	_, err := p.run(ctx, node, StepMaterialize, runner.Join("cp", "-r", "-T", src, node.Dir), "")
	return err
}

func (p *Provisioner) setupCommand(node types.NodeSpec) string {
	args := []string{
		"./" + p.opts.CLI, "setup",
		"-U", node.User,
		"-P", node.Password,
		"-d", node.Database,
		"-p", fmt.Sprint(node.Port),
		"--pg_ver", node.EngineVersion,
	}
	if node.ReplicationVersion != "" {
		args = append(args, "--spock_ver", node.ReplicationVersion)
	}
	return runner.Join(args...)
}

func (p *Provisioner) listModules(ctx context.Context, node types.NodeSpec, step string) (modules.Status, error) {
	res, err := p.run(ctx, node, step, runner.Join("./"+p.opts.CLI, "um", "list"), node.WorkDir)
	if err != nil {
		return nil, err
	}
	return modules.Parse(res.Stdout, node.ModuleNames()), nil
}

// run executes one command for node and turns both invocation failures and
// non-zero exits into errors attributed to step.
func (p *Provisioner) run(ctx context.Context, node types.NodeSpec, step, command, dir string) (runner.Result, error) {
	res, err := p.runner.Run(ctx, command, dir)
	if err != nil {
		return res, herrors.Locate(err, step, node.Index)
	}
	if err := res.Err(step); err != nil {
		p.logger.Error("command failed",
			zap.Int("node", node.Index),
			zap.String("step", step),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Stderr))
		return res, herrors.Locate(err, step, node.Index)
	}
	return res, nil
}

func (p *Provisioner) brokenError(node types.NodeSpec) error {
	present := map[string]bool{}
	for _, m := range node.Markers() {
		_, err := os.Stat(m)
		present[filepath.Base(m)] = err == nil
	}
	return herrors.NewStateError(herrors.CodeBrokenInstall,
		fmt.Sprintf("previous install in %s exists and is broken", node.Dir)).
		At(StepInspect, node.Index).
		WithDetails(map[string]interface{}{"markers": present})
}
