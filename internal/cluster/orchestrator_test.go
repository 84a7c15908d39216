package cluster

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snowcluster/snowcluster/internal/config"
	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/journal"
	"github.com/snowcluster/snowcluster/internal/provision"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/internal/storage"
	"github.com/snowcluster/snowcluster/pkg/types"
)

type fakeRunner struct {
	commands []string
	dirs     []string
	handle   func(command string) runner.Result
}

func (f *fakeRunner) Run(_ context.Context, command, dir string) (runner.Result, error) {
	f.commands = append(f.commands, command)
	f.dirs = append(f.dirs, dir)
	res := runner.Result{Command: command, Dir: dir}
	if f.handle != nil {
		h := f.handle(command)
		res.ExitCode, res.Stdout, res.Stderr = h.ExitCode, h.Stdout, h.Stderr
	}
	return res, nil
}

type fakeProvisioner struct {
	provisioned []int
	removed     []int
	infoDirs    []string
	fail        map[int]error
	ignored     map[int]error
}

func (p *fakeProvisioner) Provision(_ context.Context, node types.NodeSpec) (provision.Outcome, error) {
	p.provisioned = append(p.provisioned, node.Index)
	if err := p.fail[node.Index]; err != nil {
		// the real provisioner leaves Action at its zero value on failure
		return provision.Outcome{Node: node.Index}, err
	}
	return provision.Outcome{Node: node.Index, Action: provision.Provisioned}, nil
}

func (p *fakeProvisioner) Remove(_ context.Context, node types.NodeSpec) (provision.Outcome, error) {
	p.removed = append(p.removed, node.Index)
	return provision.Outcome{Node: node.Index, Action: provision.Removed, Ignored: p.ignored[node.Index]}, p.fail[node.Index]
}

func (p *fakeProvisioner) Info(_ context.Context, workDir string) (string, error) {
	p.infoDirs = append(p.infoDirs, workDir)
	return "ok", nil
}

type fakeFetcher struct {
	locations []string
}

func (f *fakeFetcher) Fetch(_ context.Context, location, dest string) (storage.Artifact, error) {
	f.locations = append(f.locations, location)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return storage.Artifact{}, err
	}
	if err := os.WriteFile(dest, []byte("installer"), 0644); err != nil {
		return storage.Artifact{}, err
	}
	return storage.Fingerprint(dest)
}

type memRecorder struct {
	steps []journal.Step
}

func (m *memRecorder) Record(_ context.Context, s journal.Step) error {
	m.steps = append(m.steps, s)
	return nil
}

type fixture struct {
	cfg     config.Config
	runner  *fakeRunner
	prov    *fakeProvisioner
	fetcher *fakeFetcher
	rec     *memRecorder
	orch    *Orchestrator
}

func newFixture(t *testing.T, nodes int) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := *config.DefaultConfig()
	cfg.NCDir = filepath.Join(root, "nc")
	cfg.HomeDir = filepath.Join(cfg.NCDir, "pgedge")
	cfg.ClusterDir = filepath.Join(root, "cluster")
	cfg.StageDir = filepath.Join(root, "nccopy")
	cfg.PgPassFile = filepath.Join(root, ".pgpass")
	cfg.Cluster.Nodes = nodes

	f := &fixture{
		cfg:     cfg,
		runner:  &fakeRunner{},
		prov:    &fakeProvisioner{fail: map[int]error{}, ignored: map[int]error{}},
		fetcher: &fakeFetcher{},
		rec:     &memRecorder{},
	}
	f.orch = New(cfg, f.runner, f.prov, f.fetcher, f.rec, nil)
	return f
}

func TestStage_FreshInstall(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.orch.Stage(context.Background()))

	require.Equal(t, []string{
		"mkdir -p " + f.cfg.NCDir,
		"python3 install.py",
		"rm -rf " + f.cfg.StageDir,
		"cp -r -T " + f.cfg.NCDir + "/. " + f.cfg.StageDir,
	}, f.runner.commands)
	require.Equal(t, f.cfg.NCDir, f.runner.dirs[1])
	require.Equal(t, []string{f.cfg.Repo}, f.fetcher.locations)
	require.Equal(t, []string{f.cfg.HomeDir}, f.prov.infoDirs)
	require.NotEmpty(t, f.orch.Fingerprint())

	require.Len(t, f.rec.steps, 1)
	require.Equal(t, StepStage, f.rec.steps[0].Step)
	require.Equal(t, journal.StatusOK, f.rec.steps[0].Status)
}

func TestStage_SkipsDownloadWhenHomeExists(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, os.MkdirAll(f.cfg.HomeDir, 0755))

	require.NoError(t, f.orch.Stage(context.Background()))

	require.Empty(t, f.fetcher.locations)
	require.Empty(t, f.prov.infoDirs)
	require.Len(t, f.runner.commands, 2)
	require.True(t, strings.HasPrefix(f.runner.commands[0], "rm -rf "))
}

func TestStage_InstallFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.runner.handle = func(cmd string) runner.Result {
		if strings.Contains(cmd, "install.py") {
			return runner.Result{ExitCode: 1, Stderr: "no python"}
		}
		return runner.Result{}
	}

	report, err := f.orch.Provision(context.Background(), f.cfg.Nodes())
	require.Error(t, err)
	require.False(t, report.Passed())
	require.Empty(t, f.prov.provisioned, "no node may start before staging completes")
	require.Equal(t, journal.StatusFailed, f.rec.steps[0].Status)
}

func TestProvision_AscendingOrderAndUnstage(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, os.MkdirAll(f.cfg.HomeDir, 0755))

	nodes := f.cfg.Nodes()
	shuffled := []types.NodeSpec{nodes[2], nodes[0], nodes[1]}

	report, err := f.orch.Provision(context.Background(), shuffled)
	require.NoError(t, err)
	require.True(t, report.Passed())
	require.Equal(t, []int{1, 2, 3}, f.prov.provisioned)
	require.Equal(t, "rm -rf "+f.cfg.StageDir, f.runner.commands[len(f.runner.commands)-1])
	require.Equal(t, "Pass - provision (3 nodes)", report.Reason())
}

func TestProvision_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, os.MkdirAll(f.cfg.HomeDir, 0755))
	f.prov.fail[2] = herrors.NewStateError(herrors.CodeBrokenInstall, "previous install is broken").At("inspect", 2)

	report, err := f.orch.Provision(context.Background(), f.cfg.Nodes())
	require.Error(t, err)
	require.Equal(t, []int{1, 2}, f.prov.provisioned)
	require.False(t, report.Passed())
	require.Contains(t, report.Reason(), "inspect on node 2")

	// rm and cp for staging, then no unstage: the template is kept after a failure
	require.Len(t, f.runner.commands, 2)

	last := f.rec.steps[len(f.rec.steps)-1]
	require.Equal(t, 2, last.Node)
	require.Equal(t, journal.StatusFailed, last.Status)

	failed := report.Outcomes[len(report.Outcomes)-1]
	require.Equal(t, 2, failed.Node)
	require.Equal(t, "failed", failed.Action)
	require.Equal(t, "provisioned", report.Outcomes[1].Action)
}

func TestProvision_FailedNodeCarriesExitCode(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, os.MkdirAll(f.cfg.HomeDir, 0755))
	setup := runner.Result{Command: "./pgedge setup", ExitCode: 3, Stderr: "line1\nline2"}
	f.prov.fail[1] = herrors.Locate(setup.Err("setup"), "setup", 1)

	_, err := f.orch.Provision(context.Background(), f.cfg.Nodes())
	require.Error(t, err)

	last := f.rec.steps[len(f.rec.steps)-1]
	require.Equal(t, "provision", last.Step)
	require.Equal(t, 3, last.ExitCode)
	require.Contains(t, last.Detail, "line1")
}

func TestReplicate(t *testing.T) {
	f := newFixture(t, 2)
	f.runner.handle = func(string) runner.Result {
		return runner.Result{Stdout: "[\n  {\n    \"node_create\": 1\n  }\n]\n"}
	}

	report, err := f.orch.Replicate(context.Background(), f.cfg.Nodes())
	require.NoError(t, err)
	require.True(t, report.Passed())

	nodes := f.cfg.Nodes()
	require.Equal(t, "./pgedge spock node-create n1 'host=localhost port=6432 user=pgedge dbname=lcdb' lcdb", f.runner.commands[0])
	require.Equal(t, nodes[0].WorkDir, f.runner.dirs[0])
	require.Equal(t, nodes[1].WorkDir, f.runner.dirs[1])
}

func TestReplicate_MissingConfirmation(t *testing.T) {
	f := newFixture(t, 2)
	f.runner.handle = func(string) runner.Result {
		return runner.Result{Stdout: "ERROR: node n1 already exists"}
	}

	report, err := f.orch.Replicate(context.Background(), f.cfg.Nodes())
	require.Error(t, err)
	require.Equal(t, herrors.CodeConfirmationMissing, herrors.GetCode(err))
	require.Equal(t, 1, herrors.GetNode(err))
	require.Len(t, report.Outcomes, 1)
}

func TestDecommission_IgnoredFailureStillPasses(t *testing.T) {
	f := newFixture(t, 2)
	f.prov.ignored[1] = herrors.NewBestEffortError("failed to remove backrest", nil)

	report, err := f.orch.Decommission(context.Background(), f.cfg.Nodes())
	require.NoError(t, err)
	require.True(t, report.Passed())
	require.Equal(t, []int{1, 2}, f.prov.removed)
	require.NotNil(t, report.Outcomes[0].Ignored)
	require.Equal(t, journal.StatusIgnored, f.rec.steps[0].Status)
}

func TestDecommission_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.prov.fail[1] = herrors.NewStateError(herrors.CodeModuleStillInstalled, "spock still installed").At("verify-removal", 1)

	report, err := f.orch.Decommission(context.Background(), f.cfg.Nodes())
	require.Error(t, err)
	require.Equal(t, []int{1}, f.prov.removed)
	require.Equal(t, "failed", report.Outcomes[0].Action)
}

func TestTeardown(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, os.MkdirAll(f.cfg.HomeDir, 0755))
	require.NoError(t, os.WriteFile(f.cfg.PgPassFile, []byte("*:*:*:lcusr:password\n"), 0600))

	orch := New(f.cfg, runner.NewShellRunner(nil), f.prov, f.fetcher, f.rec, nil)
	require.NoError(t, orch.Teardown(context.Background()))

	_, err := os.Stat(f.cfg.NCDir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.cfg.PgPassFile)
	require.True(t, os.IsNotExist(err))
}

func TestTeardown_Incomplete(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, os.MkdirAll(f.cfg.NCDir, 0755))

	// the fake runner pretends rm succeeded without deleting anything
	err := f.orch.Teardown(context.Background())
	require.Equal(t, herrors.CodeTeardownIncomplete, herrors.GetCode(err))
}
