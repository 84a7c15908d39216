package scenario

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/journal"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/internal/session"
	"github.com/snowcluster/snowcluster/internal/verify"
	"github.com/snowcluster/snowcluster/pkg/types"
)

var clock = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

type fakeRunner struct {
	commands []string
}

func (f *fakeRunner) Run(_ context.Context, command, dir string) (runner.Result, error) {
	f.commands = append(f.commands, command)
	seq := strings.Fields(command)[3]
	return runner.Result{
		Command: command,
		Dir:     dir,
		Stdout:  fmt.Sprintf("Converting sequence %s to snowflake sequence\n", seq),
	}, nil
}

// fakeSession simulates one converted node. Ids come from a generator for
// nodeID so they carry whatever node the test wants.
type fakeSession struct {
	session.Session

	gen       *types.SnowflakeGenerator
	execs     []string
	reads     int
	badDecode bool
	closed    bool
}

func newFakeSession(t *testing.T, nodeID int) *fakeSession {
	g, err := types.NewSnowflakeGenerator(nodeID)
	require.NoError(t, err)
	return &fakeSession{gen: g}
}

func (s *fakeSession) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	s.execs = append(s.execs, sql)
	return 0, nil
}

func (s *fakeSession) OwnedBy(_ context.Context, _ string) (session.Column, error) {
	return session.Column{Schema: "public", Table: "acctg", Column: "employeeid"}, nil
}

func (s *fakeSession) ColumnDefault(_ context.Context, _ session.Column) (string, error) {
	s.reads++
	if s.reads == 1 {
		return "nextval('acctg_employeeid_seq'::regclass)", nil
	}
	return "snowflake.nextval('acctg_employeeid_seq'::regclass)", nil
}

func (s *fakeSession) Sequences(_ context.Context) ([]session.SequenceEntry, error) {
	return []session.SequenceEntry{{Schema: "snowflake", Name: "acctg_employeeid_seq"}}, nil
}

func (s *fakeSession) InsertReturning(_ context.Context, _ string, args ...any) ([]types.SnowflakeID, error) {
	n := args[0].(int)
	ids := make([]types.SnowflakeID, n)
	for i := range ids {
		ids[i] = s.gen.NextAt(clock)
	}
	return ids, nil
}

func (s *fakeSession) Decode(_ context.Context, id types.SnowflakeID) (types.DecodedSnowflake, error) {
	d := id.Decode()
	if s.badDecode {
		d.Count++
	}
	return d, nil
}

func (s *fakeSession) NextvalCurrval(_ context.Context, _ string) (types.SnowflakeID, types.SnowflakeID, error) {
	id := s.gen.NextAt(clock)
	return id, s.gen.Last(), nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	sessions map[int]*fakeSession
}

func (d *fakeDialer) Dial(_ context.Context, node types.NodeSpec) (session.Session, error) {
	s, ok := d.sessions[node.Index]
	if !ok {
		return nil, herrors.NewInvocationError(herrors.CodeSessionFailed, "connection refused", nil)
	}
	return s, nil
}

type memRecorder struct {
	steps []journal.Step
}

func (m *memRecorder) Record(_ context.Context, s journal.Step) error {
	m.steps = append(m.steps, s)
	return nil
}

func nodes(n int) []types.NodeSpec {
	out := make([]types.NodeSpec, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, types.NodeSpec{
			Index:    i,
			Name:     fmt.Sprintf("n%d", i),
			WorkDir:  fmt.Sprintf("/cluster/n%d/pgedge", i),
			Database: "lcdb",
		})
	}
	return out
}

func newScenario(d session.Dialer, r runner.Runner, rec journal.Recorder, batch int) *Scenario {
	s := New(r, d, verify.New(verify.DefaultOptions()), Options{BatchSize: batch}, rec, nil)
	s.now = func() time.Time { return clock }
	return s
}

func TestRun_AllNodesPass(t *testing.T) {
	d := &fakeDialer{sessions: map[int]*fakeSession{
		1: newFakeSession(t, 1),
		2: newFakeSession(t, 2),
	}}
	r := &fakeRunner{}
	rec := &memRecorder{}
	s := newScenario(d, r, rec, 10)

	report, err := s.Run(context.Background(), nodes(2))
	require.NoError(t, err)
	require.True(t, report.Passed())
	require.Equal(t, "Pass - verify (2 nodes)", report.Reason())

	require.Equal(t, []string{
		"./pgedge spock sequence-convert public.acctg_employeeid_seq lcdb",
		"./pgedge spock sequence-convert public.acctg_employeeid_seq lcdb",
	}, r.commands)

	require.Len(t, rec.steps, 3)
	require.Equal(t, 1, rec.steps[0].Node)
	require.Equal(t, 2, rec.steps[1].Node)
	require.Equal(t, StepUnique, rec.steps[2].Step)

	for _, fs := range d.sessions {
		require.True(t, fs.closed)
		require.Len(t, fs.execs, 3)
		require.Contains(t, fs.execs[1], `CREATE TABLE "public"."acctg" ("employeeid" bigserial PRIMARY KEY`)
	}
}

func TestRunNode_Result(t *testing.T) {
	fs := newFakeSession(t, 1)
	s := newScenario(&fakeDialer{sessions: map[int]*fakeSession{1: fs}}, &fakeRunner{}, nil, 5)

	res, err := s.RunNode(context.Background(), nodes(1)[0])
	require.NoError(t, err)
	require.Len(t, res.IDs, 6)
	require.Equal(t, types.SequenceKindSnowflake, res.Conversion.PostType)
	for i, id := range res.IDs {
		require.Equal(t, 1, id.Node())
		require.Equal(t, i, id.Count())
	}
}

func TestRun_WrongNodeID(t *testing.T) {
	d := &fakeDialer{sessions: map[int]*fakeSession{
		1: newFakeSession(t, 1),
		2: newFakeSession(t, 7),
	}}
	rec := &memRecorder{}
	report, err := newScenario(d, &fakeRunner{}, rec, 4).Run(context.Background(), nodes(2))

	require.Error(t, err)
	require.Equal(t, herrors.CodeSnowflakeInvariant, herrors.GetCode(err))
	require.Equal(t, 2, herrors.GetNode(err))
	require.Equal(t, StepCheck, herrors.GetStep(err))
	require.Contains(t, report.Reason(), "Fail - check-ids on node 2")
	require.Equal(t, journal.StatusFailed, rec.steps[len(rec.steps)-1].Status)
}

func TestRun_DecodeDisagreement(t *testing.T) {
	fs := newFakeSession(t, 1)
	fs.badDecode = true
	_, err := newScenario(&fakeDialer{sessions: map[int]*fakeSession{1: fs}}, &fakeRunner{}, nil, 3).
		Run(context.Background(), nodes(1))

	require.Error(t, err)
	require.Contains(t, err.Error(), verify.PropDecode)
}

func TestRun_DialFailureStopsEarly(t *testing.T) {
	d := &fakeDialer{sessions: map[int]*fakeSession{2: newFakeSession(t, 2)}}
	r := &fakeRunner{}
	report, err := newScenario(d, r, nil, 3).Run(context.Background(), nodes(2))

	require.Error(t, err)
	require.Equal(t, StepConnect, herrors.GetStep(err))
	require.Equal(t, 1, herrors.GetNode(err))
	require.Len(t, report.Outcomes, 1)
	require.Empty(t, r.commands)
}

func TestRun_DuplicateAcrossNodes(t *testing.T) {
	// Two nodes configured with the same index generate colliding ids.
	fs1 := newFakeSession(t, 1)
	fs2 := newFakeSession(t, 1)
	ns := []types.NodeSpec{
		{Index: 1, Name: "n1", Database: "lcdb"},
	}
	s := newScenario(&fakeDialer{sessions: map[int]*fakeSession{1: fs1}}, &fakeRunner{}, nil, 3)
	a, err := s.RunNode(context.Background(), ns[0])
	require.NoError(t, err)

	s2 := newScenario(&fakeDialer{sessions: map[int]*fakeSession{1: fs2}}, &fakeRunner{}, nil, 3)
	b, err := s2.RunNode(context.Background(), ns[0])
	require.NoError(t, err)

	err = s.validator.CheckUnique(map[int][]types.SnowflakeID{1: append(a.IDs, b.IDs...)})
	require.Error(t, err)
	require.Contains(t, err.Error(), verify.PropDuplicate)
}

func TestSequence(t *testing.T) {
	s := New(&fakeRunner{}, &fakeDialer{}, verify.New(verify.Options{}), Options{Table: "foo3", Column: "id"}, nil, nil)
	require.Equal(t, "public.foo3_id_seq", s.Sequence())
	require.Equal(t, 100, s.opts.BatchSize)
}
