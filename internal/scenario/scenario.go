// Package scenario runs the snowflake checks against provisioned nodes: it
// creates a serial table, converts its sequence, draws a batch of ids and
// validates them locally, against the extension's decode functions and
// across nodes.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/snowcluster/snowcluster/internal/cluster"
	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/journal"
	"github.com/snowcluster/snowcluster/internal/migrate"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/internal/session"
	"github.com/snowcluster/snowcluster/internal/verify"
	"github.com/snowcluster/snowcluster/pkg/types"
)

// Step names.
const (
	StepConnect = "connect"
	StepPrepare = "prepare-table"
	StepInsert  = "insert-batch"
	StepCheck   = "check-ids"
	StepUnique  = "check-unique"
)

const (
	nameColumn = "employeename"
	mailColumn = "employeemail"
)

// Options configures the scenario.
type Options struct {
	Table     string
	Column    string
	BatchSize int
	// CLI and Namespace are handed to the migration verifier.
	CLI       string
	Namespace string
}

// DefaultOptions returns the acctg/employeeid scenario with a batch of 100.
func DefaultOptions() Options {
	return Options{
		Table:     "acctg",
		Column:    "employeeid",
		BatchSize: 100,
		CLI:       "pgedge",
		Namespace: "snowflake",
	}
}

// NodeResult is what one node produced.
type NodeResult struct {
	Node       int
	Conversion *types.SequenceConversionRecord
	// IDs holds the batch followed by the nextval drawn in the session check.
	IDs []types.SnowflakeID
}

// Scenario drives the checks. Nodes are visited one at a time.
type Scenario struct {
	runner    runner.Runner
	dialer    session.Dialer
	validator *verify.Validator
	opts      Options
	journal   journal.Recorder
	logger    *zap.Logger

	now func() time.Time
}

// New creates a scenario. A nil recorder disables journaling.
func New(r runner.Runner, d session.Dialer, v *verify.Validator, opts Options, rec journal.Recorder, logger *zap.Logger) *Scenario {
	def := DefaultOptions()
	if opts.Table == "" {
		opts.Table = def.Table
	}
	if opts.Column == "" {
		opts.Column = def.Column
	}
	if opts.BatchSize < 2 {
		opts.BatchSize = def.BatchSize
	}
	if opts.CLI == "" {
		opts.CLI = def.CLI
	}
	if opts.Namespace == "" {
		opts.Namespace = v.Namespace()
	}
	if rec == nil {
		rec = journal.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scenario{
		runner:    r,
		dialer:    d,
		validator: v,
		opts:      opts,
		journal:   rec,
		logger:    logger,
		now:       time.Now,
	}
}

// Sequence returns the sequence a bigserial column gets: public.<table>_<column>_seq.
func (s *Scenario) Sequence() string {
	return fmt.Sprintf("public.%s_%s_seq", s.opts.Table, s.opts.Column)
}

// Run executes the scenario on every node in ascending index order, stopping
// at the first failure, then checks the collected ids for global uniqueness.
func (s *Scenario) Run(ctx context.Context, nodes []types.NodeSpec) (*cluster.Report, error) {
	report := &cluster.Report{Operation: "verify"}

	ordered := append([]types.NodeSpec(nil), nodes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	perNode := make(map[int][]types.SnowflakeID, len(ordered))
	for _, node := range ordered {
		res, err := s.RunNode(ctx, node)
		s.record(ctx, journal.Step{
			Node:   node.Index,
			Step:   "snowflake",
			Status: statusOf(err),
			Detail: detailOf(err, fmt.Sprintf("%d ids", len(res.IDs))),
		})
		report.Add(cluster.NodeOutcome{Node: node.Index, Step: stepOf(err, StepCheck), Action: "verified", Err: err})
		if err != nil {
			return report, err
		}
		perNode[node.SnowflakeNode()] = res.IDs
	}

	err := herrors.Locate(s.validator.CheckUnique(perNode), StepUnique, 0)
	s.record(ctx, journal.Step{Step: StepUnique, Status: statusOf(err), Detail: detailOf(err, "")})
	report.Add(cluster.NodeOutcome{Step: StepUnique, Action: "checked", Err: err})
	return report, err
}

// RunNode runs the scenario on one node.
func (s *Scenario) RunNode(ctx context.Context, node types.NodeSpec) (NodeResult, error) {
	res := NodeResult{Node: node.Index}
	log := s.logger.With(zap.Int("node", node.Index), zap.String("sequence", s.Sequence()))

	sess, err := s.dialer.Dial(ctx, node)
	if err != nil {
		return res, herrors.Locate(err, StepConnect, node.Index)
	}
	defer func() {
		if cerr := sess.Close(ctx); cerr != nil {
			log.Warn("failed to close session", zap.Error(cerr))
		}
	}()

	if err := s.prepare(ctx, sess); err != nil {
		return res, herrors.Locate(err, StepPrepare, node.Index)
	}

	v := migrate.New(s.runner, sess, migrate.Options{CLI: s.opts.CLI, Namespace: s.opts.Namespace, Node: node.Index}, s.logger)
	rec, err := v.Convert(ctx, s.Sequence(), node.Database, node.WorkDir)
	res.Conversion = rec
	if err != nil {
		return res, err
	}

	ids, err := sess.InsertReturning(ctx, s.insertSQL(), s.opts.BatchSize)
	if err != nil {
		return res, herrors.Locate(err, StepInsert, node.Index)
	}
	if len(ids) != s.opts.BatchSize {
		return res, herrors.NewAssertionError(herrors.CodeSnowflakeInvariant,
			fmt.Sprintf("insert returned %d ids, want %d", len(ids), s.opts.BatchSize)).At(StepInsert, node.Index)
	}
	res.IDs = ids
	log.Debug("batch inserted", zap.Int("count", len(ids)), zap.String("first", ids[0].Describe()))

	if err := s.check(ctx, sess, node, ids); err != nil {
		return res, herrors.Locate(err, StepCheck, node.Index)
	}

	next, curr, err := sess.NextvalCurrval(ctx, s.Sequence())
	if err != nil {
		return res, herrors.Locate(err, StepCheck, node.Index)
	}
	if err := s.checkSession(node, ids[len(ids)-1], next, curr); err != nil {
		return res, herrors.Locate(err, StepCheck, node.Index)
	}
	res.IDs = append(res.IDs, next)

	log.Info("snowflake checks passed", zap.Int("ids", len(res.IDs)), zap.String("last", next.Describe()))
	return res, nil
}

func (s *Scenario) prepare(ctx context.Context, sess session.Session) error {
	table := s.table()
	col := pgx.Identifier{s.opts.Column}.Sanitize()
	stmts := []string{
		"DROP TABLE IF EXISTS " + table,
		fmt.Sprintf("CREATE TABLE %s (%s bigserial PRIMARY KEY, %s VARCHAR(40), %s VARCHAR(40))",
			table, col, nameColumn, mailColumn),
		fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (1, 'Carol', 'carol@pgedge.com'), (2, 'Bob', 'bob@pgedge.com')",
			table, col, nameColumn, mailColumn),
	}
	for _, stmt := range stmts {
		if _, err := sess.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) insertSQL() string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s) SELECT 'employee' || g, 'employee' || g || '@pgedge.com' FROM generate_series(1, $1::int) AS g RETURNING %s",
		s.table(), nameColumn, mailColumn, pgx.Identifier{s.opts.Column}.Sanitize())
}

func (s *Scenario) table() string {
	return pgx.Identifier{"public", s.opts.Table}.Sanitize()
}

// check validates a batch: generation order, clock sanity, node field and
// agreement with the extension's decode of every id.
func (s *Scenario) check(ctx context.Context, sess session.Session, node types.NodeSpec, ids []types.SnowflakeID) error {
	if err := s.validator.CheckBatch(ids); err != nil {
		return err
	}
	now := s.now()
	for _, id := range ids {
		if err := s.validator.CheckEpoch(id, now); err != nil {
			return err
		}
		if err := s.validator.CheckNode(id, node.SnowflakeNode()); err != nil {
			return err
		}
		decoded, err := sess.Decode(ctx, id)
		if err != nil {
			return err
		}
		if err := s.validator.CheckDecoded(id, decoded); err != nil {
			return err
		}
	}
	return nil
}

// checkSession validates a nextval/currval pair drawn after the batch.
func (s *Scenario) checkSession(node types.NodeSpec, last, next, curr types.SnowflakeID) error {
	if err := s.validator.CheckSession(next, curr); err != nil {
		return err
	}
	if err := s.validator.CheckNode(next, node.SnowflakeNode()); err != nil {
		return err
	}
	return s.validator.CheckBatch([]types.SnowflakeID{last, next})
}

func (s *Scenario) record(ctx context.Context, step journal.Step) {
	if err := s.journal.Record(ctx, step); err != nil {
		s.logger.Warn("failed to journal step", zap.String("step", step.Step), zap.Error(err))
	}
}

func statusOf(err error) string {
	if err != nil {
		return journal.StatusFailed
	}
	return journal.StatusOK
}

func detailOf(err error, ok string) string {
	if err != nil {
		return err.Error()
	}
	return ok
}

func stepOf(err error, fallback string) string {
	if step := herrors.GetStep(err); step != "" {
		return step
	}
	return fallback
}
