// Package migrate converts a serial sequence to a snowflake sequence with the
// replication CLI and verifies the conversion took effect in the catalog.
package migrate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/runner"
	"github.com/snowcluster/snowcluster/internal/session"
	"github.com/snowcluster/snowcluster/pkg/types"
)

// Step names used in errors and the journal.
const (
	StepInspect = "inspect-sequence"
	StepConvert = "sequence-convert"
	StepConfirm = "verify-conversion"
)

// Options configures a Verifier.
type Options struct {
	// CLI is the engine command line tool in the node's work dir.
	CLI string
	// Namespace is the schema of the generator functions.
	Namespace string
	// Node attributes errors to a node index; 0 leaves them unattributed.
	Node int
}

// DefaultOptions returns the pgedge CLI and the snowflake namespace.
func DefaultOptions() Options {
	return Options{CLI: "pgedge", Namespace: "snowflake"}
}

// Verifier drives one sequence conversion on one node.
type Verifier struct {
	runner  runner.Runner
	session session.Session
	opts    Options
	logger  *zap.Logger
}

// New creates a verifier. Zero option fields take their defaults.
func New(r runner.Runner, s session.Session, opts Options, logger *zap.Logger) *Verifier {
	def := DefaultOptions()
	if opts.CLI == "" {
		opts.CLI = def.CLI
	}
	if opts.Namespace == "" {
		opts.Namespace = def.Namespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{runner: r, session: s, opts: opts, logger: logger}
}

// Confirmation returns the phrase sequence-convert prints for sequence.
func Confirmation(sequence string) string {
	return fmt.Sprintf("Converting sequence %s to snowflake sequence", sequence)
}

// Convert converts sequence in database by running the replication CLI in
// workDir. The owning column must carry an ordinary nextval default before
// the conversion and a generator default after it, and pg_sequences must
// list the sequence under the generator namespace.
func (v *Verifier) Convert(ctx context.Context, sequence, database, workDir string) (*types.SequenceConversionRecord, error) {
	rec := &types.SequenceConversionRecord{
		Sequence: sequence,
		Database: database,
		PreType:  types.SequenceKindSerial,
	}

	col, err := v.session.OwnedBy(ctx, sequence)
	if err != nil {
		return rec, v.locate(err, StepInspect)
	}
	rec.Table = col.Schema + "." + col.Table
	rec.Column = col.Column

	before, err := v.session.ColumnDefault(ctx, col)
	if err != nil {
		return rec, v.locate(err, StepInspect)
	}
	rec.DefaultBefore = before
	if !strings.Contains(before, "nextval(") || v.isGenerator(before) {
		return rec, herrors.NewStateError(herrors.CodeUnexpectedDefault,
			fmt.Sprintf("column %s.%s default %q is not a serial nextval default", rec.Table, rec.Column, before)).
			At(StepInspect, v.opts.Node).
			WithDetails(map[string]interface{}{"sequence": sequence})
	}

	cmd := runner.Join("./"+v.opts.CLI, "spock", "sequence-convert", sequence, database)
	res, err := v.runner.Run(ctx, cmd, workDir)
	if err != nil {
		return rec, v.locate(err, StepConvert)
	}
	rec.Confirmation = res.Stdout
	if err := res.Err(StepConvert); err != nil {
		v.logger.Error("sequence-convert failed",
			zap.String("sequence", sequence), zap.Int("exit_code", res.ExitCode), zap.String("stderr", res.Stderr))
		return rec, v.locate(err, StepConvert)
	}
	phrase := Confirmation(sequence)
	if !strings.Contains(res.Stdout, phrase) {
		return rec, herrors.NewAssertionError(herrors.CodeConfirmationMissing,
			fmt.Sprintf("sequence-convert output does not contain %q", phrase)).
			At(StepConvert, v.opts.Node).
			WithDetails(map[string]interface{}{"stdout": res.Stdout})
	}

	after, err := v.session.ColumnDefault(ctx, col)
	if err != nil {
		return rec, v.locate(err, StepConfirm)
	}
	rec.DefaultAfter = after
	if !v.isGenerator(after) {
		return rec, v.notApplied(fmt.Sprintf("column %s.%s default is still %q", rec.Table, rec.Column, after), sequence)
	}

	entries, err := v.session.Sequences(ctx)
	if err != nil {
		return rec, v.locate(err, StepConfirm)
	}
	if !v.listed(entries, sequence) {
		return rec, v.notApplied(fmt.Sprintf("pg_sequences has no %s entry for %s", v.opts.Namespace, sequence), sequence)
	}

	rec.PostType = types.SequenceKindSnowflake
	v.logger.Info("sequence converted",
		zap.String("sequence", sequence),
		zap.String("database", database),
		zap.String("column", rec.Table+"."+rec.Column),
		zap.String("default", after))
	return rec, nil
}

func (v *Verifier) isGenerator(def string) bool {
	return strings.Contains(def, v.opts.Namespace+".nextval(")
}

func (v *Verifier) listed(entries []session.SequenceEntry, sequence string) bool {
	_, rel := session.SplitQualified(sequence)
	for _, e := range entries {
		if e.Name == rel && e.Schema == v.opts.Namespace {
			return true
		}
	}
	return false
}

func (v *Verifier) notApplied(msg, sequence string) error {
	return herrors.NewStateError(herrors.CodeConversionNotApplied, msg).
		At(StepConfirm, v.opts.Node).
		WithDetails(map[string]interface{}{"sequence": sequence})
}

func (v *Verifier) locate(err error, step string) error {
	return herrors.Locate(err, step, v.opts.Node)
}
