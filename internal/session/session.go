// Package session issues SQL against one node's database on behalf of the
// migration and snowflake checks.
package session

import (
	"context"
	"errors"
	"strings"

	"github.com/snowcluster/snowcluster/pkg/types"
)

// ErrNotFound is returned when a catalog lookup matches nothing.
var ErrNotFound = errors.New("not found")

// SequenceEntry is one row of pg_sequences.
type SequenceEntry struct {
	Schema    string
	Name      string
	Owner     string
	DataType  string
	LastValue *int64
}

// QualifiedName returns schema.name.
func (e SequenceEntry) QualifiedName() string {
	return e.Schema + "." + e.Name
}

// Column identifies a table column.
type Column struct {
	Schema string
	Table  string
	Column string
}

// Session is a connection to one node's database.
type Session interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Sequences lists pg_sequences.
	Sequences(ctx context.Context) ([]SequenceEntry, error)

	// ColumnDefault returns the column default from information_schema.columns.
	ColumnDefault(ctx context.Context, col Column) (string, error)

	// OwnedBy resolves the column a sequence is owned by through pg_depend.
	OwnedBy(ctx context.Context, sequence string) (Column, error)

	// Decode asks the snowflake extension to decode id.
	Decode(ctx context.Context, id types.SnowflakeID) (types.DecodedSnowflake, error)

	// NextvalCurrval draws snowflake.nextval and snowflake.currval for
	// sequence in a single statement.
	NextvalCurrval(ctx context.Context, sequence string) (next, curr types.SnowflakeID, err error)

	// InsertReturning runs an INSERT ... RETURNING of one bigint column and
	// returns the values in the order the server produced them.
	InsertReturning(ctx context.Context, sql string, args ...any) ([]types.SnowflakeID, error)

	Close(ctx context.Context) error
}

// Dialer opens sessions to nodes.
type Dialer interface {
	Dial(ctx context.Context, node types.NodeSpec) (Session, error)
}

// SplitQualified splits "schema.name", defaulting the schema to public.
func SplitQualified(name string) (schema, rel string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "public", name
}
