package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/pkg/types"
)

// Catalog queries.
const (
	sequencesSQL = `
SELECT schemaname::text, sequencename::text, sequenceowner::text, data_type::text, last_value
FROM pg_sequences
ORDER BY schemaname, sequencename`

	columnDefaultSQL = `
SELECT column_default
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`

	ownedBySQL = `
SELECT tn.nspname::text, t.relname::text, a.attname::text
FROM pg_depend d
JOIN pg_class t ON t.oid = d.refobjid
JOIN pg_namespace tn ON tn.oid = t.relnamespace
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
WHERE d.classid = 'pg_class'::regclass
  AND d.refclassid = 'pg_class'::regclass
  AND d.objid = $1::text::regclass
  AND d.deptype IN ('a', 'i')`

	decodeSQL = `
SELECT snowflake.get_epoch($1::bigint)::text,
       snowflake.get_count($1::bigint)::int,
       snowflake.get_node($1::bigint)::int`

	nextvalCurrvalSQL = `
SELECT snowflake.nextval($1::text::regclass), snowflake.currval($1::text::regclass)`
)

// PgxSession implements Session over a single pgx connection.
type PgxSession struct {
	conn   *pgx.Conn
	node   int
	logger *zap.Logger
}

// PgxDialer connects with pgx using each node's connection string.
type PgxDialer struct {
	logger *zap.Logger
}

// NewPgxDialer creates a dialer.
func NewPgxDialer(logger *zap.Logger) *PgxDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgxDialer{logger: logger}
}

// Dial opens a session to node.
func (d *PgxDialer) Dial(ctx context.Context, node types.NodeSpec) (Session, error) {
	cfg, err := pgx.ParseConfig(node.ConnString())
	if err != nil {
		return nil, herrors.NewConfigError(fmt.Sprintf("invalid connection string for %s: %v", node.Name, err))
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, herrors.NewInvocationError(herrors.CodeSessionFailed,
			fmt.Sprintf("failed to connect to %s", node), err).At("connect", node.Index)
	}
	d.logger.Debug("session opened", zap.Int("node", node.Index), zap.Int("port", node.Port))
	return &PgxSession{conn: conn, node: node.Index, logger: d.logger}, nil
}

// NewPgxSession wraps an existing connection.
func NewPgxSession(conn *pgx.Conn, node int, logger *zap.Logger) *PgxSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgxSession{conn: conn, node: node, logger: logger}
}

// Exec implements Session.
func (s *PgxSession) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	s.logger.Debug("exec", zap.Int("node", s.node), zap.String("sql", sql))
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, s.fail("exec", err)
	}
	return tag.RowsAffected(), nil
}

// Sequences implements Session.
func (s *PgxSession) Sequences(ctx context.Context) ([]SequenceEntry, error) {
	rows, err := s.conn.Query(ctx, sequencesSQL)
	if err != nil {
		return nil, s.fail("pg_sequences", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SequenceEntry, error) {
		var e SequenceEntry
		err := row.Scan(&e.Schema, &e.Name, &e.Owner, &e.DataType, &e.LastValue)
		return e, err
	})
	if err != nil {
		return nil, s.fail("pg_sequences", err)
	}
	return entries, nil
}

// ColumnDefault implements Session. A column without a default returns "".
func (s *PgxSession) ColumnDefault(ctx context.Context, col Column) (string, error) {
	var def *string
	err := s.conn.QueryRow(ctx, columnDefaultSQL, col.Schema, col.Table, col.Column).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("column %s.%s.%s: %w", col.Schema, col.Table, col.Column, ErrNotFound)
	}
	if err != nil {
		return "", s.fail("column default", err)
	}
	if def == nil {
		return "", nil
	}
	return *def, nil
}

// OwnedBy implements Session.
func (s *PgxSession) OwnedBy(ctx context.Context, sequence string) (Column, error) {
	var c Column
	err := s.conn.QueryRow(ctx, ownedBySQL, sequence).Scan(&c.Schema, &c.Table, &c.Column)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("owner of sequence %s: %w", sequence, ErrNotFound)
	}
	if err != nil {
		return c, s.fail("pg_depend", err)
	}
	return c, nil
}

// Decode implements Session.
func (s *PgxSession) Decode(ctx context.Context, id types.SnowflakeID) (types.DecodedSnowflake, error) {
	var d types.DecodedSnowflake
	if err := s.conn.QueryRow(ctx, decodeSQL, id.Int64()).Scan(&d.EpochSeconds, &d.Count, &d.Node); err != nil {
		return d, s.fail("decode", err)
	}
	return d, nil
}

// NextvalCurrval implements Session.
func (s *PgxSession) NextvalCurrval(ctx context.Context, sequence string) (types.SnowflakeID, types.SnowflakeID, error) {
	var next, curr int64
	if err := s.conn.QueryRow(ctx, nextvalCurrvalSQL, sequence).Scan(&next, &curr); err != nil {
		return 0, 0, s.fail("nextval/currval", err)
	}
	return types.SnowflakeFromInt64(next), types.SnowflakeFromInt64(curr), nil
}

// InsertReturning implements Session.
func (s *PgxSession) InsertReturning(ctx context.Context, sql string, args ...any) ([]types.SnowflakeID, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.fail("insert", err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, s.fail("insert", err)
	}

	ids := make([]types.SnowflakeID, len(values))
	for i, v := range values {
		ids[i] = types.SnowflakeFromInt64(v)
	}
	return ids, nil
}

// Close implements Session.
func (s *PgxSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *PgxSession) fail(op string, err error) error {
	return herrors.NewInvocationError(herrors.CodeSessionFailed, op+" failed", err).At(op, s.node)
}
