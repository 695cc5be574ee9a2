package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"

	"github.com/Mindburn-Labs/meshforge/pkg/canonical"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// Dialect selects the SQL flavour for schema and sequence handling.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements EventStore over database/sql. It supports SQLite and
// Postgres through standard drivers; queries use $N placeholders, which
// both drivers accept.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	seqExpr string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	type TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	trace_id TEXT,
	span_id TEXT,
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	actor_json TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	source_json TEXT NOT NULL,
	causation_id TEXT,
	correlation_id TEXT,
	reply_to TEXT,
	entity_id TEXT,
	expected_version INTEGER,
	security_context_json TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_idempotency ON events(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_events_scope ON events(tenant, workspace);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	ts BIGINT NOT NULL,
	type TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	trace_id TEXT,
	span_id TEXT,
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	actor_json TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	source_json TEXT NOT NULL,
	causation_id TEXT,
	correlation_id TEXT,
	reply_to TEXT,
	entity_id TEXT,
	expected_version BIGINT,
	security_context_json TEXT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_idempotency ON events(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_events_scope ON events(tenant, workspace);
`

// envelope column list shared by inserts and selects; order matters.
const eventColumns = `id, ts, type, schema_version, trace_id, span_id, tenant, workspace,
	actor_json, payload_json, idempotency_key, source_json, causation_id,
	correlation_id, reply_to, entity_id, expected_version, security_context_json, created_at`

// NewSQLStore wraps an open database handle and runs migration.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, seqExpr: "rowid"}
	if dialect == DialectPostgres {
		s.seqExpr = "seq"
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Append(ctx context.Context, env *envelope.Envelope) error {
	if err := s.insert(ctx, s.db, env); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) AppendBatch(ctx context.Context, envs []*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store begin batch: %w", err)
	}
	for _, env := range envs {
		if err := s.insert(ctx, tx, env); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit batch: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insert(ctx context.Context, db execer, env *envelope.Envelope) error {
	actorJSON, err := canonical.Marshal(env.Actor)
	if err != nil {
		return fmt.Errorf("store encode actor: %w", err)
	}
	payloadJSON, err := canonical.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("store encode payload: %w", err)
	}
	sourceJSON, err := canonical.Marshal(env.Source)
	if err != nil {
		return fmt.Errorf("store encode source: %w", err)
	}
	securityJSON, err := canonical.Marshal(env.SecurityContext)
	if err != nil {
		return fmt.Errorf("store encode security_context: %w", err)
	}

	query := `INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = db.ExecContext(ctx, query,
		env.ID, env.TS, env.Type, env.SchemaVersion,
		nullString(env.TraceID), nullString(env.SpanID),
		env.Tenant, env.Workspace,
		string(actorJSON), string(payloadJSON), env.IdempotencyKey, string(sourceJSON),
		nullString(env.CausationID), nullString(env.CorrelationID),
		nullString(env.ReplyTo), nullString(env.EntityID),
		nullInt64(env.ExpectedVersion), string(securityJSON),
		time.Now().UnixMilli(),
	)
	if err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
		}
		return fmt.Errorf("store insert %s: %w", env.ID, err)
	}
	return nil
}

func (s *SQLStore) Replay(ctx context.Context, filter ReplayFilter) ([]*envelope.Envelope, error) {
	records, err := s.ReplayRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*envelope.Envelope, len(records))
	for i, r := range records {
		out[i] = r.Envelope
	}
	return out, nil
}

func (s *SQLStore) ReplayRecords(ctx context.Context, filter ReplayFilter) ([]Record, error) {
	conds := []string{fmt.Sprintf("%s > $1", s.seqExpr)}
	args := []any{filter.AfterSeq}

	if filter.Tenant != "" {
		args = append(args, filter.Tenant)
		conds = append(conds, fmt.Sprintf("tenant = $%d", len(args)))
	}
	if filter.Workspace != "" {
		args = append(args, filter.Workspace)
		conds = append(conds, fmt.Sprintf("workspace = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}

	query := fmt.Sprintf("SELECT %s AS seq, %s FROM events WHERE %s ORDER BY %s",
		s.seqExpr, eventColumns, strings.Join(conds, " AND "), s.seqExpr)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store replay: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var seq int64
		env, err := scanEnvelope(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Seq: seq, Envelope: env})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store replay rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetByIdempotencyKey(ctx context.Context, key, tenant, workspace string) ([]*envelope.Envelope, error) {
	conds := []string{"idempotency_key = $1"}
	args := []any{key}

	if tenant != "" {
		args = append(args, tenant)
		conds = append(conds, fmt.Sprintf("tenant = $%d", len(args)))
	}
	if workspace != "" {
		args = append(args, workspace)
		conds = append(conds, fmt.Sprintf("workspace = $%d", len(args)))
	}

	query := fmt.Sprintf("SELECT %s AS seq, %s FROM events WHERE %s ORDER BY %s",
		s.seqExpr, eventColumns, strings.Join(conds, " AND "), s.seqExpr)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store idempotency lookup: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*envelope.Envelope
	for rows.Next() {
		var seq int64
		env, err := scanEnvelope(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store idempotency rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("store count: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner, seq *int64) (*envelope.Envelope, error) {
	var (
		env             envelope.Envelope
		traceID         sql.NullString
		spanID          sql.NullString
		actorJSON       string
		payloadJSON     string
		sourceJSON      string
		causationID     sql.NullString
		correlationID   sql.NullString
		replyTo         sql.NullString
		entityID        sql.NullString
		expectedVersion sql.NullInt64
		securityJSON    sql.NullString
		createdAt       int64
	)

	if err := row.Scan(seq,
		&env.ID, &env.TS, &env.Type, &env.SchemaVersion,
		&traceID, &spanID, &env.Tenant, &env.Workspace,
		&actorJSON, &payloadJSON, &env.IdempotencyKey, &sourceJSON,
		&causationID, &correlationID, &replyTo, &entityID,
		&expectedVersion, &securityJSON, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("store scan: %w", err)
	}

	env.TraceID = traceID.String
	env.SpanID = spanID.String
	env.CausationID = causationID.String
	env.CorrelationID = correlationID.String
	env.ReplyTo = replyTo.String
	env.EntityID = entityID.String
	if expectedVersion.Valid {
		v := expectedVersion.Int64
		env.ExpectedVersion = &v
	}

	if err := json.Unmarshal([]byte(actorJSON), &env.Actor); err != nil {
		return nil, fmt.Errorf("store decode actor for %s: %w", env.ID, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &env.Payload); err != nil {
		return nil, fmt.Errorf("store decode payload for %s: %w", env.ID, err)
	}
	if err := json.Unmarshal([]byte(sourceJSON), &env.Source); err != nil {
		return nil, fmt.Errorf("store decode source for %s: %w", env.ID, err)
	}
	if securityJSON.Valid && securityJSON.String != "" {
		if err := json.Unmarshal([]byte(securityJSON.String), &env.SecurityContext); err != nil {
			return nil, fmt.Errorf("store decode security_context for %s: %w", env.ID, err)
		}
	}

	return &env, nil
}

// isDuplicateErr recognizes primary key violations from both drivers.
func isDuplicateErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY and SQLITE_CONSTRAINT_UNIQUE
		return liteErr.Code() == 1555 || liteErr.Code() == 2067
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
