package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name   string
	schema []string
	// numbered placeholders ($1, $2, ...) instead of "?"
	numbered bool
}

var (
	// SQLite expects an *sql.DB opened with the "sqlite" driver
	// (modernc.org/sqlite).
	SQLite = Dialect{
		Name: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS instances (
				id TEXT PRIMARY KEY,
				workflow TEXT NOT NULL,
				status TEXT NOT NULL,
				stage TEXT NOT NULL DEFAULT '',
				progress BLOB,
				waiting_on TEXT NOT NULL DEFAULT '',
				parent_id TEXT NOT NULL DEFAULT '',
				parent_seq INTEGER NOT NULL DEFAULT 0,
				input BLOB,
				result BLOB,
				error TEXT NOT NULL DEFAULT '',
				last_seq INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
			`CREATE TABLE IF NOT EXISTS history_events (
				instance_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				type TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				scheduled_seq INTEGER NOT NULL DEFAULT 0,
				payload BLOB,
				error TEXT NOT NULL DEFAULT '',
				at INTEGER NOT NULL,
				PRIMARY KEY (instance_id, seq)
			)`,
		},
	}

	// Postgres expects an *sql.DB opened with the "pgx" driver
	// (github.com/jackc/pgx/v5/stdlib).
	Postgres = Dialect{
		Name:     "postgres",
		numbered: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS instances (
				id TEXT PRIMARY KEY,
				workflow TEXT NOT NULL,
				status TEXT NOT NULL,
				stage TEXT NOT NULL DEFAULT '',
				progress BYTEA,
				waiting_on TEXT NOT NULL DEFAULT '',
				parent_id TEXT NOT NULL DEFAULT '',
				parent_seq BIGINT NOT NULL DEFAULT 0,
				input BYTEA,
				result BYTEA,
				error TEXT NOT NULL DEFAULT '',
				last_seq BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
			`CREATE TABLE IF NOT EXISTS history_events (
				instance_id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				type TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				scheduled_seq BIGINT NOT NULL DEFAULT 0,
				payload BYTEA,
				error TEXT NOT NULL DEFAULT '',
				at BIGINT NOT NULL,
				PRIMARY KEY (instance_id, seq)
			)`,
		},
	}
)

// rebind rewrites "?" placeholders for dialects with numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a Store backed by a database/sql handle. The caller is
// responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the required schema in the given database and
// returns a new SQLStore.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore is NewSQLStore with the SQLite dialect.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, SQLite)
}

// NewPostgresStore is NewSQLStore with the PostgreSQL dialect.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, Postgres)
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	progress, err := xjson.Marshal(inst.Progress)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO instances (id, workflow, status, stage, progress, waiting_on, parent_id, parent_seq,
			input, result, error, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID,
		inst.Workflow,
		string(inst.Status),
		inst.Stage,
		progress,
		inst.WaitingOn,
		inst.ParentID,
		inst.ParentSeq,
		[]byte(inst.Input),
		[]byte(inst.Result),
		inst.Error,
		inst.LastSeq,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInstanceExists
		}
		return err
	}

	if err := s.insertEvents(ctx, tx, stamp(inst.ID, 0, []api.HistoryEvent{started})); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insertEvents(ctx context.Context, tx *sql.Tx, events []api.HistoryEvent) error {
	query := s.dialect.rebind(`
		INSERT INTO history_events (instance_id, seq, type, name, scheduled_seq, payload, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, ev := range events {
		_, err := tx.ExecContext(ctx, query,
			ev.InstanceID,
			ev.Seq,
			string(ev.Type),
			ev.Name,
			ev.ScheduledSeq,
			[]byte(ev.Payload),
			ev.Error,
			ev.At.UnixNano(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrSequenceConflict
			}
			return err
		}
	}
	return nil
}

func (s *SQLStore) AppendEvents(ctx context.Context, instanceID string, expectedLastSeq int64, events []api.HistoryEvent) ([]api.HistoryEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM instances WHERE id = ?`), instanceID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrInstanceNotFound
	}

	var last int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE instance_id = ?`), instanceID).Scan(&last)
	if err != nil {
		return nil, err
	}
	if last != expectedLastSeq {
		return nil, ErrSequenceConflict
	}

	stamped := stamp(instanceID, expectedLastSeq, events)
	if err := s.insertEvents(ctx, tx, stamped); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stamped, nil
}

func (s *SQLStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT instance_id, seq, type, name, scheduled_seq, payload, error, at
		FROM history_events
		WHERE instance_id = ?
		ORDER BY seq ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev      api.HistoryEvent
			typ     string
			payload []byte
			atN     int64
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &typ, &ev.Name, &ev.ScheduledSeq, &payload, &ev.Error, &atN); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		if len(payload) > 0 {
			ev.Payload = payload
		}
		ev.At = time.Unix(0, atN)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrInstanceNotFound
	}
	return out, nil
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	progress, err := xjson.Marshal(inst.Progress)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE instances
		SET status = ?, stage = ?, progress = ?, waiting_on = ?, result = ?, error = ?, last_seq = ?, updated_at = ?
		WHERE id = ?`),
		string(inst.Status),
		inst.Stage,
		progress,
		inst.WaitingOn,
		[]byte(inst.Result),
		inst.Error,
		inst.LastSeq,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

const instanceColumns = `id, workflow, status, stage, progress, waiting_on, parent_id, parent_seq,
	input, result, error, last_seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.Instance, error) {
	var (
		inst                 api.Instance
		status               string
		progress, input, res []byte
		createdAt, updatedAt int64
	)
	err := row.Scan(&inst.ID, &inst.Workflow, &status, &inst.Stage, &progress, &inst.WaitingOn,
		&inst.ParentID, &inst.ParentSeq, &input, &res, &inst.Error, &inst.LastSeq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.Status = api.Status(status)
	if len(progress) > 0 {
		if err := xjson.Unmarshal(progress, &inst.Progress); err != nil {
			return nil, fmt.Errorf("decode progress of %s: %w", inst.ID, err)
		}
	}
	if len(input) > 0 {
		inst.Input = input
	}
	if len(res) > 0 {
		inst.Result = res
	}
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	return &inst, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}
