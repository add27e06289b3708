package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLQueue is a persistent task queue backed by database/sql. It supports
// SQLite (modernc.org/sqlite) and PostgreSQL (pgx stdlib driver).
//
// Tasks are claimed in (not_before, id) order. On PostgreSQL the claim uses
// FOR UPDATE SKIP LOCKED so that concurrent workers never take the same row;
// on SQLite the single writer lock gives the same guarantee.
type SQLQueue struct {
	db           *sql.DB
	postgres     bool
	pollInterval time.Duration
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{db: db, pollInterval: 20 * time.Millisecond}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			not_before INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite queue schema: %w", err)
	}
	return q, nil
}

// NewPostgresQueue initializes the tasks table in the given DB and returns a new queue.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{db: db, postgres: true, pollInterval: 100 * time.Millisecond}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			payload BYTEA NOT NULL,
			not_before BIGINT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("postgres queue schema: %w", err)
	}
	return q, nil
}

func (q *SQLQueue) bind(query string) string {
	if !q.postgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = fmt.Appendf(out, "$%d", n)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, q.bind(`
		INSERT INTO tasks (task_id, instance_id, payload, not_before)
		VALUES (?, ?, ?, ?)`),
		t.ID,
		t.InstanceID,
		data,
		t.NotBefore.UnixNano(),
	)
	return err
}

// claim removes and returns the payload of the next eligible task, or
// sql.ErrNoRows if there is none.
func (q *SQLQueue) claim(ctx context.Context, now int64) ([]byte, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := ""
	if q.postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	var (
		id      int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, q.bind(`
		SELECT id, payload
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`+lock), now).Scan(&id, &payload)
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, q.bind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return payload, nil
}

// Dequeue blocks (via polling) until a task is eligible or ctx is cancelled.
func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := idleTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payload, err := q.claim(ctx, time.Now().UnixNano())
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available: sleep a bit and retry.
				if err := sleep(ctx, tmr, q.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		return DecodeTask(payload)
	}
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
