package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// OutboxEntry is a remote write waiting to be replayed.
type OutboxEntry struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Family        string          `json:"family"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

const outboxColumns = `id,kind,family,entity_id,payload_json,attempts,COALESCE(last_error,''),next_attempt_at,created_at`

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer rows.Close()
	var res []OutboxEntry
	for rows.Next() {
		var (
			e               OutboxEntry
			payload         string
			next, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Family, &e.EntityID, &payload, &e.Attempts, &e.LastError, &next, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.NextAttemptAt = parseTS(next)
		e.CreatedAt = parseTS(createdAt)
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertOutbox stores e, replacing any pending entry for the same family and
// entity. The replacement takes e's id so an in-flight replay of the old entry
// cannot settle it, and it starts over with e's attempt count.
func (r Repo) UpsertOutbox(ctx context.Context, e OutboxEntry) error {
	now := r.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outbox(id,kind,family,entity_id,payload_json,attempts,last_error,next_attempt_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(family,entity_id) DO UPDATE SET id=excluded.id, kind=excluded.kind, payload_json=excluded.payload_json, attempts=excluded.attempts,
  last_error=excluded.last_error, next_attempt_at=excluded.next_attempt_at`,
		e.ID, e.Kind, e.Family, e.EntityID, string(e.Payload), e.Attempts, nullable(e.LastError), formatTS(e.NextAttemptAt), formatTS(e.CreatedAt))
	return err
}

func (r Repo) GetOutboxEntity(ctx context.Context, family, entityID string) (OutboxEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE family=? AND entity_id=?`, family, entityID)
	if err != nil {
		return OutboxEntry{}, err
	}
	res, err := scanOutbox(rows)
	if err != nil {
		return OutboxEntry{}, err
	}
	if len(res) == 0 {
		return OutboxEntry{}, ErrNotFound
	}
	return res[0], nil
}

// ListOutbox returns every pending entry, oldest first.
func (r Repo) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

// DueOutbox returns entries whose next attempt is at or before now.
func (r Repo) DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE next_attempt_at<=? ORDER BY next_attempt_at ASC, created_at ASC LIMIT ?`,
		formatTS(now), limit)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func (r Repo) DeleteOutbox(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM outbox WHERE id=?`, id)
	return err
}

// DeleteOutboxEntity drops the pending entry for an entity, if any.
func (r Repo) DeleteOutboxEntity(ctx context.Context, family, entityID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM outbox WHERE family=? AND entity_id=?`, family, entityID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RescheduleOutbox records a failed attempt.
func (r Repo) RescheduleOutbox(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=?, last_error=?, next_attempt_at=? WHERE id=?`,
		attempts, nullable(lastErr), formatTS(next), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountOutbox(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
