package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tasksetu/internal/domain"
)

// Repo is the local SQLite mirror of remote documents plus client-side state.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// Fixed local_state keys, shared with the original browser storage.
const (
	KeyIdentity        = "tasksetu_user_local"
	KeyActiveWorkspace = "tasksetu_active_workspace"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z"

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func decodeTask(payload string) (domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return t, fmt.Errorf("decode mirrored task: %w", err)
	}
	return t, nil
}

// ListTasks returns the mirrored tasks of a team in display order.
func (r Repo) ListTasks(ctx context.Context, teamID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM tasks WHERE team_id=? ORDER BY position ASC, id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		t, err := decodeTask(payload)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM tasks WHERE id=?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	return decodeTask(payload)
}

// ReplaceTeamTasks swaps the mirrored list of a team for a fresh remote result.
func (r Repo) ReplaceTeamTasks(ctx context.Context, teamID string, tasks []domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE team_id=?`, teamID); err != nil {
		return fmt.Errorf("clear team tasks: %w", err)
	}
	now := formatTS(r.now())
	for i, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,team_id,payload_json,position,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET team_id=excluded.team_id, payload_json=excluded.payload_json, position=excluded.position, updated_at=excluded.updated_at`,
			t.ID, teamID, string(payload), i, now); err != nil {
			return fmt.Errorf("mirror task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// PutTask upserts a task. A task new to the mirror is placed first in its team.
func (r Repo) PutTask(ctx context.Context, t domain.Task) error {
	return putTask(ctx, r.DB, t, formatTS(r.now()))
}

func putTask(ctx context.Context, db execer, t domain.Task, now string) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO tasks(id,team_id,payload_json,position,updated_at)
VALUES (?,?,?,(SELECT COALESCE(MIN(position),0)-1 FROM tasks WHERE team_id=?),?)
ON CONFLICT(id) DO UPDATE SET team_id=excluded.team_id, payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		t.ID, t.TeamID, string(payload), t.TeamID, now)
	return err
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetState decodes the JSON value stored under key into out.
func (r Repo) GetState(ctx context.Context, key string, out any) error {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT value_json FROM local_state WHERE key=?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode local state %s: %w", key, err)
	}
	return nil
}

func (r Repo) PutState(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO local_state(key,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`, key, string(payload), formatTS(r.now()))
	return err
}

func (r Repo) DeleteState(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM local_state WHERE key=?`, key)
	return err
}

func (r Repo) SaveIdentity(ctx context.Context, id domain.Identity) error {
	return r.PutState(ctx, KeyIdentity, id)
}

// LoadIdentity returns ErrNotFound when nobody is signed in locally.
func (r Repo) LoadIdentity(ctx context.Context) (domain.Identity, error) {
	var id domain.Identity
	if err := r.GetState(ctx, KeyIdentity, &id); err != nil {
		return domain.Identity{}, err
	}
	if id.ID == "" {
		return domain.Identity{}, ErrNotFound
	}
	return id, nil
}

func (r Repo) ClearIdentity(ctx context.Context) error {
	return r.DeleteState(ctx, KeyIdentity)
}

func (r Repo) SaveActiveWorkspace(ctx context.Context, id string) error {
	return r.PutState(ctx, KeyActiveWorkspace, id)
}

func (r Repo) LoadActiveWorkspace(ctx context.Context) (string, error) {
	var id string
	if err := r.GetState(ctx, KeyActiveWorkspace, &id); err != nil {
		return "", err
	}
	return id, nil
}
