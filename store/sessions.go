package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stravu/crystal-sub001/session"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, name, repo_path, worktree_path, branch, base_branch,
			 agent, status, permission_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			permission_mode = excluded.permission_mode`,
		sess.ID, sess.Name, sess.RepoPath, sess.WorktreePath, sess.Branch, sess.BaseBranch,
		sess.Agent, string(sess.Status), string(sess.PermissionMode), sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_path, worktree_path, branch, base_branch,
		       agent, status, permission_mode, created_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, repo_path, worktree_path, branch, base_branch,
		       agent, status, permission_mode, created_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus moves a session to a new status, enforcing the
// lifecycle rules. The check and the write share one transaction so the
// current status cannot change between them.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, to session.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get session %s: %w", id, err)
	}

	if !session.ValidTransition(session.Status(current), to) {
		return fmt.Errorf("session %s: invalid status transition %s -> %s", id, current, to)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET status = ? WHERE id = ?", string(to), id); err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	return tx.Commit()
}

// DeleteSession removes a session; executions and token usage cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var status, mode string
	if err := row.Scan(&sess.ID, &sess.Name, &sess.RepoPath, &sess.WorktreePath,
		&sess.Branch, &sess.BaseBranch, &sess.Agent, &status, &mode, &sess.CreatedAt); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	sess.PermissionMode = session.PermissionMode(mode)
	return &sess, nil
}
