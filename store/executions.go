package store

import (
	"context"
	"fmt"

	"github.com/stravu/crystal-sub001/execution"
)

// InsertExecution stores a new execution record.
func (s *Store) InsertExecution(ctx context.Context, e *execution.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, session_id, sequence, commit_hash, message,
			 lines_added, lines_removed, files_changed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Sequence, e.CommitHash, e.Message,
		e.LinesAdded, e.LinesRemoved, e.FilesChanged, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns a session's executions ordered by sequence.
func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence, commit_hash, message,
		       lines_added, lines_removed, files_changed, created_at
		FROM executions
		WHERE session_id = ?
		ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var executions []execution.Execution
	for rows.Next() {
		var e execution.Execution
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.CommitHash, &e.Message,
			&e.LinesAdded, &e.LinesRemoved, &e.FilesChanged, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// DeleteExecutions removes all of a session's execution records.
func (s *Store) DeleteExecutions(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete executions for %s: %w", sessionID, err)
	}
	return nil
}

// RecordTokenUsage adds one usage sample to a session's tally.
func (s *Store) RecordTokenUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (session_id, input_tokens, output_tokens)
		VALUES (?, ?, ?)`, sessionID, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("record token usage for %s: %w", sessionID, err)
	}
	return nil
}

// SumTokenUsage returns a session's aggregate token counts.
func (s *Store) SumTokenUsage(ctx context.Context, sessionID string) (execution.TokenUsage, error) {
	usage := execution.TokenUsage{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM token_usage
		WHERE session_id = ?`, sessionID).Scan(&usage.InputTokens, &usage.OutputTokens)
	if err != nil {
		return usage, fmt.Errorf("sum token usage for %s: %w", sessionID, err)
	}
	return usage, nil
}
