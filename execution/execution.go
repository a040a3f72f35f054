// Package execution records the commits made inside a session's worktree
// and computes combined diffs over arbitrary selections of them. Each
// commit becomes one Execution, a reviewable unit of change owned by its
// session. All mutating and reading git operations for a session run under
// that session's mutex key so a diff never observes a worktree mid-commit.
package execution

import (
	"context"
	"fmt"
	"time"
)

// Execution is one recorded commit. Immutable once created; cascade-deleted
// with its session.
type Execution struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Sequence     int       `json:"sequence"`
	CommitHash   string    `json:"commitHash"`
	Message      string    `json:"message"`
	LinesAdded   int       `json:"linesAdded"`
	LinesRemoved int       `json:"linesRemoved"`
	FilesChanged int       `json:"filesChanged"`
	Timestamp    time.Time `json:"timestamp"`
}

// TokenUsage is a session's aggregate token accounting.
type TokenUsage struct {
	SessionID    string `json:"sessionId"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// Repository is the narrow persistence contract the tracker depends on.
// Sessions, executions, and token usage live in external storage; the
// tracker never touches it directly.
type Repository interface {
	// InsertExecution stores a new execution record.
	InsertExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns a session's executions ordered by sequence.
	ListExecutions(ctx context.Context, sessionID string) ([]Execution, error)

	// DeleteExecutions removes all of a session's execution records.
	DeleteExecutions(ctx context.Context, sessionID string) error

	// RecordTokenUsage adds to a session's token tally.
	RecordTokenUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int) error

	// SumTokenUsage returns a session's aggregate token counts.
	SumTokenUsage(ctx context.Context, sessionID string) (TokenUsage, error)
}

// GitError carries the failing git command and its raw output so failures
// can be reported with full diagnostic context.
type GitError struct {
	Command string
	Output  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s failed: %s", e.Command, e.Output)
	}
	return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}
