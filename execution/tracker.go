package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stravu/crystal-sub001/exec"
	"github.com/stravu/crystal-sub001/lock"
	"github.com/stravu/crystal-sub001/logger"
)

// Tracker turns commits inside session worktrees into execution records and
// serves combined diffs over selections of them. Every operation for a
// given session runs inside that session's lock.
type Tracker struct {
	executor exec.CommandExecutor
	repo     Repository
	locks    *lock.KeyedMutex
	log      *slog.Logger
}

// NewTracker creates a Tracker backed by the given executor and repository.
// The mutex is shared with any other component serializing on session ids.
func NewTracker(executor exec.CommandExecutor, repo Repository, locks *lock.KeyedMutex) *Tracker {
	return &Tracker{
		executor: executor,
		repo:     repo,
		locks:    locks,
		log:      logger.WithComponent("execution"),
	}
}

// CommitResult reports the outcome of a commit attempt. NothingToCommit is
// a successful no-op, not a failure: the worktree was simply clean.
type CommitResult struct {
	NothingToCommit bool
	Execution       *Execution
}

// Commit stages everything in the worktree and commits it, recording a new
// execution on success. Runs under the session's lock.
func (t *Tracker) Commit(ctx context.Context, sessionID, worktreePath, message string) (*CommitResult, error) {
	var result *CommitResult

	err := t.locks.WithLock(ctx, sessionID, lock.DefaultTimeout, func(ctx context.Context) error {
		var err error
		result, err = t.commitLocked(ctx, sessionID, worktreePath, message)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Tracker) commitLocked(ctx context.Context, sessionID, worktreePath, message string) (*CommitResult, error) {
	t.log.Info("committing session changes", "session", sessionID, "worktree", worktreePath)

	if output, err := t.executor.CombinedOutput(ctx, exec.Git(worktreePath, "add", "-A")); err != nil {
		return nil, &GitError{Command: "git add -A", Output: string(output), Err: err}
	}

	output, err := t.executor.CombinedOutput(ctx, exec.Git(worktreePath, "commit", "-m", message))
	if err != nil {
		if isNothingToCommit(string(output)) {
			t.log.Debug("worktree clean, nothing to commit", "session", sessionID)
			return &CommitResult{NothingToCommit: true}, nil
		}
		return nil, &GitError{Command: "git commit", Output: string(output), Err: err}
	}

	hashOut, err := t.executor.Output(ctx, exec.Git(worktreePath, "rev-parse", "HEAD"))
	if err != nil {
		return nil, &GitError{Command: "git rev-parse HEAD", Output: string(hashOut), Err: err}
	}
	hash := strings.TrimSpace(string(hashOut))

	added, removed, files := 0, 0, 0
	statOut, err := t.executor.Output(ctx, exec.Git(worktreePath, "show", "--numstat", "--format=", "HEAD"))
	if err != nil {
		t.log.Warn("commit stats unavailable", "session", sessionID, "error", err)
	} else {
		added, removed, files = parseNumstat(string(statOut))
	}

	existing, err := t.repo.ListExecutions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions for %s: %w", sessionID, err)
	}

	execRecord := &Execution{
		ID:           ulid.Make().String(),
		SessionID:    sessionID,
		Sequence:     len(existing) + 1,
		CommitHash:   hash,
		Message:      message,
		LinesAdded:   added,
		LinesRemoved: removed,
		FilesChanged: files,
		Timestamp:    time.Now(),
	}
	if err := t.repo.InsertExecution(ctx, execRecord); err != nil {
		return nil, fmt.Errorf("recording execution for %s: %w", sessionID, err)
	}

	t.log.Info("execution recorded",
		"session", sessionID, "sequence", execRecord.Sequence, "commit", hash,
		"added", added, "removed", removed, "files", files)
	return &CommitResult{Execution: execRecord}, nil
}

// Diff is a combined diff over a selection of executions.
type Diff struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Patch        string `json:"patch"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
	FilesChanged int    `json:"filesChanged"`
}

// CombinedDiff computes the aggregate change across the selected execution
// ids. An empty selection yields a nil diff. Selecting every execution
// diffs the base branch against the worktree head; a single execution is
// diffed against its parent; any other selection is treated as the
// contiguous range from the earliest selected commit's parent to the
// latest selected commit. Runs under the session's lock.
func (t *Tracker) CombinedDiff(ctx context.Context, sessionID, worktreePath, baseBranch string, selectedIDs []string) (*Diff, error) {
	if len(selectedIDs) == 0 {
		return nil, nil
	}

	var diff *Diff
	err := t.locks.WithLock(ctx, sessionID, lock.DefaultTimeout, func(ctx context.Context) error {
		var err error
		diff, err = t.combinedDiffLocked(ctx, sessionID, worktreePath, baseBranch, selectedIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return diff, nil
}

func (t *Tracker) combinedDiffLocked(ctx context.Context, sessionID, worktreePath, baseBranch string, selectedIDs []string) (*Diff, error) {
	all, err := t.repo.ListExecutions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions for %s: %w", sessionID, err)
	}

	byID := make(map[string]Execution, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}

	// Duplicate ids in the selection must not inflate its size; the
	// full-set and single-selection cases are decided on distinct ids.
	selected := make(map[string]struct{}, len(selectedIDs))
	var earliest, latest *Execution
	for _, id := range selectedIDs {
		e, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown execution %s for session %s", id, sessionID)
		}
		selected[id] = struct{}{}
		if earliest == nil || e.Sequence < earliest.Sequence {
			copied := e
			earliest = &copied
		}
		if latest == nil || e.Sequence > latest.Sequence {
			copied := e
			latest = &copied
		}
	}

	var from, to string
	switch {
	case len(selected) >= len(all):
		// The full set: everything the session produced on top of its base.
		from, to = baseBranch, "HEAD"
	case len(selected) == 1:
		from, to = earliest.CommitHash+"^", earliest.CommitHash
	default:
		from, to = earliest.CommitHash+"^", latest.CommitHash
	}

	return t.diffRange(ctx, worktreePath, from, to)
}

func (t *Tracker) diffRange(ctx context.Context, worktreePath, from, to string) (*Diff, error) {
	patchOut, err := t.executor.Output(ctx, exec.Git(worktreePath, "diff", "--no-ext-diff", from, to))
	if err != nil {
		return nil, &GitError{Command: fmt.Sprintf("git diff %s %s", from, to), Output: string(patchOut), Err: err}
	}

	diff := &Diff{From: from, To: to, Patch: string(patchOut)}

	statOut, err := t.executor.Output(ctx, exec.Git(worktreePath, "diff", "--numstat", from, to))
	if err != nil {
		t.log.Warn("diff stats unavailable", "from", from, "to", to, "error", err)
		return diff, nil
	}
	diff.LinesAdded, diff.LinesRemoved, diff.FilesChanged = parseNumstat(string(statOut))
	return diff, nil
}

// TokenSummary returns the session's aggregate token usage.
func (t *Tracker) TokenSummary(ctx context.Context, sessionID string) (TokenUsage, error) {
	return t.repo.SumTokenUsage(ctx, sessionID)
}

// RecordTokens adds a message's token counts to the session tally.
func (t *Tracker) RecordTokens(ctx context.Context, sessionID string, inputTokens, outputTokens int) error {
	return t.repo.RecordTokenUsage(ctx, sessionID, inputTokens, outputTokens)
}

// isNothingToCommit recognizes git's clean-worktree refusal, which commit
// reports through a non-zero exit.
func isNothingToCommit(output string) bool {
	return strings.Contains(output, "nothing to commit") ||
		strings.Contains(output, "nothing added to commit") ||
		strings.Contains(output, "no changes added to commit")
}

// parseNumstat sums "added<TAB>removed<TAB>path" lines. Binary files show
// "-" for the counts and contribute only to the file total.
func parseNumstat(out string) (added, removed, files int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 3 {
			continue
		}
		files++
		if a, err := strconv.Atoi(fields[0]); err == nil {
			added += a
		}
		if r, err := strconv.Atoi(fields[1]); err == nil {
			removed += r
		}
	}
	return added, removed, files
}
