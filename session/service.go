package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stravu/crystal-sub001/agent"
	"github.com/stravu/crystal-sub001/config"
	"github.com/stravu/crystal-sub001/exec"
	"github.com/stravu/crystal-sub001/lock"
	"github.com/stravu/crystal-sub001/logger"
	"github.com/stravu/crystal-sub001/worktree"
)

// Repository is the persistence contract the service depends on. Deleting
// a session cascades to its executions and token usage.
type Repository interface {
	SaveSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionStatus(ctx context.Context, id string, to Status) error
	DeleteSession(ctx context.Context, id string) error
}

// EnvResolver produces the environment snapshot for agent subprocesses.
type EnvResolver interface {
	Resolve(ctx context.Context) map[string]string
}

// Service creates, runs, and tears down sessions.
type Service struct {
	executor exec.CommandExecutor
	repo     Repository
	locks    *lock.KeyedMutex
	env      EnvResolver
	cfg      *config.Config
	log      *slog.Logger
}

// NewService wires a session service. The mutex is shared with the
// execution tracker so commits, diffs, and teardown for one session never
// overlap.
func NewService(executor exec.CommandExecutor, repo Repository, locks *lock.KeyedMutex, env EnvResolver, cfg *config.Config) *Service {
	return &Service{
		executor: executor,
		repo:     repo,
		locks:    locks,
		env:      env,
		cfg:      cfg,
		log:      logger.WithComponent("session"),
	}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	RepoPath       string
	Name           string // raw user input, resolved against the current branch
	BaseBranch     string // empty means the repo's default branch
	Agent          string // empty means the configured default
	PermissionMode PermissionMode
}

// Create resolves the worktree name, adds the worktree on a new branch,
// and persists the session record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	currentBranch := s.currentBranch(ctx, req.RepoPath)

	name, err := worktree.Resolve(currentBranch, req.Name)
	if err != nil {
		return nil, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = s.defaultBranch(ctx, req.RepoPath)
	}

	agentName := req.Agent
	if agentName == "" {
		agentName = s.cfg.Agent()
	}
	if _, err := agent.Lookup(agentName); err != nil {
		return nil, &Failure{Title: "Unknown agent", Message: err.Error()}
	}

	worktreesDir, err := s.cfg.WorktreesDir()
	if err != nil {
		return nil, &Failure{Title: "Worktree directory unavailable", Message: err.Error()}
	}
	worktreePath := filepath.Join(worktreesDir, filepath.Base(req.RepoPath), filepath.FromSlash(name))
	branch := s.cfg.GetBranchPrefix() + name

	cmd := exec.Git(req.RepoPath, "worktree", "add", "-b", branch, worktreePath, baseBranch)
	if output, err := s.executor.CombinedOutput(ctx, cmd); err != nil {
		return nil, &Failure{
			Title:   "Worktree creation failed",
			Message: fmt.Sprintf("could not create worktree %s from %s", name, baseBranch),
			Command: "git worktree add -b " + branch,
			Details: strings.TrimSpace(string(output)),
		}
	}

	sess := &Session{
		ID:             uuid.NewString(),
		Name:           name,
		RepoPath:       req.RepoPath,
		WorktreePath:   worktreePath,
		Branch:         branch,
		BaseBranch:     baseBranch,
		Agent:          agentName,
		Status:         StatusWaiting,
		PermissionMode: req.PermissionMode,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving session %s: %w", sess.ID, err)
	}

	s.log.Info("session created",
		"session", sess.ID, "name", name, "branch", branch, "base", baseBranch, "agent", agentName)
	return sess, nil
}

// SpawnAgent starts the session's agent subprocess in the worktree with the
// resolved shell environment and marks the session running.
func (s *Service) SpawnAgent(ctx context.Context, sess *Session, prompt string) (exec.CommandHandle, error) {
	def, err := agent.Lookup(sess.Agent)
	if err != nil {
		return nil, &Failure{Title: "Unknown agent", Message: err.Error()}
	}

	snapshot := s.env.Resolve(ctx)
	env := make([]string, 0, len(snapshot))
	for k, v := range snapshot {
		env = append(env, k+"="+v)
	}

	args := def.BuildArgs(prompt, sess.PermissionMode == PermissionIgnore)
	handle, err := s.executor.Start(ctx, exec.Command{
		Dir:  sess.WorktreePath,
		Env:  env,
		Name: def.Binary,
		Args: args,
	})
	if err != nil {
		return nil, &Failure{
			Title:   "Agent failed to start",
			Message: fmt.Sprintf("could not start %s", def.Binary),
			Command: def.Binary + " " + strings.Join(args, " "),
			Details: err.Error(),
		}
	}

	if err := s.repo.UpdateSessionStatus(ctx, sess.ID, StatusRunning); err != nil {
		s.log.Warn("could not mark session running", "session", sess.ID, "error", err)
	} else {
		sess.Status = StatusRunning
	}

	s.log.Info("agent started", "session", sess.ID, "agent", sess.Agent, "worktree", sess.WorktreePath)
	return handle, nil
}

// Delete removes the session's worktree and branch and drops its records.
// Runs under the session's lock so an in-flight commit or diff finishes
// first.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	return s.locks.WithLock(ctx, sessionID, lock.DefaultTimeout, func(ctx context.Context) error {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		if output, err := s.executor.CombinedOutput(ctx,
			exec.Git(sess.RepoPath, "worktree", "remove", "--force", sess.WorktreePath)); err != nil {
			return &Failure{
				Title:   "Worktree removal failed",
				Message: fmt.Sprintf("could not remove worktree for session %s", sess.Name),
				Command: "git worktree remove --force " + sess.WorktreePath,
				Details: strings.TrimSpace(string(output)),
			}
		}

		if _, err := s.executor.CombinedOutput(ctx,
			exec.Git(sess.RepoPath, "worktree", "prune")); err != nil {
			s.log.Warn("worktree prune failed", "session", sessionID, "error", err)
		}

		if output, err := s.executor.CombinedOutput(ctx,
			exec.Git(sess.RepoPath, "branch", "-D", sess.Branch)); err != nil {
			// The branch may be checked out elsewhere or already gone.
			s.log.Warn("branch delete failed",
				"session", sessionID, "branch", sess.Branch, "output", strings.TrimSpace(string(output)))
		}

		if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("deleting session %s: %w", sessionID, err)
		}

		s.log.Info("session deleted", "session", sessionID, "worktree", sess.WorktreePath)
		return nil
	})
}

// OrphanedWorktrees returns worktree paths registered in the repo that no
// stored session references. These accumulate when the process dies between
// worktree creation and record persistence.
func (s *Service) OrphanedWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	out, err := s.executor.Output(ctx, exec.Git(repoPath, "worktree", "list", "--porcelain"))
	if err != nil {
		return nil, fmt.Errorf("listing worktrees for %s: %w", repoPath, err)
	}

	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(sessions)+1)
	known[repoPath] = true
	for _, sess := range sessions {
		known[sess.WorktreePath] = true
	}

	worktreesDir, err := s.cfg.WorktreesDir()
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, line := range strings.Split(string(out), "\n") {
		path, ok := strings.CutPrefix(line, "worktree ")
		if !ok {
			continue
		}
		path = strings.TrimSpace(path)
		// Only paths we manage are candidates; users may have their own
		// worktrees registered on the same repo.
		if !known[path] && strings.HasPrefix(path, worktreesDir+string(filepath.Separator)) {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// PruneOrphanedWorktrees force-removes every orphaned worktree.
func (s *Service) PruneOrphanedWorktrees(ctx context.Context, repoPath string) (int, error) {
	orphans, err := s.OrphanedWorktrees(ctx, repoPath)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range orphans {
		if output, err := s.executor.CombinedOutput(ctx,
			exec.Git(repoPath, "worktree", "remove", "--force", path)); err != nil {
			s.log.Warn("orphan removal failed", "path", path, "output", strings.TrimSpace(string(output)))
			continue
		}
		removed++
	}

	if removed > 0 {
		if _, err := s.executor.CombinedOutput(ctx, exec.Git(repoPath, "worktree", "prune")); err != nil {
			s.log.Warn("worktree prune failed", "repo", repoPath, "error", err)
		}
	}
	return removed, nil
}

// currentBranch returns the repo's checked-out branch, or "HEAD" when
// detached or undeterminable.
func (s *Service) currentBranch(ctx context.Context, repoPath string) string {
	out, err := s.executor.Output(ctx, exec.Git(repoPath, "rev-parse", "--abbrev-ref", "HEAD"))
	if err == nil {
		branch := strings.TrimSpace(string(out))
		if branch != "" && branch != "HEAD" {
			return branch
		}
	}
	return "HEAD"
}

// defaultBranch returns the remote's default branch, falling back to
// "main".
func (s *Service) defaultBranch(ctx context.Context, repoPath string) string {
	out, err := s.executor.Output(ctx, exec.Git(repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"))
	if err == nil {
		ref := strings.TrimSpace(string(out))
		if after, ok := strings.CutPrefix(ref, "refs/remotes/origin/"); ok && after != "" {
			return after
		}
	}
	return "main"
}
