package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stravu/crystal-sub001/config"
	"github.com/stravu/crystal-sub001/exec"
	"github.com/stravu/crystal-sub001/lock"
	"github.com/stravu/crystal-sub001/worktree"
)

type fakeRepo struct {
	sessions map[string]*Session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*Session)}
}

func (r *fakeRepo) SaveSession(ctx context.Context, sess *Session) error {
	copied := *sess
	r.sessions[sess.ID] = &copied
	return nil
}

func (r *fakeRepo) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	copied := *sess
	return &copied, nil
}

func (r *fakeRepo) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out, nil
}

func (r *fakeRepo) UpdateSessionStatus(ctx context.Context, id string, to Status) error {
	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return sess.Transition(to)
}

func (r *fakeRepo) DeleteSession(ctx context.Context, id string) error {
	delete(r.sessions, id)
	return nil
}

type staticEnv map[string]string

func (e staticEnv) Resolve(ctx context.Context) map[string]string { return e }

func newTestService(mock *exec.MockExecutor, repo *fakeRepo) *Service {
	cfg := &config.Config{WorktreeDir: "/wt"}
	env := staticEnv{"PATH": "/usr/bin", "HOME": "/home/u"}
	return NewService(mock, repo, lock.New(), env, cfg)
}

func mockRepoProbes(mock *exec.MockExecutor) {
	mock.AddExactMatch("git", []string{"rev-parse", "--abbrev-ref", "HEAD"}, exec.MockResponse{
		Stdout: []byte("main\n"),
	})
	mock.AddExactMatch("git", []string{"symbolic-ref", "refs/remotes/origin/HEAD"}, exec.MockResponse{
		Stdout: []byte("refs/remotes/origin/main\n"),
	})
}

func TestCreate_AddsWorktreeAndPersists(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mockRepoProbes(mock)
	mock.AddExactMatch("git",
		[]string{"worktree", "add", "-b", "crystal/fix-parser", "/wt/demo/fix-parser", "main"},
		exec.MockResponse{})
	repo := newFakeRepo()
	svc := newTestService(mock, repo)

	sess, err := svc.Create(context.Background(), CreateRequest{
		RepoPath: "/repos/demo",
		Name:     "fix-parser",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if sess.Name != "fix-parser" {
		t.Errorf("name = %q", sess.Name)
	}
	if sess.Branch != "crystal/fix-parser" {
		t.Errorf("branch = %q", sess.Branch)
	}
	if sess.WorktreePath != "/wt/demo/fix-parser" {
		t.Errorf("worktree = %q", sess.WorktreePath)
	}
	if sess.BaseBranch != "main" {
		t.Errorf("base = %q", sess.BaseBranch)
	}
	if sess.Agent != "claude" {
		t.Errorf("agent = %q, want configured default", sess.Agent)
	}
	if sess.Status != StatusWaiting {
		t.Errorf("status = %s, want waiting", sess.Status)
	}

	if _, err := repo.GetSession(context.Background(), sess.ID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
}

func TestCreate_DerivesNameFromCurrentBranch(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"rev-parse", "--abbrev-ref", "HEAD"}, exec.MockResponse{
		Stdout: []byte("feature/foo\n"),
	})
	mock.AddExactMatch("git", []string{"symbolic-ref", "refs/remotes/origin/HEAD"}, exec.MockResponse{
		Stdout: []byte("refs/remotes/origin/main\n"),
	})
	mock.AddExactMatch("git",
		[]string{"worktree", "add", "-b", "crystal/feature/bar", "/wt/demo/feature/bar", "main"},
		exec.MockResponse{})
	svc := newTestService(mock, newFakeRepo())

	sess, err := svc.Create(context.Background(), CreateRequest{RepoPath: "/repos/demo", Name: "bar"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Name != "feature/bar" {
		t.Errorf("name = %q, want feature/bar", sess.Name)
	}
}

func TestCreate_InvalidNamePropagates(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mockRepoProbes(mock)
	svc := newTestService(mock, newFakeRepo())

	_, err := svc.Create(context.Background(), CreateRequest{RepoPath: "/repos/demo", Name: "a/a"})

	var verr *worktree.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *worktree.ValidationError, got %v", err)
	}
}

func TestCreate_WorktreeAddFailure(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mockRepoProbes(mock)
	mock.AddPrefixMatch("git", []string{"worktree", "add"}, exec.MockResponse{
		Stderr: []byte("fatal: 'crystal/fix' is already checked out\n"),
		Err:    errors.New("exit status 128"),
	})
	svc := newTestService(mock, newFakeRepo())

	_, err := svc.Create(context.Background(), CreateRequest{RepoPath: "/repos/demo", Name: "fix"})

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if failure.Details == "" {
		t.Error("failure missing raw git output")
	}
	if failure.Command == "" {
		t.Error("failure missing failing command")
	}
}

func TestCreate_UnknownAgent(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mockRepoProbes(mock)
	svc := newTestService(mock, newFakeRepo())

	_, err := svc.Create(context.Background(), CreateRequest{
		RepoPath: "/repos/demo", Name: "fix", Agent: "hal9000",
	})

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
}

func TestSpawnAgent_UsesResolvedEnvAndWorktree(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddRule(func(c exec.Command) bool { return c.Name == "claude" }, exec.MockResponse{
		Stdout: []byte(`{"type":"result","subtype":"success"}` + "\n"),
	})
	repo := newFakeRepo()
	svc := newTestService(mock, repo)

	sess := &Session{
		ID:           "s1",
		Agent:        "claude",
		WorktreePath: "/wt/demo/fix",
		Status:       StatusWaiting,
	}
	repo.SaveSession(context.Background(), sess)

	handle, err := svc.SpawnAgent(context.Background(), sess, "fix the bug")
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if handle == nil {
		t.Fatal("nil handle")
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 spawn, got %d calls", len(calls))
	}
	if calls[0].Dir != "/wt/demo/fix" {
		t.Errorf("cwd = %q, want worktree path", calls[0].Dir)
	}
	foundPath := false
	for _, kv := range calls[0].Env {
		if kv == "PATH=/usr/bin" {
			foundPath = true
		}
	}
	if !foundPath {
		t.Errorf("resolved env not passed: %v", calls[0].Env)
	}
	if calls[0].Args[len(calls[0].Args)-1] != "fix the bug" {
		t.Errorf("prompt not last arg: %v", calls[0].Args)
	}

	stored, _ := repo.GetSession(context.Background(), "s1")
	if stored.Status != StatusRunning {
		t.Errorf("status = %s, want running", stored.Status)
	}
}

func TestDelete_RemovesWorktreeBranchAndRecord(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"worktree", "remove", "--force", "/wt/demo/fix"}, exec.MockResponse{})
	mock.AddExactMatch("git", []string{"worktree", "prune"}, exec.MockResponse{})
	mock.AddExactMatch("git", []string{"branch", "-D", "crystal/fix"}, exec.MockResponse{})
	repo := newFakeRepo()
	svc := newTestService(mock, repo)

	repo.SaveSession(context.Background(), &Session{
		ID:           "s1",
		Name:         "fix",
		RepoPath:     "/repos/demo",
		WorktreePath: "/wt/demo/fix",
		Branch:       "crystal/fix",
		Status:       StatusStopped,
		CreatedAt:    time.Now(),
	})

	if err := svc.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetSession(context.Background(), "s1"); err == nil {
		t.Error("session record survived deletion")
	}
}

func TestDelete_ToleratesBranchDeleteFailure(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"worktree", "remove", "--force", "/wt/demo/fix"}, exec.MockResponse{})
	mock.AddExactMatch("git", []string{"worktree", "prune"}, exec.MockResponse{})
	mock.AddExactMatch("git", []string{"branch", "-D", "crystal/fix"}, exec.MockResponse{
		Stderr: []byte("error: branch 'crystal/fix' not found\n"),
		Err:    errors.New("exit status 1"),
	})
	repo := newFakeRepo()
	svc := newTestService(mock, repo)

	repo.SaveSession(context.Background(), &Session{
		ID: "s1", Name: "fix", RepoPath: "/repos/demo",
		WorktreePath: "/wt/demo/fix", Branch: "crystal/fix",
	})

	if err := svc.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("missing branch must not block deletion: %v", err)
	}
}

func TestDelete_WorktreeRemoveFailureIsFatal(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"worktree", "remove", "--force", "/wt/demo/fix"}, exec.MockResponse{
		Stderr: []byte("fatal: working tree has modifications\n"),
		Err:    errors.New("exit status 128"),
	})
	repo := newFakeRepo()
	svc := newTestService(mock, repo)

	repo.SaveSession(context.Background(), &Session{
		ID: "s1", Name: "fix", RepoPath: "/repos/demo",
		WorktreePath: "/wt/demo/fix", Branch: "crystal/fix",
	})

	err := svc.Delete(context.Background(), "s1")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if _, err := repo.GetSession(context.Background(), "s1"); err != nil {
		t.Error("session record deleted despite worktree removal failure")
	}
}

func TestOrphanedWorktrees(t *testing.T) {
	porcelain := "worktree /repos/demo\nHEAD aaa\n\n" +
		"worktree /wt/demo/known\nHEAD bbb\n\n" +
		"worktree /wt/demo/orphan\nHEAD ccc\n\n" +
		"worktree /home/u/own-worktree\nHEAD ddd\n"
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"worktree", "list", "--porcelain"}, exec.MockResponse{
		Stdout: []byte(porcelain),
	})
	repo := newFakeRepo()
	svc := newTestService(mock, repo)

	repo.SaveSession(context.Background(), &Session{
		ID: "s1", RepoPath: "/repos/demo", WorktreePath: "/wt/demo/known",
	})

	orphans, err := svc.OrphanedWorktrees(context.Background(), "/repos/demo")
	if err != nil {
		t.Fatalf("OrphanedWorktrees: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "/wt/demo/orphan" {
		t.Errorf("orphans = %v, want [/wt/demo/orphan]", orphans)
	}
}

func TestPruneOrphanedWorktrees(t *testing.T) {
	porcelain := "worktree /repos/demo\nHEAD aaa\n\nworktree /wt/demo/orphan\nHEAD ccc\n"
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"worktree", "list", "--porcelain"}, exec.MockResponse{
		Stdout: []byte(porcelain),
	})
	mock.AddExactMatch("git", []string{"worktree", "remove", "--force", "/wt/demo/orphan"}, exec.MockResponse{})
	mock.AddExactMatch("git", []string{"worktree", "prune"}, exec.MockResponse{})
	svc := newTestService(mock, newFakeRepo())

	removed, err := svc.PruneOrphanedWorktrees(context.Background(), "/repos/demo")
	if err != nil {
		t.Fatalf("PruneOrphanedWorktrees: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestTransitions(t *testing.T) {
	sess := &Session{Status: StatusRunning}

	if err := sess.Transition(StatusWaiting); err != nil {
		t.Fatalf("running -> waiting: %v", err)
	}
	if err := sess.Transition(StatusArchived); err != nil {
		t.Fatalf("waiting -> archived: %v", err)
	}
	if err := sess.Transition(StatusRunning); err == nil {
		t.Error("archived -> running allowed")
	}
}
