// Package session pairs one git worktree with one agent conversation. The
// service creates the worktree, spawns the agent subprocess inside it with
// the resolved shell environment, and tears everything down on deletion.
package session

import (
	"fmt"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	// StatusRunning means the agent subprocess is actively working.
	StatusRunning Status = "running"

	// StatusWaiting means the session is idle, waiting for user input.
	StatusWaiting Status = "waiting"

	// StatusStopped means the agent subprocess has exited.
	StatusStopped Status = "stopped"

	// StatusArchived means the session is kept for review only.
	StatusArchived Status = "archived"
)

// validTransitions lists the allowed status moves. Archived is terminal.
var validTransitions = map[Status][]Status{
	StatusRunning:  {StatusWaiting, StatusStopped},
	StatusWaiting:  {StatusRunning, StatusStopped, StatusArchived},
	StatusStopped:  {StatusRunning, StatusArchived},
	StatusArchived: {},
}

// ValidTransition reports whether a session may move from one status to
// another.
func ValidTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PermissionMode controls how much the agent may do without asking.
type PermissionMode string

const (
	PermissionApprove PermissionMode = "approve"
	PermissionIgnore  PermissionMode = "ignore"
)

// Session is the logical pairing of one worktree with one agent
// conversation.
type Session struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	RepoPath       string         `json:"repoPath"`
	WorktreePath   string         `json:"worktreePath"`
	Branch         string         `json:"branch"`
	BaseBranch     string         `json:"baseBranch"`
	Agent          string         `json:"agent"`
	Status         Status         `json:"status"`
	PermissionMode PermissionMode `json:"permissionMode"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Transition moves the session to a new status, rejecting moves the
// lifecycle does not allow.
func (s *Session) Transition(to Status) error {
	if !ValidTransition(s.Status, to) {
		return fmt.Errorf("invalid session status transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// Failure is the structured error surface for session operations: a title
// and message for the user, plus the failing command and raw output when a
// subprocess was involved.
type Failure struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
	Details string `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	if f.Command != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Title, f.Message, f.Command)
	}
	return fmt.Sprintf("%s: %s", f.Title, f.Message)
}
