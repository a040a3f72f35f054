// Package exec provides an abstraction over command execution for testability.
// Production code uses the real os/exec-backed executor while tests inject
// mock executors that return pre-recorded responses.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
)

// Command describes a single subprocess invocation. Dir is the working
// directory ("" = inherit). Env, when non-nil, fully replaces the inherited
// environment; agent subprocesses are always started with an explicit Env so
// they see the resolved shell environment rather than ours.
type Command struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns stdout, stderr, and any error.
	Run(ctx context.Context, cmd Command) (stdout, stderr []byte, err error)

	// Output executes a command and returns stdout, or an error.
	Output(ctx context.Context, cmd Command) ([]byte, error)

	// CombinedOutput executes a command and returns combined stdout+stderr.
	CombinedOutput(ctx context.Context, cmd Command) ([]byte, error)

	// Start starts a command without waiting for it to complete.
	Start(ctx context.Context, cmd Command) (CommandHandle, error)
}

// CommandHandle represents a running command.
type CommandHandle interface {
	// Wait blocks until the command completes and returns stdout, stderr, error.
	Wait() (stdout, stderr []byte, err error)

	// Stdout returns a buffer accumulating the command's stdout.
	Stdout() *bytes.Buffer

	// Stderr returns a buffer accumulating the command's stderr.
	Stderr() *bytes.Buffer
}

// Git is a convenience constructor for git invocations rooted in a worktree.
func Git(dir string, args ...string) Command {
	return Command{Dir: dir, Name: "git", Args: args}
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (e *RealExecutor) build(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	return cmd
}

// Run executes a command and returns stdout, stderr, and any error.
func (e *RealExecutor) Run(ctx context.Context, c Command) (stdout, stderr []byte, err error) {
	cmd := e.build(ctx, c)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), err
}

// Output executes a command and returns stdout, or error with stderr context.
func (e *RealExecutor) Output(ctx context.Context, c Command) ([]byte, error) {
	return e.build(ctx, c).Output()
}

// CombinedOutput executes a command and returns combined stdout+stderr.
func (e *RealExecutor) CombinedOutput(ctx context.Context, c Command) ([]byte, error) {
	return e.build(ctx, c).CombinedOutput()
}

// Start starts a command without waiting for it to complete.
func (e *RealExecutor) Start(ctx context.Context, c Command) (CommandHandle, error) {
	cmd := e.build(ctx, c)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &realCommandHandle{
		cmd:        cmd,
		stdoutPipe: stdoutPipe,
		stderrPipe: stderrPipe,
	}, nil
}

// realCommandHandle wraps a real exec.Cmd.
type realCommandHandle struct {
	cmd        *exec.Cmd
	stdoutPipe interface{ Read([]byte) (int, error) }
	stderrPipe interface{ Read([]byte) (int, error) }
	stdoutBuf  bytes.Buffer
	stderrBuf  bytes.Buffer
}

func (h *realCommandHandle) Wait() (stdout, stderr []byte, err error) {
	h.stdoutBuf.ReadFrom(h.stdoutPipe)
	h.stderrBuf.ReadFrom(h.stderrPipe)

	err = h.cmd.Wait()
	return h.stdoutBuf.Bytes(), h.stderrBuf.Bytes(), err
}

func (h *realCommandHandle) Stdout() *bytes.Buffer {
	return &h.stdoutBuf
}

func (h *realCommandHandle) Stderr() *bytes.Buffer {
	return &h.stderrBuf
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(cmd Command) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockExecutor returns pre-recorded responses for commands.
// Rules are matched in registration order.
type MockExecutor struct {
	mu       sync.RWMutex
	rules    []MockRule
	calls    []Command
	fallback CommandExecutor
}

// NewMockExecutor creates a new MockExecutor.
// If fallback is non-nil, unmatched commands are delegated to it.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(c Command) bool {
		if c.Name != name || len(c.Args) != len(args) {
			return false
		}
		for i, arg := range args {
			if c.Args[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(c Command) bool {
		if c.Name != name || len(c.Args) < len(prefixArgs) {
			return false
		}
		for i, arg := range prefixArgs {
			if c.Args[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// Calls returns all recorded command invocations.
func (e *MockExecutor) Calls() []Command {
	e.mu.RLock()
	defer e.mu.RUnlock()
	calls := make([]Command, len(e.calls))
	copy(calls, e.calls)
	return calls
}

// ClearCalls clears the recorded command invocations.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *MockExecutor) findMatch(c Command) *MockResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.Match(c) {
			return &rule.Response
		}
	}
	return nil
}

func (e *MockExecutor) recordCall(c Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

// Run executes a mocked command.
func (e *MockExecutor) Run(ctx context.Context, c Command) (stdout, stderr []byte, err error) {
	e.recordCall(c)

	if resp := e.findMatch(c); resp != nil {
		return resp.Stdout, resp.Stderr, resp.Err
	}

	if e.fallback != nil {
		return e.fallback.Run(ctx, c)
	}

	return nil, nil, nil
}

// Output executes a mocked command.
func (e *MockExecutor) Output(ctx context.Context, c Command) ([]byte, error) {
	e.recordCall(c)

	if resp := e.findMatch(c); resp != nil {
		return resp.Stdout, resp.Err
	}

	if e.fallback != nil {
		return e.fallback.Output(ctx, c)
	}

	return nil, nil
}

// CombinedOutput executes a mocked command.
func (e *MockExecutor) CombinedOutput(ctx context.Context, c Command) ([]byte, error) {
	e.recordCall(c)

	if resp := e.findMatch(c); resp != nil {
		// Copy into a fresh slice so the concatenation can never write
		// into the rule's Stdout backing array.
		combined := make([]byte, 0, len(resp.Stdout)+len(resp.Stderr))
		combined = append(combined, resp.Stdout...)
		combined = append(combined, resp.Stderr...)
		return combined, resp.Err
	}

	if e.fallback != nil {
		return e.fallback.CombinedOutput(ctx, c)
	}

	return nil, nil
}

// Start starts a mocked command (returns immediately with buffered response).
func (e *MockExecutor) Start(ctx context.Context, c Command) (CommandHandle, error) {
	e.recordCall(c)

	if resp := e.findMatch(c); resp != nil {
		return newMockCommandHandle(*resp), nil
	}

	if e.fallback != nil {
		return e.fallback.Start(ctx, c)
	}

	return newMockCommandHandle(MockResponse{}), nil
}

// mockCommandHandle wraps a mock response.
type mockCommandHandle struct {
	response  MockResponse
	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
}

// newMockCommandHandle creates a mock handle with buffers pre-populated once.
func newMockCommandHandle(resp MockResponse) *mockCommandHandle {
	h := &mockCommandHandle{response: resp}
	h.stdoutBuf.Write(resp.Stdout)
	h.stderrBuf.Write(resp.Stderr)
	return h
}

func (h *mockCommandHandle) Wait() (stdout, stderr []byte, err error) {
	return h.response.Stdout, h.response.Stderr, h.response.Err
}

func (h *mockCommandHandle) Stdout() *bytes.Buffer {
	return &h.stdoutBuf
}

func (h *mockCommandHandle) Stderr() *bytes.Buffer {
	return &h.stderrBuf
}

// Ensure implementations satisfy the interface.
var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)
var _ CommandHandle = (*realCommandHandle)(nil)
var _ CommandHandle = (*mockCommandHandle)(nil)
