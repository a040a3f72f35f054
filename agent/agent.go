// Package agent describes the external AI coding CLIs a session can run
// and how to invoke them for a streaming conversation.
package agent

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Definition describes one supported agent CLI.
type Definition struct {
	// Name is the registry key (e.g. "claude").
	Name string

	// Binary is the command looked up on PATH.
	Binary string

	// Description is shown in prerequisite reports.
	Description string

	// InstallURL points at installation instructions.
	InstallURL string

	// StreamArgs produce line-delimited structured output on stdout.
	StreamArgs []string

	// SkipPermissionArgs are appended when the session runs with
	// permission checks disabled.
	SkipPermissionArgs []string
}

// BuildArgs assembles the full argument list for a streaming invocation.
func (d Definition) BuildArgs(prompt string, skipPermissions bool) []string {
	args := append([]string{}, d.StreamArgs...)
	if skipPermissions {
		args = append(args, d.SkipPermissionArgs...)
	}
	args = append(args, prompt)
	return args
}

// registry lists the supported agents. Adding an agent means adding an
// entry here plus teaching the conversation package its stream dialect if
// it differs.
var registry = map[string]Definition{
	"claude": {
		Name:               "claude",
		Binary:             "claude",
		Description:        "Claude Code CLI",
		InstallURL:         "https://claude.ai/code",
		StreamArgs:         []string{"--output-format", "stream-json", "--verbose", "-p"},
		SkipPermissionArgs: []string{"--dangerously-skip-permissions"},
	},
	"codex": {
		Name:               "codex",
		Binary:             "codex",
		Description:        "OpenAI Codex CLI",
		InstallURL:         "https://github.com/openai/codex",
		StreamArgs:         []string{"exec", "--json"},
		SkipPermissionArgs: []string{"--full-auto"},
	},
	"aider": {
		Name:               "aider",
		Binary:             "aider",
		Description:        "Aider",
		InstallURL:         "https://aider.chat",
		StreamArgs:         []string{"--no-pretty", "--yes-always", "--message"},
		SkipPermissionArgs: nil,
	},
}

// Lookup returns the definition for an agent name.
func Lookup(name string) (Definition, error) {
	d, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown agent %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names returns the supported agent names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckResult reports whether an agent's binary is installed.
type CheckResult struct {
	Agent   Definition
	Found   bool
	Path    string
	Version string
	Err     error
}

// Check verifies that an agent's binary is available on PATH.
func Check(name string) CheckResult {
	d, err := Lookup(name)
	if err != nil {
		return CheckResult{Err: err}
	}

	result := CheckResult{Agent: d}
	path, err := exec.LookPath(d.Binary)
	if err != nil {
		result.Err = fmt.Errorf("%s not found in PATH (install: %s)", d.Binary, d.InstallURL)
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = probeVersion(d.Binary)
	return result
}

// CheckAll checks every registered agent.
func CheckAll() []CheckResult {
	results := make([]CheckResult, 0, len(registry))
	for _, name := range Names() {
		results = append(results, Check(name))
	}
	return results
}

// probeVersion asks the binary for its version, returning the first output
// line or "" when the probe fails.
func probeVersion(binary string) string {
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}
