// Package shellenv resolves the environment an agent subprocess should be
// spawned with. Launching from a desktop context (or a packaged build) means
// the process environment lacks everything the user configured in their
// shell (API keys, custom endpoints, PATH additions), so agents started
// with it would be missing credentials. The resolver asks the user's login
// shell for its environment and falls back to the process environment when
// that is not possible.
//
// Resolve never fails: every error path degrades to the current process's
// environment, and the returned snapshot always carries non-empty PATH and
// home-directory entries.
package shellenv

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/stravu/crystal-sub001/exec"
	"github.com/stravu/crystal-sub001/logger"
)

const (
	// fastProbeTimeout bounds the non-interactive env probe.
	fastProbeTimeout = 2 * time.Second

	// loginProbeTimeout bounds the login+interactive retry and the packaged
	// source-chain probe, which may run the user's full rc files.
	loginProbeTimeout = 10 * time.Second

	// bootstrapPath is the minimal PATH used while probing the shell, and
	// the floor value when no PATH can be resolved at all.
	bootstrapPath = "/usr/bin:/bin:/usr/sbin:/sbin"

	windowsDefaultPath = `C:\Windows\System32;C:\Windows`
)

// passThroughVars are internal coordination variables copied into the
// snapshot only when already set on the current process. They are never
// invented.
var passThroughVars = []string{
	"CRYSTAL_IPC_SOCKET",
	"CRYSTAL_PARENT_PID",
	"CRYSTAL_PERMISSION_SOCKET",
}

// shellPreference is tried in order when neither $SHELL nor the user
// database yields a usable shell.
var shellPreference = []string{
	"/bin/zsh",
	"/usr/bin/zsh",
	"/bin/bash",
	"/usr/bin/bash",
	"/usr/local/bin/bash",
}

// Resolver computes environment snapshots for agent subprocesses.
// The zero value is not usable; construct with New.
type Resolver struct {
	executor exec.CommandExecutor

	// Packaged marks an execution context with no ambient interactive
	// shell (e.g. launched from a desktop icon). Defaults to a TERM-based
	// heuristic; callers that know better should set it explicitly.
	Packaged bool

	// hooks, overridable in tests
	goos       string
	environ    func() []string
	homeDir    func() (string, error)
	executable func() (string, error)
	fileExists func(string) bool
	username   func() string
}

// New returns a Resolver backed by the given executor.
func New(executor exec.CommandExecutor) *Resolver {
	return &Resolver{
		executor:   executor,
		Packaged:   os.Getenv("TERM") == "",
		goos:       runtime.GOOS,
		environ:    os.Environ,
		homeDir:    os.UserHomeDir,
		executable: os.Executable,
		fileExists: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && !info.IsDir()
		},
		username: func() string {
			if u, err := user.Current(); err == nil {
				return u.Username
			}
			return os.Getenv("USER")
		},
	}
}

// Resolve returns the environment snapshot for spawning an agent subprocess.
// It never returns an error; the worst case is the current process
// environment with the PATH/home floor applied.
func (r *Resolver) Resolve(ctx context.Context) map[string]string {
	var snapshot map[string]string

	if r.goos == "windows" {
		snapshot = r.resolveWindows()
	} else {
		snapshot = r.resolveUnix(ctx)
	}

	r.overlayPath(snapshot)
	r.overlayPassThrough(snapshot)
	r.ensureFloor(snapshot)
	return snapshot
}

// resolveWindows builds the snapshot from the process environment plus
// backfilled profile-directory variables. No subprocess is ever spawned on
// this branch.
func (r *Resolver) resolveWindows() map[string]string {
	snapshot := environToMap(r.environ())

	home := lookupFold(snapshot, "USERPROFILE")
	if home == "" {
		if h, err := r.homeDir(); err == nil {
			home = h
			snapshot["USERPROFILE"] = h
		}
	}
	if home != "" {
		if lookupFold(snapshot, "APPDATA") == "" {
			snapshot["APPDATA"] = filepath.Join(home, "AppData", "Roaming")
		}
		if lookupFold(snapshot, "LOCALAPPDATA") == "" {
			snapshot["LOCALAPPDATA"] = filepath.Join(home, "AppData", "Local")
		}
	}
	return snapshot
}

// resolveUnix asks the user's shell for its environment. Packaged builds go
// straight to the source-chain probe; interactive contexts try a cheap
// non-interactive probe first and retry with a full login+interactive shell.
func (r *Resolver) resolveUnix(ctx context.Context) map[string]string {
	log := logger.WithComponent("shellenv")

	shell := r.detectShell(ctx)

	if r.Packaged {
		if snapshot, ok := r.probePackaged(ctx, shell); ok {
			return snapshot
		}
		log.Warn("packaged shell probe failed, using process environment", "shell", shell)
		return environToMap(r.environ())
	}

	fastCtx, cancel := context.WithTimeout(ctx, fastProbeTimeout)
	out, err := r.executor.Output(fastCtx, exec.Command{Name: shell, Args: []string{"-c", "env"}})
	cancel()
	if err == nil {
		if snapshot := parseEnvOutput(out); len(snapshot) > 0 {
			return snapshot
		}
	}

	log.Debug("fast env probe failed, retrying with login shell", "shell", shell, "error", err)
	loginCtx, cancel := context.WithTimeout(ctx, loginProbeTimeout)
	out, err = r.executor.Output(loginCtx, exec.Command{Name: shell, Args: []string{"-l", "-i", "-c", "env"}})
	cancel()
	if err == nil {
		if snapshot := parseEnvOutput(out); len(snapshot) > 0 {
			return snapshot
		}
	}

	log.Warn("login env probe failed, using process environment", "shell", shell, "error", err)
	return environToMap(r.environ())
}

// probePackaged runs the shell's documented startup files via the policy
// table and captures the resulting environment. The probe runs with a
// minimal bootstrap environment, not ours.
func (r *Resolver) probePackaged(ctx context.Context, shell string) (map[string]string, bool) {
	home, err := r.homeDir()
	if err != nil {
		return nil, false
	}

	policy := policyForShell(shell)

	var args []string
	if policy.SourceChain {
		args = []string{"-c", buildSourceScript(policy, home)}
	} else {
		// fish and friends: a login shell sources its own config.
		args = []string{"-l", "-c", "env"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, loginProbeTimeout)
	defer cancel()

	out, err := r.executor.Output(probeCtx, exec.Command{
		Name: shell,
		Args: args,
		Env: []string{
			"PATH=" + bootstrapPath,
			"HOME=" + home,
			"SHELL=" + shell,
			"USER=" + r.username(),
		},
	})
	if err != nil {
		return nil, false
	}

	snapshot := parseEnvOutput(out)
	if len(snapshot) == 0 {
		return nil, false
	}
	return snapshot, true
}

// detectShell finds the user's default shell: $SHELL if it exists on disk,
// then the OS user database, then a fixed preference list, then /bin/sh.
func (r *Resolver) detectShell(ctx context.Context) string {
	if shell := lookupFold(environToMap(r.environ()), "SHELL"); shell != "" && r.fileExists(shell) {
		return shell
	}

	if shell := r.userDatabaseShell(ctx); shell != "" && r.fileExists(shell) {
		return shell
	}

	for _, candidate := range shellPreference {
		if r.fileExists(candidate) {
			return candidate
		}
	}

	return "/bin/sh"
}

// userDatabaseShell queries the platform user-directory service for the
// login shell: dscl on macOS, getent on other Unixes.
func (r *Resolver) userDatabaseShell(ctx context.Context) string {
	name := r.username()
	if name == "" {
		return ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, fastProbeTimeout)
	defer cancel()

	if r.goos == "darwin" {
		out, err := r.executor.Output(probeCtx, exec.Command{
			Name: "dscl", Args: []string{".", "-read", "/Users/" + name, "UserShell"},
		})
		if err != nil {
			return ""
		}
		// Output: "UserShell: /bin/zsh"
		_, after, ok := strings.Cut(strings.TrimSpace(string(out)), ": ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(after)
	}

	out, err := r.executor.Output(probeCtx, exec.Command{
		Name: "getent", Args: []string{"passwd", name},
	})
	if err != nil {
		return ""
	}
	// passwd line: name:x:uid:gid:gecos:home:shell
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) < 7 {
		return ""
	}
	return strings.TrimSpace(fields[6])
}

// overlayPath prepends the running executable's directory and appends
// platform tool directories to the resolved PATH, preserving order and
// skipping entries already present.
func (r *Resolver) overlayPath(snapshot map[string]string) {
	sep := ":"
	if r.goos == "windows" {
		sep = ";"
	}

	current := lookupFold(snapshot, r.pathKey())
	parts := []string{}
	if current != "" {
		parts = strings.Split(current, sep)
	}

	var prepend []string
	if exe, err := r.executable(); err == nil {
		prepend = append(prepend, filepath.Dir(exe))
	}

	var toolDirs []string
	switch r.goos {
	case "darwin":
		toolDirs = []string{"/usr/local/bin", "/opt/homebrew/bin"}
	case "linux":
		toolDirs = []string{"/usr/local/bin"}
	}

	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		seen[p] = true
	}

	merged := make([]string, 0, len(parts)+len(prepend)+len(toolDirs))
	for _, p := range prepend {
		if !seen[p] {
			merged = append(merged, p)
			seen[p] = true
		}
	}
	merged = append(merged, parts...)
	for _, p := range toolDirs {
		if !seen[p] {
			merged = append(merged, p)
			seen[p] = true
		}
	}

	setFold(snapshot, r.pathKey(), strings.Join(merged, sep))
}

// overlayPassThrough copies the internal coordination allow-list from the
// current process into the snapshot, only for variables actually set.
func (r *Resolver) overlayPassThrough(snapshot map[string]string) {
	processEnv := environToMap(r.environ())
	for _, key := range passThroughVars {
		if value, ok := processEnv[key]; ok && value != "" {
			snapshot[key] = value
		}
	}
}

// ensureFloor guarantees the PATH-equivalent and home-directory keys are
// present and non-empty on every branch.
func (r *Resolver) ensureFloor(snapshot map[string]string) {
	if lookupFold(snapshot, r.pathKey()) == "" {
		if r.goos == "windows" {
			setFold(snapshot, "PATH", windowsDefaultPath)
		} else {
			snapshot["PATH"] = bootstrapPath
		}
	}

	homeKey := "HOME"
	if r.goos == "windows" {
		homeKey = "USERPROFILE"
	}
	if lookupFold(snapshot, homeKey) == "" {
		if home, err := r.homeDir(); err == nil && home != "" {
			snapshot[homeKey] = home
		} else if r.goos == "windows" {
			drive := lookupFold(snapshot, "HOMEDRIVE")
			path := lookupFold(snapshot, "HOMEPATH")
			if drive != "" && path != "" {
				snapshot[homeKey] = drive + path
			} else {
				snapshot[homeKey] = `C:\`
			}
		} else {
			snapshot[homeKey] = "/"
		}
	}
}

func (r *Resolver) pathKey() string {
	return "PATH"
}

// environToMap converts KEY=VALUE pairs to a map, skipping malformed and
// empty entries.
func environToMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		m[key] = value
	}
	return m
}

// parseEnvOutput parses `env` stdout into a map. Lines that do not look like
// a variable assignment are treated as continuations of the previous value,
// which handles multi-line values (e.g. functions exported by bash).
func parseEnvOutput(out []byte) map[string]string {
	m := make(map[string]string)
	var lastKey string

	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		key, value, ok := cutAssignment(line)
		if !ok {
			if lastKey != "" {
				m[lastKey] += "\n" + line
			}
			continue
		}
		m[key] = value
		lastKey = key
	}
	return m
}

// cutAssignment splits "KEY=VALUE" where KEY is a valid variable name.
func cutAssignment(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx <= 0 {
		return "", "", false
	}
	key = line[:idx]
	for i, c := range key {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return "", "", false
			}
		default:
			return "", "", false
		}
	}
	return key, line[idx+1:], true
}

// lookupFold returns the value for key, matching case-insensitively so the
// Windows "Path"/"PATH" split can't hide an entry.
func lookupFold(m map[string]string, key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// setFold updates an existing case-insensitive match for key, or sets key.
func setFold(m map[string]string, key, value string) {
	if _, ok := m[key]; ok {
		m[key] = value
		return
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			m[k] = value
			return
		}
	}
	m[key] = value
}
