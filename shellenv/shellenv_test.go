package shellenv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stravu/crystal-sub001/exec"
)

// testResolver returns a resolver with deterministic hooks: zsh as the login
// shell, a fixed home dir, and no real filesystem or process dependencies.
func testResolver(mock *exec.MockExecutor) *Resolver {
	r := New(mock)
	r.goos = "linux"
	r.Packaged = false
	r.environ = func() []string {
		return []string{"SHELL=/bin/zsh", "HOME=/home/u", "PATH=/usr/bin:/bin", "USER=u"}
	}
	r.homeDir = func() (string, error) { return "/home/u", nil }
	r.executable = func() (string, error) { return "/opt/crystal/bin/crystal", nil }
	r.fileExists = func(p string) bool { return p == "/bin/zsh" }
	r.username = func() string { return "u" }
	return r
}

func TestResolve_FastProbeSuccess(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("/bin/zsh", []string{"-c", "env"}, exec.MockResponse{
		Stdout: []byte("PATH=/custom/bin:/usr/bin\nHOME=/home/u\nANTHROPIC_API_KEY=sk-test\n"),
	})

	r := testResolver(mock)
	snapshot := r.Resolve(context.Background())

	if snapshot["ANTHROPIC_API_KEY"] != "sk-test" {
		t.Errorf("expected shell-configured credential in snapshot, got %q", snapshot["ANTHROPIC_API_KEY"])
	}
	if !strings.Contains(snapshot["PATH"], "/custom/bin") {
		t.Errorf("expected resolved PATH to keep shell entries, got %q", snapshot["PATH"])
	}
	if !strings.HasPrefix(snapshot["PATH"], "/opt/crystal/bin:") {
		t.Errorf("expected executable dir prepended to PATH, got %q", snapshot["PATH"])
	}
}

func TestResolve_FallsBackToLoginShell(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("/bin/zsh", []string{"-c", "env"}, exec.MockResponse{
		Err: errors.New("exit status 1"),
	})
	mock.AddExactMatch("/bin/zsh", []string{"-l", "-i", "-c", "env"}, exec.MockResponse{
		Stdout: []byte("PATH=/login/bin\nHOME=/home/u\n"),
	})

	r := testResolver(mock)
	snapshot := r.Resolve(context.Background())

	if !strings.Contains(snapshot["PATH"], "/login/bin") {
		t.Errorf("expected login-shell PATH, got %q", snapshot["PATH"])
	}
}

func TestResolve_AllProbesFailUsesProcessEnv(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	probeErr := errors.New("shell exploded")
	mock.AddRule(func(c exec.Command) bool { return c.Name == "/bin/zsh" }, exec.MockResponse{Err: probeErr})

	r := testResolver(mock)
	snapshot := r.Resolve(context.Background())

	if snapshot["PATH"] == "" {
		t.Error("PATH must be non-empty even when every probe fails")
	}
	if snapshot["HOME"] != "/home/u" {
		t.Errorf("expected HOME from process env, got %q", snapshot["HOME"])
	}
}

func TestResolve_FloorWhenProcessEnvEmpty(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddRule(func(c exec.Command) bool { return true }, exec.MockResponse{Err: errors.New("no shell")})

	r := testResolver(mock)
	r.environ = func() []string { return nil }
	r.fileExists = func(string) bool { return false }

	snapshot := r.Resolve(context.Background())

	if snapshot["PATH"] == "" {
		t.Error("PATH floor missing")
	}
	if snapshot["HOME"] == "" {
		t.Error("HOME floor missing")
	}
}

func TestResolve_PackagedSourcesStartupFiles(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddRule(func(c exec.Command) bool {
		return c.Name == "/bin/zsh" && len(c.Args) == 2 && c.Args[0] == "-c" &&
			strings.HasSuffix(c.Args[1], "env")
	}, exec.MockResponse{
		Stdout: []byte("PATH=/home/u/.local/bin:/usr/bin\nHOME=/home/u\nEDITOR=vim\n"),
	})

	r := testResolver(mock)
	r.Packaged = true
	snapshot := r.Resolve(context.Background())

	if snapshot["EDITOR"] != "vim" {
		t.Errorf("expected sourced env var, got %q", snapshot["EDITOR"])
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one probe, got %d", len(calls))
	}
	script := calls[0].Args[1]
	for _, want := range []string{"/etc/zprofile", "/home/u/.zprofile", "/etc/zshrc", "/home/u/.zshrc"} {
		if !strings.Contains(script, want) {
			t.Errorf("source chain missing %s: %q", want, script)
		}
	}
	// Probe must run with the bootstrap environment, not ours.
	foundBootstrap := false
	for _, kv := range calls[0].Env {
		if kv == "PATH="+bootstrapPath {
			foundBootstrap = true
		}
	}
	if !foundBootstrap {
		t.Errorf("probe env missing bootstrap PATH: %v", calls[0].Env)
	}
}

func TestResolve_WindowsNeverSpawns(t *testing.T) {
	mock := exec.NewMockExecutor(nil)

	r := testResolver(mock)
	r.goos = "windows"
	r.environ = func() []string {
		return []string{`Path=C:\Go\bin`, `USERPROFILE=C:\Users\u`}
	}
	r.homeDir = func() (string, error) { return `C:\Users\u`, nil }

	snapshot := r.Resolve(context.Background())

	if len(mock.Calls()) != 0 {
		t.Errorf("windows branch spawned %d subprocesses", len(mock.Calls()))
	}
	if lookupFold(snapshot, "PATH") == "" {
		t.Error("PATH-equivalent missing on windows branch")
	}
	if snapshot["APPDATA"] == "" || snapshot["LOCALAPPDATA"] == "" {
		t.Errorf("profile variables not backfilled: APPDATA=%q LOCALAPPDATA=%q",
			snapshot["APPDATA"], snapshot["LOCALAPPDATA"])
	}
}

func TestResolve_WindowsHomeFloor(t *testing.T) {
	t.Run("derived from HOMEDRIVE and HOMEPATH", func(t *testing.T) {
		r := testResolver(exec.NewMockExecutor(nil))
		r.goos = "windows"
		r.environ = func() []string {
			return []string{`HOMEDRIVE=D:`, `HOMEPATH=\Users\u`}
		}
		r.homeDir = func() (string, error) { return "", errors.New("no profile") }

		snapshot := r.Resolve(context.Background())
		if snapshot["USERPROFILE"] != `D:\Users\u` {
			t.Errorf("USERPROFILE = %q, want D:\\Users\\u", snapshot["USERPROFILE"])
		}
	})

	t.Run("last resort when nothing is known", func(t *testing.T) {
		r := testResolver(exec.NewMockExecutor(nil))
		r.goos = "windows"
		r.environ = func() []string { return nil }
		r.homeDir = func() (string, error) { return "", errors.New("no profile") }

		snapshot := r.Resolve(context.Background())
		if snapshot["USERPROFILE"] == "" {
			t.Error("USERPROFILE floor missing")
		}
	})
}

func TestDetectShell_Order(t *testing.T) {
	t.Run("SHELL env wins when file exists", func(t *testing.T) {
		r := testResolver(exec.NewMockExecutor(nil))
		if got := r.detectShell(context.Background()); got != "/bin/zsh" {
			t.Errorf("detectShell = %q, want /bin/zsh", got)
		}
	})

	t.Run("user database consulted when SHELL missing", func(t *testing.T) {
		mock := exec.NewMockExecutor(nil)
		mock.AddExactMatch("getent", []string{"passwd", "u"}, exec.MockResponse{
			Stdout: []byte("u:x:1000:1000:User:/home/u:/usr/bin/fish\n"),
		})
		r := testResolver(mock)
		r.environ = func() []string { return []string{"HOME=/home/u"} }
		r.fileExists = func(p string) bool { return p == "/usr/bin/fish" }

		if got := r.detectShell(context.Background()); got != "/usr/bin/fish" {
			t.Errorf("detectShell = %q, want /usr/bin/fish", got)
		}
	})

	t.Run("preference list then sh fallback", func(t *testing.T) {
		mock := exec.NewMockExecutor(nil)
		r := testResolver(mock)
		r.environ = func() []string { return nil }
		r.fileExists = func(p string) bool { return p == "/bin/bash" }

		if got := r.detectShell(context.Background()); got != "/bin/bash" {
			t.Errorf("detectShell = %q, want /bin/bash", got)
		}

		r.fileExists = func(string) bool { return false }
		if got := r.detectShell(context.Background()); got != "/bin/sh" {
			t.Errorf("detectShell = %q, want /bin/sh", got)
		}
	})
}

func TestDetectShell_DarwinUserDatabase(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("dscl", []string{".", "-read", "/Users/u", "UserShell"}, exec.MockResponse{
		Stdout: []byte("UserShell: /bin/zsh\n"),
	})

	r := testResolver(mock)
	r.goos = "darwin"
	r.environ = func() []string { return nil }

	if got := r.detectShell(context.Background()); got != "/bin/zsh" {
		t.Errorf("detectShell = %q, want /bin/zsh", got)
	}
}

func TestOverlayPassThrough_OnlyWhenPresent(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("/bin/zsh", []string{"-c", "env"}, exec.MockResponse{
		Stdout: []byte("PATH=/usr/bin\nHOME=/home/u\n"),
	})

	r := testResolver(mock)
	r.environ = func() []string {
		return []string{"SHELL=/bin/zsh", "HOME=/home/u", "PATH=/usr/bin", "CRYSTAL_IPC_SOCKET=/tmp/crystal.sock"}
	}

	snapshot := r.Resolve(context.Background())
	if snapshot["CRYSTAL_IPC_SOCKET"] != "/tmp/crystal.sock" {
		t.Errorf("pass-through variable not copied: %q", snapshot["CRYSTAL_IPC_SOCKET"])
	}
	if _, ok := snapshot["CRYSTAL_PARENT_PID"]; ok {
		t.Error("pass-through variable invented despite not being set")
	}
}

func TestParseEnvOutput(t *testing.T) {
	out := []byte("PATH=/usr/bin\nMULTI=line one\nline two\nnoequals\nEMPTY=\n")
	m := parseEnvOutput(out)

	if m["PATH"] != "/usr/bin" {
		t.Errorf("PATH = %q", m["PATH"])
	}
	if m["MULTI"] != "line one\nline two\nnoequals" {
		t.Errorf("multiline value not joined: %q", m["MULTI"])
	}
	if v, ok := m["EMPTY"]; !ok || v != "" {
		t.Errorf("empty value not preserved: %q ok=%v", v, ok)
	}

	// A line with an invalid variable name and no previous key is dropped.
	if m := parseEnvOutput([]byte("1BAD=x\nGOOD=y\n")); m["GOOD"] != "y" || len(m) != 1 {
		t.Errorf("invalid leading assignment not dropped: %v", m)
	}
}

func TestBuildSourceScript_UnknownShellFallsBackToPosix(t *testing.T) {
	p := policyForShell("/usr/local/bin/weirdsh")
	if p.Name != "sh" {
		t.Fatalf("expected sh policy for unknown shell, got %q", p.Name)
	}
	script := buildSourceScript(p, "/home/u")
	if !strings.Contains(script, "/etc/profile") || !strings.Contains(script, "/home/u/.profile") {
		t.Errorf("posix source chain incomplete: %q", script)
	}
	if !strings.HasSuffix(script, "env") {
		t.Errorf("script must end with env: %q", script)
	}
}
