package shellenv

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

// shellPolicy describes how to coax one shell into exposing its login
// environment. Vendors change startup-file order between releases, so the
// table lives in policy.yaml rather than in code.
type shellPolicy struct {
	Name        string   `yaml:"name"`
	SourceChain bool     `yaml:"source_chain"`
	Files       []string `yaml:"files"`
}

type policyTable struct {
	Shells []shellPolicy `yaml:"shells"`
}

var policies = mustLoadPolicies()

func mustLoadPolicies() map[string]shellPolicy {
	var table policyTable
	if err := yaml.Unmarshal(policyYAML, &table); err != nil {
		panic(fmt.Sprintf("shellenv: invalid embedded policy.yaml: %v", err))
	}

	byName := make(map[string]shellPolicy, len(table.Shells))
	for _, p := range table.Shells {
		byName[p.Name] = p
	}
	return byName
}

// policyForShell returns the policy matching the shell binary's base name,
// falling back to the POSIX sh policy for unknown shells.
func policyForShell(shellPath string) shellPolicy {
	name := filepath.Base(shellPath)
	if p, ok := policies[name]; ok {
		return p
	}
	return policies["sh"]
}

// buildSourceScript builds the "source <file> || true; ...; env" command
// string for a source-chain shell. Files that fail to source are ignored so
// one broken rc file cannot poison the probe.
func buildSourceScript(p shellPolicy, home string) string {
	var sb strings.Builder
	for _, f := range p.Files {
		path := f
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(home, path[2:])
		}
		// "." rather than "source": POSIX sh has no source builtin.
		fmt.Fprintf(&sb, ". %s >/dev/null 2>&1 || true; ", path)
	}
	sb.WriteString("env")
	return sb.String()
}
