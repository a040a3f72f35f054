// Package config holds the application configuration, persisted as JSON in
// the user's config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stravu/crystal-sub001/paths"
)

// Defaults applied when a setting is absent from the config file.
const (
	DefaultAgent        = "claude"
	DefaultBranchPrefix = "crystal/"
)

// Config holds the application configuration.
type Config struct {
	Repos []string `json:"repos"`

	DefaultAgentName string `json:"default_agent,omitempty"`  // Agent used when a session does not name one
	BranchPrefix     string `json:"branch_prefix,omitempty"`  // Prefix for generated session branch names
	WorktreeDir      string `json:"worktree_dir,omitempty"`   // Override for the worktree parent directory
	PermissionMode   string `json:"permission_mode,omitempty"`
	Debug            bool   `json:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or returns a fresh one if no config
// file exists yet.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return loadFrom(path)
}

func loadFrom(path string) (*Config, error) {
	cfg := &Config{
		Repos:    []string{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Repos == nil {
		cfg.Repos = []string{}
	}
	return cfg, nil
}

// Save writes the config to disk atomically (write to temp file, rename).
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.filePath)
}

// AddRepo records a repository path, ignoring duplicates.
func (c *Config) AddRepo(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.Repos {
		if r == path {
			return
		}
	}
	c.Repos = append(c.Repos, path)
}

// RemoveRepo forgets a repository path.
func (c *Config) RemoveRepo(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.Repos {
		if r == path {
			c.Repos = append(c.Repos[:i], c.Repos[i+1:]...)
			return
		}
	}
}

// ListRepos returns the recorded repository paths.
func (c *Config) ListRepos() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Repos))
	copy(out, c.Repos)
	return out
}

// Agent returns the configured default agent name.
func (c *Config) Agent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultAgentName == "" {
		return DefaultAgent
	}
	return c.DefaultAgentName
}

// SetAgent sets the default agent name.
func (c *Config) SetAgent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultAgentName = name
}

// GetBranchPrefix returns the prefix for generated branch names.
func (c *Config) GetBranchPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BranchPrefix == "" {
		return DefaultBranchPrefix
	}
	return c.BranchPrefix
}

// WorktreesDir returns the parent directory for session worktrees, honoring
// the configured override.
func (c *Config) WorktreesDir() (string, error) {
	c.mu.RLock()
	override := c.WorktreeDir
	c.mu.RUnlock()
	if override != "" {
		return override, nil
	}
	return paths.WorktreesDir()
}
