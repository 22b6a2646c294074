package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/upsyncd/internal/tree"
	"gopkg.in/yaml.v3"
)

// Environment options recognized in addition to the config file. They fill
// in upstream settings left empty by the file, so a bare invocation with
// just these set performs a full sync against the baked-in defaults.
const (
	EnvUpstreamURL  = "UPSTREAM_URL"
	EnvBranchPrefix = "BRANCH_PREFIX"
)

// DefaultBranchPrefix selects the upstream revision branches when neither
// the config file nor BRANCH_PREFIX names a prefix.
const DefaultBranchPrefix = "w1-"

// Config represents the complete upsyncd configuration
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Target   TargetConfig   `yaml:"target"`
	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Serve    ServeConfig    `yaml:"serve"`
}

// UpstreamConfig identifies the repository whose revision branches are
// mirrored
type UpstreamConfig struct {
	URL          string `yaml:"url"`
	BranchPrefix string `yaml:"branch_prefix"`
}

// TargetConfig identifies the repository and branch receiving the mirror
type TargetConfig struct {
	URL         string `yaml:"url"`
	Branch      string `yaml:"branch"`
	CommitName  string `yaml:"commit_name"`
	CommitEmail string `yaml:"commit_email"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir string `yaml:"work_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	// Preserve lists target-relative path prefixes never deleted or
	// overwritten during reconciliation. Leaving it unset preserves
	// ".config"; an explicit empty list preserves nothing.
	Preserve []string `yaml:"preserve"`
}

// AuthConfig configures credentials handed to the git binary
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// Default returns the configuration assembled from environment options and
// baked-in defaults alone, for invocations without a config file.
func Default() (*Config, error) {
	return finish(&Config{})
}

// finish runs the shared expansion, defaulting and validation pipeline.
func finish(cfg *Config) (*Config, error) {
	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Upstream.URL = os.ExpandEnv(c.Upstream.URL)
	c.Upstream.BranchPrefix = os.ExpandEnv(c.Upstream.BranchPrefix)
	c.Target.URL = os.ExpandEnv(c.Target.URL)
	c.Target.Branch = os.ExpandEnv(c.Target.Branch)
	c.Target.CommitName = os.ExpandEnv(c.Target.CommitName)
	c.Target.CommitEmail = os.ExpandEnv(c.Target.CommitEmail)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	for i, p := range c.Sync.Preserve {
		c.Sync.Preserve[i] = os.ExpandEnv(p)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Upstream.URL == "" {
		c.Upstream.URL = os.Getenv(EnvUpstreamURL)
	}
	if c.Upstream.BranchPrefix == "" {
		c.Upstream.BranchPrefix = os.Getenv(EnvBranchPrefix)
	}
	if c.Upstream.BranchPrefix == "" {
		c.Upstream.BranchPrefix = DefaultBranchPrefix
	}
	if c.Target.Branch == "" {
		c.Target.Branch = "main"
	}
	if c.Target.CommitName == "" {
		c.Target.CommitName = "upsyncd"
	}
	if c.Target.CommitEmail == "" {
		c.Target.CommitEmail = "upsyncd@localhost"
	}
	if c.Paths.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Paths.WorkDir = filepath.Join(home, ".local", "state", "upsyncd")
		}
	}
	if c.Sync.Preserve == nil {
		c.Sync.Preserve = []string{".config"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required (or set %s)", EnvUpstreamURL)
	}
	if strings.ContainsAny(c.Upstream.BranchPrefix, " \t\n") {
		return fmt.Errorf("upstream.branch_prefix must not contain whitespace: %q", c.Upstream.BranchPrefix)
	}

	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	if c.Target.Branch == "" {
		return fmt.Errorf("target.branch is required")
	}

	if c.Paths.WorkDir == "" {
		return fmt.Errorf("paths.work_dir is required")
	}
	if !filepath.IsAbs(c.Paths.WorkDir) {
		return fmt.Errorf("paths.work_dir must be an absolute path: %s", c.Paths.WorkDir)
	}

	if _, err := tree.NewPreservedSet(c.Sync.Preserve); err != nil {
		return fmt.Errorf("sync.preserve: %w", err)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, at least one of the two
	// repository URLs must use the matching scheme
	if c.Auth.SSHKeyFile != "" && !isSSH(c.Upstream.URL) && !isSSH(c.Target.URL) {
		return fmt.Errorf("auth.ssh_key_file is set but neither repository URL uses an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !isHTTPS(c.Upstream.URL) && !isHTTPS(c.Target.URL) {
		return fmt.Errorf("auth.https_token_file is set but neither repository URL uses HTTPS scheme")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// RepoDir returns the path where the target repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.WorkDir, "repo")
}

// PreservedPaths returns the normalized preserved path set.
func (c *Config) PreservedPaths() tree.PreservedSet {
	ps, err := tree.NewPreservedSet(c.Sync.Preserve)
	if err != nil {
		// Validate rejects bad entries before any caller gets here.
		return tree.PreservedSet{}
	}
	return ps
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// isHTTPS returns true if the URL uses HTTPS
func isHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// isSSH returns true if the URL uses SSH
func isSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
