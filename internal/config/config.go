package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace settings file.
const FileName = "coveriteam.yml"

// Config models coveriteam.yml.
type Config struct {
	Cache struct {
		Root     string `yaml:"root" json:"root"`
		Archives string `yaml:"archives" json:"archives"`
		Tools    string `yaml:"tools" json:"tools"`
		ToolInfo string `yaml:"toolinfo" json:"toolinfo"`
	} `yaml:"cache" json:"cache"`
	Download struct {
		Timeout   string `yaml:"timeout" json:"timeout"`
		UserAgent string `yaml:"user_agent" json:"user_agent"`
	} `yaml:"download" json:"download"`
	Policy   string          `yaml:"policy,omitempty" json:"policy,omitempty"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`

	workspace string
}

// WebhookConfig describes an endpoint notified about ledger events.
type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Secret  string   `yaml:"secret,omitempty" json:"-"`
}

// Load reads and validates the settings of a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings %s not found", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.workspace = workspace
	return cfg, nil
}

// LoadOptional returns the default settings if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		cfg = Default()
		cfg.workspace = workspace
		return cfg, nil
	}
	return nil, err
}

// Validate ensures the settings meet required structure.
func (c *Config) Validate() error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	for name, dir := range map[string]string{
		"cache.archives": c.Cache.Archives,
		"cache.tools":    c.Cache.Tools,
		"cache.toolinfo": c.Cache.ToolInfo,
	} {
		if dir == "" {
			return fmt.Errorf("%s is required", name)
		}
		if filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be relative to cache.root", name)
		}
	}
	if c.Download.Timeout != "" {
		d, err := time.ParseDuration(c.Download.Timeout)
		if err != nil {
			return fmt.Errorf("download.timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("download.timeout must not be negative")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the settings file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Workspace returns the directory the settings were loaded for.
func (c *Config) Workspace() string {
	if c.workspace == "" {
		return "."
	}
	return c.workspace
}

// WithWorkspace binds the settings to a workspace directory.
func (c *Config) WithWorkspace(workspace string) *Config {
	c.workspace = workspace
	return c
}

// DownloadTimeout returns the HTTP timeout for archive downloads. Zero means
// no timeout.
func (c *Config) DownloadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Download.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// CacheLayout returns the on-disk cache layout.
func (c *Config) CacheLayout() Cache {
	root := c.Cache.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(c.Workspace(), root)
	}
	return Cache{
		Root:        root,
		ArchiveDir:  filepath.Join(root, c.Cache.Archives),
		InstallDir:  filepath.Join(root, c.Cache.Tools),
		ToolInfoDir: filepath.Join(root, c.Cache.ToolInfo),
	}
}

// Cache is the directory layout for downloaded archives, installed actors and
// downloaded tool-info modules.
type Cache struct {
	Root        string `json:"root"`
	ArchiveDir  string `json:"archive_dir"`
	InstallDir  string `json:"install_dir"`
	ToolInfoDir string `json:"toolinfo_dir"`
}

// Ensure creates the cache directories. It is idempotent.
func (c Cache) Ensure() error {
	for _, dir := range []string{c.ArchiveDir, c.InstallDir, c.ToolInfoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}
	return nil
}

// Default returns the default settings.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default settings YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates settings from raw YAML bytes. Keys missing
// from data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid settings yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `cache:
  root: cache
  archives: archives
  tools: tools
  toolinfo: toolinfocache

download:
  timeout: 10m
  user_agent: coveriteam

# policy: path/to/policy.yml

# webhooks:
#   - url: https://hooks.example.com/coveriteam
#     events: [actor.install]
`
