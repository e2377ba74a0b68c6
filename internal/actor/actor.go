// Package actor turns an actor definition file into a locally installed
// actor: the definition is resolved, checked against the download policy,
// its archive is fetched and unpacked, and its tool-info module is located.
package actor

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"coveriteam/internal/cfgerr"
	"coveriteam/internal/config"
	"coveriteam/internal/definition"
	"coveriteam/internal/fetch"
	"coveriteam/internal/policy"
	"coveriteam/internal/units"
)

// RequiredTags must be present in every resolved actor definition.
var RequiredTags = []string{"toolinfo_module", "resourcelimits", "actor_name", "archive", "format_version"}

// Fetcher downloads and unpacks actor archives.
type Fetcher interface {
	IsURL(s string) bool
	DownloadIfNeeded(ctx context.Context, src, dest string) (bool, error)
	Unzip(archive, dest string) error
}

// Options configure Load.
type Options struct {
	Cache      config.Cache
	PolicyFile string
	Fetcher    Fetcher
	Logger     *zap.Logger
}

// ResourceLimits are the normalized limits of an actor.
type ResourceLimits struct {
	MemLimit  int64                  `json:"memlimit"`
	TimeLimit int64                  `json:"timelimit"`
	CPUCores  int                    `json:"cpu_cores,omitempty"`
	Other     map[string]interface{} `json:"other,omitempty"`
}

// Config is a resolved and installed actor.
type Config struct {
	Path           string             `json:"path"`
	ActorName      string             `json:"actor_name"`
	FormatVersion  string             `json:"format_version"`
	ToolInfoModule string             `json:"toolinfo_module"`
	ToolName       string             `json:"tool_name"`
	Archive        string             `json:"archive_location"`
	InstallDir     string             `json:"install_dir"`
	Downloaded     bool               `json:"downloaded"`
	Unpacked       bool               `json:"unpacked"`
	ResourceLimits ResourceLimits     `json:"resourcelimits"`
	IncludedFiles  []string           `json:"included_files"`
	Definition     definition.Mapping `json:"-"`
}

// ArchiveLocation returns the archive location as written in the definition.
func (c *Config) ArchiveLocation() string {
	return c.Archive
}

// Load resolves the definition at path and installs the actor.
func Load(ctx context.Context, path string, opts Options) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.New(0, logger)
	}
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := policy.CheckCompliance(cfg, opts.PolicyFile); err != nil {
		return nil, err
	}
	if err := opts.Cache.Ensure(); err != nil {
		return nil, err
	}
	if err := cfg.installIfNeeded(ctx, opts, logger); err != nil {
		return nil, err
	}
	if err := cfg.resolveToolInfoModule(ctx, opts); err != nil {
		return nil, err
	}
	logger.Info("actor ready",
		zap.String("actor", cfg.ActorName),
		zap.String("dir", cfg.InstallDir),
		zap.String("tool", cfg.ToolName))
	return cfg, nil
}

// Read resolves the definition at path, checks the required tags and
// normalizes resource limits. It performs no downloads.
func Read(path string) (*Config, error) {
	merged, files, err := definition.Resolve(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return FromDefinition(abs, merged, files)
}

// FromDefinition builds a Config from an already resolved definition.
func FromDefinition(path string, def definition.Mapping, files []string) (*Config, error) {
	var missing []string
	for _, tag := range RequiredTags {
		if !def.Has(tag) {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		return nil, &cfgerr.Error{Kind: cfgerr.MissingTags, Path: path, Missing: missing}
	}
	cfg := &Config{Path: path, Definition: def, IncludedFiles: files}
	var ok bool
	if cfg.ActorName, ok = def.String("actor_name"); !ok || strings.TrimSpace(cfg.ActorName) == "" {
		return nil, invalid(path, "actor_name", fmt.Errorf("expected a non-empty string"))
	}
	if strings.ContainsAny(cfg.ActorName, `/\`) || cfg.ActorName == "." || cfg.ActorName == ".." {
		return nil, invalid(path, "actor_name", fmt.Errorf("%q is not a valid directory name", cfg.ActorName))
	}
	if cfg.ToolInfoModule, ok = def.String("toolinfo_module"); !ok || cfg.ToolInfoModule == "" {
		return nil, invalid(path, "toolinfo_module", fmt.Errorf("expected a non-empty string"))
	}
	cfg.FormatVersion, _ = def.String("format_version")

	archive, ok := def.Map("archive")
	if !ok {
		return nil, invalid(path, "archive", fmt.Errorf("expected a mapping"))
	}
	if cfg.Archive, ok = archive.String("location"); !ok || cfg.Archive == "" {
		return nil, invalid(path, "archive.location", fmt.Errorf("expected a non-empty string"))
	}
	limits, ok := def.Map("resourcelimits")
	if !ok {
		return nil, invalid(path, "resourcelimits", fmt.Errorf("expected a mapping"))
	}
	rl, err := normalizeLimits(path, limits)
	if err != nil {
		return nil, err
	}
	cfg.ResourceLimits = rl
	return cfg, nil
}

func normalizeLimits(path string, limits definition.Mapping) (ResourceLimits, error) {
	var rl ResourceLimits
	var extra map[string]any
	for _, key := range limits.Keys() {
		raw, _ := limits.String(key)
		switch key {
		case "memlimit":
			n, err := units.ParseMemory(raw)
			if err != nil {
				return rl, invalid(path, "resourcelimits.memlimit", err)
			}
			rl.MemLimit = n
		case "timelimit":
			n, err := units.ParseTimespan(raw)
			if err != nil {
				return rl, invalid(path, "resourcelimits.timelimit", err)
			}
			rl.TimeLimit = n
		case "cpuCores":
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || n < 1 {
				return rl, invalid(path, "resourcelimits.cpuCores", fmt.Errorf("expected a positive integer, got %q", raw))
			}
			rl.CPUCores = n
		default:
			if extra == nil {
				extra = limits.Plain()
				rl.Other = map[string]interface{}{}
			}
			rl.Other[key] = extra[key]
		}
	}
	return rl, nil
}

func invalid(path, key string, err error) error {
	return &cfgerr.Error{Kind: cfgerr.InvalidValue, Path: path, Key: key, Err: err}
}

// ArchiveName is the file name under which the archive is cached: the last
// path segment of the location, or <actor_name>.zip if there is none.
func (c *Config) ArchiveName() string {
	loc := c.Archive
	if u, err := url.Parse(loc); err == nil && u.Scheme != "" && u.Host != "" {
		loc = u.Path
	} else {
		loc = filepath.ToSlash(loc)
	}
	if name := lastSegment(loc); name != "" {
		return name
	}
	return c.ActorName + ".zip"
}

func lastSegment(p string) string {
	idx := strings.LastIndex(p, "/")
	return p[idx+1:]
}

// archiveSource returns where the archive is fetched from. Relative local
// paths are taken relative to the definition file.
func (c *Config) archiveSource(f Fetcher) string {
	if f.IsURL(c.Archive) || filepath.IsAbs(c.Archive) {
		return c.Archive
	}
	return filepath.Join(filepath.Dir(c.Path), filepath.FromSlash(c.Archive))
}

func (c *Config) installIfNeeded(ctx context.Context, opts Options, logger *zap.Logger) error {
	archivePath := filepath.Join(opts.Cache.ArchiveDir, c.ArchiveName())
	downloaded, err := opts.Fetcher.DownloadIfNeeded(ctx, c.archiveSource(opts.Fetcher), archivePath)
	if err != nil {
		return fmt.Errorf("fetch archive for %s: %w", c.ActorName, err)
	}
	c.Downloaded = downloaded
	c.Unpacked = false
	target := filepath.Join(opts.Cache.InstallDir, c.ActorName)
	if !downloaded && fetch.IsDir(target) {
		logger.Debug("reusing installation", zap.String("actor", c.ActorName), zap.String("dir", target))
		c.InstallDir = target
		return nil
	}
	if err := opts.Fetcher.Unzip(archivePath, target); err != nil {
		return fmt.Errorf("install %s: %w", c.ActorName, err)
	}
	c.Unpacked = true
	c.InstallDir = target
	return nil
}

// ToolInfoName is the file name under which a remote tool-info module is
// cached: the last path segment of its URL, or <actor_name>.py if there is
// none.
func (c *Config) ToolInfoName() string {
	loc := c.ToolInfoModule
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	if name := lastSegment(loc); name != "" {
		return name
	}
	return c.ActorName + ".py"
}

func (c *Config) resolveToolInfoModule(ctx context.Context, opts Options) error {
	module := c.ToolInfoModule
	if opts.Fetcher.IsURL(module) {
		name := c.ToolInfoName()
		dest := filepath.Join(opts.Cache.ToolInfoDir, name)
		if !fetch.Exists(dest) {
			if _, err := opts.Fetcher.DownloadIfNeeded(ctx, module, dest); err != nil {
				return fmt.Errorf("fetch tool-info module for %s: %w", c.ActorName, err)
			}
		}
		module = name
	}
	c.ToolName = strings.TrimSuffix(module, ".py")
	return nil
}
