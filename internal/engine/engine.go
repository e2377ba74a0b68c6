package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coveriteam/internal/actor"
	"coveriteam/internal/cfgerr"
	"coveriteam/internal/config"
	"coveriteam/internal/definition"
	"coveriteam/internal/domain"
	"coveriteam/internal/events"
	"coveriteam/internal/fetch"
	"coveriteam/internal/policy"
	"coveriteam/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Fetcher actor.Fetcher
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := fetch.New(cfg.DownloadTimeout(), logger)
	f.UserAgent = cfg.Download.UserAgent
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Fetcher: f,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Resolved is a flattened actor definition and the files it was built from.
type Resolved struct {
	Path          string         `json:"path"`
	Definition    map[string]any `json:"definition"`
	IncludedFiles []string       `json:"included_files"`
}

// Resolve flattens the includes of a definition file without checking tags.
func (e Engine) Resolve(path string) (Resolved, error) {
	merged, files, err := definition.Resolve(path)
	if err != nil {
		return Resolved{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Resolved{Path: abs, Definition: merged.Plain(), IncludedFiles: files}, nil
}

// PolicyFile picks the policy to apply: the explicit path, then the settings
// file entry relative to the workspace. An empty result lets policy.Load fall
// back to COVERITEAM_POLICY.
func (e Engine) PolicyFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if e.Config == nil || e.Config.Policy == "" {
		return ""
	}
	if filepath.IsAbs(e.Config.Policy) {
		return e.Config.Policy
	}
	return filepath.Join(e.Config.Workspace(), e.Config.Policy)
}

// CheckPolicy checks an archive location against the policy. Violations are
// recorded in the ledger and returned as a report, not as an error.
func (e Engine) CheckPolicy(ctx context.Context, location, policyFile string) (domain.PolicyReport, error) {
	return e.checkPolicy(ctx, "", location, policyFile)
}

func (e Engine) checkPolicy(ctx context.Context, actorName, location, policyFile string) (domain.PolicyReport, error) {
	p, err := policy.Load(e.PolicyFile(policyFile))
	if err != nil {
		return domain.PolicyReport{}, err
	}
	report := domain.PolicyReport{
		Location:         location,
		Restricted:       p.Restricted(),
		AllowedLocations: p.AllowedLocations,
		PolicySource:     p.Source,
		Allowed:          true,
	}
	if err := p.Check(location); err != nil {
		if !cfgerr.Is(err, cfgerr.PolicyViolation) {
			return domain.PolicyReport{}, err
		}
		report.Allowed = false
		if err := e.recordViolation(ctx, actorName, location, p.Source); err != nil {
			return report, err
		}
	}
	return report, nil
}

// CheckDefinitionPolicy resolves a definition and checks its archive location.
func (e Engine) CheckDefinitionPolicy(ctx context.Context, path, policyFile string) (domain.PolicyReport, error) {
	cfg, err := actor.Read(path)
	if err != nil {
		return domain.PolicyReport{}, err
	}
	return e.checkPolicy(ctx, cfg.ActorName, cfg.ArchiveLocation(), policyFile)
}

// InstallOptions are parameters for installing an actor.
type InstallOptions struct {
	Path       string
	PolicyFile string
}

// Install runs the actor pipeline and records the outcome in the ledger.
func (e Engine) Install(ctx context.Context, opts InstallOptions) (domain.Installation, error) {
	if e.Config == nil {
		return domain.Installation{}, errors.New("config not loaded")
	}
	if opts.Path == "" {
		return domain.Installation{}, errors.New("definition path is required")
	}
	policyFile := e.PolicyFile(opts.PolicyFile)
	cfg, err := actor.Load(ctx, opts.Path, actor.Options{
		Cache:      e.Config.CacheLayout(),
		PolicyFile: policyFile,
		Fetcher:    e.Fetcher,
		Logger:     e.logger(),
	})
	if err != nil {
		if cerr, ok := cfgerr.As(err); ok && cerr.Kind == cfgerr.PolicyViolation {
			if recErr := e.recordViolation(ctx, "", cerr.Location, policyFile); recErr != nil {
				e.logger().Warn("record policy violation", zap.Error(recErr))
			}
		}
		return domain.Installation{}, err
	}

	inst := domain.Installation{
		ID:              uuid.NewString(),
		ActorName:       cfg.ActorName,
		DefinitionPath:  cfg.Path,
		FormatVersion:   cfg.FormatVersion,
		ArchiveLocation: cfg.ArchiveLocation(),
		InstallDir:      cfg.InstallDir,
		ToolName:        cfg.ToolName,
		MemLimit:        cfg.ResourceLimits.MemLimit,
		TimeLimit:       cfg.ResourceLimits.TimeLimit,
		CPUCores:        cfg.ResourceLimits.CPUCores,
		IncludedFiles:   cfg.IncludedFiles,
		Downloaded:      cfg.Downloaded,
		InstalledAt:     e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Installation{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.UpsertInstallationTx(ctx, tx, inst)
	if err != nil {
		return domain.Installation{}, fmt.Errorf("record installation: %w", err)
	}
	inst.ID = id
	evtType := domain.EventActorReuse
	if cfg.Unpacked {
		evtType = domain.EventActorInstall
	}
	if _, err := e.Events.Append(ctx, tx, evtType, inst.ActorName, inst.DefinitionPath, events.EventPayload{
		"install_dir":      inst.InstallDir,
		"archive_location": inst.ArchiveLocation,
		"tool_name":        inst.ToolName,
	}); err != nil {
		return domain.Installation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Installation{}, err
	}
	return inst, nil
}

func (e Engine) recordViolation(ctx context.Context, actorName, location, source string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Events.Append(ctx, tx, domain.EventPolicyViolation, actorName, location, events.EventPayload{"policy": source}); err != nil {
		return err
	}
	return tx.Commit()
}

// Installations lists every recorded installation ordered by actor name.
func (e Engine) Installations(ctx context.Context) ([]domain.Installation, error) {
	return e.Repo.ListInstallations(ctx)
}

// Installation returns the recorded installation of one actor.
func (e Engine) Installation(ctx context.Context, actorName string) (domain.Installation, error) {
	return e.Repo.GetInstallation(ctx, actorName)
}
