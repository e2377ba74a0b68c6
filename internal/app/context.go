package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"coveriteam/internal/config"
	"coveriteam/internal/db"
	"coveriteam/internal/engine"
	"coveriteam/internal/migrate"
)

// Workspace bundles everything a command needs to operate on one workspace.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
}

// Open loads the workspace settings (defaults when coveriteam.yml is absent),
// opens and migrates the ledger and builds an engine.
func Open(dir string, logger *zap.Logger) (*Workspace, error) {
	if dir == "" {
		dir = "."
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	version, err := migrate.CurrentVersion(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read ledger version: %w", err)
	}
	logger.Debug("workspace opened", zap.String("dir", dir), zap.String("db", db.Path(dir)), zap.Int("schema", version))
	return &Workspace{
		Dir:    dir,
		Config: cfg,
		DB:     conn,
		Engine: engine.New(conn, cfg, logger),
	}, nil
}

// Close releases the ledger connection.
func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
