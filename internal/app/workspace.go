// Package app opens a caseflow workspace: the database, its schema and the
// workflow definition, wired into an engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/engine"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
)

type Options struct {
	Workspace string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Workspace is an opened workspace. Close releases the database.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open migrates the workspace database and loads caseflow.yml, falling back
// to the built-in workflow when the workspace has none.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	for _, name := range applied {
		logger.Info("migration applied", zap.String("migration", name))
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Logger = logger
	e.Metrics = opts.Metrics
	return &Workspace{DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
