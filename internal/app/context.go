package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"dealflow/internal/config"
	"dealflow/internal/db"
	"dealflow/internal/engine"
	"dealflow/internal/events"
	"dealflow/internal/files"
	"dealflow/internal/migrate"
	"dealflow/internal/pdf"
	"dealflow/internal/repo"
	"dealflow/internal/store/dynamo"
)

// App bundles what a CLI command or the server needs for one workspace.
// The sqlite database always holds events and API keys; deals live in the configured backend.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Files     files.Store
	Engine    engine.Engine
}

// Open migrates the workspace database and wires the engine for cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn, Now: time.Now}
	var store engine.Store = r
	if cfg.Backend() == config.BackendDynamoDB {
		dc := dynamo.ConfigFromEnv(cfg.Store.DynamoDB)
		client, err := dynamo.NewClient(ctx, dc)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("dynamodb: %w", err)
		}
		store = dynamo.New(client, dc.Table)
	}
	fs := files.New(cfg.FilesRoot(workspace))
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Files:     fs,
		Engine: engine.Engine{
			Store:   store,
			Files:   fs,
			Docs:    pdf.Renderer{Author: cfg.Company.Name},
			Reps:    cfg,
			Events:  events.Writer{DB: conn},
			Logger:  logger,
			Company: cfg.Company.Name,
			Now:     time.Now,
		},
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
