// Package app wires configuration, storage and the execution engine shared
// by the api and worker processes.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"outreach/internal/config"
	"outreach/internal/delivery"
	"outreach/internal/repository"
	"outreach/internal/service"
)

// App holds the long lived dependencies of a process
type App struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *sql.DB

	Tasks     repository.TaskRepository
	Templates repository.TemplateRepository
	Users     repository.UserRepository
	Groups    repository.GroupRepository
	Messages  repository.MessageRepository
	Configs   repository.SystemConfigRepository

	Clock    service.Clock
	Renderer *service.TemplateService
	Governor *service.Governor
	Executor *service.Executor
}

// Open connects to PostgreSQL and builds the repositories and engine
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Tasks:     repository.NewTaskRepository(db),
		Templates: repository.NewTemplateRepository(db),
		Users:     repository.NewUserRepository(db),
		Groups:    repository.NewGroupRepository(db),
		Messages:  repository.NewMessageRepository(db),
		Configs:   repository.NewSystemConfigRepository(db),
		Clock:     service.SystemClock(),
		Renderer:  service.NewTemplateService(),
	}

	a.Governor = service.NewGovernor(a.Tasks, a.Clock, log)
	a.Executor = service.NewExecutor(a.Tasks, a.Templates, a.Users, a.Messages,
		a.Renderer, NewDeliverer(cfg.Delivery, a.Configs, log), a.Clock, log)

	return a, nil
}

// NewDeliverer picks the delivery adapter for the configured mode
func NewDeliverer(cfg config.DeliveryConfig, configs delivery.ConfigSource, log zerolog.Logger) service.Deliverer {
	if cfg.Mode == config.DeliveryHTTP {
		return delivery.NewClient(delivery.ClientConfig{
			BaseURL:      cfg.BaseURL,
			APIToken:     cfg.APIToken,
			ActorID:      cfg.ActorID,
			PollInterval: cfg.PollInterval,
			MaxWait:      cfg.MaxWait,
		}, configs, log)
	}

	return delivery.NewSimulator(cfg.SuccessRate)
}

// NewReaper schedules reclamation of finished runs, skipping those held by runs
func (a *App) NewReaper(runs service.ActiveRuns) (*service.Reaper, error) {
	return service.NewReaper(a.Governor, runs, a.Config.Reaper.Schedule, a.Log)
}

// Close releases the database pool
func (a *App) Close() error {
	return a.DB.Close()
}
