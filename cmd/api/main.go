package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"outreach/internal/app"
	"outreach/internal/config"
	"outreach/internal/handler"
	"outreach/internal/logging"
	"outreach/internal/middleware"
	"outreach/internal/queue"
	"outreach/internal/service"
)

const version = "1.0.0"

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", true)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.Log.Level, cfg.IsDevelopment()).With().Str("process", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open application")
	}
	defer a.Close()
	log.Info().Msg("connected to database")

	// Inline mode runs loops in this process; queue mode hands them to workers
	var (
		dispatcher service.Dispatcher
		runner     *service.Runner
		reaper     *service.Reaper
		conn       *queue.Connection
		publisher  *queue.Publisher
		queueURL   string
		activeRuns service.ActiveRuns
	)

	if cfg.UsesQueue() {
		queueURL = cfg.GetRabbitMQURL()
		conn, err = queue.NewConnection(queueURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		publisher, err = queue.NewPublisher(conn, cfg.RabbitMQ.Queue, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create publisher")
		}
		dispatcher = publisher
		log.Info().Str("queue", cfg.RabbitMQ.Queue).Msg("dispatching runs to workers")
	} else {
		runner = service.NewRunner(a.Executor, service.MaxConcurrentTasks, log)
		dispatcher = runner
		activeRuns = runner

		reaper, err = a.NewReaper(runner)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to schedule reaper")
		}
		reaper.Start()
		log.Info().Msg("running tasks in process")
	}

	tasks := service.NewTaskService(a.Tasks, a.Templates, a.Users, a.Groups, a.Messages,
		a.Renderer, a.Governor, dispatcher, a.Clock, log)
	health := service.NewHealthService(a.DB, queueURL, activeRuns, version)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(log, tasks, health),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("api server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	failed := false
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			failed = true
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if reaper != nil {
		reaper.Stop()
	}
	if runner != nil {
		if err := runner.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("runs did not finish before shutdown deadline")
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("close RabbitMQ connection")
		}
	}

	log.Info().Msg("api server stopped")
	if failed {
		a.Close()
		os.Exit(1)
	}
}

func newRouter(log zerolog.Logger, tasks handler.TaskService, health handler.HealthChecker) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger(log), middleware.Recovery)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", handler.NewHealthHandler(health).HandleHealth).Methods(http.MethodGet)
	handler.NewTaskHandler(tasks).Register(api)

	return router
}
