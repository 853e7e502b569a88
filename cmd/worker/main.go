package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"outreach/internal/app"
	"outreach/internal/config"
	"outreach/internal/logging"
	"outreach/internal/queue"
	"outreach/internal/service"
)

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", true)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.Log.Level, cfg.IsDevelopment()).With().Str("process", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open application")
	}
	defer a.Close()
	log.Info().Msg("connected to database")

	conn, err := queue.NewConnection(cfg.GetRabbitMQURL(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer conn.Close()
	log.Info().Msg("connected to RabbitMQ")

	runner := service.NewRunner(a.Executor, service.MaxConcurrentTasks, log)

	reaper, err := a.NewReaper(runner)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule reaper")
	}
	reaper.Start()

	consumer, err := queue.NewConsumer(conn, cfg.RabbitMQ.Queue,
		app.JobHandler(runner, a.Tasks, a.Clock, log), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create consumer")
	}
	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start consumer")
	}
	log.Info().Str("queue", cfg.RabbitMQ.Queue).Int("max_runs", service.MaxConcurrentTasks).Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Stop taking jobs before cancelling the runs already in flight
	if err := consumer.Stop(); err != nil {
		log.Error().Err(err).Msg("stop consumer")
	}
	reaper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("runs did not finish before shutdown deadline")
	}

	log.Info().Msg("worker stopped")
}
