// Package app wires application components.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"deliveryd/internal/adapter/httpapi"
	"deliveryd/internal/adapter/renderer"
	"deliveryd/internal/config"
	"deliveryd/internal/delivery"
	"deliveryd/internal/delivery/email"
	"deliveryd/internal/delivery/slack"
	"deliveryd/internal/delivery/teams"
	"deliveryd/internal/engine"
	"deliveryd/internal/platform/httpclient"
	"deliveryd/internal/platform/logger"
	platformpg "deliveryd/internal/platform/pg"
	platformsqlite "deliveryd/internal/platform/sqlite"
	pgrepo "deliveryd/internal/repository/pg"
	sqliterepo "deliveryd/internal/repository/sqlite"
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "deliveryd",
	})
	return &App{cfg: cfg, log: log}, nil
}

// repository is the combined persistence surface both backends satisfy.
type repository interface {
	engine.Repository
	delivery.CredentialStore
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.log.Info("starting", slog.String("db_driver", a.cfg.DB.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository
	switch a.cfg.DB.Driver {
	case "postgres":
		if err := pgrepo.Migrate(a.cfg.DB.DSN); err != nil {
			return err
		}
		pool, err := platformpg.NewPool(ctx, a.cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo = pgrepo.NewRepository(pool, a.log)
	case "sqlite":
		db, err := platformsqlite.NewDB(ctx, a.cfg.DB.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := sqliterepo.Migrate(db); err != nil {
			return err
		}
		repo = sqliterepo.NewRepository(db, a.log)
	}

	render, err := renderer.New(a.cfg.Renderer.URL, a.log)
	if err != nil {
		return err
	}

	slackClient := slack.NewClient(a.log)
	directory := slack.NewDirectory(slackClient, repo, a.log)
	targets := []delivery.Target{
		slack.NewTarget(slackClient, directory, repo, a.log),
		email.NewTarget(email.Config{
			Host:     a.cfg.SMTP.Host,
			Port:     a.cfg.SMTP.Port,
			Username: a.cfg.SMTP.Username,
			Password: a.cfg.SMTP.Password,
			From:     a.cfg.SMTP.From,
		}, a.log),
		teams.NewTarget(httpclient.New(httpclient.WithLogger(a.log)), a.log),
	}

	registry := engine.NewRegistry(repo, a.log)
	runner := engine.NewRunner(repo, render, targets, engine.RunnerConfig{
		Workers:       a.cfg.Runner.Workers,
		QueueSize:     a.cfg.Runner.QueueSize,
		PollInterval:  a.cfg.Runner.PollInterval,
		MaxAttempts:   a.cfg.Runner.MaxAttempts,
		SendTimeout:   a.cfg.Runner.SendTimeout,
		RenderTimeout: a.cfg.Runner.RenderTimeout,
	}, a.log)
	runner.Start(ctx)
	tracker := engine.NewTracker(repo)

	api := httpapi.New(registry, runner, tracker, a.log)
	srv := &http.Server{
		Addr:    a.cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(api, a.log),
	}
	go func() {
		a.log.Info("http server listening", slog.String("addr", a.cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("server", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown", slog.Any("err", err))
	}
	runner.Wait()
	return nil
}
