// Package server initializes and runs the vidstream server: it connects to
// Postgres and RabbitMQ, applies schema migrations, wires the lifecycle
// service to object storage and the task queue, and serves the HTTP API
// until interrupted.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/vidstream/internal/logging"
	"github.com/dmitrijs2005/vidstream/internal/server/auth"
	"github.com/dmitrijs2005/vidstream/internal/server/config"
	"github.com/dmitrijs2005/vidstream/internal/server/httpapi"
	"github.com/dmitrijs2005/vidstream/internal/server/queue"
	"github.com/dmitrijs2005/vidstream/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/vidstream/internal/server/services"
	"github.com/dmitrijs2005/vidstream/internal/server/storage"
)

type App struct {
	config *config.Config
	logger logging.Logger
}

func NewApp(c *config.Config) (*App, error) {

	slog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slog)

	return &App{config: c, logger: logger}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// connectDB opens the pool and waits for the database to accept connections.
func (app *App) connectDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", app.config.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			app.logger.Warn(ctx, "database not ready, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	return db, nil
}

// connectQueue dials the broker, retrying while it starts up.
func (app *App) connectQueue(ctx context.Context) (*queue.RabbitPublisher, error) {
	var publisher *queue.RabbitPublisher

	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := queue.NewRabbitPublisher(app.config.AMQPURL, app.config.ProcessingQueue)
		if err != nil {
			app.logger.Warn(ctx, "broker not ready, retrying", "error", err)
			return retry.RetryableError(err)
		}
		publisher = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("amqp connect error: %w", err)
	}

	return publisher, nil
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {

	db, err := app.connectDB(ctx)
	if err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return
	}
	defer db.Close()

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		app.logger.Error(ctx, "migration error", "error", err)
		cancelFunc()
		return
	}

	publisher, err := app.connectQueue(ctx)
	if err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return
	}
	defer publisher.Close()

	gateway := storage.NewS3Gateway(app.config)
	videoService := services.NewVideoService(db, rm, app.config, gateway, publisher, app.logger)
	verifier := auth.NewCallbackVerifier(app.config.CallbackSecret, app.config.CallbackMaxSkew)

	handler := httpapi.NewHandler(videoService, verifier, app.config, app.logger, db, publisher)
	srv := httpapi.NewHTTPServer(app.config.EndpointAddrHTTP, handler.Router(), app.logger)

	if err := srv.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

}
