package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/goliatone/go-sso"
)

type serverOptions struct {
	HTTPAddr    string `env:"SSO_HTTP_ADDR" envDefault:":8572"`
	MetricsAddr string `env:"SSO_METRICS_ADDR" envDefault:":9572"`
	DatabaseDSN string `env:"SSO_DATABASE_DSN" envDefault:"file:sso.db?cache=shared"`
	Debug       bool   `env:"SSO_DEBUG" envDefault:"false"`
}

type App struct {
	config  *sso.Config
	server  serverOptions
	bunDB   *bun.DB
	repo    sso.RepositoryManager
	srv     router.Server[*fiber.App]
	metrics *prometheus.Registry
	logger  *glog.BaseLogger
}

func (a *App) GetLogger(name string) sso.Logger {
	return printfLogger{logger: a.logger.GetLogger(name)}
}

// printfLogger bridges the structured glog logger to sso.Logger.
type printfLogger struct {
	logger glog.Logger
}

func (l printfLogger) Debug(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l printfLogger) Info(format string, args ...any)  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l printfLogger) Warn(format string, args ...any)  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l printfLogger) Error(format string, args ...any) { l.logger.Error(fmt.Sprintf(format, args...)) }

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("sso"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	app := &App{logger: lgr}
	log := app.GetLogger("app")

	if err := WithConfig(app); err != nil {
		log.Error("config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := WithPersistence(ctx, app); err != nil {
		log.Error("persistence: %v", err)
		os.Exit(1)
	}
	defer app.bunDB.Close()

	dispatcher := WithServices(app)

	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Error("outbox dispatcher: %v", err)
		}
	}()

	metricsSrv := &http.Server{
		Addr:              app.server.MetricsAddr,
		Handler:           metricsHandler(app.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics listening on %s", app.server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server: %v", err)
		}
	}()

	go func() {
		log.Info("sso listening on %s", app.server.HTTPAddr)
		if err := app.srv.Serve(app.server.HTTPAddr); err != nil {
			log.Error("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown: %v", err)
	}
}

func WithConfig(app *App) error {
	opts, err := sso.LoadOptionsFromEnv()
	if err != nil {
		return err
	}

	cfg, err := sso.NewConfig(opts)
	if err != nil {
		return err
	}

	if err := env.Parse(&app.server); err != nil {
		return err
	}

	app.config = cfg
	return nil
}

func WithPersistence(ctx context.Context, app *App) error {
	db, err := openDB(app.server.DatabaseDSN)
	if err != nil {
		return err
	}

	if err := sso.CreateSchema(ctx, db); err != nil {
		db.Close()
		return err
	}

	app.bunDB = db
	app.repo = sso.NewRepositoryManager(db)
	return app.repo.Validate()
}

// openDB picks the driver from the DSN scheme. Anything that is not a
// postgres URL is handed to sqlite.
func openDB(dsn string) (*bun.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func WithServices(app *App) *sso.OutboxDispatcher {
	metrics := sso.NewMetrics()
	app.metrics = prometheus.NewRegistry()
	app.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.MustRegister(app.metrics)

	activity := sso.LoggerActivitySink{Logger: app.GetLogger("activity")}

	propagator := sso.NewIdentityPropagator(app.config).
		WithLogger(app.GetLogger("propagator"))

	dispatcher := sso.NewOutboxDispatcher(app.repo.Outbox(), propagator, app.config).
		WithLogger(app.GetLogger("outbox")).
		WithMetrics(metrics).
		WithActivitySink(activity)

	authority := sso.NewAuthority(app.config, app.repo, sso.LogMailer{Logger: app.GetLogger("mailer")}).
		WithLogger(app.GetLogger("authority")).
		WithNotifier(dispatcher).
		WithMetrics(metrics).
		WithActivitySink(activity)

	controller := sso.NewHTTPController(authority, sso.HTTPConfig{
		Debug:        app.server.Debug,
		DebugInspect: app.config.DebugInspect(),
	}).WithLogger(app.GetLogger("http"))

	app.srv = router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:  true,
			StrictRouting: false,
			ErrorHandler:  errorHandler,
		}))
	})

	controller.RegisterRoutes(app.srv.Router())

	return dispatcher
}

// errorHandler keeps the JSON error shape for requests fiber rejects before
// reaching a handler.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) && fe.Code == fiber.StatusMethodNotAllowed {
		return c.Status(fe.Code).JSON(sso.ErrorBody{Error: sso.ErrorDetail{Type: "METHOD_NOT_ALLOWED"}})
	}
	return fiber.DefaultErrorHandler(c, err)
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
