// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amkt/courier/internal/config"
	"github.com/amkt/courier/internal/messaging"
	"github.com/amkt/courier/internal/messaging/rabbit"
	"github.com/amkt/courier/internal/notifier"
	"github.com/amkt/courier/internal/notifier/slack"
	"github.com/amkt/courier/internal/pkg/ctxlog"
	"github.com/amkt/courier/internal/pkg/httputil"
	"github.com/amkt/courier/internal/pkg/metrics"
	"github.com/amkt/courier/internal/pkg/postgres"
	reservationpostgres "github.com/amkt/courier/internal/reservation/postgres"
	"github.com/amkt/courier/internal/scheduler"
	"github.com/amkt/courier/internal/sender/kakao"
	"github.com/amkt/courier/internal/sender/sms"
	"github.com/amkt/courier/internal/stats"
	"github.com/amkt/courier/internal/version"
	"github.com/amkt/courier/migrations"
)

// App represents the application instance: the dispatch scheduler, the
// delivery consumers, and the operational HTTP servers.
type App struct {
	config *config.Config
	logger *slog.Logger

	db         *pgxpool.Pool
	repo       *reservationpostgres.Repository
	broker     *amqp.Connection
	publishers []*rabbit.Publisher

	scheduler  *scheduler.Scheduler
	consumer   *rabbit.Consumer
	dlqHandler *rabbit.DeadLetterHandler
	stats      *stats.Recorder

	server        *http.Server
	metricsServer *http.Server

	bgCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.DSN(),
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := postgres.Migrate(db, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	broker, err := rabbit.Connect(connectCtx, rabbit.Config{
		URL:             cfg.Rabbit.URL,
		ConnectAttempts: cfg.Rabbit.ConnectAttempts,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	app := &App{config: cfg, logger: logger, db: db, broker: broker}
	if err := app.wire(); err != nil {
		broker.Close()
		db.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire() error {
	cfg := a.config

	ch, err := a.broker.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	if err := rabbit.DeclareTopology(ch); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare topology: %w", err)
	}
	_ = ch.Close()

	senders, err := buildSenders(cfg.Senders)
	if err != nil {
		return err
	}
	registry := messaging.NewRegistry(senders...)

	ntf, err := buildNotifier(cfg.Slack)
	if err != nil {
		return err
	}

	a.stats = stats.NewRecorder(ntf, cfg.Stats.FlushInterval)

	a.repo = reservationpostgres.NewRepository(a.db)

	// Channels are not safe for concurrent publishers, so the scheduler and
	// the processor each get their own.
	schedulerPub, err := rabbit.NewPublisher(a.broker)
	if err != nil {
		return fmt.Errorf("create scheduler publisher: %w", err)
	}
	processorPub, err := rabbit.NewPublisher(a.broker)
	if err != nil {
		_ = schedulerPub.Close()
		return fmt.Errorf("create processor publisher: %w", err)
	}
	a.publishers = []*rabbit.Publisher{schedulerPub, processorPub}

	processor := messaging.NewProcessor(registry, a.repo, processorPub, a.stats)

	rabbitCfg := rabbit.Config{
		URL:             cfg.Rabbit.URL,
		Prefetch:        cfg.Rabbit.Prefetch,
		ConsumerWorkers: cfg.Rabbit.ConsumerWorkers,
	}
	a.consumer = rabbit.NewConsumer(a.broker, processor, rabbitCfg)
	a.dlqHandler = rabbit.NewDeadLetterHandler(a.broker, ntf)

	a.scheduler = scheduler.New(scheduler.Config{
		Interval:         cfg.Scheduler.Interval,
		BatchSize:        cfg.Scheduler.BatchSize,
		WatchdogInterval: cfg.Scheduler.WatchdogInterval,
		WatchdogGrace:    cfg.Scheduler.WatchdogGrace,
	}, a.repo, schedulerPub)

	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.setupRouter(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return nil
}

func buildSenders(cfg config.SendersConfig) ([]messaging.Sender, error) {
	var senders []messaging.Sender

	if cfg.SMS.GatewayURL != "" {
		s, err := sms.NewSender(sms.Config{
			GatewayURL: cfg.SMS.GatewayURL,
			AuthKey:    cfg.SMS.AuthKey,
			Timeout:    cfg.SMS.Timeout,
			RateLimit:  cfg.SMS.RateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms sender: %w", err)
		}
		senders = append(senders, s)
	} else {
		slog.Warn("sms sender is disabled: SMS reservations will be dead-lettered")
	}

	if cfg.Kakao.GatewayURL != "" {
		s, err := kakao.NewSender(kakao.Config{
			GatewayURL:  cfg.Kakao.GatewayURL,
			SenderKey:   cfg.Kakao.SenderKey,
			AuthToken:   cfg.Kakao.AuthToken,
			Timeout:     cfg.Kakao.Timeout,
			RateLimit:   cfg.Kakao.RateLimit,
			SMSFallback: cfg.Kakao.SMSFallback,
		})
		if err != nil {
			return nil, fmt.Errorf("create kakao sender: %w", err)
		}
		senders = append(senders, s)
	} else {
		slog.Warn("kakao sender is disabled: KAKAO reservations will be dead-lettered")
	}

	return senders, nil
}

func buildNotifier(cfg config.SlackConfig) (notifier.Notifier, error) {
	if cfg.WebhookURL == "" {
		slog.Warn("slack notifier is disabled: delivery reports and dead-letter alerts will not be sent")
		return notifier.NewNoop(), nil
	}
	return slack.NewNotifier(slack.Config{
		WebhookURL: cfg.WebhookURL,
		Timeout:    cfg.Timeout,
	})
}

// Run starts the pipeline and the HTTP servers. It blocks until the main
// server stops.
func (a *App) Run() error {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	a.bgCancel = bgCancel

	go a.collectDBMetrics(bgCtx)
	go a.collectReservationMetrics(bgCtx)

	a.stats.Start(bgCtx)

	if err := a.consumer.Start(bgCtx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	if err := a.dlqHandler.Start(bgCtx); err != nil {
		return fmt.Errorf("start dead-letter handler: %w", err)
	}
	a.scheduler.Start(bgCtx)

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server", "addr", a.config.Server.MetricsAddr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server", "addr", a.config.Server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the pipeline: first the producers, then the
// consumers, then the stats flush, then the servers and connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.scheduler.Stop()
	a.consumer.Stop()
	a.dlqHandler.Stop()
	a.stats.Stop()

	if a.bgCancel != nil {
		a.bgCancel()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	for _, p := range a.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if err := a.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker connection: %w", err))
	}
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectReservationMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts, err := a.repo.CountByStatus(ctx)
			if err != nil {
				slog.Error("failed to count reservations", "error", err)
				continue
			}
			byStatus := make(map[string]int64, len(counts))
			for status, count := range counts {
				byStatus[string(status)] = count
			}
			metrics.RecordReservationStats(byStatus)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.broker.IsClosed() {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", "broker connection closed")
		httputil.Text(w, http.StatusServiceUnavailable, "Broker unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
