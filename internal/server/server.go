// Package server wires the mailguard components into a runnable HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/mailguard/internal/api"
	"github.com/vdavid/mailguard/internal/auth"
	"github.com/vdavid/mailguard/internal/config"
	"github.com/vdavid/mailguard/internal/crypto"
	"github.com/vdavid/mailguard/internal/db"
	"github.com/vdavid/mailguard/internal/dedup"
	"github.com/vdavid/mailguard/internal/extract"
	"github.com/vdavid/mailguard/internal/imap"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/monitor"
	"github.com/vdavid/mailguard/internal/notify"
	"github.com/vdavid/mailguard/internal/scan"
	ws "github.com/vdavid/mailguard/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// resumeConcurrency bounds how many mailboxes connect at once on startup.
const resumeConcurrency = 5

// App holds the long-lived components of the server.
type App struct {
	handler   http.Handler
	hub       *ws.Hub
	mailboxes *db.MailboxStore
	monitor   *monitor.Monitor
	pipeline  *scan.Pipeline
	ledger    *dedup.Ledger
	closers   []func()
	logger    *zap.Logger
}

// New wires storage, the scan pipeline, the monitor and the HTTP routes.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*App, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	a := &App{logger: logger}
	a.hub = ws.NewHub(10, logger)

	notifier, closers, err := newNotifier(ctx, cfg, a.hub, logger)
	if err != nil {
		return nil, err
	}
	a.closers = closers
	events := notify.NewEvents(notifier, logger)

	a.mailboxes = db.NewMailboxStore(pool, encryptor)
	a.pipeline = scan.NewPipeline(
		db.NewScanRecordStore(pool),
		events,
		extract.NewExtractor(logger),
		newScanner(cfg, logger),
		scan.Options{Workers: cfg.ScanWorkers, QueueSize: cfg.ScanQueueSize},
		logger,
	)
	a.ledger = dedup.NewLedger(cfg.DedupTTL)
	a.monitor = monitor.NewMonitor(
		a.mailboxes,
		imap.NewDialer(cfg.IMAPUseTLS, logger),
		a.ledger,
		a.pipeline,
		events,
		monitor.OptionsFromConfig(cfg),
		logger,
	)

	a.handler = newHandler(auth.NewTokenValidator(cfg.APITokens), a.hub, a.monitor, pool, logger)
	return a, nil
}

// Handler returns the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Mailboxes returns the mailbox store used by the monitor.
func (a *App) Mailboxes() *db.MailboxStore {
	return a.mailboxes
}

// Run serves HTTP on addr, resumes monitoring of active mailboxes and blocks until
// ctx is canceled or the listener fails. It then shuts everything down.
func (a *App) Run(ctx context.Context, addr string, grace time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("mailguard server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go resumeMonitoring(ctx, a.mailboxes, a.monitor, a.logger)

	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}

	return a.Shutdown(server, grace)
}

// newNotifier fans out to the WebSocket hub plus the optional Redis and RabbitMQ sinks.
func newNotifier(ctx context.Context, cfg *config.Config, hub *ws.Hub, logger *zap.Logger) (notify.Notifier, []func(), error) {
	notifiers := notify.Multi{hub}
	var closers []func()

	if cfg.RedisURL != "" {
		redisNotifier, err := notify.NewRedisNotifier(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, redisNotifier)
		closers = append(closers, func() { _ = redisNotifier.Close() })
		logger.Info("Publishing notifications to Redis")
	}

	if cfg.AMQPURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQPURL)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		notifiers = append(notifiers, amqpNotifier)
		closers = append(closers, amqpNotifier.Close)
		logger.Info("Publishing notifications to RabbitMQ", zap.String("exchange", notify.ExchangeName))
	}

	return notifiers, closers, nil
}

// newScanner enables each provider whose endpoint or key is configured.
func newScanner(cfg *config.Config, logger *zap.Logger) *scan.Scanner {
	var classifier scan.ContentClassifier
	if cfg.ClassifierURL != "" {
		classifier = scan.NewClassifierClient(cfg.ClassifierURL, cfg.ProviderTimeout, logger)
	}

	var checkers []scan.URLChecker
	if cfg.SafeBrowsingAPIKey != "" {
		checkers = append(checkers, scan.NewSafeBrowsingClient("", cfg.SafeBrowsingAPIKey, cfg.ProviderTimeout, logger))
	}
	if cfg.URLScanAPIKey != "" {
		checkers = append(checkers, scan.NewURLScanClient("", cfg.URLScanAPIKey, cfg.URLScanSettleDelay, cfg.ProviderTimeout, logger))
	}
	if classifier == nil && len(checkers) == 0 {
		logger.Warn("No risk-check provider configured, every message will score zero")
	}

	return scan.NewScanner(classifier, checkers, 0, logger)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// newHandler builds the HTTP routes.
func newHandler(validator *auth.TokenValidator, hub *ws.Hub, m api.MailboxMonitor, database pinger, logger *zap.Logger) http.Handler {
	requireAuth := auth.RequireAuth(validator, logger)
	wsHandler := api.NewWebSocketHandler(hub, validator, logger)
	monitorHandler := api.NewMonitorHandler(m, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/healthz", handleHealth(database))
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/v1/connections", requireAuth(http.HandlerFunc(monitorHandler.GetConnections)))
	mux.Handle("/api/v1/mailboxes/monitor", requireAuth(http.HandlerFunc(monitorHandler.HandleMonitor)))
	// WebSocket handler authenticates itself (browsers cannot set headers on WebSocket requests).
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailguard is running")
}

func handleHealth(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, "ok")
	}
}

type mailboxLister interface {
	ListActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error)
}

type mailboxStarter interface {
	StartMonitoring(ctx context.Context, mailbox, userID string) error
}

// resumeMonitoring starts every active mailbox after a restart. Failures are logged per mailbox.
func resumeMonitoring(ctx context.Context, lister mailboxLister, starter mailboxStarter, logger *zap.Logger) int {
	mailboxes, err := lister.ListActiveMailboxes(ctx)
	if err != nil {
		logger.Error("Failed to list active mailboxes", zap.Error(err))
		return 0
	}

	g := new(errgroup.Group)
	g.SetLimit(resumeConcurrency)
	started := make([]bool, len(mailboxes))
	for i, mb := range mailboxes {
		g.Go(func() error {
			if err := starter.StartMonitoring(ctx, mb.Email, mb.UserID); err != nil {
				logger.Warn("Failed to resume monitoring",
					zap.String("mailbox", mb.Email),
					zap.String("user_id", mb.UserID),
					zap.Error(err),
				)
				return nil
			}
			started[i] = true
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range started {
		if ok {
			count++
		}
	}
	logger.Info("Resumed mailbox monitoring", zap.Int("started", count), zap.Int("active", len(mailboxes)))
	return count
}

// Shutdown stops intake first, then the supervisors, then drains the pipeline.
// Each stage gets its own grace period.
func (a *App) Shutdown(server *http.Server, grace time.Duration) error {
	var errs []error
	stage := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Warn("Shutdown stage did not finish cleanly", zap.String("stage", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	stage("http", server.Shutdown)
	stage("monitor", a.monitor.Shutdown)
	stage("pipeline", a.pipeline.Shutdown)

	a.ledger.Close()
	a.hub.CloseAll()
	for _, c := range a.closers {
		c()
	}
	a.logger.Info("Server stopped")
	return errors.Join(errs...)
}
