// Package app builds and runs the backend: stores, protocol pipeline,
// websocket gateway, recovery scheduler, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/api"
	"github.com/glfleet/backend/internal/clock/system"
	"github.com/glfleet/backend/internal/config"
	"github.com/glfleet/backend/internal/gateway"
	"github.com/glfleet/backend/internal/heartbeat"
	"github.com/glfleet/backend/internal/jobs"
	"github.com/glfleet/backend/internal/logging"
	"github.com/glfleet/backend/internal/protocol"
	memstorage "github.com/glfleet/backend/internal/storage/memory"
	pgstorage "github.com/glfleet/backend/internal/storage/postgres"
	"github.com/glfleet/backend/internal/store"
)

// App holds the application's long-lived services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pgStore   *pgstorage.Store
	hub       *protocol.Hub
	handler   *protocol.Handler
	gateway   *gateway.Gateway
	monitor   *heartbeat.Monitor
	scheduler *jobs.Scheduler
	apiServer *api.Server
}

// Send implements protocol.Sender by delegating to the gateway. The
// indirection breaks the handler/gateway construction cycle; the gateway is
// assigned before any traffic flows.
func (a *App) Send(ctx context.Context, connID string, frame []byte) error {
	return a.gateway.Send(ctx, connID, frame)
}

// SendMessage implements jobs.Responder by delegating to the handler.
func (a *App) SendMessage(ctx context.Context, connID string, msg protocol.Message) error {
	return a.handler.SendMessage(ctx, connID, msg)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	clk := system.New()

	var (
		jobStore   store.JobStore
		areaStore  store.AreaStore
		tokenStore store.TokenStore
		pinger     api.Pinger
	)
	if cfg.DB.DSN != "" {
		pg, err := pgstorage.New(ctx, pgstorage.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: cfg.DB.ConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		app.pgStore = pg
		jobStore, areaStore, tokenStore, pinger = pg, pg, pg, pg
		logger.Info("postgres store initialized")
	} else {
		mem := memstorage.NewStore()
		jobStore, areaStore, tokenStore = mem, mem, mem
		logger.Warn("no db.dsn configured, using in-memory stores")
	}

	manager := jobs.NewManager(jobs.ManagerConfig{
		DiscoveryCooldown: cfg.DiscoveryCooldown(),
	}, jobStore, areaStore, clk, logger.Named("jobs"))
	tracker := jobs.NewTracker(jobStore, clk, logger.Named("progress"))

	app.monitor = heartbeat.NewMonitor(heartbeat.Config{
		CheckInterval: cfg.HeartbeatCheckInterval(),
		Timeout:       cfg.HeartbeatTimeout(),
		MaxMissed:     cfg.Heartbeat.MaxMissed,
	}, clk, func(connID string) {
		app.gateway.Disconnect(connID)
	}, logger.Named("heartbeat"))

	router := jobs.NewRouter(manager, tracker, jobStore, tokenStore, app, clk, logger.Named("router"))
	app.hub = protocol.NewHub(protocol.HubConfig{
		Logger: logger.Named("hub"),
	}, router, app.monitor)

	app.handler = protocol.NewHandler(protocol.HandlerConfig{
		FrameCapacity:        cfg.Protocol.FrameBufferBytes,
		MaxFrameBytes:        cfg.Protocol.MaxFrameBytes,
		MaxMessageBytes:      cfg.Protocol.MaxMessageBytes,
		HeartbeatMinInterval: cfg.Protocol.HeartbeatMinInterval(),
	}, app.hub, app, clk, logger.Named("protocol"))

	app.gateway = gateway.New(app.handler, app.monitor, logger.Named("gateway"))

	recovery := jobs.NewRecovery(jobs.RecoveryConfig{
		FailedBatchSize: cfg.Recovery.FailedBatchSize,
		StuckBatchSize:  cfg.Recovery.StuckBatchSize,
		StuckThreshold:  cfg.StuckThreshold(),
	}, jobStore, tokenStore, clk, logger.Named("recovery"))
	app.scheduler = jobs.NewScheduler(jobs.SchedulerConfig{
		StartupGrace: cfg.StartupGrace(),
		Interval:     cfg.RecoveryInterval(),
	}, recovery, logger.Named("scheduler"))

	app.apiServer = api.NewServer(
		jobStore, manager, recovery, app.handler, app.monitor,
		pinger, clk, cfg, logger.Named("api"),
	)
	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.monitor.Start()
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/worker", a.gateway.ServeWorker)
	mux.Handle("/", a.apiServer.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.scheduler.Stop()
	a.monitor.Stop()
	a.gateway.Close()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("event hub close failed", zap.Error(err))
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
