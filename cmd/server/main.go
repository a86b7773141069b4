package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailsink/backend/internal/auth"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/health"
	"mailsink/backend/internal/logger"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/pool"
	"mailsink/backend/internal/relay"
	"mailsink/backend/internal/service"
	"mailsink/backend/internal/smtp"
	"mailsink/backend/internal/storage/factory"
	httptransport "mailsink/backend/internal/transport/http"
	"mailsink/backend/internal/websocket"
)

const (
	version             = "1.0.0"
	sessionSweepPeriod  = 10 * time.Minute
	shutdownGracePeriod = 10 * time.Second
)

// main 启动同时包含 SMTP 接收与 HTTP API 的服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailsink server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := factory.Open(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()
	store := backend.Store

	metrics := monitoring.NewMetrics()

	registry := auth.NewRegistry(store, cfg.Auth, log)
	if err := registry.EnsureBootstrapAdmin(); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}

	settings := service.NewSettingsService(store, cfg.SMTP.AllowedDomains, log)
	if err := settings.EnsureInitialized(); err != nil {
		return fmt.Errorf("failed to initialize settings: %w", err)
	}

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, registry, metrics, log)

	ingest := service.NewIngestService(store, metrics, log)
	ingest.SetNotifier(wsHub)

	sender, err := relay.NewSender(ctx, cfg.Relay, log)
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}
	workers := pool.NewWorkerPool(cfg.Relay.Workers, cfg.Relay.QueueSize, log)
	dispatcher := relay.NewDispatcher(settings, sender, workers, metrics, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Registry:     registry,
		Query:        service.NewQueryService(store),
		Settings:     settings,
		Relay:        dispatcher,
		WebSocketHub: wsHub,
		Health:       health.NewChecker(store, log),
		Metrics:      metrics,
		Logger:       log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	smtpListener, err := smtp.Listen(cfg.SMTP, metrics, log)
	if err != nil {
		return fmt.Errorf("failed to listen for SMTP: %w", err)
	}
	smtpServer := smtp.NewServer(cfg.SMTP, smtp.NewBackend(settings, ingest, metrics, log))

	// 中继协程不跟随 ctx 退出，关闭时由 Stop 排空队列
	workers.Start(context.Background())

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", smtpListener.Addr().String()),
			zap.String("domain", cfg.SMTP.Domain),
			zap.Int("max_conns", cfg.SMTP.MaxConns),
		)
		if err := smtpServer.Serve(smtpListener); err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		backend.Run(groupCtx)
		return nil
	})

	// 定时清理过期会话
	group.Go(func() error {
		ticker := time.NewTicker(sessionSweepPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				count, err := registry.PurgeExpiredSessions()
				if err != nil {
					log.Error("failed to purge expired sessions", zap.Error(err))
				} else if count > 0 {
					log.Info("expired sessions purged", zap.Int("count", count))
				}
			}
		}
	})

	// 优雅关闭：先停 HTTP，再停 SMTP，最后排空中继队列
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown error", zap.Error(err))
		}
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
