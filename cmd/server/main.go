package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailbus/kernel/internal/config"
	"mailbus/kernel/internal/health"
	"mailbus/kernel/internal/logger"
	"mailbus/kernel/internal/mailbox"
	"mailbus/kernel/internal/monitoring"
	databaseprovider "mailbus/kernel/internal/provider/database"
	memoryprovider "mailbus/kernel/internal/provider/memory"
	redisprovider "mailbus/kernel/internal/provider/redis"
	smtpprovider "mailbus/kernel/internal/provider/smtp"
	httptransport "mailbus/kernel/internal/transport/http"
	"mailbus/kernel/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	mb := mailbox.New(mailbox.WithLogger(log))

	// 内存提供者始终注册
	bus := memoryprovider.NewBus(
		memoryprovider.WithLogger(log),
		memoryprovider.WithMetrics(metrics),
		memoryprovider.WithSweepInterval(cfg.Bus.SweepInterval),
		memoryprovider.WithPushWorkers(cfg.Bus.PushWorkers, cfg.Bus.PushQueueSize),
	)
	bus.Start(ctx)
	defer bus.Close()

	memProvider := memoryprovider.NewProvider(bus, memoryprovider.WithProviderMetrics(metrics))
	if err := mb.RegisterProvider(memProvider); err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		client, err := redisprovider.NewClient(&cfg.Redis, log)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		provider := redisprovider.NewProvider(client, log,
			redisprovider.WithKeyPrefix(cfg.Redis.KeyPrefix),
		)
		provider.Start(ctx)
		defer provider.Close()
		if err := mb.RegisterProvider(provider); err != nil {
			return err
		}
	}

	if cfg.Database.Enabled {
		db, err := databaseprovider.Open(&cfg.Database, log)
		if err != nil {
			return err
		}
		defer databaseprovider.Close(db, log)

		provider := databaseprovider.NewProvider(db, log,
			databaseprovider.WithPollInterval(cfg.Database.PollInterval),
		)
		provider.Start(ctx)
		defer provider.Close()
		if err := mb.RegisterProvider(provider); err != nil {
			return err
		}
	}

	if cfg.SMTP.Enabled {
		if err := mb.RegisterProvider(smtpprovider.NewProvider(&cfg.SMTP, log)); err != nil {
			return err
		}
	}

	checker := health.NewChecker(mb, log)
	hub := websocket.NewHub(mb, cfg.CORS.AllowedOrigins, log)
	defer hub.Close()

	router := httptransport.NewRouter(ctx, httptransport.RouterDependencies{
		Config:       cfg,
		Mailbox:      mb,
		Metrics:      metrics,
		Health:       checker,
		WebSocketHub: hub,
		Logger:       log,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http gateway listening",
			zap.String("addr", cfg.Server.Addr()),
			zap.Strings("protocols", registeredProtocols(mb)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func registeredProtocols(mb *mailbox.Mailbox) []string {
	providers := mb.Providers()
	protocols := make([]string, 0, len(providers))
	for protocol := range providers {
		protocols = append(protocols, protocol)
	}
	return protocols
}
