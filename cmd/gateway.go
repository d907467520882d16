package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/wagate/internal/bus"
	"github.com/nextlevelbuilder/wagate/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wagate/internal/config"
	"github.com/nextlevelbuilder/wagate/internal/gateway"
	httpapi "github.com/nextlevelbuilder/wagate/internal/http"
	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/internal/qr"
	"github.com/nextlevelbuilder/wagate/internal/session"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

const (
	httpShutdownTimeout    = 5 * time.Second
	sessionShutdownTimeout = 10 * time.Second
)

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initOTelExporter(ctx, cfg)

	// An unreadable catalog is fatal: never serve against it.
	catalog := instance.NewCatalog(cfg.CatalogPath())
	if err := catalog.Load(); err != nil {
		slog.Error("failed to load instance catalog", "path", catalog.Path(), "error", err)
		os.Exit(1)
	}
	slog.Info("instance catalog loaded", "path", catalog.Path(), "instances", catalog.Len())

	eventBus := bus.New()
	var forwarder *bus.RedisForwarder
	if cfg.Events.RedisURL != "" {
		forwarder, err = bus.NewRedisForwarder(ctx, cfg.Events.RedisURL, cfg.Events.RedisChannel)
		if err != nil {
			slog.Warn("redis event fan-out disabled", "error", err)
		} else {
			forwarder.Attach(eventBus)
		}
	}

	dialer := whatsapp.NewDialer(whatsapp.DialerConfig{
		DeviceName: cfg.WhatsApp.DeviceName,
		LogLevel:   cfg.WhatsApp.LogLevel,
		Media: whatsapp.MediaConfig{
			MaxBytes:  cfg.MediaMaxBytes(),
			CacheSize: cfg.Media.CacheSize,
			CacheTTL:  cfg.MediaCacheTTL(),
		},
	})
	mgr := session.NewManager(catalog, dialer, qr.NewEncoder(0), cfg.SessionsDir(),
		session.WithEvents(eventBus),
		session.WithInitConcurrency(cfg.Startup.InitConcurrency),
		session.WithDialTimeout(cfg.ConnectTimeout()),
	)

	stream := gateway.NewEventStream(eventBus)
	api := httpapi.NewServer(mgr, httpapi.Options{
		Token:          cfg.Server.Token,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Events:         stream,
	})
	handler := api.Handler()

	if cfg.Server.Token == "" {
		slog.Warn("security.no_token", "msg", "server.token is empty; the API is unauthenticated")
	}

	watcher, err := config.NewWatcher(cfgPath)
	if err == nil {
		watcher.OnChange(func(next *config.Config) {
			api.SetToken(next.Server.Token)
			api.SetRateLimit(next.Server.RateLimitRPM, next.Server.RateLimitBurst)
			slog.Info("server settings reloaded", "rate_limit_rpm", next.Server.RateLimitRPM)
		})
		if err := watcher.Start(); err != nil {
			slog.Debug("config hot reload unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	go mgr.InitializeAll(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stopTailscale := initTailscale(ctx, cfg, handler)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("wagate listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	cancel()
	if stopTailscale != nil {
		stopTailscale()
	}

	eventBus.Publish(protocol.EventShutdown, nil)
	stream.Close()
	api.Close()

	sessCtx, cancel := context.WithTimeout(context.Background(), sessionShutdownTimeout)
	mgr.Shutdown(sessCtx)
	cancel()

	if forwarder != nil {
		forwarder.Stop(eventBus)
	}
	if shutdownTracing != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		shutdownTracing(flushCtx)
		cancel()
	}
	slog.Info("wagate stopped")
}
