package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rendezchat/rendez/chat/connection"
	"github.com/rendezchat/rendez/chat/pairing"
	"github.com/rendezchat/rendez/chat/queue"
	"github.com/rendezchat/rendez/chat/router"
	"github.com/rendezchat/rendez/chat/security"
	"github.com/rendezchat/rendez/chat/server"
	"github.com/rendezchat/rendez/chat/wire"
	"github.com/rendezchat/rendez/internal/version"
	"github.com/rendezchat/rendez/observability/prom"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := pflag.String("env-file", "", "optional .env file to load")
	port := pflag.Int("port", 0, "listen port (overrides PORT)")
	logLevel := pflag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.String(buildVersion, buildCommit, buildDate))
		return nil
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		lvl, err := parseLogLevel(*logLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.LogLevel,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(log)
	log.Info("starting rendezd", "version", buildVersion, "port", cfg.Port)

	clock := clockwork.NewRealClock()
	registry := prom.NewRegistry()
	obs := prom.NewChatObserver(registry)

	sec, err := security.New(security.Config{
		Clock:               clock,
		Logger:              log.With("component", "security"),
		Observer:            obs,
		TokenSecret:         []byte(cfg.JWTSecret),
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		BanDuration:         cfg.BanDuration,
		MessageLimit:        security.RateLimit{Limit: cfg.RateMessagesPerMinute, Window: time.Minute},
		SkipLimit:           security.RateLimit{Limit: cfg.RateSkipsPerMinute, Window: time.Minute},
		ReportLimit:         security.RateLimit{Limit: cfg.RateReportsPerHour, Window: time.Hour},
		MaxMessageLen:       cfg.MaxMessageLength,
		EncryptionKey:       []byte(cfg.EncryptionKey),
		CleanupInterval:     cfg.CleanupInterval,
	})
	if err != nil {
		return fmt.Errorf("security manager: %w", err)
	}
	defer sec.Close()

	queues, err := queue.New(queue.Config{
		Clock:           clock,
		Logger:          log.With("component", "queue"),
		Observer:        obs,
		MaxQueueSize:    cfg.MaxQueueSize,
		QueueTimeout:    cfg.QueueTimeout,
		SweepInterval:   cfg.CleanupInterval,
		PriorityEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("queue manager: %w", err)
	}
	defer queues.Close()

	pairs, err := pairing.New(pairing.Config{
		Clock:             clock,
		Logger:            log.With("component", "pairing"),
		Observer:          obs,
		ModeSwitchTimeout: cfg.ModeSwitchTimeout,
	})
	if err != nil {
		return fmt.Errorf("pairing manager: %w", err)
	}
	defer pairs.Close()

	// The router does not exist yet when the connection manager needs its
	// eviction hook, so bind it late through the pointer.
	var rt *router.Router
	conns, err := connection.New(connection.Config{
		Clock:             clock,
		Logger:            log.With("component", "connection"),
		Observer:          obs,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
		OnEvict: func(userID string) {
			if rt != nil {
				rt.Disconnect(userID)
				rt.NotifyUserCount()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("connection manager: %w", err)
	}
	defer conns.Close()

	rt = router.New(router.Config{
		Logger:            log.With("component", "router"),
		Observer:          obs,
		Constraints:       wire.Constraints{MaxFrameBytes: cfg.MaxMessageSize},
		ReportBanDuration: cfg.BanDuration,
	}, conns, queues, pairs, sec)

	srv := server.New(server.Config{
		Clock:          clock,
		Logger:         log.With("component", "server"),
		Observer:       obs,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxFrameBytes:  cfg.MaxMessageSize,
	}, conns, queues, pairs, sec, rt)

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.Handle("/metrics", prom.Handler(registry))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
