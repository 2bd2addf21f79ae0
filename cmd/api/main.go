// Package main is the entry point for the messaging gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/backend"
	"github.com/capitalize-ai/messaging-core/internal/config"
	"github.com/capitalize-ai/messaging-core/internal/handler"
	natsclient "github.com/capitalize-ai/messaging-core/internal/nats"
	"github.com/capitalize-ai/messaging-core/internal/relay"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/session"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/tracing"
)

const serviceName = "messaging-core"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting messaging gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	db, err := backend.NewPostgres(ctx, cfg.DatabaseURL, log.Named("backend"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     serviceName,
	}, log.Named("nats"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsClient.Close()

	sessionCfg := cfg.Session()
	sessions := service.NewSessionService(func(userID string) *session.Session {
		return session.New(userID, sessionCfg, session.Deps{
			Backend: db.ForUser(userID),
			Users:   db,
			Bus:     natsClient,
			Subject: natsclient.UserSubject,
			Logger:  log.Named("session"),
		})
	}, log.Named("sessions"))
	defer sessions.Shutdown()

	relayDone := make(chan struct{})
	if cfg.RelayEnabled {
		r := relay.New(relay.Config{
			Source:    db,
			Resolver:  db,
			Publisher: natsClient,
			Channel:   cfg.RelayChannel,
			Timeout:   cfg.RequestTimeout,
			Logger:    log.Named("relay"),
		})
		go func() {
			defer close(relayDone)
			if err := r.Run(ctx); err != nil {
				log.Error("relay stopped", zap.Error(err))
			}
		}()
	} else {
		close(relayDone)
	}

	router := handler.NewRouter(handler.RouterConfig{
		Sessions:          sessions,
		DB:                db,
		Bus:               natsClient,
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		StreamHeartbeat:   cfg.StreamHeartbeat,
		Logger:            log.Named("http"),
	})

	// WriteTimeout stays 0 unless configured: SSE responses are long-lived.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Close sessions first so open SSE streams end and users go offline.
	sessions.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	<-relayDone
	if err := natsClient.Drain(); err != nil {
		log.Warn("failed to drain NATS connection", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
