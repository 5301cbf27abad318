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

	"github.com/signalix/keyserver/internal/auth"
	"github.com/signalix/keyserver/internal/config"
	"github.com/signalix/keyserver/internal/db"
	httphandler "github.com/signalix/keyserver/internal/http"
	"github.com/signalix/keyserver/internal/http/handlers"
	"github.com/signalix/keyserver/internal/keys"
	"github.com/signalix/keyserver/internal/middleware"
	"github.com/signalix/keyserver/internal/repo"
	"github.com/signalix/keyserver/internal/sms"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if migrate {
		if err := runMigrations(ctx, cfg.DatabaseURL, false, log); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer pool.Close()

	store := repo.NewStore(pool)

	var sender sms.Sender
	switch cfg.SMSProvider {
	case "sns":
		sender, err = sms.NewSNSSender(ctx, cfg.AWSRegion, cfg.SMSSenderID, log)
		if err != nil {
			return fmt.Errorf("failed to init sms: %w", err)
		}
	default:
		sender = sms.NewLogSender(log)
	}

	tokens := auth.NewTokenIssuer(cfg.JWTSecret)
	otp := auth.NewOTPEngine(store, sender, log, auth.OTPConfig{
		DevMode: cfg.DevMode,
		Hash:    auth.DefaultHashParams,
	})
	authService := auth.NewService(otp, tokens, cfg.SessionTTL, log)
	keyService := keys.NewService(store, tokens, cfg.DeviceTokenTTL, log)

	registerLimiter := middleware.NewRateLimiter(cfg.RegisterRateWindow, cfg.RegisterRateLimit)
	defer registerLimiter.Stop()

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Register:        handlers.NewRegisterHandler(authService, log),
		Keys:            handlers.NewKeysHandler(keyService, log),
		Messages:        handlers.NewMessagesHandler(store.Messages(), log),
		Tokens:          tokens,
		RegisterLimiter: registerLimiter,
		CORSOrigins:     cfg.CORSOrigins,
		Log:             log,
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.Port), zap.Bool("otp_dev_mode", cfg.DevMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}
