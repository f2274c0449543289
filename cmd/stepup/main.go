package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/calant/stepup/internal/config"
	httpserver "github.com/calant/stepup/internal/http"
	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/auth"
	"github.com/calant/stepup/pkg/provider"
	"github.com/calant/stepup/pkg/session"
	"github.com/calant/stepup/pkg/store"
	"github.com/calant/stepup/pkg/totp"
	"github.com/calant/stepup/pkg/webauthn"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Derive the signing and sealing keys from the master secret
	keys, err := auth.DeriveKeys([]byte(cfg.MasterSecret))
	if err != nil {
		logger.Error("failed to derive keys", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := store.NewDB(store.DBConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("connected to database")

	// Identity provider client
	providerClient, err := provider.NewClient(provider.Config{
		BaseURL: cfg.ProviderURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
	})
	if err != nil {
		logger.Error("failed to create provider client", "error", err)
		os.Exit(1)
	}

	// WebAuthn verifier
	verifier, err := webauthn.NewVerifier(webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		ChallengeKey:  keys.Challenge,
	})
	if err != nil {
		logger.Error("failed to create webauthn verifier", "error", err)
		os.Exit(1)
	}

	// Services
	sessions := session.NewManager(session.Config{
		SigningKey: keys.Session,
		Issuer:     cfg.SessionIssuer,
		TTL:        cfg.SessionTTL,
	})
	factors := auth.NewFactorService(
		logger,
		keys.Sealing,
		store.NewFactorStore(db),
		totp.NewEngine(cfg.TOTPIssuer),
		verifier,
		providerClient,
	)

	cookieConfig := httputil.DefaultCookieConfig(cfg.SecureCookies)
	cookieConfig.Domain = cfg.CookieDomain

	// Create router
	router := httpserver.NewRouter(httpserver.RouterConfig{
		Logger:          logger,
		Provider:        providerClient,
		Factors:         factors,
		Sessions:        sessions,
		CookieConfig:    cookieConfig,
		AuthRateLimit:   cfg.AuthRateLimit,
		VerifyRateLimit: cfg.VerifyRateLimit,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
