// Package main запускает HTTP-сервер сервиса prescelto.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/prescelto-market/internal/auth"
	"github.com/mmeshcher/prescelto-market/internal/config"
	"github.com/mmeshcher/prescelto-market/internal/handler"
	"github.com/mmeshcher/prescelto-market/internal/middleware"
	"github.com/mmeshcher/prescelto-market/internal/referral"
	"github.com/mmeshcher/prescelto-market/internal/repository"
	"github.com/mmeshcher/prescelto-market/internal/service"
)

// store объединяет хранилище профилей и хранилище паролей локального провайдера.
type store interface {
	service.Repository
	auth.CredentialStore
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			sugar.Warnw("failed to load .env", "error", err.Error())
		}
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := newStore(cfg, logger)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	var provider auth.Provider
	if cfg.AuthProviderURL != "" {
		provider = auth.NewRemoteProvider(cfg.AuthProviderURL, cfg.AuthProviderKey, logger)
		sugar.Infow("using external auth provider", "url", cfg.AuthProviderURL)
	} else {
		provider = auth.NewLocalProvider(repo)
		sugar.Info("using local auth provider")
	}

	codes, err := referral.NewGenerator()
	if err != nil {
		sugar.Fatalw("referral code generator error", "error", err.Error())
	}

	svc := service.NewService(repo, provider, codes, logger, cfg.ReferralTimeout)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting prescelto server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newStore(cfg *config.Config, logger *zap.Logger) (store, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
