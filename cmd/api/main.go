package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"org-feedback/internal/adapters/httpapi"
	"org-feedback/internal/app"
	"org-feedback/internal/infra/config"
	httpinfra "org-feedback/internal/infra/http"
	"org-feedback/internal/infra/log"
	"org-feedback/internal/infra/metrics"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "api", cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Ledger.Backend).Msg("api: не удалось открыть реестр")
	}
	defer backend.Close()

	session, err := app.OpenRequests(ctx, cfg, backend, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("bus", cfg.Requests.Bus).Msg("api: не удалось открыть шину запросов")
	}

	var auth *httpinfra.Authenticator
	if cfg.Auth.Disabled {
		logger.Warn().Msg("api: проверка подписи отключена, вызывающий берётся из " + httpinfra.WalletHeader)
	} else {
		secret := cfg.Auth.JWTSecret
		if secret == "" {
			secret = "dev-secret"
			logger.Warn().Msg("api: AUTH_JWT_SECRET не задан, используется dev-секрет")
		}
		auth, err = httpinfra.NewAuthenticator(secret, cfg.Auth.TokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось создать аутентификатор")
		}
	}

	srv := httpinfra.NewServer(logger)
	httpapi.New(httpapi.Deps{
		Reader:    backend.Reader,
		Writer:    backend.Writer,
		Relay:     backend.Relay,
		Requests:  session,
		Auth:      auth,
		Analytics: backend.Analytics,
		Logger:    logger.With().Str("component", "httpapi").Logger(),
	}).Mount(srv.Router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Int("port", cfg.Port).
			Str("backend", cfg.Ledger.Backend).
			Str("bus", cfg.Requests.Bus).
			Msg("api: старт")
		return srv.Start(fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("api: остановка")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api: сервер остановлен с ошибкой")
	}
}
