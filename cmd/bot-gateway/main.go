package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"org-feedback/internal/adapters/bot"
	"org-feedback/internal/app"
	"org-feedback/internal/infra/config"
	httpinfra "org-feedback/internal/infra/http"
	"org-feedback/internal/infra/log"
	"org-feedback/internal/infra/metrics"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "bot-gateway", cfg.LogLevel)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("bot-gateway: TG_BOT_TOKEN обязателен")
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось открыть реестр")
	}
	defer backend.Close()

	session, err := app.OpenRequests(ctx, cfg, backend, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось открыть шину запросов")
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать бота")
	}

	h := bot.NewHandler(botAPI, logger.With().Str("component", "bot").Logger(), backend.Links, session, !cfg.Auth.Disabled)

	srv := httpinfra.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Msg("bot-gateway: запущен")
		return srv.Start(fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("bot-gateway: остановка")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("bot-gateway: остановлен с ошибкой")
	}
}
