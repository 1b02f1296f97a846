package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"org-feedback/internal/domain"
)

var (
	LedgerOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Операции реестра по результату",
	}, []string{"operation", "result"})

	LedgerOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Длительность операций реестра",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	FeedbackRequestsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedback_requests_published_total",
		Help: "Опубликованные запросы обратной связи",
	})
	FeedbackRequestsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedback_requests_received_total",
		Help: "Полученные из подписки запросы обратной связи",
	})
	FeedbackRequestsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedback_requests_dropped_total",
		Help: "Отброшенные сообщения подписки",
	}, []string{"reason"})
	RequestStoreFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "request_store_fallbacks_total",
		Help: "Ответы из локального кэша вместо хранилища запросов",
	})

	TxRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_relayed_total",
		Help: "Ретранслированные транзакции по итогу",
	}, []string{"status"})
	TxReceiptWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tx_receipt_wait_seconds",
		Help:    "Ожидание квитанции транзакции",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	AuthLoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Попытки входа по подписи кошелька",
	}, []string{"status"})

	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		LedgerOperationsTotal,
		LedgerOperationDuration,
		FeedbackRequestsPublished,
		FeedbackRequestsReceived,
		FeedbackRequestsDropped,
		RequestStoreFallbacks,
		TxRelayedTotal,
		TxReceiptWaitSeconds,
		AuthLoginsTotal,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLedgerOperation записывает итог операции реестра; ошибки учитываются по виду.
func ObserveLedgerOperation(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	LedgerOperationsTotal.WithLabelValues(operation, result).Inc()
}
