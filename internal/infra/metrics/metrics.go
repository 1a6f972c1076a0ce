package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	DigestBatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_batch_seconds",
		Help:    "Длительность полного прогона дайджеста",
		Buckets: prometheus.DefBuckets,
	})
	DigestsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digests_sent_total",
		Help: "Количество отправленных дайджестов",
	})
	DigestEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digest_events_total",
		Help: "Количество событий, попавших в дайджесты",
	})
	DigestDispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digest_dispatch_errors_total",
		Help: "Ошибки отправки дайджестов подписчикам",
	})
	ProviderFetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_fetch_errors_total",
		Help: "Ошибки выборки событий по провайдерам",
	}, []string{"provider"})
	ConnectionInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_invalidations_total",
		Help: "Подключения, помеченные невалидными",
	}, []string{"provider"})
	SMSSegmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sms_segments_total",
		Help: "Количество отправленных SMS-сегментов",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DigestBatchSeconds,
		DigestsSentTotal,
		DigestEventsTotal,
		DigestDispatchErrors,
		ProviderFetchErrors,
		ConnectionInvalidations,
		SMSSegmentsTotal,
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

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
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
