package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"famdigest/internal/adapters/providers"
	"famdigest/internal/adapters/repo"
	"famdigest/internal/adapters/sms"
	"famdigest/internal/domain"
	"famdigest/internal/infra/cache"
	"famdigest/internal/infra/config"
	"famdigest/internal/infra/db"
	httpinfra "famdigest/internal/infra/http"
	applog "famdigest/internal/infra/log"
	"famdigest/internal/infra/metrics"
	"famdigest/internal/infra/queue"
	"famdigest/internal/infra/secrets"
	"famdigest/internal/usecase/digest"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	notifications, err := queue.NewRabbitNotifications(cfg.AMQPURL, cfg.Queues.Notifications)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к очереди уведомлений")
	}
	defer notifications.Close()

	var onceCache domain.Cache
	if cfg.RedisAddr != "" {
		onceCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	registry := providers.NewRegistry()
	registry.Register(domain.ProviderGoogle, providers.NewGoogleFactory(providers.GoogleConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	}))
	o365Factory := providers.NewOffice365Factory(providers.Office365Config{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
	})
	registry.Register(domain.ProviderOffice365, o365Factory)
	registry.Register(domain.ProviderOutlook, o365Factory)
	if cfg.CalDAV.SecretKey != "" {
		box, err := secrets.NewBox(cfg.CalDAV.SecretKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: невалидный ключ CalDAV")
		}
		registry.Register(domain.ProviderApple, providers.NewCalDAVFactory(providers.CalDAVConfig{Box: box}))
	} else {
		logger.Warn().Msg("api: CALDAV_SECRET_KEY не задан, apple-подключения не обслуживаются")
	}

	messenger := sms.NewClient(sms.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		From:       cfg.Twilio.From,
		Timeout:    cfg.Twilio.Timeout,
	})

	granularity := time.Duration(cfg.Digest.GranularityMinutes) * time.Minute
	service := digest.NewService(
		repoAdapter, repoAdapter, repoAdapter,
		registry, messenger, notifications, onceCache,
		granularity, logger,
	)

	r := httpinfra.NewRouter()
	r.Group(func(protected chi.Router) {
		protected.Use(httpinfra.BearerAuthMiddleware(cfg.Digest.APIToken, logger))

		protected.Post("/digests", func(w http.ResponseWriter, req *http.Request) {
			report, err := service.Run(req.Context(), time.Now().UTC())
			if err != nil {
				logger.Error().Err(err).Msg("api: прогон дайджеста")
				httpinfra.WriteError(w, http.StatusInternalServerError, "digest run failed")
				return
			}
			logger.Info().
				Str("bucket", string(report.Bucket)).
				Int("subscribers", report.Subscribers).
				Int("sent", report.Sent).
				Msg("api: прогон завершён")
			httpinfra.WriteData(w, map[string]any{"ok": true})
		})

		protected.Post("/digests/dry-run", func(w http.ResponseWriter, req *http.Request) {
			defer req.Body.Close()
			var body struct {
				MockTime string `json:"mocktime"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err.Error() != "EOF" {
				httpinfra.WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			now := time.Now().UTC()
			if body.MockTime != "" {
				mock, err := time.Parse("15:04", body.MockTime)
				if err != nil {
					httpinfra.WriteError(w, http.StatusBadRequest, "mocktime must be HH:mm")
					return
				}
				now = time.Date(now.Year(), now.Month(), now.Day(), mock.Hour(), mock.Minute(), 0, 0, time.UTC)
			}
			bucket, previews, err := service.DryRun(req.Context(), now)
			if err != nil {
				logger.Error().Err(err).Msg("api: dry-run")
				httpinfra.WriteError(w, http.StatusInternalServerError, "dry run failed")
				return
			}
			httpinfra.WriteData(w, map[string]any{
				"ok":                 true,
				"roundedTime":        string(bucket),
				"subscriberMessages": previews,
			})
		})

		protected.Post("/opt-in-reminder", func(w http.ResponseWriter, req *http.Request) {
			// Напоминания об opt-in рассылает отдельный контур.
			httpinfra.WriteData(w, map[string]any{"ok": true})
		})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	metrics.StartServer(ctx, applog.NewLogger(cfg.AppEnv, "metrics"), ":9090")
	go func() {
		logger.Info().Msg("api: старт")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
