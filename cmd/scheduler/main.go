package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"famdigest/internal/adapters/providers"
	"famdigest/internal/adapters/repo"
	"famdigest/internal/adapters/sms"
	"famdigest/internal/domain"
	"famdigest/internal/infra/cache"
	"famdigest/internal/infra/config"
	"famdigest/internal/infra/db"
	applog "famdigest/internal/infra/log"
	"famdigest/internal/infra/metrics"
	"famdigest/internal/infra/queue"
	"famdigest/internal/infra/secrets"
	"famdigest/internal/usecase/digest"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	notifications, err := queue.NewRabbitNotifications(cfg.AMQPURL, cfg.Queues.Notifications)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к очереди уведомлений")
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
			logger.Fatal().Err(err).Msg("scheduler: невалидный ключ CalDAV")
		}
		registry.Register(domain.ProviderApple, providers.NewCalDAVFactory(providers.CalDAVConfig{Box: box}))
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

	metrics.StartServer(ctx, applog.NewLogger(cfg.AppEnv, "metrics"), ":9090")

	// Тикаем раз в минуту и запускаем прогон на границе бакета. Двойной
	// вызов одного слота безопасен: отправка защищена резервом слота.
	var lastSlot time.Time
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.Info().Dur("granularity", granularity).Msg("scheduler: старт")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановка")
			return
		case now := <-ticker.C:
			slot := digest.BucketTime(now, granularity)
			if !slot.After(lastSlot) {
				continue
			}
			lastSlot = slot
			report, err := service.Run(ctx, now.UTC())
			if err != nil {
				logger.Error().Err(err).Msg("scheduler: прогон не выполнен")
				continue
			}
			if report.Subscribers > 0 {
				logger.Info().
					Str("bucket", string(report.Bucket)).
					Int("subscribers", report.Subscribers).
					Int("sent", report.Sent).
					Int("events", report.TotalEvents).
					Msg("scheduler: прогон завершён")
			}
		}
	}
}
