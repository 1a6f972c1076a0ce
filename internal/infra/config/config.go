package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	AMQPURL   string `envconfig:"AMQP_URL"`

	Digest struct {
		GranularityMinutes int    `envconfig:"DIGEST_GRANULARITY_MINUTES" default:"15"`
		APIToken           string `envconfig:"DIGEST_API_TOKEN"`
	} `envconfig:""`

	Google struct {
		ClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
		ClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	} `envconfig:""`

	Microsoft struct {
		ClientID     string `envconfig:"MS_CLIENT_ID"`
		ClientSecret string `envconfig:"MS_CLIENT_SECRET"`
	} `envconfig:""`

	CalDAV struct {
		// SecretKey — hex-кодированный 32-байтовый ключ secretbox для
		// расшифровки CalDAV-учёток.
		SecretKey string `envconfig:"CALDAV_SECRET_KEY"`
	} `envconfig:""`

	Twilio struct {
		AccountSID string        `envconfig:"TWILIO_ACCOUNT_SID"`
		AuthToken  string        `envconfig:"TWILIO_AUTH_TOKEN"`
		From       string        `envconfig:"TWILIO_FROM"`
		Timeout    time.Duration `envconfig:"TWILIO_TIMEOUT" default:"15s"`
	} `envconfig:""`

	SMTP struct {
		Host     string `envconfig:"SMTP_HOST"`
		Port     int    `envconfig:"SMTP_PORT" default:"587"`
		Username string `envconfig:"SMTP_USERNAME"`
		Password string `envconfig:"SMTP_PASSWORD"`
		From     string `envconfig:"SMTP_FROM"`
		OpsEmail string `envconfig:"OPS_EMAIL"`
	} `envconfig:""`

	Queues struct {
		Notifications string `envconfig:"NOTIFICATIONS_QUEUE" default:"digest_notifications"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
