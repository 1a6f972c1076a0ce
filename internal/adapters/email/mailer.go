package email

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
)

// Config — параметры SMTP-отправителя.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// OpsEmail — адрес операционного канала для сводок прогонов.
	OpsEmail string
}

// Mailer доставляет сервисные уведомления по почте: владельцу — о
// сломанных календарях, в операционный канал — сводки прогонов.
type Mailer struct {
	cfg    Config
	client *mail.Client
}

// NewMailer создаёт отправитель.
func NewMailer(cfg Config) (*Mailer, error) {
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(15*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("создание smtp-клиента: %w", err)
	}
	return &Mailer{cfg: cfg, client: client}, nil
}

// Deliver отправляет одно уведомление. Уведомление без адресата
// игнорируется без ошибки: повторная доставка его не починит.
func (m *Mailer) Deliver(ctx context.Context, n domain.Notification) error {
	to, subject := m.route(n)
	if to == "" {
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("адрес отправителя: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("адрес получателя: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, n.Message)

	start := time.Now()
	err := m.client.DialAndSendWithContext(ctx, msg)
	metrics.ObserveNetworkRequest("smtp", "send", string(n.Type), start, err)
	if err != nil {
		return fmt.Errorf("отправка письма: %w", err)
	}
	return nil
}

func (m *Mailer) route(n domain.Notification) (to, subject string) {
	switch n.Type {
	case domain.NotifyBatchSummary:
		return m.cfg.OpsEmail, "Digest batch summary"
	case domain.NotifyConnectionFailure:
		subject = "Calendar connection needs attention"
		if n.CalendarName != "" {
			subject = fmt.Sprintf("Calendar %q needs attention", n.CalendarName)
		}
		return n.OwnerEmail, subject
	default:
		return n.OwnerEmail, "Notification"
	}
}
