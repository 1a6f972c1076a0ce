package domain

import (
	"context"
	"errors"
	"time"
)

// ErrAuthFailed сигнализирует о невосстановимой ошибке авторизации у
// провайдера: токен отозван, пароль CalDAV неверен и т.п.
var ErrAuthFailed = errors.New("provider auth failed")

// ErrProviderNotImplemented возвращается резолвером для неизвестного тега.
var ErrProviderNotImplemented = errors.New("provider not implemented")

// ProviderCalendar — календарь, как его перечисляет провайдер.
type ProviderCalendar struct {
	ExternalID string
	Name       string
	Primary    bool
}

// CalendarSession — открытая сессия к одному подключению провайдера.
// Сессия никогда не пишет в хранилище: обновлённые при рефреше токены
// отдаются наружу через CredentialUpdate, а персистит их вызывающий.
type CalendarSession interface {
	// Calendars перечисляет календари подключения.
	Calendars(ctx context.Context) ([]ProviderCalendar, error)
	// Events возвращает события календаря в окне [start, end).
	Events(ctx context.Context, calendarExternalID string, start, end time.Time) ([]CalendarEvent, error)
	// CredentialUpdate возвращает обновлённый credential, ожидающий
	// записи, или nil, если рефреша не было.
	CredentialUpdate() *Credential
}

// SessionFactory создаёт сессию для подключения.
type SessionFactory func(conn Connection) (CalendarSession, error)

// SessionResolver выбирает адаптер по тегу провайдера подключения.
type SessionResolver interface {
	Resolve(conn Connection) (CalendarSession, error)
}

// SubscriberRepo выбирает получателей дайджеста.
type SubscriberRepo interface {
	// ListDue возвращает включённых и подписанных получателей, чьё
	// notify_on совпадает с бакетом, вместе с профилем владельца и
	// привязанными календарями. Пустой результат — штатная ситуация.
	ListDue(ctx context.Context, bucket TimeOfDay) ([]Subscriber, error)
}

// ConnectionRepo управляет состоянием подключений.
type ConnectionRepo interface {
	// UpdateCredential персистит обновлённый credential подключения.
	UpdateCredential(ctx context.Context, connectionID int64, cred Credential) error
	// MarkInvalid помечает подключение невалидным с описанием причины.
	MarkInvalid(ctx context.Context, connectionID int64, reason string) error
}

// DeliveryRepo отвечает за журнал доставки и идемпотентность отправки.
type DeliveryRepo interface {
	// Acquire резервирует отправку подписчику на указанный слот и
	// возвращает true, если резерв создан. При конфликте — false без
	// ошибки: слот уже обслужен другим прогоном.
	Acquire(ctx context.Context, subscriberID int64, scheduledFor time.Time) (bool, error)
	// Insert добавляет запись журнала доставки.
	Insert(ctx context.Context, entry DeliveryLog) (DeliveryLog, error)
}

// Messenger — канал доставки сообщений подписчикам.
type Messenger interface {
	Send(ctx context.Context, to, body string) (DeliveryResult, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
