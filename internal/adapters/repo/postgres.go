package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
)

// Postgres реализует репозитории пайплайна на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SubscriberRepo = (*Postgres)(nil)
	_ domain.ConnectionRepo = (*Postgres)(nil)
	_ domain.DeliveryRepo   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListDue реализует domain.SubscriberRepo: включённые и подписанные
// получатели с notify_on, равным бакету, вместе с профилем владельца и
// календарями через таблицу привязок.
func (p *Postgres) ListDue(ctx context.Context, bucket domain.TimeOfDay) ([]domain.Subscriber, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT s.id, s.owner_id, s.workspace_id, s.full_name, COALESCE(s.phone, ''), s.tz,
       to_char(s.notify_on, 'HH24:MI:SS'), s.event_window, s.opt_in, s.enabled,
       s.created_at, s.updated_at,
       o.name, o.email
FROM subscribers s
JOIN owners o ON o.id = s.owner_id
WHERE s.notify_on = $1::time AND s.opt_in AND s.enabled
ORDER BY s.id
`, string(bucket))
	metrics.ObserveNetworkRequest("postgres", "subscribers_due", "subscribers", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка подписчиков: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscriber
	for rows.Next() {
		var (
			s        domain.Subscriber
			notifyAt string
			window   string
		)
		if err := rows.Scan(
			&s.ID, &s.OwnerID, &s.WorkspaceID, &s.FullName, &s.Phone, &s.Timezone,
			&notifyAt, &window, &s.OptIn, &s.Enabled,
			&s.CreatedAt, &s.UpdatedAt,
			&s.Owner.Name, &s.Owner.Email,
		); err != nil {
			return nil, fmt.Errorf("чтение подписчика: %w", err)
		}
		s.NotifyAt = domain.TimeOfDay(notifyAt)
		s.EventWindow = domain.EventWindow(window)
		s.Owner.ID = s.OwnerID
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("обход подписчиков: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	if err := p.attachCalendars(ctx, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// attachCalendars догружает календари и их подключения для выборки
// подписчиков одним запросом.
func (p *Postgres) attachCalendars(ctx context.Context, subs []domain.Subscriber) error {
	ids := make([]int64, 0, len(subs))
	index := make(map[int64]*domain.Subscriber, len(subs))
	for i := range subs {
		ids = append(ids, subs[i].ID)
		index[subs[i].ID] = &subs[i]
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT sc.subscriber_id,
       c.id, c.owner_id, c.external_id, c.name, c.enabled,
       cn.id, cn.owner_id, cn.provider, cn.credential, cn.enabled, cn.invalid_reason,
       cn.created_at, cn.updated_at
FROM subscription_calendars sc
JOIN calendars c ON c.id = sc.calendar_id
JOIN connections cn ON cn.id = c.connection_id
WHERE sc.subscriber_id = ANY($1) AND c.enabled AND cn.enabled
ORDER BY c.id
`, ids)
	metrics.ObserveNetworkRequest("postgres", "subscriber_calendars", "calendars", start, err)
	if err != nil {
		return fmt.Errorf("выборка календарей: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			subscriberID  int64
			cal           domain.Calendar
			conn          domain.Connection
			credentialRaw []byte
			invalidReason sql.NullString
		)
		if err := rows.Scan(
			&subscriberID,
			&cal.ID, &cal.OwnerID, &cal.ExternalID, &cal.Name, &cal.Enabled,
			&conn.ID, &conn.OwnerID, &conn.Provider, &credentialRaw, &conn.Enabled, &invalidReason,
			&conn.CreatedAt, &conn.UpdatedAt,
		); err != nil {
			return fmt.Errorf("чтение календаря: %w", err)
		}
		if err := json.Unmarshal(credentialRaw, &conn.Credential); err != nil {
			return fmt.Errorf("разбор credential подключения %d: %w", conn.ID, err)
		}
		if invalidReason.Valid {
			reason := invalidReason.String
			conn.InvalidReason = &reason
		}
		cal.Connection = conn
		if sub, ok := index[subscriberID]; ok {
			sub.Calendars = append(sub.Calendars, cal)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("обход календарей: %w", err)
	}
	return nil
}

// UpdateCredential персистит обновлённый credential. Успешный рефреш
// означает, что подключение снова валидно.
func (p *Postgres) UpdateCredential(ctx context.Context, connectionID int64, cred domain.Credential) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE connections SET credential = $2, invalid_reason = NULL, updated_at = now()
WHERE id = $1
`, connectionID, payload)
	metrics.ObserveNetworkRequest("postgres", "connection_credential_update", "connections", start, err)
	if err != nil {
		return fmt.Errorf("обновление credential: %w", err)
	}
	return nil
}

// MarkInvalid помечает подключение невалидным. Запись не удаляется:
// владелец чинит подключение повторной авторизацией.
func (p *Postgres) MarkInvalid(ctx context.Context, connectionID int64, reason string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE connections SET invalid_reason = $2, updated_at = now()
WHERE id = $1
`, connectionID, reason)
	metrics.ObserveNetworkRequest("postgres", "connection_mark_invalid", "connections", start, err)
	if err != nil {
		return fmt.Errorf("пометка подключения: %w", err)
	}
	return nil
}

// Acquire резервирует слот доставки. Уникальность пары
// (subscriber_id, scheduled_for) защищает от двойной отправки при
// повторном вызове того же бакета.
func (p *Postgres) Acquire(ctx context.Context, subscriberID int64, scheduledFor time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO digest_dispatches (subscriber_id, scheduled_for)
VALUES ($1, $2)
ON CONFLICT (subscriber_id, scheduled_for) DO NOTHING
`, subscriberID, scheduledFor.UTC())
	metrics.ObserveNetworkRequest("postgres", "dispatch_acquire", "digest_dispatches", start, err)
	if err != nil {
		return false, fmt.Errorf("резерв слота: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Insert добавляет запись журнала доставки.
func (p *Postgres) Insert(ctx context.Context, entry domain.DeliveryLog) (domain.DeliveryLog, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO delivery_logs (owner_id, workspace_id, subscriber_id, external_id, body, segments, snapshot)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at
`, entry.OwnerID, entry.WorkspaceID, entry.SubscriberID, entry.ExternalID, entry.Body, entry.Segments, entry.Snapshot).
		Scan(&entry.ID, &entry.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "delivery_log_insert", "delivery_logs", start, err)
	if err != nil {
		return domain.DeliveryLog{}, fmt.Errorf("запись журнала: %w", err)
	}
	return entry, nil
}
