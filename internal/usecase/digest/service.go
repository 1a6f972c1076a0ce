package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
)

// Повторное уведомление об одном и том же сломанном календаре
// подавляется на сутки — до следующего естественного прогона.
const connFailureNotifyTTL = 24 * time.Hour

// Service реализует пайплайн построения и доставки дайджестов.
type Service struct {
	subscribers domain.SubscriberRepo
	connections domain.ConnectionRepo
	deliveries  domain.DeliveryRepo
	resolver    domain.SessionResolver
	messenger   domain.Messenger
	notifier    domain.Notifier
	cache       domain.Cache
	granularity time.Duration
	log         zerolog.Logger
}

// NewService создаёт сервис. Все зависимости передаются явно.
func NewService(
	subscribers domain.SubscriberRepo,
	connections domain.ConnectionRepo,
	deliveries domain.DeliveryRepo,
	resolver domain.SessionResolver,
	messenger domain.Messenger,
	notifier domain.Notifier,
	cache domain.Cache,
	granularity time.Duration,
	logger zerolog.Logger,
) *Service {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return &Service{
		subscribers: subscribers,
		connections: connections,
		deliveries:  deliveries,
		resolver:    resolver,
		messenger:   messenger,
		notifier:    notifier,
		cache:       cache,
		granularity: granularity,
		log:         logger,
	}
}

// Run выполняет один прогон: выбирает получателей текущего бакета,
// собирает события, строит и отправляет сообщения. Ошибка отдельного
// подписчика или календаря не прерывает прогон; ошибка выборки — прерывает.
func (s *Service) Run(ctx context.Context, now time.Time) (domain.BatchReport, error) {
	start := time.Now()
	defer func() { metrics.DigestBatchSeconds.Observe(time.Since(start).Seconds()) }()

	slot := BucketTime(now, s.granularity)
	bucket := BucketFor(now, s.granularity)
	report := domain.BatchReport{Bucket: bucket}

	subs, err := s.subscribers.ListDue(ctx, bucket)
	if err != nil {
		return report, fmt.Errorf("выборка получателей: %w", err)
	}
	report.Subscribers = len(subs)

	for _, sub := range subs {
		events := s.collectEvents(ctx, sub, now, false)
		body := ComposeMessage(sub, events, now)
		if s.dispatch(ctx, sub, body, events, slot) {
			report.Sent++
			report.TotalEvents += len(events)
		}
	}

	if len(subs) > 0 {
		s.reportBatch(ctx, report)
	}
	return report, nil
}

// DryRun строит сообщения без отправки и без записей в журнал. Ошибки
// выборки событий молча проглатываются: это инструмент предпросмотра.
func (s *Service) DryRun(ctx context.Context, now time.Time) (domain.TimeOfDay, []domain.PreviewMessage, error) {
	bucket := BucketFor(now, s.granularity)
	subs, err := s.subscribers.ListDue(ctx, bucket)
	if err != nil {
		return bucket, nil, fmt.Errorf("выборка получателей: %w", err)
	}
	previews := make([]domain.PreviewMessage, 0, len(subs))
	for _, sub := range subs {
		events := s.collectEvents(ctx, sub, now, true)
		previews = append(previews, domain.PreviewMessage{
			Phone:   sub.Phone,
			Message: ComposeMessage(sub, events, now),
		})
	}
	return bucket, previews, nil
}

// collectEvents обходит календари подписчика. Каждый календарь — свой
// домен отказа: сломанный не выбивает события соседей.
func (s *Service) collectEvents(ctx context.Context, sub domain.Subscriber, now time.Time, dryRun bool) []domain.CalendarEvent {
	winStart, winEnd := DayWindow(now, sub.EventWindow)

	var events []domain.CalendarEvent
	for _, cal := range sub.Calendars {
		session, err := s.resolver.Resolve(cal.Connection)
		if err != nil {
			s.log.Error().Err(err).Int64("calendar", cal.ID).Str("provider", string(cal.Connection.Provider)).Msg("резолв провайдера")
			if !dryRun {
				s.notifyCalendarFailure(ctx, sub, cal, err)
			}
			continue
		}

		fetched, err := session.Events(ctx, cal.ExternalID, winStart, winEnd)

		// Рефреш токена — событие, которое персистит вызывающий, а не
		// адаптер. Сохраняем и при ошибке выборки: ротация refresh-токена
		// могла пройти до неё.
		if upd := session.CredentialUpdate(); upd != nil {
			if perr := s.connections.UpdateCredential(ctx, cal.Connection.ID, *upd); perr != nil {
				s.log.Error().Err(perr).Int64("connection", cal.Connection.ID).Msg("сохранение обновлённого токена")
			}
		}

		if err != nil {
			metrics.ProviderFetchErrors.WithLabelValues(string(cal.Connection.Provider)).Inc()
			s.log.Warn().Err(err).Int64("calendar", cal.ID).Msg("выборка событий")
			if dryRun {
				continue
			}
			if errors.Is(err, domain.ErrAuthFailed) {
				metrics.ConnectionInvalidations.WithLabelValues(string(cal.Connection.Provider)).Inc()
				if merr := s.connections.MarkInvalid(ctx, cal.Connection.ID, err.Error()); merr != nil {
					s.log.Error().Err(merr).Int64("connection", cal.Connection.ID).Msg("пометка подключения невалидным")
				}
			}
			s.notifyCalendarFailure(ctx, sub, cal, err)
			continue
		}
		events = append(events, fetched...)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events
}

// dispatch отправляет сообщение и пишет журнал доставки. Возвращает true
// только при состоявшейся отправке.
func (s *Service) dispatch(ctx context.Context, sub domain.Subscriber, body string, events []domain.CalendarEvent, slot time.Time) bool {
	// Подписчик без телефона валиден: собирается и превьюится, но не
	// получает отправку.
	if sub.Phone == "" {
		return false
	}

	acquired, err := s.deliveries.Acquire(ctx, sub.ID, slot)
	if err != nil {
		s.log.Error().Err(err).Int64("subscriber", sub.ID).Msg("резерв слота доставки")
		return false
	}
	if !acquired {
		s.log.Info().Int64("subscriber", sub.ID).Time("slot", slot).Msg("слот уже обслужен, пропускаем")
		return false
	}

	res, err := s.messenger.Send(ctx, sub.Phone, body)
	if err != nil {
		metrics.DigestDispatchErrors.Inc()
		s.log.Error().Err(err).Int64("subscriber", sub.ID).Msg("отправка дайджеста")
		return false
	}

	snapshot, err := json.Marshal(struct {
		Response json.RawMessage        `json:"response"`
		Events   []domain.CalendarEvent `json:"events"`
	}{Response: res.Raw, Events: events})
	if err != nil {
		snapshot = nil
	}

	if _, err := s.deliveries.Insert(ctx, domain.DeliveryLog{
		OwnerID:      sub.OwnerID,
		WorkspaceID:  sub.WorkspaceID,
		SubscriberID: sub.ID,
		ExternalID:   res.ExternalID,
		Body:         body,
		Segments:     res.Segments,
		Snapshot:     snapshot,
	}); err != nil {
		s.log.Error().Err(err).Int64("subscriber", sub.ID).Msg("запись журнала доставки")
	}

	metrics.DigestsSentTotal.Inc()
	metrics.DigestEventsTotal.Add(float64(len(events)))
	metrics.SMSSegmentsTotal.Add(float64(res.Segments))
	return true
}

// notifyCalendarFailure адресует уведомление владельцу, не подписчику.
func (s *Service) notifyCalendarFailure(ctx context.Context, sub domain.Subscriber, cal domain.Calendar, cause error) {
	send := func() error {
		return s.notifier.Notify(ctx, domain.Notification{
			Key:          uuid.NewString(),
			Type:         domain.NotifyConnectionFailure,
			OwnerID:      sub.OwnerID,
			OwnerEmail:   sub.Owner.Email,
			SubscriberID: sub.ID,
			CalendarID:   cal.ID,
			CalendarName: cal.Name,
			Message:      fmt.Sprintf("Calendar %q (%s) could not be read: %v", cal.Name, cal.Connection.Provider, cause),
		})
	}

	var err error
	if s.cache != nil {
		key := fmt.Sprintf("notify:connfail:%d", cal.ID)
		err = s.cache.Once(ctx, key, connFailureNotifyTTL, send)
	} else {
		err = send()
	}
	if err != nil {
		s.log.Error().Err(err).Int64("calendar", cal.ID).Msg("уведомление о сломанном календаре")
	}
}

func (s *Service) reportBatch(ctx context.Context, report domain.BatchReport) {
	err := s.notifier.Notify(ctx, domain.Notification{
		Key:  uuid.NewString(),
		Type: domain.NotifyBatchSummary,
		Message: fmt.Sprintf("Digest batch %s: sent %d of %d subscribers, %d events",
			report.Bucket, report.Sent, report.Subscribers, report.TotalEvents),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("сводка прогона")
	}
}
