package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
)

const (
	googleAPIBase  = "https://www.googleapis.com/calendar/v3"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

// GoogleConfig — параметры приложения Google Calendar.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// BaseURL и TokenURL переопределяются в тестах.
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// NewGoogleFactory возвращает фабрику сессий Google Calendar.
func NewGoogleFactory(cfg GoogleConfig) domain.SessionFactory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = googleAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = googleTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return func(conn domain.Connection) (domain.CalendarSession, error) {
		if conn.Credential.OAuth == nil {
			return nil, fmt.Errorf("подключение %d: нет OAuth-токенов", conn.ID)
		}
		return &googleSession{
			oauth:      newOAuthState(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, *conn.Credential.OAuth),
			base:       strings.TrimRight(cfg.BaseURL, "/"),
			httpClient: cfg.HTTPClient,
		}, nil
	}
}

type googleSession struct {
	oauth      *oauthState
	base       string
	httpClient *http.Client
}

func (s *googleSession) CredentialUpdate() *domain.Credential {
	return s.oauth.update()
}

// Calendars перечисляет календари аккаунта.
func (s *googleSession) Calendars(ctx context.Context) ([]domain.ProviderCalendar, error) {
	var payload struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
			Primary bool   `json:"primary"`
		} `json:"items"`
	}
	if err := s.get(ctx, s.base+"/users/me/calendarList", "calendar_list", &payload); err != nil {
		return nil, err
	}
	calendars := make([]domain.ProviderCalendar, 0, len(payload.Items))
	for _, item := range payload.Items {
		calendars = append(calendars, domain.ProviderCalendar{
			ExternalID: item.ID,
			Name:       item.Summary,
			Primary:    item.Primary,
		})
	}
	return calendars, nil
}

// Events возвращает события календаря в окне [start, end). Повторяющиеся
// события разворачиваются в экземпляры на стороне провайдера.
func (s *googleSession) Events(ctx context.Context, calendarExternalID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	query := url.Values{}
	query.Set("timeMin", start.UTC().Format(time.RFC3339))
	query.Set("timeMax", end.UTC().Format(time.RFC3339))
	query.Set("singleEvents", "true")
	query.Set("orderBy", "startTime")
	query.Set("maxResults", "2500")

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", s.base, url.PathEscape(calendarExternalID), query.Encode())

	var payload struct {
		Items []googleEvent `json:"items"`
	}
	if err := s.get(ctx, endpoint, "calendar_events", &payload); err != nil {
		return nil, err
	}

	events := make([]domain.CalendarEvent, 0, len(payload.Items))
	for _, item := range payload.Items {
		if item.Status == "cancelled" {
			continue
		}
		ev, err := item.toEvent()
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *googleSession) get(ctx context.Context, endpoint, operation string, out any) error {
	token, err := s.oauth.accessToken(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	startedAt := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveNetworkRequest("google", operation, "calendar_api", startedAt, err)
	if err != nil {
		return fmt.Errorf("запрос к google: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("google ответил %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("google ответил %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа google: %w", err)
	}
	return nil
}

type googleEvent struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
}

type googleEventTime struct {
	Date     string `json:"date"`
	DateTime string `json:"dateTime"`
}

func (e googleEvent) toEvent() (domain.CalendarEvent, error) {
	allDay := e.Start.Date != ""
	start, err := e.Start.parse()
	if err != nil {
		return domain.CalendarEvent{}, err
	}
	end, err := e.End.parse()
	if err != nil {
		end = start
	}
	return domain.CalendarEvent{
		ID:          e.ID,
		Title:       e.Summary,
		Description: e.Description,
		Start:       start,
		End:         end,
		AllDay:      allDay,
	}, nil
}

func (t googleEventTime) parse() (time.Time, error) {
	if t.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", t.Date, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("разбор даты %q: %w", t.Date, err)
		}
		return parsed, nil
	}
	parsed, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("разбор времени %q: %w", t.DateTime, err)
	}
	return parsed.UTC(), nil
}
