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
	graphAPIBase      = "https://graph.microsoft.com/v1.0"
	microsoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// Office365Config — параметры приложения Microsoft identity platform.
type Office365Config struct {
	ClientID     string
	ClientSecret string
	// BaseURL и TokenURL переопределяются в тестах.
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// NewOffice365Factory возвращает фабрику сессий Microsoft Graph. Тег
// outlook обслуживается той же фабрикой.
func NewOffice365Factory(cfg Office365Config) domain.SessionFactory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = graphAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = microsoftTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return func(conn domain.Connection) (domain.CalendarSession, error) {
		if conn.Credential.OAuth == nil {
			return nil, fmt.Errorf("подключение %d: нет OAuth-токенов", conn.ID)
		}
		return &graphSession{
			oauth:      newOAuthState(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, *conn.Credential.OAuth),
			base:       strings.TrimRight(cfg.BaseURL, "/"),
			httpClient: cfg.HTTPClient,
		}, nil
	}
}

type graphSession struct {
	oauth      *oauthState
	base       string
	httpClient *http.Client
}

func (s *graphSession) CredentialUpdate() *domain.Credential {
	return s.oauth.update()
}

// Calendars перечисляет календари аккаунта.
func (s *graphSession) Calendars(ctx context.Context) ([]domain.ProviderCalendar, error) {
	var payload struct {
		Value []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			IsDefault bool   `json:"isDefaultCalendar"`
		} `json:"value"`
	}
	if err := s.get(ctx, s.base+"/me/calendars", "calendar_list", &payload); err != nil {
		return nil, err
	}
	calendars := make([]domain.ProviderCalendar, 0, len(payload.Value))
	for _, item := range payload.Value {
		calendars = append(calendars, domain.ProviderCalendar{
			ExternalID: item.ID,
			Name:       item.Name,
			Primary:    item.IsDefault,
		})
	}
	return calendars, nil
}

// Events возвращает события в окне [start, end), следуя continuation-ссылке
// @odata.nextLink до исчерпания страниц.
func (s *graphSession) Events(ctx context.Context, calendarExternalID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	query := url.Values{}
	query.Set("startDateTime", start.UTC().Format(time.RFC3339))
	query.Set("endDateTime", end.UTC().Format(time.RFC3339))
	query.Set("$top", "100")

	next := fmt.Sprintf("%s/me/calendars/%s/calendarView?%s", s.base, url.PathEscape(calendarExternalID), query.Encode())

	var events []domain.CalendarEvent
	for next != "" {
		var payload struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := s.get(ctx, next, "calendar_events", &payload); err != nil {
			return nil, err
		}
		for _, item := range payload.Value {
			if item.IsCancelled {
				continue
			}
			ev, err := item.toEvent()
			if err != nil {
				continue
			}
			events = append(events, ev)
		}
		next = payload.NextLink
	}
	return events, nil
}

func (s *graphSession) get(ctx context.Context, endpoint, operation string, out any) error {
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
	// Graph отдаёт времена без зоны; просим UTC явно.
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	startedAt := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveNetworkRequest("office365", operation, "graph_api", startedAt, err)
	if err != nil {
		return fmt.Errorf("запрос к graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("graph ответил %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("graph ответил %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа graph: %w", err)
	}
	return nil
}

type graphEvent struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	BodyPreview string         `json:"bodyPreview"`
	IsAllDay    bool           `json:"isAllDay"`
	IsCancelled bool           `json:"isCancelled"`
	Start       graphEventTime `json:"start"`
	End         graphEventTime `json:"end"`
}

type graphEventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

var graphTimeLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func (e graphEvent) toEvent() (domain.CalendarEvent, error) {
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
		Title:       e.Subject,
		Description: e.BodyPreview,
		Start:       start,
		End:         end,
		AllDay:      e.IsAllDay,
	}, nil
}

func (t graphEventTime) parse() (time.Time, error) {
	loc := time.UTC
	if t.TimeZone != "" && t.TimeZone != "UTC" {
		if parsed, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = parsed
		}
	}
	for _, layout := range graphTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, t.DateTime, loc); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("разбор времени graph %q", t.DateTime)
}
