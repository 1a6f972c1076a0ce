package providers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
	"famdigest/internal/infra/secrets"
)

const appleCalDAVBase = "https://caldav.icloud.com"

// CalDAVConfig — параметры CalDAV-адаптера (Apple iCloud).
type CalDAVConfig struct {
	// Box расшифровывает credential-блобы подключений.
	Box *secrets.Box
	// BaseURL переопределяется в тестах и для сторонних CalDAV-серверов.
	BaseURL    string
	HTTPClient *http.Client
}

// caldavLogin — открытая форма credential-блоба.
type caldavLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Server   string `json:"server,omitempty"`
}

// NewCalDAVFactory возвращает фабрику CalDAV-сессий. Блоб учётки
// расшифровывается один раз, при создании сессии.
func NewCalDAVFactory(cfg CalDAVConfig) domain.SessionFactory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = appleCalDAVBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return func(conn domain.Connection) (domain.CalendarSession, error) {
		if len(conn.Credential.Basic) == 0 {
			return nil, fmt.Errorf("подключение %d: нет CalDAV-учётки", conn.ID)
		}
		plaintext, err := cfg.Box.Open(conn.Credential.Basic)
		if err != nil {
			return nil, fmt.Errorf("расшифровка учётки: %v: %w", err, domain.ErrAuthFailed)
		}
		var login caldavLogin
		if err := json.Unmarshal(plaintext, &login); err != nil {
			return nil, fmt.Errorf("разбор учётки: %w", err)
		}
		server := login.Server
		if server == "" {
			server = cfg.BaseURL
		}
		return &caldavSession{
			server:     strings.TrimRight(server, "/"),
			username:   login.Username,
			password:   login.Password,
			httpClient: cfg.HTTPClient,
		}, nil
	}
}

type caldavSession struct {
	server     string
	username   string
	password   string
	httpClient *http.Client
}

// CalDAV-сессия не обновляет учётку: рефреша токенов тут нет.
func (s *caldavSession) CredentialUpdate() *domain.Credential { return nil }

const currentUserPrincipalBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:current-user-principal/></d:prop></d:propfind>`

const calendarHomeSetBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
<d:prop><c:calendar-home-set/></d:prop></d:propfind>`

const calendarListBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
<d:prop><d:displayname/><d:resourcetype/><c:supported-calendar-component-set/></d:prop>
</d:propfind>`

const calendarQueryBody = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
<d:prop><c:calendar-data/></d:prop>
<c:filter><c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">
<c:time-range start="%s" end="%s"/>
</c:comp-filter></c:comp-filter></c:filter>
</c:calendar-query>`

// Calendars выполняет account discovery: principal, calendar-home-set,
// затем перечисление коллекций. Коллекции без поддержки VEVENT исключаются.
func (s *caldavSession) Calendars(ctx context.Context) ([]domain.ProviderCalendar, error) {
	principal, err := s.discoverHref(ctx, s.server+"/", "principal", currentUserPrincipalBody,
		func(p davProp) string { return p.CurrentUserPrincipal.Href })
	if err != nil {
		return nil, err
	}
	home, err := s.discoverHref(ctx, s.absolute(principal), "calendar_home", calendarHomeSetBody,
		func(p davProp) string { return p.CalendarHomeSet.Href })
	if err != nil {
		return nil, err
	}

	ms, err := s.propfind(ctx, s.absolute(home), "1", "calendar_list", calendarListBody)
	if err != nil {
		return nil, err
	}

	var calendars []domain.ProviderCalendar
	for _, resp := range ms.Responses {
		prop, ok := resp.okProp()
		if !ok || prop.ResourceType.Calendar == nil {
			continue
		}
		if !prop.SupportedComponents.supports("VEVENT") {
			continue
		}
		calendars = append(calendars, domain.ProviderCalendar{
			ExternalID: resp.Href,
			Name:       prop.DisplayName,
		})
	}
	return calendars, nil
}

// Events выполняет calendar-query REPORT с time-range фильтром и разбирает
// iCalendar-полезную нагрузку ответов.
func (s *caldavSession) Events(ctx context.Context, calendarExternalID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	body := fmt.Sprintf(calendarQueryBody,
		start.UTC().Format("20060102T150405Z"),
		end.UTC().Format("20060102T150405Z"))

	ms, err := s.request(ctx, "REPORT", s.absolute(calendarExternalID), "1", "calendar_events", body)
	if err != nil {
		return nil, err
	}

	var events []domain.CalendarEvent
	for _, resp := range ms.Responses {
		prop, ok := resp.okProp()
		if !ok || prop.CalendarData == "" {
			continue
		}
		events = append(events, ParseICalEvents(prop.CalendarData)...)
	}
	return events, nil
}

func (s *caldavSession) discoverHref(ctx context.Context, endpoint, operation, body string, pick func(davProp) string) (string, error) {
	ms, err := s.propfind(ctx, endpoint, "0", operation, body)
	if err != nil {
		return "", err
	}
	for _, resp := range ms.Responses {
		if prop, ok := resp.okProp(); ok {
			if href := pick(prop); href != "" {
				return href, nil
			}
		}
	}
	return "", fmt.Errorf("%s: href не найден в ответе", operation)
}

func (s *caldavSession) propfind(ctx context.Context, endpoint, depth, operation, body string) (*davMultistatus, error) {
	return s.request(ctx, "PROPFIND", endpoint, depth, operation, body)
}

func (s *caldavSession) request(ctx context.Context, method, endpoint, depth, operation, body string) (*davMultistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	startedAt := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveNetworkRequest("caldav", operation, "caldav_server", startedAt, err)
	if err != nil {
		return nil, fmt.Errorf("запрос к caldav: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("caldav ответил %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("caldav ответил %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var ms davMultistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("разбор multistatus: %w", err)
	}
	return &ms, nil
}

func (s *caldavSession) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	parsed, err := url.Parse(s.server)
	if err != nil {
		return s.server + href
	}
	parsed.Path = href
	return parsed.String()
}

// XML-модели multistatus-ответа. Имена без namespace сопоставляются и с
// DAV:, и с urn:ietf:params:xml:ns:caldav.
type davMultistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string        `xml:"href"`
	Propstats []davPropstat `xml:"propstat"`
}

func (r davResponse) okProp() (davProp, bool) {
	for _, ps := range r.Propstats {
		if strings.Contains(ps.Status, "200") {
			return ps.Prop, true
		}
	}
	return davProp{}, false
}

type davPropstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName          string          `xml:"displayname"`
	ResourceType         davResourceType `xml:"resourcetype"`
	SupportedComponents  davComponentSet `xml:"supported-calendar-component-set"`
	CalendarData         string          `xml:"calendar-data"`
	CurrentUserPrincipal davHref         `xml:"current-user-principal"`
	CalendarHomeSet      davHref         `xml:"calendar-home-set"`
}

type davHref struct {
	Href string `xml:"href"`
}

type davResourceType struct {
	Calendar *struct{} `xml:"calendar"`
}

type davComponentSet struct {
	Components []davComponent `xml:"comp"`
}

func (s davComponentSet) supports(name string) bool {
	// Сервер, не объявивший набор компонентов, считается поддерживающим
	// VEVENT.
	if len(s.Components) == 0 {
		return true
	}
	for _, comp := range s.Components {
		if strings.EqualFold(comp.Name, name) {
			return true
		}
	}
	return false
}

type davComponent struct {
	Name string `xml:"name,attr"`
}
