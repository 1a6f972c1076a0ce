package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"famdigest/internal/domain"
)

func graphConn() domain.Connection {
	return domain.Connection{
		ID:       2,
		Provider: domain.ProviderOffice365,
		Credential: domain.Credential{OAuth: &domain.OAuthToken{
			AccessToken: "valid",
			Expiry:      time.Now().Add(time.Hour),
		}},
		Enabled: true,
	}
}

func TestGraphEventsFollowNextLink(t *testing.T) {
	var server *httptest.Server
	pages := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		pages++
		w.Header().Set("Content-Type", "application/json")
		switch pages {
		case 1:
			if r.Header.Get("Prefer") != `outlook.timezone="UTC"` {
				t.Errorf("ожидали Prefer с UTC, получили %q", r.Header.Get("Prefer"))
			}
			fmt.Fprintf(w, `{"value":[
				{"id":"g1","subject":"First","start":{"dateTime":"2026-01-12T09:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-01-12T10:00:00.0000000","timeZone":"UTC"}},
				{"id":"g2","subject":"Dropped","isCancelled":true,"start":{"dateTime":"2026-01-12T11:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-01-12T12:00:00.0000000","timeZone":"UTC"}}
			],"@odata.nextLink":"%s/page2"}`, server.URL)
		default:
			fmt.Fprint(w, `{"value":[
				{"id":"g3","subject":"Second","isAllDay":true,"start":{"dateTime":"2026-01-13T00:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-01-14T00:00:00.0000000","timeZone":"UTC"}}
			]}`)
		}
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	factory := NewOffice365Factory(Office365Config{
		BaseURL:    server.URL,
		TokenURL:   server.URL + "/token",
		HTTPClient: server.Client(),
	})
	session, err := factory(graphConn())
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	events, err := session.Events(context.Background(), "cal-1",
		time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if pages != 2 {
		t.Fatalf("ожидали обход двух страниц, получили %d", pages)
	}
	if len(events) != 2 {
		t.Fatalf("ожидали 2 события после фильтрации отменённых, получили %d", len(events))
	}
	if events[0].Title != "First" {
		t.Fatalf("первая страница разобрана неверно: %+v", events[0])
	}
	want := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	if !events[0].Start.Equal(want) {
		t.Fatalf("время без зоны должно читаться как UTC: %v", events[0].Start)
	}
	if events[1].Title != "Second" || !events[1].AllDay {
		t.Fatalf("вторая страница разобрана неверно: %+v", events[1])
	}
}

func TestGraphHonorsEventTimezone(t *testing.T) {
	parsed, err := graphEventTime{DateTime: "2026-06-01T12:00:00.0000000", TimeZone: "Europe/Moscow"}.parse()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Fatalf("ожидали %v, получили %v", want, parsed)
	}
}

func TestGraphForbiddenIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"ErrorAccessDenied"}}`, http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	factory := NewOffice365Factory(Office365Config{
		BaseURL:    server.URL,
		TokenURL:   server.URL + "/token",
		HTTPClient: server.Client(),
	})
	session, err := factory(graphConn())
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	_, err = session.Events(context.Background(), "cal-1", time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("ожидали ErrAuthFailed, получили %v", err)
	}
}
