package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"famdigest/internal/domain"
	"famdigest/internal/infra/secrets"
)

const testBoxKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func sealedLogin(t *testing.T, box *secrets.Box, server string) []byte {
	t.Helper()
	payload, err := json.Marshal(caldavLogin{Username: "jane@example.com", Password: "app-specific", Server: server})
	if err != nil {
		t.Fatalf("маршалинг учётки: %v", err)
	}
	blob, err := box.Seal(payload)
	if err != nil {
		t.Fatalf("шифрование учётки: %v", err)
	}
	return blob
}

func caldavTestBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(testBoxKey)
	if err != nil {
		t.Fatalf("создание box: %v", err)
	}
	return box
}

func TestCalDAVDiscoveryAndListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Errorf("ожидали PROPFIND на корне, получили %s", r.Method)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "jane@example.com" || pass != "app-specific" {
			t.Errorf("basic auth передан неверно")
		}
		fmt.Fprint(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response><d:href>/</d:href>
  <d:propstat><d:status>HTTP/1.1 200 OK</d:status>
   <d:prop><d:current-user-principal><d:href>/principal/jane/</d:href></d:current-user-principal></d:prop>
  </d:propstat>
 </d:response>
</d:multistatus>`)
	})
	mux.HandleFunc("/principal/jane/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:response><d:href>/principal/jane/</d:href>
  <d:propstat><d:status>HTTP/1.1 200 OK</d:status>
   <d:prop><c:calendar-home-set><d:href>/calendars/jane/</d:href></c:calendar-home-set></d:prop>
  </d:propstat>
 </d:response>
</d:multistatus>`)
	})
	mux.HandleFunc("/calendars/jane/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Depth") != "1" {
			t.Errorf("ожидали Depth: 1, получили %q", r.Header.Get("Depth"))
		}
		fmt.Fprint(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:response><d:href>/calendars/jane/</d:href>
  <d:propstat><d:status>HTTP/1.1 200 OK</d:status>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
  </d:propstat>
 </d:response>
 <d:response><d:href>/calendars/jane/home/</d:href>
  <d:propstat><d:status>HTTP/1.1 200 OK</d:status>
   <d:prop>
    <d:displayname>Home</d:displayname>
    <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
    <c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>
   </d:prop>
  </d:propstat>
 </d:response>
 <d:response><d:href>/calendars/jane/tasks/</d:href>
  <d:propstat><d:status>HTTP/1.1 200 OK</d:status>
   <d:prop>
    <d:displayname>Tasks</d:displayname>
    <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
    <c:supported-calendar-component-set><c:comp name="VTODO"/></c:supported-calendar-component-set>
   </d:prop>
  </d:propstat>
 </d:response>
</d:multistatus>`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	box := caldavTestBox(t)
	factory := NewCalDAVFactory(CalDAVConfig{Box: box, BaseURL: server.URL, HTTPClient: server.Client()})
	session, err := factory(domain.Connection{
		ID:         3,
		Provider:   domain.ProviderApple,
		Credential: domain.Credential{Basic: sealedLogin(t, box, server.URL)},
	})
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	calendars, err := session.Calendars(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(calendars) != 1 {
		t.Fatalf("ожидали 1 календарь с VEVENT, получили %d", len(calendars))
	}
	if calendars[0].Name != "Home" || calendars[0].ExternalID != "/calendars/jane/home/" {
		t.Fatalf("календарь разобран неверно: %+v", calendars[0])
	}
}

func TestCalDAVEventsReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			t.Errorf("ожидали REPORT, получили %s", r.Method)
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("чтение тела: %v", err)
		}
		if !strings.Contains(string(raw), `start="20260112T000000Z"`) {
			t.Errorf("time-range не передан: %s", raw)
		}
		fmt.Fprint(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:response><d:href>/calendars/jane/home/ev1.ics</d:href>
  <d:propstat><d:status>HTTP/1.1 200 OK</d:status>
   <d:prop><c:calendar-data>BEGIN:VCALENDAR
BEGIN:VEVENT
UID:ev-1
SUMMARY:Dentist
DTSTART:20260112T160000Z
DTEND:20260112T170000Z
END:VEVENT
END:VCALENDAR</c:calendar-data></d:prop>
  </d:propstat>
 </d:response>
</d:multistatus>`)
	}))
	t.Cleanup(server.Close)

	box := caldavTestBox(t)
	factory := NewCalDAVFactory(CalDAVConfig{Box: box, BaseURL: server.URL, HTTPClient: server.Client()})
	session, err := factory(domain.Connection{
		ID:         3,
		Provider:   domain.ProviderApple,
		Credential: domain.Credential{Basic: sealedLogin(t, box, server.URL)},
	})
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	events, err := session.Events(context.Background(), "/calendars/jane/home/",
		time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ожидали 1 событие, получили %d", len(events))
	}
	if events[0].Title != "Dentist" {
		t.Fatalf("событие разобрано неверно: %+v", events[0])
	}
	if upd := session.CredentialUpdate(); upd != nil {
		t.Fatalf("CalDAV-сессия не рефрешит учётку")
	}
}

func TestCalDAVUnauthorizedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	box := caldavTestBox(t)
	factory := NewCalDAVFactory(CalDAVConfig{Box: box, BaseURL: server.URL, HTTPClient: server.Client()})
	session, err := factory(domain.Connection{
		ID:         3,
		Provider:   domain.ProviderApple,
		Credential: domain.Credential{Basic: sealedLogin(t, box, server.URL)},
	})
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	_, err = session.Events(context.Background(), "/calendars/jane/home/", time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("ожидали ErrAuthFailed, получили %v", err)
	}
}

func TestCalDAVRejectsCorruptedCredential(t *testing.T) {
	box := caldavTestBox(t)
	factory := NewCalDAVFactory(CalDAVConfig{Box: box})

	_, err := factory(domain.Connection{
		ID:         3,
		Provider:   domain.ProviderApple,
		Credential: domain.Credential{Basic: []byte("garbage")},
	})
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("битый блоб должен давать ошибку авторизации, получили %v", err)
	}
}
