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

func googleConn(token domain.OAuthToken) domain.Connection {
	return domain.Connection{
		ID:         1,
		Provider:   domain.ProviderGoogle,
		Credential: domain.Credential{OAuth: &token},
		Enabled:    true,
	}
}

func newGoogleServer(t *testing.T, apiHandler http.HandlerFunc) GoogleConfig {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("ожидали POST на token endpoint, получили %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","refresh_token":"fresh-refresh","token_type":"Bearer","expires_in":3600}`)
	})
	mux.Handle("/", apiHandler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return GoogleConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		BaseURL:      server.URL,
		TokenURL:     server.URL + "/token",
		HTTPClient:   server.Client(),
	}
}

func TestGoogleEventsParsing(t *testing.T) {
	var gotAuth string
	cfg := newGoogleServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("singleEvents") != "true" {
			t.Fatalf("ожидали singleEvents=true: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"id":"e1","status":"confirmed","summary":"Standup","start":{"dateTime":"2026-01-12T14:00:00Z"},"end":{"dateTime":"2026-01-12T15:00:00Z"}},
			{"id":"e2","status":"cancelled","summary":"Gone","start":{"dateTime":"2026-01-12T16:00:00Z"},"end":{"dateTime":"2026-01-12T17:00:00Z"}},
			{"id":"e3","status":"confirmed","start":{"date":"2026-01-12"},"end":{"date":"2026-01-13"}}
		]}`)
	})

	factory := NewGoogleFactory(cfg)
	session, err := factory(googleConn(domain.OAuthToken{AccessToken: "valid", Expiry: time.Now().Add(time.Hour)}))
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	events, err := session.Events(context.Background(), "primary",
		time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if gotAuth != "Bearer valid" {
		t.Fatalf("неверный заголовок авторизации: %q", gotAuth)
	}
	if len(events) != 2 {
		t.Fatalf("отменённое событие должно отбрасываться, получили %d", len(events))
	}
	if events[0].Title != "Standup" || events[0].AllDay {
		t.Fatalf("первое событие разобрано неверно: %+v", events[0])
	}
	if !events[1].AllDay {
		t.Fatalf("событие с date должно быть all-day: %+v", events[1])
	}
	if upd := session.CredentialUpdate(); upd != nil {
		t.Fatalf("действующий токен не должен рефрешиться")
	}
}

func TestGoogleRefreshesExpiredToken(t *testing.T) {
	cfg := newGoogleServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Fatalf("ожидали обновлённый токен, получили %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[]}`)
	})

	factory := NewGoogleFactory(cfg)
	session, err := factory(googleConn(domain.OAuthToken{
		AccessToken:  "stale",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}))
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	if _, err := session.Events(context.Background(), "primary", time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	upd := session.CredentialUpdate()
	if upd == nil || upd.OAuth == nil {
		t.Fatalf("ожидали обновлённый credential после рефреша")
	}
	if upd.OAuth.AccessToken != "fresh-token" || upd.OAuth.RefreshToken != "fresh-refresh" {
		t.Fatalf("credential заполнен неверно: %+v", upd.OAuth)
	}
}

func TestGoogleRefreshFailureIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	factory := NewGoogleFactory(GoogleConfig{
		BaseURL:    server.URL,
		TokenURL:   server.URL + "/token",
		HTTPClient: server.Client(),
	})
	session, err := factory(googleConn(domain.OAuthToken{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}))
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	_, err = session.Events(context.Background(), "primary", time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("ожидали ErrAuthFailed, получили %v", err)
	}
}

func TestGoogleUnauthorizedIsAuthError(t *testing.T) {
	cfg := newGoogleServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":401}}`, http.StatusUnauthorized)
	})

	factory := NewGoogleFactory(cfg)
	session, err := factory(googleConn(domain.OAuthToken{AccessToken: "revoked", Expiry: time.Now().Add(time.Hour)}))
	if err != nil {
		t.Fatalf("фабрика: %v", err)
	}

	_, err = session.Events(context.Background(), "primary", time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("ожидали ErrAuthFailed, получили %v", err)
	}
}

func TestGoogleFactoryRequiresOAuthCredential(t *testing.T) {
	factory := NewGoogleFactory(GoogleConfig{})
	if _, err := factory(domain.Connection{ID: 5, Provider: domain.ProviderGoogle}); err == nil {
		t.Fatalf("подключение без OAuth-токенов должно отклоняться")
	}
}
