package providers

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"famdigest/internal/domain"
)

// oauthState держит пару токенов одного подключения и отслеживает рефреш.
// Состояние ничего не пишет в хранилище: обновлённый credential отдаётся
// наружу через update(), персистит его вызывающий.
type oauthState struct {
	cfg       *oauth2.Config
	stored    domain.OAuthToken
	refreshed *domain.Credential
}

func newOAuthState(clientID, clientSecret, tokenURL string, stored domain.OAuthToken) *oauthState {
	return &oauthState{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		stored: stored,
	}
}

// accessToken возвращает действующий access token, при необходимости
// обновив его через token endpoint провайдера. Невозможность рефреша —
// невосстановимая ошибка авторизации.
func (o *oauthState) accessToken(ctx context.Context) (string, error) {
	current := &oauth2.Token{
		AccessToken:  o.stored.AccessToken,
		RefreshToken: o.stored.RefreshToken,
		Expiry:       o.stored.Expiry,
	}
	fresh, err := o.cfg.TokenSource(ctx, current).Token()
	if err != nil {
		return "", fmt.Errorf("обновление токена: %v: %w", err, domain.ErrAuthFailed)
	}
	if fresh.AccessToken != o.stored.AccessToken {
		refreshToken := fresh.RefreshToken
		if refreshToken == "" {
			refreshToken = o.stored.RefreshToken
		}
		o.refreshed = &domain.Credential{OAuth: &domain.OAuthToken{
			AccessToken:  fresh.AccessToken,
			RefreshToken: refreshToken,
			Expiry:       fresh.Expiry,
		}}
		o.stored = *o.refreshed.OAuth
	}
	return fresh.AccessToken, nil
}

func (o *oauthState) update() *domain.Credential {
	return o.refreshed
}
