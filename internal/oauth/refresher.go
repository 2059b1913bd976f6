package oauth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleCalendarScope grants read/write access to calendar events.
const GoogleCalendarScope = "https://www.googleapis.com/auth/calendar.events"

// ConfigRefresher refreshes tokens against an OAuth2 token endpoint.
type ConfigRefresher struct {
	cfg *oauth2.Config
}

// NewConfigRefresher wraps cfg.
func NewConfigRefresher(cfg *oauth2.Config) *ConfigRefresher {
	return &ConfigRefresher{cfg: cfg}
}

// NewGoogleRefresher returns a refresher for Google OAuth clients.
func NewGoogleRefresher(clientID, clientSecret string) *ConfigRefresher {
	return NewConfigRefresher(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{GoogleCalendarScope},
	})
}

// Refresh implements Refresher. The refresh token is carried over when the
// provider does not rotate it.
func (r *ConfigRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}
