// Package oauth keeps destination access tokens valid. A [Session] is created
// per destination per sync run; it refreshes the access token shortly before
// it expires, persists the refreshed tokens, and flags the destination for
// reauthentication when the provider rejects the credentials.
//
// Session implements [oauth2.TokenSource], so an adapter that sends its
// requests through [Session.HTTPClient] checks the token before every call.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/state"
)

// DefaultRefreshBuffer is how long before expiry a token is refreshed.
const DefaultRefreshBuffer = 5 * time.Minute

var (
	// ErrReauthenticationRequired means the stored credentials were rejected
	// and the user must authorise the destination again.
	ErrReauthenticationRequired = errors.New("destination requires reauthentication")

	// ErrNoCredentials means nothing has been authorised for the destination.
	ErrNoCredentials = errors.New("no credentials stored for destination")
)

// CredentialStore persists tokens and the reauthentication flag.
// Implemented by [state.Store].
type CredentialStore interface {
	GetCredentials(ctx context.Context, destinationID string) (*state.Credentials, error)
	SaveCredentials(ctx context.Context, c *state.Credentials) error
	SetNeedsReauthentication(ctx context.Context, destinationID string, needs bool) error
}

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Options tune a Session.
type Options struct {
	// RefreshBuffer defaults to DefaultRefreshBuffer.
	RefreshBuffer time.Duration

	// OnReauthenticationRequired is called once when the destination is
	// flagged. It must not block.
	OnReauthenticationRequired func(model.Destination)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Session holds the in-memory token for one destination.
type Session struct {
	dest      model.Destination
	store     CredentialStore
	refresher Refresher
	opts      Options
	log       *slog.Logger

	// ctx is used by Token, which has no context parameter.
	ctx context.Context

	mu      sync.Mutex
	creds   state.Credentials
	revoked bool
}

// NewSession loads the destination's credentials. It fails with
// ErrReauthenticationRequired if the destination is already flagged and with
// ErrNoCredentials if nothing was ever authorised.
func NewSession(ctx context.Context, dest model.Destination, store CredentialStore, refresher Refresher, opts Options, logger *slog.Logger) (*Session, error) {
	if dest.NeedsReauthentication {
		return nil, ErrReauthenticationRequired
	}
	creds, err := store.GetCredentials(ctx, dest.ID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %q: %w", dest.ID, err)
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}

	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Session{
		dest:      dest,
		store:     store,
		refresher: refresher,
		opts:      opts,
		log:       logger.With("destination_id", dest.ID),
		ctx:       ctx,
		creds:     *creds,
	}, nil
}

// AccessToken returns a token valid for at least the refresh buffer,
// refreshing and persisting it first if needed.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked {
		return "", ErrReauthenticationRequired
	}
	if !s.expiringLocked() {
		return s.creds.AccessToken, nil
	}

	s.log.Debug("refreshing access token", "expires_at", s.creds.ExpiresAt)
	tok, err := s.refresher.Refresh(ctx, s.creds.RefreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			s.markLocked(ctx)
			return "", fmt.Errorf("refreshing token: %w", ErrReauthenticationRequired)
		}
		return "", fmt.Errorf("refreshing token for %q: %w", s.dest.ID, err)
	}

	next := state.Credentials{
		DestinationID: s.dest.ID,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = s.creds.RefreshToken
	}
	if err := s.store.SaveCredentials(ctx, &next); err != nil {
		return "", fmt.Errorf("persisting refreshed token for %q: %w", s.dest.ID, err)
	}
	s.creds = next
	return s.creds.AccessToken, nil
}

// Token implements oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	access, err := s.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	expiry := s.creds.ExpiresAt
	s.mu.Unlock()
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: expiry}, nil
}

// HTTPClient returns a client that authorises every request with a fresh
// token. A nil base uses http.DefaultTransport.
func (s *Session) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: s, Base: base}}
}

// MarkNeedsReauthentication flags the destination after the provider
// rejected its credentials. Later token requests fail immediately.
func (s *Session) MarkNeedsReauthentication(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(ctx)
}

// NeedsReauthentication reports whether the session has been revoked.
func (s *Session) NeedsReauthentication() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked
}

func (s *Session) markLocked(ctx context.Context) {
	if s.revoked {
		return
	}
	s.revoked = true
	s.log.Warn("destination requires reauthentication")

	if err := s.store.SetNeedsReauthentication(ctx, s.dest.ID, true); err != nil {
		s.log.Error("persisting reauthentication flag", "error", err)
	}
	if s.opts.OnReauthenticationRequired != nil {
		d := s.dest
		d.NeedsReauthentication = true
		s.opts.OnReauthenticationRequired(d)
	}
}

func (s *Session) expiringLocked() bool {
	if s.creds.ExpiresAt.IsZero() {
		return false
	}
	return !s.creds.ExpiresAt.After(s.opts.Now().Add(s.opts.RefreshBuffer))
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return true
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized
}

// Authorize stores freshly issued tokens for a destination and clears its
// reauthentication flag.
func Authorize(ctx context.Context, store CredentialStore, destinationID string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("access token is required")
	}
	creds := &state.Credentials{
		DestinationID: destinationID,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     tok.Expiry,
	}
	if err := store.SaveCredentials(ctx, creds); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	if err := store.SetNeedsReauthentication(ctx, destinationID, false); err != nil {
		return fmt.Errorf("clearing reauthentication flag: %w", err)
	}
	return nil
}
