package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/oauth"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider"
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	Credentials oauth.CredentialStore
	Refresher   oauth.Refresher
	Limiters    *provider.Limiters

	Marker        string
	RefreshBuffer time.Duration

	// OnReauthenticationRequired is passed to every session.
	OnReauthenticationRequired func(model.Destination)

	// Transport is the base round tripper under the OAuth transport.
	Transport http.RoundTripper

	// Endpoint overrides the API base URL.
	Endpoint string
}

// Factory builds a fresh Adapter, backed by its own OAuth session, for every
// Google destination in a sync run.
type Factory struct {
	opts FactoryOptions
	log  *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(opts FactoryOptions, logger *slog.Logger) *Factory {
	return &Factory{opts: opts, log: logger}
}

// ProviderFor implements sync.ProviderFactory.
func (f *Factory) ProviderFor(ctx context.Context, dest model.Destination, sc *coordinator.SyncContext) (provider.Provider, error) {
	if dest.Provider != Name {
		return nil, fmt.Errorf("destination %q: unsupported provider %q", dest.ID, dest.Provider)
	}

	session, err := oauth.NewSession(ctx, dest, f.opts.Credentials, f.opts.Refresher, oauth.Options{
		RefreshBuffer:              f.opts.RefreshBuffer,
		OnReauthenticationRequired: f.opts.OnReauthenticationRequired,
	}, f.log)
	if err != nil {
		return nil, fmt.Errorf("opening oauth session for %q: %w", dest.ID, err)
	}

	log := f.log.With("destination_id", dest.ID)
	if sc != nil {
		log = log.With("generation", sc.Generation)
	}
	log.Debug("building google adapter", "calendar_id", dest.CalendarID)
	return New(ctx, Options{
		CalendarID: dest.CalendarID,
		Marker:     f.opts.Marker,
		HTTPClient: session.HTTPClient(f.opts.Transport),
		Limiter:    f.opts.Limiters.For(Name),
		Reauth:     session,
		Endpoint:   f.opts.Endpoint,
	}, log)
}
