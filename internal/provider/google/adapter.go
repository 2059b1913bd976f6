// Package google pushes busy blocks to a Google Calendar. Every API call goes
// through the shared Google rate limiter; throttling responses feed its
// backoff and are retried, and credential rejections flag the destination for
// reauthentication.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/oauth"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider"
	"github.com/ridafkih/keeper.sh-sub000/internal/ratelimit"
)

// Name identifies the provider in destination rows and limiter keys.
const Name = "google"

const defaultMaxAttempts = 5

// Reauthenticator flags a destination whose credentials were rejected.
// Implemented by [oauth.Session].
type Reauthenticator interface {
	MarkNeedsReauthentication(ctx context.Context)
}

// Options configures an Adapter.
type Options struct {
	CalendarID string

	// Marker is appended to generated iCalUIDs; only events carrying it are
	// listed. Defaults to model.DefaultUIDMarker.
	Marker string

	// HTTPClient must authorise requests, usually oauth.Session.HTTPClient.
	HTTPClient *http.Client

	Limiter *ratelimit.Limiter
	Reauth  Reauthenticator

	// Endpoint overrides the API base URL.
	Endpoint string

	// MaxAttempts bounds retries of throttled and transient failures.
	MaxAttempts int
}

// Adapter implements provider.Provider for one Google calendar.
type Adapter struct {
	svc         *calendar.Service
	calendarID  string
	owned       model.UIDMatcher
	marker      string
	limiter     *ratelimit.Limiter
	reauth      Reauthenticator
	maxAttempts int
	log         *slog.Logger
}

var _ provider.Provider = (*Adapter)(nil)

// New builds an Adapter.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Adapter, error) {
	if opts.CalendarID == "" {
		return nil, errors.New("calendar id is required")
	}
	if opts.HTTPClient == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Marker == "" {
		opts.Marker = model.DefaultUIDMarker
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.Config{})
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	clientOpts := []option.ClientOption{option.WithHTTPClient(opts.HTTPClient)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}

	return &Adapter{
		svc:         svc,
		calendarID:  opts.CalendarID,
		owned:       model.MarkerMatcher(opts.Marker),
		marker:      opts.Marker,
		limiter:     opts.Limiter,
		reauth:      opts.Reauth,
		maxAttempts: opts.MaxAttempts,
		log:         logger.With("provider", Name, "calendar_id", opts.CalendarID),
	}, nil
}

// PushEvents inserts one calendar event per busy block. After a credential
// rejection the remaining events are not attempted.
func (a *Adapter) PushEvents(ctx context.Context, events []model.SyncableEvent) ([]provider.PushResult, error) {
	results := make([]provider.PushResult, 0, len(events))
	for i, ev := range events {
		res := a.push(ctx, ev)
		results = append(results, res)
		if res.ShouldStop {
			for range events[i+1:] {
				results = append(results, provider.PushResult{Err: oauth.ErrReauthenticationRequired, ShouldStop: true})
			}
			break
		}
	}
	return results, nil
}

func (a *Adapter) push(ctx context.Context, ev model.SyncableEvent) provider.PushResult {
	body := &calendar.Event{
		ICalUID:      uuid.NewString() + a.marker,
		Summary:      ev.Summary,
		Start:        &calendar.EventDateTime{DateTime: ev.StartTime.Format(time.RFC3339)},
		End:          &calendar.EventDateTime{DateTime: ev.EndTime.Format(time.RFC3339)},
		Transparency: "opaque",
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
	}

	var created *calendar.Event
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		created, err = a.svc.Events.Insert(a.calendarID, body).Context(ctx).Do()
		return err
	})
	if err != nil {
		if a.checkAuth(ctx, err) {
			return provider.PushResult{Err: err, ShouldStop: true}
		}
		a.log.Warn("pushing event", "event_id", ev.ID, "error", err)
		return provider.PushResult{Err: err}
	}

	return provider.PushResult{Success: true, RemoteID: created.ICalUID, DeleteID: created.Id}
}

// DeleteEvents deletes events by Google event id. Events already gone count
// as deleted.
func (a *Adapter) DeleteEvents(ctx context.Context, deleteIDs []string) ([]provider.DeleteResult, error) {
	results := make([]provider.DeleteResult, 0, len(deleteIDs))
	for i, id := range deleteIDs {
		err := a.call(ctx, func(ctx context.Context) error {
			return a.svc.Events.Delete(a.calendarID, id).Context(ctx).Do()
		})
		switch {
		case err == nil || isGone(err):
			results = append(results, provider.DeleteResult{Success: true})
		case a.checkAuth(ctx, err):
			for range deleteIDs[i:] {
				results = append(results, provider.DeleteResult{Err: oauth.ErrReauthenticationRequired, ShouldStop: true})
			}
			return results, nil
		default:
			a.log.Warn("deleting event", "delete_id", id, "error", err)
			results = append(results, provider.DeleteResult{Err: err})
		}
	}
	return results, nil
}

// ListRemoteEvents returns the events this system created that start before
// until. Foreign events are never returned.
func (a *Adapter) ListRemoteEvents(ctx context.Context, until time.Time) ([]model.RemoteEvent, error) {
	var out []model.RemoteEvent
	pageToken := ""
	for {
		var page *calendar.Events
		err := a.call(ctx, func(ctx context.Context) error {
			call := a.svc.Events.List(a.calendarID).
				Context(ctx).
				SingleEvents(true).
				ShowDeleted(false).
				TimeMax(until.Format(time.RFC3339)).
				MaxResults(2500)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			a.checkAuth(ctx, err)
			return nil, fmt.Errorf("listing events of %q: %w", a.calendarID, err)
		}

		for _, item := range page.Items {
			if !a.owned(item.ICalUID) {
				continue
			}
			start, err := parseEventTime(item.Start)
			if err != nil {
				a.log.Warn("skipping event with unreadable start", "event_id", item.Id, "error", err)
				continue
			}
			end, _ := parseEventTime(item.End)
			out = append(out, model.RemoteEvent{
				UID:       item.ICalUID,
				DeleteID:  item.Id,
				StartTime: start,
				EndTime:   end,
			})
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// call runs fn through the limiter, reporting throttling and retrying it
// together with transient server errors.
func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	return provider.Retry(ctx, a.maxAttempts, isRetryable, func(ctx context.Context) error {
		return a.limiter.Execute(ctx, func(ctx context.Context) error {
			err := fn(ctx)
			if isRateLimited(err) {
				a.log.Debug("rate limited by provider", "backoff", a.limiter.Backoff())
				a.limiter.ReportRateLimit()
			}
			return err
		})
	})
}

// checkAuth flags the destination when err is a credential rejection.
func (a *Adapter) checkAuth(ctx context.Context, err error) bool {
	if !isAuthFailure(err) {
		return false
	}
	if a.reauth != nil {
		a.reauth.MarkNeedsReauthentication(ctx)
	}
	return true
}

func isRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "rate limit")
}

func isRetryable(err error) bool {
	if isRateLimited(err) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= http.StatusInternalServerError
	}
	return false
}

func isAuthFailure(err error) bool {
	if errors.Is(err, oauth.ErrReauthenticationRequired) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, error) {
	if t == nil {
		return time.Time{}, errors.New("missing time")
	}
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	return time.Parse(time.DateOnly, t.Date)
}
