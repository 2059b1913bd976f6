// Package ics is the event source: it fetches a user's ICS feeds, expands
// recurrences over the sync horizon, and turns every occurrence into an
// anonymised busy block.
package ics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// BusySummary replaces the title of every pushed event.
const BusySummary = "Busy"

const (
	defaultHorizon = 2 * 365 * 24 * time.Hour
	maxFeedBytes   = 10 << 20
)

// Feed is one subscribed calendar.
type Feed struct {
	ID   string
	Name string
	URL  string
}

// Options tune a Source.
type Options struct {
	// Horizon bounds recurrence expansion. Defaults to two years.
	Horizon time.Duration

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Now defaults to time.Now.
	Now func() time.Time
}

// Source serves the busy blocks for a user's destinations.
type Source struct {
	feeds  map[string][]Feed
	client *http.Client
	opts   Options
	log    *slog.Logger
}

// New creates a Source. feeds maps user IDs to their subscriptions.
func New(feeds map[string][]Feed, opts Options, logger *slog.Logger) *Source {
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Source{feeds: feeds, client: opts.HTTPClient, opts: opts, log: logger}
}

// EventsForDestination returns every busy block of the destination's user
// that has not ended yet. Every destination of a user receives the same set.
// If any feed cannot be fetched or parsed the whole call fails, so an outage
// never looks like the events were removed.
func (s *Source) EventsForDestination(ctx context.Context, dest model.Destination) ([]model.SyncableEvent, error) {
	feeds := s.feeds[dest.UserID]
	now := s.opts.Now()
	window := expandWindow{start: now, end: now.Add(s.opts.Horizon)}

	perFeed := make([][]model.SyncableEvent, len(feeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, feed := range feeds {
		g.Go(func() error {
			body, err := s.fetch(gctx, feed)
			if err != nil {
				return err
			}
			parsed, err := parseCalendar(body, s.log.With("feed_id", feed.ID))
			if err != nil {
				return fmt.Errorf("parsing feed %q: %w", feed.ID, err)
			}
			perFeed[i] = toSyncable(feed, expand(parsed, window, s.log))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []model.SyncableEvent
	for _, evs := range perFeed {
		out = append(out, evs...)
	}
	s.log.Debug("collected source events", "user_id", dest.UserID, "feeds", len(feeds), "events", len(out))
	return out, nil
}

func (s *Source) fetch(ctx context.Context, feed Feed) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for feed %q: %w", feed.ID, err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %q (%s): %w", feed.ID, redactURL(feed.URL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching feed %q (%s): status %d", feed.ID, redactURL(feed.URL), resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("reading feed %q: %w", feed.ID, err)
	}
	return body, nil
}

func toSyncable(feed Feed, occs []occurrence) []model.SyncableEvent {
	out := make([]model.SyncableEvent, 0, len(occs))
	for _, o := range occs {
		out = append(out, model.SyncableEvent{
			ID:             eventID(feed.ID, o.uid, o.start),
			SourceEventUID: o.uid,
			StartTime:      o.start,
			EndTime:        o.end,
			Summary:        BusySummary,
			SourceID:       feed.ID,
			SourceName:     feed.Name,
			SourceURL:      feed.URL,
		})
	}
	return out
}

// eventID is stable across runs for the same occurrence, so mappings keep
// matching.
func eventID(feedID, uid string, start time.Time) string {
	key := feedID + "|" + uid + "|" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// redactURL drops the query and credentials, which often carry secrets in
// private feed links.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
