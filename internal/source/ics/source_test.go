package ics

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

var testLogger = slog.Default()

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

const feedBody = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//keeper//test//EN
BEGIN:VEVENT
UID:single@test
DTSTAMP:20260401T000000Z
DTSTART:20260505T090000Z
DTEND:20260505T100000Z
SUMMARY:Dentist appointment
END:VEVENT
BEGIN:VEVENT
UID:past@test
DTSTAMP:20260401T000000Z
DTSTART:20260401T090000Z
DTEND:20260401T100000Z
SUMMARY:Already over
END:VEVENT
BEGIN:VEVENT
UID:weekly@test
DTSTAMP:20260401T000000Z
DTSTART:20260504T080000Z
DTEND:20260504T083000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20260511T080000Z
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:weekly@test
DTSTAMP:20260401T000000Z
RECURRENCE-ID:20260518T080000Z
DTSTART:20260518T120000Z
DTEND:20260518T130000Z
SUMMARY:Standup (moved)
END:VEVENT
BEGIN:VEVENT
UID:free@test
DTSTAMP:20260401T000000Z
DTSTART:20260506T090000Z
DTEND:20260506T100000Z
TRANSP:TRANSPARENT
END:VEVENT
BEGIN:VEVENT
UID:cancelled@test
DTSTAMP:20260401T000000Z
DTSTART:20260507T090000Z
DTEND:20260507T100000Z
STATUS:CANCELLED
END:VEVENT
BEGIN:VEVENT
UID:allday@test
DTSTAMP:20260401T000000Z
DTSTART;VALUE=DATE:20260510
SUMMARY:Holiday
END:VEVENT
END:VCALENDAR
`

func serveFeed(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSource(feeds map[string][]Feed) *Source {
	return New(feeds, Options{Now: func() time.Time { return now }, Horizon: 90 * 24 * time.Hour}, testLogger)
}

func eventsByUID(evs []model.SyncableEvent) map[string][]model.SyncableEvent {
	out := make(map[string][]model.SyncableEvent)
	for _, ev := range evs {
		out[ev.SourceEventUID] = append(out[ev.SourceEventUID], ev)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	}
	return out
}

func TestEventsForDestination(t *testing.T) {
	srv := serveFeed(t, http.StatusOK, feedBody)
	src := newSource(map[string][]Feed{
		"user-1": {{ID: "feed-1", Name: "Work", URL: srv.URL}},
	})

	evs, err := src.EventsForDestination(context.Background(), model.Destination{ID: "d", UserID: "user-1"})
	if err != nil {
		t.Fatalf("EventsForDestination: %v", err)
	}
	byUID := eventsByUID(evs)

	if len(evs) != 5 {
		t.Fatalf("len(events) = %d, want 5: %v", len(evs), byUID)
	}
	for _, uid := range []string{"past@test", "free@test", "cancelled@test"} {
		if _, ok := byUID[uid]; ok {
			t.Errorf("%s should have been dropped", uid)
		}
	}

	weekly := byUID["weekly@test"]
	if len(weekly) != 3 {
		t.Fatalf("weekly occurrences = %d, want 3", len(weekly))
	}
	wantStarts := []time.Time{
		time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 18, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 25, 8, 0, 0, 0, time.UTC),
	}
	for i, want := range wantStarts {
		if !weekly[i].StartTime.Equal(want) {
			t.Errorf("weekly[%d] start = %v, want %v", i, weekly[i].StartTime, want)
		}
	}

	allDay := byUID["allday@test"]
	if len(allDay) != 1 || allDay[0].EndTime.Sub(allDay[0].StartTime) != 24*time.Hour {
		t.Errorf("all-day event = %+v", allDay)
	}

	for _, ev := range evs {
		if ev.Summary != BusySummary {
			t.Errorf("summary %q leaked", ev.Summary)
		}
		if ev.SourceID != "feed-1" || ev.SourceName != "Work" || ev.ID == "" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestEventsForDestination_StableIDs(t *testing.T) {
	srv := serveFeed(t, http.StatusOK, feedBody)
	src := newSource(map[string][]Feed{"user-1": {{ID: "feed-1", URL: srv.URL}}})
	dest := model.Destination{UserID: "user-1"}

	first, _ := src.EventsForDestination(context.Background(), dest)
	second, _ := src.EventsForDestination(context.Background(), dest)

	ids := make(map[string]bool)
	for _, ev := range first {
		if ids[ev.ID] {
			t.Errorf("duplicate id %s", ev.ID)
		}
		ids[ev.ID] = true
	}
	for _, ev := range second {
		if !ids[ev.ID] {
			t.Errorf("id %s changed between runs", ev.ID)
		}
	}
}

func TestEventsForDestination_FeedFailureFailsAll(t *testing.T) {
	good := serveFeed(t, http.StatusOK, feedBody)
	bad := serveFeed(t, http.StatusInternalServerError, "")
	src := newSource(map[string][]Feed{
		"user-1": {{ID: "good", URL: good.URL}, {ID: "bad", URL: bad.URL}},
	})

	evs, err := src.EventsForDestination(context.Background(), model.Destination{UserID: "user-1"})
	if err == nil {
		t.Fatalf("expected error, got %d events", len(evs))
	}
	if !strings.Contains(err.Error(), `"bad"`) {
		t.Errorf("error %q does not name the failing feed", err)
	}
}

func TestEventsForDestination_EventWithoutUIDSkipped(t *testing.T) {
	body := `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
DTSTART:20260505T090000Z
DTEND:20260505T100000Z
END:VEVENT
BEGIN:VEVENT
UID:kept@test
DTSTART:20260506T090000Z
DTEND:20260506T100000Z
END:VEVENT
END:VCALENDAR
`
	srv := serveFeed(t, http.StatusOK, body)
	src := newSource(map[string][]Feed{"user-1": {{ID: "f", URL: srv.URL}}})

	evs, err := src.EventsForDestination(context.Background(), model.Destination{UserID: "user-1"})
	if err != nil {
		t.Fatalf("EventsForDestination: %v", err)
	}
	if len(evs) != 1 || evs[0].SourceEventUID != "kept@test" {
		t.Errorf("events = %+v, want only kept@test", evs)
	}
}

func TestEventsForDestination_FreeOverridesSuppressInstances(t *testing.T) {
	body := `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:series@test
DTSTART:20260504T080000Z
DTEND:20260504T090000Z
RRULE:FREQ=WEEKLY;COUNT=3
END:VEVENT
BEGIN:VEVENT
UID:series@test
RECURRENCE-ID:20260504T080000Z
DTSTART:20260504T080000Z
DTEND:20260504T090000Z
STATUS:CANCELLED
END:VEVENT
BEGIN:VEVENT
UID:series@test
RECURRENCE-ID:20260511T080000Z
DTSTART:20260511T080000Z
DTEND:20260511T090000Z
TRANSP:TRANSPARENT
END:VEVENT
END:VCALENDAR
`
	srv := serveFeed(t, http.StatusOK, body)
	src := newSource(map[string][]Feed{"user-1": {{ID: "f", URL: srv.URL}}})

	evs, err := src.EventsForDestination(context.Background(), model.Destination{UserID: "user-1"})
	if err != nil {
		t.Fatalf("EventsForDestination: %v", err)
	}
	want := time.Date(2026, 5, 18, 8, 0, 0, 0, time.UTC)
	if len(evs) != 1 || !evs[0].StartTime.Equal(want) {
		t.Errorf("events = %+v, want only the %v instance", evs, want)
	}
}

func TestEventsForDestination_UnknownUser(t *testing.T) {
	src := newSource(nil)
	evs, err := src.EventsForDestination(context.Background(), model.Destination{UserID: "nobody"})
	if err != nil || len(evs) != 0 {
		t.Errorf("got %d events, err %v; want none", len(evs), err)
	}
}

func TestExpand_RunningRecurrenceIncluded(t *testing.T) {
	ev := vevent{
		uid:   "long@test",
		start: now.Add(-30 * time.Minute),
		end:   now.Add(30 * time.Minute),
		rrule: "FREQ=DAILY;COUNT=2",
	}
	occs := expand([]vevent{ev}, expandWindow{start: now, end: now.Add(48 * time.Hour)}, testLogger)
	if len(occs) != 2 {
		t.Errorf("occurrences = %d, want 2 (the running one included)", len(occs))
	}
}

func TestExpand_InvalidRRuleSkipped(t *testing.T) {
	ev := vevent{uid: "bad@test", start: now.Add(time.Hour), end: now.Add(2 * time.Hour), rrule: "FREQ=NEVER"}
	if occs := expand([]vevent{ev}, expandWindow{start: now, end: now.Add(time.Hour * 24)}, testLogger); len(occs) != 0 {
		t.Errorf("occurrences = %d, want 0", len(occs))
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://user:pw@calendar.example.com/private/basic.ics?token=secret")
	if strings.Contains(got, "secret") || strings.Contains(got, "pw") {
		t.Errorf("redactURL leaked credentials: %s", got)
	}
}
