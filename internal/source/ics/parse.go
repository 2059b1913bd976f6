package ics

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// vevent is the part of a VEVENT that matters for busy time.
type vevent struct {
	uid        string
	start      time.Time
	end        time.Time
	allDay     bool
	rrule      string
	exDates    []time.Time
	recurrence *time.Time // RECURRENCE-ID of an overridden instance

	// free marks a cancelled or transparent override: the instance it
	// replaces does not block time.
	free bool
}

// errNoUID marks a VEVENT that cannot be tracked across runs.
var errNoUID = errors.New("event without UID")

func parseCalendar(body []byte, log *slog.Logger) ([]vevent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty calendar body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []vevent
	for _, ve := range cal.Events() {
		ev, ok, err := parseEvent(ve)
		if errors.Is(err, errNoUID) {
			log.Warn("skipping event without UID")
			continue
		}
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// parseEvent reports ok=false for standalone events that never block time:
// cancelled ones and ones marked transparent. Such overrides of a recurring
// event are kept with free set, so they suppress the instance they replace.
func parseEvent(ve *ical.VEvent) (vevent, bool, error) {
	var ev vevent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, false, errNoUID
	}
	ev.uid = uid.Value

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseTime(p.Value, p.ICalParameters); err == nil {
			ev.recurrence = &t
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		ev.free = true
	}
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
		ev.free = true
	}
	if ev.free {
		return ev, ev.recurrence != nil, nil
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return ev, false, fmt.Errorf("event %q without DTSTART", ev.uid)
	}
	ev.allDay = isDateValue(dtstart)

	start, err := ve.GetStartAt()
	if err != nil {
		return ev, false, fmt.Errorf("event %q start: %w", ev.uid, err)
	}
	ev.start = start

	end, err := ve.GetEndAt()
	switch {
	case err == nil:
		ev.end = end
	case ev.allDay:
		ev.end = start.AddDate(0, 0, 1)
	default:
		ev.end = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseTime(strings.TrimSpace(part), p.ICalParameters); err == nil {
				ev.exDates = append(ev.exDates, t)
			}
		}
	}
	return ev, true, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseTime reads the DATE and DATE-TIME forms used by EXDATE and
// RECURRENCE-ID, honouring a TZID parameter.
func parseTime(v string, params map[string][]string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	loc := time.UTC
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			loc = l
		}
	}
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
