package ics

import (
	"log/slog"
	"time"

	"github.com/teambition/rrule-go"
)

const maxOccurrencesPerEvent = 5000

type expandWindow struct {
	start, end time.Time
}

type occurrence struct {
	uid        string
	start, end time.Time
}

// expand turns parsed events into concrete occurrences that have not ended
// by window.start and begin before window.end. Overrides replace the
// instance named by their RECURRENCE-ID.
func expand(events []vevent, w expandWindow, log *slog.Logger) []occurrence {
	overrides := make(map[string][]vevent)
	var bases []vevent
	for _, ev := range events {
		if ev.recurrence != nil {
			overrides[ev.uid] = append(overrides[ev.uid], ev)
		} else {
			bases = append(bases, ev)
		}
	}

	var out []occurrence
	for _, ev := range bases {
		ovs := overrides[ev.uid]
		if ev.rrule == "" {
			if o, ok := instance(ev, ev.start, ovs); ok {
				out = appendInWindow(out, o, w)
			}
			continue
		}

		starts, err := recurrenceStarts(ev, w)
		if err != nil {
			log.Warn("skipping event with invalid RRULE", "uid", ev.uid, "rrule", ev.rrule, "error", err)
			continue
		}
		if len(starts) > maxOccurrencesPerEvent {
			log.Warn("truncating recurrence", "uid", ev.uid, "cap", maxOccurrencesPerEvent)
			starts = starts[:maxOccurrencesPerEvent]
		}
		for _, s := range starts {
			if o, ok := instance(ev, s, ovs); ok {
				out = appendInWindow(out, o, w)
			}
		}
	}
	return out
}

func recurrenceStarts(ev vevent, w expandWindow) ([]time.Time, error) {
	r, err := rrule.StrToRRule(ev.rrule)
	if err != nil {
		return nil, err
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	// Occurrences that started before the window but are still running.
	from := w.start.Add(-ev.end.Sub(ev.start))
	return set.Between(from.In(ev.start.Location()), w.end.In(ev.start.Location()), true), nil
}

// instance returns the occurrence starting at start, replaced by its override
// if one exists. ok is false when the override frees the slot.
func instance(ev vevent, start time.Time, overrides []vevent) (occurrence, bool) {
	for _, ov := range overrides {
		if ov.recurrence.Equal(start) {
			if ov.free {
				return occurrence{}, false
			}
			return occurrence{uid: ev.uid, start: ov.start, end: ov.end}, true
		}
	}
	return occurrence{uid: ev.uid, start: start, end: start.Add(ev.end.Sub(ev.start))}, true
}

func appendInWindow(out []occurrence, o occurrence, w expandWindow) []occurrence {
	if !o.end.After(o.start) || !o.end.After(w.start) || !o.start.Before(w.end) {
		return out
	}
	return append(out, o)
}
