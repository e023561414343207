package feed

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// collectOverrides indexes the instance IDs replaced by RECURRENCE-ID entries.
func collectOverrides(events []*ical.Component, loc *time.Location) map[string]struct{} {
	overrides := make(map[string]struct{})
	for _, event := range events {
		rid := event.Props.Get(ical.PropRecurrenceID)
		uid := uidOf(event)
		if rid == nil || uid == "" {
			continue
		}
		t, err := rid.DateTime(loc)
		if err != nil {
			continue
		}
		overrides[instanceID(uid, t)] = struct{}{}
	}
	return overrides
}

// expand turns a recurring entry into one shift per occurrence that is still
// running at now and starts before the recurrence horizon.
func (p *Parser) expand(event *ical.Component, now time.Time, overrides map[string]struct{}) ([]Shift, error) {
	start, end, ok := bounds(event, p.location())
	if !ok || end.Before(start) {
		return nil, nil
	}
	duration := end.Sub(start)

	set, err := event.RecurrenceSet(p.location())
	if err != nil {
		return nil, err
	}
	if set == nil {
		shift, ok := p.toShift(event, now)
		if !ok {
			return nil, nil
		}
		return []Shift{shift}, nil
	}
	addExceptionDates(set, event, p.location())

	uid := uidOf(event)
	var shifts []Shift
	for _, occurrence := range set.Between(now.Add(-duration), now.Add(p.horizon()), true) {
		occurrenceEnd := occurrence.Add(duration)
		if occurrenceEnd.Before(now) {
			continue
		}

		shift, ok := baseShift(event, occurrence, occurrenceEnd)
		if !ok {
			return nil, nil
		}
		if uid != "" {
			shift.ID = instanceID(uid, occurrence)
			if _, replaced := overrides[shift.ID]; replaced {
				continue
			}
		} else {
			shift.ID = fallbackID(shift.Title, occurrence, occurrenceEnd)
		}
		shifts = append(shifts, shift)
	}

	return shifts, nil
}

// addExceptionDates removes EXDATE instances from the set. A single EXDATE
// line may list several comma-separated values.
func addExceptionDates(set *rrule.Set, event *ical.Component, loc *time.Location) {
	for _, prop := range event.Props.Values(ical.PropExceptionDates) {
		for _, value := range strings.Split(prop.Value, ",") {
			single := prop
			single.Value = strings.TrimSpace(value)
			if single.Value == "" {
				continue
			}
			if t, err := single.DateTime(loc); err == nil {
				set.ExDate(t)
			}
		}
	}
}
