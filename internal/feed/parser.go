package feed

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/emersion/go-ical"
)

// DefaultRecurrenceHorizon bounds how far ahead recurring entries are expanded.
const DefaultRecurrenceHorizon = 90 * 24 * time.Hour

// Parser fetches an iCal feed and turns it into upcoming shifts.
type Parser struct {
	// Client performs the feed request. nil means http.DefaultClient.
	Client *http.Client
	// Location is applied to floating date-times. nil means UTC.
	Location *time.Location
	// Now is the reference clock for the past-shift filter.
	Now func() time.Time
	// RecurrenceHorizon limits RRULE expansion. Zero means DefaultRecurrenceHorizon.
	RecurrenceHorizon time.Duration
}

// NewParser returns a Parser using the default HTTP client and the wall clock.
func NewParser() *Parser {
	return &Parser{Now: time.Now}
}

// ParseFeed fetches the feed at rawURL with a default Parser.
func ParseFeed(ctx context.Context, rawURL string) ([]Shift, error) {
	return NewParser().ParseFeed(ctx, rawURL)
}

// ParseFeed validates rawURL, downloads the feed and returns its confirmed or
// tentative shifts that have not ended yet, ordered by start time. Every
// failure is reported as a *FetchError; a reachable feed without qualifying
// entries yields an empty slice.
func (p *Parser) ParseFeed(ctx context.Context, rawURL string) ([]Shift, error) {
	feedURL, err := ValidateURL(rawURL)
	if err != nil {
		recordFetch(ctx, "invalid_url")
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	body, err := p.fetch(ctx, feedURL)
	if err != nil {
		recordFetch(ctx, "fetch_error")
		slog.ErrorContext(ctx, "iCal fetch failed", "url", RedactURL(feedURL), "error", err)
		return nil, &FetchError{URL: feedURL, Err: err}
	}

	shifts, err := p.Parse(bytes.NewReader(body))
	if err != nil {
		recordFetch(ctx, "parse_error")
		slog.ErrorContext(ctx, "iCal parse failed", "url", RedactURL(feedURL), "error", err)
		return nil, &FetchError{URL: feedURL, Err: err}
	}

	recordFetch(ctx, "ok")
	slog.InfoContext(ctx, "iCal feed parsed", "url", RedactURL(feedURL), "shift_count", len(shifts))
	return shifts, nil
}

// Parse decodes an iCal payload and applies the shift filters.
func (p *Parser) Parse(r io.Reader) ([]Shift, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("feed contains no calendar data")
		}
		return nil, fmt.Errorf("failed to parse iCal data: %w", err)
	}

	now := p.now()
	loc := p.location()

	var events []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			events = append(events, child)
		}
	}

	overrides := collectOverrides(events, loc)

	shifts := make([]Shift, 0, len(events))
	for _, event := range events {
		if event.Props.Get(ical.PropRecurrenceRule) != nil && event.Props.Get(ical.PropRecurrenceID) == nil {
			expanded, err := p.expand(event, now, overrides)
			if err != nil {
				slog.Warn("failed to expand recurring event, skipping", "uid", uidOf(event), "error", err)
				continue
			}
			shifts = append(shifts, expanded...)
			continue
		}

		shift, ok := p.toShift(event, now)
		if !ok {
			continue
		}
		shifts = append(shifts, shift)
	}

	shifts = dedupeByID(shifts)
	sortShifts(shifts)
	return shifts, nil
}

// dedupeByID keeps one shift per ID. A later entry replaces an earlier one,
// so a UID repeated in the feed yields its last definition.
func dedupeByID(shifts []Shift) []Shift {
	index := make(map[string]int, len(shifts))
	out := shifts[:0]
	for _, shift := range shifts {
		if i, ok := index[shift.ID]; ok {
			slog.Debug("duplicate feed entry replaced", "id", shift.ID)
			out[i] = shift
			continue
		}
		index[shift.ID] = len(out)
		out = append(out, shift)
	}
	return out
}

// toShift applies the per-entry filters and builds a Shift.
func (p *Parser) toShift(event *ical.Component, now time.Time) (Shift, bool) {
	start, end, ok := bounds(event, p.location())
	if !ok {
		return Shift{}, false
	}
	if end.Before(now) || end.Before(start) {
		return Shift{}, false
	}

	shift, ok := baseShift(event, start, end)
	if !ok {
		return Shift{}, false
	}

	uid := uidOf(event)
	if rid := event.Props.Get(ical.PropRecurrenceID); rid != nil && uid != "" {
		if ridTime, err := rid.DateTime(p.location()); err == nil {
			shift.ID = instanceID(uid, ridTime)
		}
	}

	return shift, true
}

// baseShift fills the descriptive fields of a shift. It reports false for
// entries whose status is neither confirmed nor tentative.
func baseShift(event *ical.Component, start, end time.Time) (Shift, bool) {
	rawStatus, _ := event.Props.Text(ical.PropStatus)
	status := normalizeStatus(rawStatus)
	if status == StatusOther {
		return Shift{}, false
	}

	summary, _ := event.Props.Text(ical.PropSummary)
	description, _ := event.Props.Text(ical.PropDescription)
	location, _ := event.Props.Text(ical.PropLocation)

	id := uidOf(event)
	if id == "" {
		id = fallbackID(summary, start, end)
	}

	return Shift{
		ID:          id,
		Title:       cleanTitle(summary),
		Description: description,
		Location:    location,
		Start:       start,
		End:         end,
		Status:      status,
	}, true
}

// bounds returns the start and end of an entry. The end comes from DTEND or,
// failing that, DTSTART plus DURATION; entries with neither are rejected.
func bounds(event *ical.Component, loc *time.Location) (time.Time, time.Time, bool) {
	startProp := event.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return time.Time{}, time.Time{}, false
	}
	start, err := startProp.DateTime(loc)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	if endProp := event.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err := endProp.DateTime(loc)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return start, end, true
	}

	if durProp := event.Props.Get(ical.PropDuration); durProp != nil {
		dur, err := durProp.Duration()
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return start, start.Add(dur), true
	}

	return time.Time{}, time.Time{}, false
}

func uidOf(event *ical.Component) string {
	uid, _ := event.Props.Text(ical.PropUID)
	return uid
}

// sortShifts orders shifts by start instant. Equal starts fall back to the
// ID so the output does not depend on feed order.
func sortShifts(shifts []Shift) {
	slices.SortStableFunc(shifts, func(a, b Shift) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Parser) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

func (p *Parser) horizon() time.Duration {
	if p.RecurrenceHorizon > 0 {
		return p.RecurrenceHorizon
	}
	return DefaultRecurrenceHorizon
}
