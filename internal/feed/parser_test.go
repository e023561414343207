package feed

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
)

// frozenNow is Saturday 2026-10-17 12:00 UTC.
var frozenNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newTestParser() *Parser {
	return &Parser{Now: func() time.Time { return frozenNow }}
}

func calendarOf(events ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//SocialSchedules//EN\r\n" +
		strings.Join(events, "") +
		"END:VCALENDAR\r\n"
}

func vevent(lines ...string) string {
	return "BEGIN:VEVENT\r\nDTSTAMP:20261001T000000Z\r\n" + strings.Join(lines, "\r\n") + "\r\nEND:VEVENT\r\n"
}

func parseString(t *testing.T, p *Parser, data string) []Shift {
	t.Helper()
	shifts, err := p.Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("Parse() returned an error: %v", err)
	}
	return shifts
}

func TestParse_ConfirmedShift(t *testing.T) {
	data := calendarOf(vevent(
		"UID:shift-1@socialschedules",
		"SUMMARY:Barista Shift",
		"DTSTART:20261018T150000Z",
		"DTEND:20261018T190000Z",
		"STATUS:CONFIRMED",
	))

	shifts := parseString(t, newTestParser(), data)

	want := []Shift{{
		ID:     "shift-1@socialschedules",
		Title:  "Barista Shift",
		Start:  time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC),
		Status: StatusConfirmed,
	}}
	if diff := cmp.Diff(want, shifts); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_RepeatedUIDKeepsLastEntry(t *testing.T) {
	data := calendarOf(
		vevent(
			"UID:dup",
			"SUMMARY:Morning Shift",
			"DTSTART:20261018T090000Z",
			"DTEND:20261018T130000Z",
		),
		vevent(
			"UID:other",
			"SUMMARY:Close",
			"DTSTART:20261019T180000Z",
			"DTEND:20261019T220000Z",
		),
		vevent(
			"UID:dup",
			"SUMMARY:Morning Shift (moved)",
			"DTSTART:20261018T100000Z",
			"DTEND:20261018T140000Z",
		),
	)

	shifts := parseString(t, newTestParser(), data)

	want := []Shift{
		{
			ID:     "dup",
			Title:  "Morning Shift (moved)",
			Start:  time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC),
			End:    time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC),
			Status: StatusConfirmed,
		},
		{
			ID:     "other",
			Title:  "Close",
			Start:  time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC),
			End:    time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC),
			Status: StatusConfirmed,
		},
	}
	if diff := cmp.Diff(want, shifts); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_PastShiftExcluded(t *testing.T) {
	data := calendarOf(vevent(
		"UID:yesterday",
		"SUMMARY:Barista Shift",
		"DTSTART:20261016T150000Z",
		"DTEND:20261016T190000Z",
		"STATUS:CONFIRMED",
	))

	shifts := parseString(t, newTestParser(), data)
	if len(shifts) != 0 {
		t.Errorf("Expected past shift to be excluded, got %d shifts", len(shifts))
	}
}

func TestParse_OngoingShiftKept(t *testing.T) {
	data := calendarOf(vevent(
		"UID:ongoing",
		"SUMMARY:Opening",
		"DTSTART:20261017T080000Z",
		"DTEND:20261017T130000Z",
	))

	shifts := parseString(t, newTestParser(), data)
	if len(shifts) != 1 {
		t.Fatalf("Expected ongoing shift to be kept, got %d shifts", len(shifts))
	}
	if shifts[0].Status != StatusConfirmed {
		t.Errorf("Expected missing status to normalize to CONFIRMED, got %q", shifts[0].Status)
	}
}

func TestParse_StatusFilter(t *testing.T) {
	data := calendarOf(
		vevent("UID:confirmed", "DTSTART:20261018T090000Z", "DTEND:20261018T100000Z", "STATUS:CONFIRMED"),
		vevent("UID:tentative", "DTSTART:20261018T110000Z", "DTEND:20261018T120000Z", "STATUS:tentative"),
		vevent("UID:cancelled", "DTSTART:20261018T130000Z", "DTEND:20261018T140000Z", "STATUS:CANCELLED"),
		vevent("UID:none", "DTSTART:20261018T150000Z", "DTEND:20261018T160000Z"),
	)

	shifts := parseString(t, newTestParser(), data)

	got := map[string]Status{}
	for _, s := range shifts {
		got[s.ID] = s.Status
	}
	want := map[string]Status{
		"confirmed": StatusConfirmed,
		"tentative": StatusTentative,
		"none":      StatusConfirmed,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status filter mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_MissingBoundsDiscarded(t *testing.T) {
	data := calendarOf(
		vevent("UID:no-end", "SUMMARY:No end", "DTSTART:20261018T090000Z"),
		vevent("UID:no-start", "SUMMARY:No start", "DTEND:20261018T090000Z"),
		vevent("UID:reversed", "SUMMARY:Reversed", "DTSTART:20261018T100000Z", "DTEND:20261018T090000Z"),
		vevent("UID:duration", "SUMMARY:Duration", "DTSTART:20261018T090000Z", "DURATION:PT4H"),
	)

	shifts := parseString(t, newTestParser(), data)
	if len(shifts) != 1 {
		t.Fatalf("Expected only the DURATION entry to survive, got %d shifts", len(shifts))
	}
	if shifts[0].ID != "duration" {
		t.Errorf("Expected shift 'duration', got %q", shifts[0].ID)
	}
	if want := time.Date(2026, 10, 18, 13, 0, 0, 0, time.UTC); !shifts[0].End.Equal(want) {
		t.Errorf("Expected end %v, got %v", want, shifts[0].End)
	}
}

func TestParse_SkipsNonEventComponents(t *testing.T) {
	data := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//SocialSchedules//EN\r\n" +
		"BEGIN:VTIMEZONE\r\nTZID:America/New_York\r\n" +
		"BEGIN:STANDARD\r\nDTSTART:20071104T020000\r\nTZOFFSETFROM:-0400\r\nTZOFFSETTO:-0500\r\nEND:STANDARD\r\n" +
		"END:VTIMEZONE\r\n" +
		"BEGIN:VTODO\r\nUID:todo\r\nDTSTAMP:20261001T000000Z\r\nDTSTART:20261018T090000Z\r\nDUE:20261018T100000Z\r\nEND:VTODO\r\n" +
		vevent("UID:event", "SUMMARY:Close", "DTSTART:20261018T200000Z", "DTEND:20261018T230000Z") +
		"END:VCALENDAR\r\n"

	shifts := parseString(t, newTestParser(), data)
	if len(shifts) != 1 || shifts[0].ID != "event" {
		t.Errorf("Expected only the VEVENT to be emitted, got %+v", shifts)
	}
}

func TestParse_TitleNormalization(t *testing.T) {
	data := calendarOf(
		vevent("UID:spaces", "SUMMARY:  Barista\t  Shift  ", "DTSTART:20261018T090000Z", "DTEND:20261018T100000Z"),
		vevent("UID:missing", "DTSTART:20261018T110000Z", "DTEND:20261018T120000Z", "DESCRIPTION:Bring apron", "LOCATION:Main St"),
	)

	shifts := parseString(t, newTestParser(), data)
	if len(shifts) != 2 {
		t.Fatalf("Expected 2 shifts, got %d", len(shifts))
	}
	if shifts[0].Title != "Barista Shift" {
		t.Errorf("Expected collapsed title 'Barista Shift', got %q", shifts[0].Title)
	}
	if shifts[1].Title != DefaultTitle {
		t.Errorf("Expected default title %q, got %q", DefaultTitle, shifts[1].Title)
	}
	if shifts[1].Description != "Bring apron" || shifts[1].Location != "Main St" {
		t.Errorf("Expected description/location to pass through, got %q / %q", shifts[1].Description, shifts[1].Location)
	}
	if shifts[0].Description != "" || shifts[0].Location != "" {
		t.Errorf("Expected empty description/location, got %q / %q", shifts[0].Description, shifts[0].Location)
	}
}

func TestParse_FallbackID(t *testing.T) {
	data := calendarOf(vevent("SUMMARY:Barista Shift", "DTSTART:20261018T150000Z", "DTEND:20261018T190000Z"))

	first := parseString(t, newTestParser(), data)
	second := parseString(t, newTestParser(), data)
	if len(first) != 1 {
		t.Fatalf("Expected 1 shift, got %d", len(first))
	}
	if !strings.HasPrefix(first[0].ID, "shift-") {
		t.Errorf("Expected fallback ID with 'shift-' prefix, got %q", first[0].ID)
	}
	if first[0].ID != second[0].ID {
		t.Errorf("Expected fallback ID to be stable, got %q and %q", first[0].ID, second[0].ID)
	}
}

func TestParse_SortedWithTieBreak(t *testing.T) {
	data := calendarOf(
		vevent("UID:c", "DTSTART:20261020T090000Z", "DTEND:20261020T100000Z"),
		vevent("UID:b", "DTSTART:20261018T090000Z", "DTEND:20261018T100000Z"),
		vevent("UID:a", "DTSTART:20261018T090000Z", "DTEND:20261018T110000Z"),
		vevent("UID:d", "DTSTART:20261019T090000Z", "DTEND:20261019T100000Z"),
	)

	shifts := parseString(t, newTestParser(), data)

	var ids []string
	for i, s := range shifts {
		ids = append(ids, s.ID)
		if i > 0 && shifts[i-1].Start.After(s.Start) {
			t.Errorf("shift %d starts before shift %d", i, i-1)
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "d", "c"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_OutputProperties(t *testing.T) {
	data := calendarOf(
		vevent("UID:1", "DTSTART:20261015T090000Z", "DTEND:20261015T100000Z"),
		vevent("UID:2", "DTSTART:20261017T090000Z", "DTEND:20261017T120000Z"),
		vevent("UID:3", "DTSTART:20261019T090000Z", "DTEND:20261019T100000Z", "STATUS:TENTATIVE"),
		vevent("UID:4", "DTSTART:20261021T090000Z", "DTEND:20261021T100000Z", "STATUS:CANCELLED"),
		vevent("UID:5", "DTSTART:20261022T090000Z", "DTEND:20261022T100000Z", "STATUS:NEEDS-ACTION"),
	)

	for _, s := range parseString(t, newTestParser(), data) {
		if s.Start.After(s.End) {
			t.Errorf("shift %s: start %v after end %v", s.ID, s.Start, s.End)
		}
		if s.End.Before(frozenNow) {
			t.Errorf("shift %s: ended at %v, before now", s.ID, s.End)
		}
		if s.Status != StatusConfirmed && s.Status != StatusTentative {
			t.Errorf("shift %s: unexpected status %q", s.ID, s.Status)
		}
	}
}

func TestParse_Idempotent(t *testing.T) {
	data := calendarOf(
		vevent("UID:x", "SUMMARY:Barista Shift", "DTSTART:20261018T150000Z", "DTEND:20261018T190000Z"),
		vevent("SUMMARY:Cashier", "DTSTART:20261018T150000Z", "DTEND:20261018T170000Z"),
		vevent("UID:y", "SUMMARY:Close", "DTSTART:20261019T200000Z", "DTEND:20261019T230000Z", "STATUS:TENTATIVE"),
	)

	first := parseString(t, newTestParser(), data)
	second := parseString(t, newTestParser(), data)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("parsing twice differs (-first +second):\n%s", diff)
	}
}

func TestParse_TimeZoneAware(t *testing.T) {
	data := calendarOf(vevent(
		"UID:tz",
		"SUMMARY:Barista Shift",
		"DTSTART;TZID=America/New_York:20261018T150000",
		"DTEND;TZID=America/New_York:20261018T190000",
	))

	shifts := parseString(t, newTestParser(), data)
	if len(shifts) != 1 {
		t.Fatalf("Expected 1 shift, got %d", len(shifts))
	}
	if want := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC); !shifts[0].Start.Equal(want) {
		t.Errorf("Expected start %v, got %v", want, shifts[0].Start.UTC())
	}
	if name := shifts[0].Start.Location().String(); name != "America/New_York" {
		t.Errorf("Expected start location America/New_York, got %s", name)
	}
}

func TestParse_RecurringShift(t *testing.T) {
	data := calendarOf(
		vevent(
			"UID:weekly",
			"SUMMARY:Barista Shift",
			"DTSTART:20261010T150000Z",
			"DTEND:20261010T190000Z",
			"RRULE:FREQ=WEEKLY;COUNT=5",
			"EXDATE:20261024T150000Z",
		),
		vevent(
			"UID:weekly",
			"SUMMARY:Barista Shift (late)",
			"RECURRENCE-ID:20261031T150000Z",
			"DTSTART:20261031T160000Z",
			"DTEND:20261031T200000Z",
		),
	)

	shifts := parseString(t, newTestParser(), data)

	type row struct {
		ID    string
		Title string
		Start time.Time
	}
	var got []row
	for _, s := range shifts {
		got = append(got, row{s.ID, s.Title, s.Start.UTC()})
	}
	want := []row{
		{"weekly/20261017T150000Z", "Barista Shift", time.Date(2026, 10, 17, 15, 0, 0, 0, time.UTC)},
		{"weekly/20261031T150000Z", "Barista Shift (late)", time.Date(2026, 10, 31, 16, 0, 0, 0, time.UTC)},
		{"weekly/20261107T150000Z", "Barista Shift", time.Date(2026, 11, 7, 15, 0, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("recurrence expansion mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_RecurrenceHorizon(t *testing.T) {
	data := calendarOf(vevent(
		"UID:daily",
		"SUMMARY:Prep",
		"DTSTART:20261018T090000Z",
		"DTEND:20261018T100000Z",
		"RRULE:FREQ=DAILY",
	))

	p := newTestParser()
	p.RecurrenceHorizon = 7 * 24 * time.Hour

	shifts := parseString(t, p, data)
	if len(shifts) != 7 {
		t.Errorf("Expected 7 occurrences inside a one week horizon, got %d", len(shifts))
	}
}

func TestParse_NotACalendar(t *testing.T) {
	if _, err := newTestParser().Parse(strings.NewReader("<html><body>Sign in</body></html>")); err == nil {
		t.Error("Expected an error for a non-calendar payload")
	}
	if _, err := newTestParser().Parse(strings.NewReader("")); err == nil {
		t.Error("Expected an error for an empty payload")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestParseFeed_InvalidURLBeforeNetwork(t *testing.T) {
	called := false
	p := newTestParser()
	p.Client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("unexpected request")
	})}

	for _, raw := range []string{"not-a-url", "", "ftp://example.com/feed.ics", "http://"} {
		_, err := p.ParseFeed(context.Background(), raw)

		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			t.Errorf("ParseFeed(%q): expected *FetchError, got %v", raw, err)
			continue
		}
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ParseFeed(%q): expected ErrInvalidURL, got %v", raw, err)
		}
	}
	if called {
		t.Error("Expected no network access for invalid URLs")
	}
}

func TestParseFeed_FetchesOverHTTP(t *testing.T) {
	body := calendarOf(vevent(
		"UID:shift-1",
		"SUMMARY:Barista Shift",
		"DTSTART:20261018T150000Z",
		"DTEND:20261018T190000Z",
		"STATUS:CONFIRMED",
	))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	p := newTestParser()
	p.Client = srv.Client()

	shifts, err := p.ParseFeed(context.Background(), srv.URL+"/feed.ics")
	if err != nil {
		t.Fatalf("ParseFeed() returned an error: %v", err)
	}
	if len(shifts) != 1 || shifts[0].Title != "Barista Shift" || shifts[0].Status != StatusConfirmed {
		t.Errorf("unexpected shifts: %+v", shifts)
	}
}

func TestParseFeed_EmptyFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(calendarOf()))
	}))
	defer srv.Close()

	p := newTestParser()
	p.Client = srv.Client()

	shifts, err := p.ParseFeed(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ParseFeed() returned an error: %v", err)
	}
	if len(shifts) != 0 {
		t.Errorf("Expected no shifts, got %d", len(shifts))
	}
}

func TestParseFeed_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}},
		{"html payload", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>login</html>"))
		}},
		{"empty payload", func(w http.ResponseWriter, r *http.Request) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p := newTestParser()
			p.Client = srv.Client()

			_, err := p.ParseFeed(context.Background(), srv.URL)
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("Expected *FetchError, got %v", err)
			}
			if !strings.HasPrefix(err.Error(), "could not fetch iCal feed:") {
				t.Errorf("unexpected error message: %v", err)
			}
		})
	}
}

func TestParseFeed_NetworkError(t *testing.T) {
	p := newTestParser()
	p.Client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}

	_, err := p.ParseFeed(context.Background(), "https://socialschedules.example/feed.ics")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Expected *FetchError, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Expected underlying message in error, got %v", err)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://socialschedules.example/cal/abc.ics", want: "https://socialschedules.example/cal/abc.ics"},
		{in: "  http://example.com/feed  ", want: "http://example.com/feed"},
		{in: "webcal://socialschedules.example/cal/abc.ics", want: "https://socialschedules.example/cal/abc.ics"},
		{in: "not-a-url", wantErr: true},
		{in: "mailto:someone@example.com", wantErr: true},
		{in: "/relative/path.ics", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ValidateURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ValidateURL(%q) expected an error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateURL(%q) returned an error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactURL(t *testing.T) {
	if got := RedactURL("https://socialschedules.example/cal/secret-token.ics?key=1"); got != "https://socialschedules.example/...(redacted)" {
		t.Errorf("unexpected redaction: %s", got)
	}
	if got := RedactURL("not-a-url"); got != "ics://...(redacted)" {
		t.Errorf("unexpected redaction: %s", got)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	data := calendarOf(
		vevent("UID:a", "SUMMARY:Barista Shift", "DTSTART:20261018T150000Z", "DTEND:20261018T190000Z",
			"DESCRIPTION:Bring apron\\, name tag", "LOCATION:Main St Cafe"),
		vevent("UID:b", "SUMMARY:Close", "DTSTART:20261019T200000Z", "DTEND:20261019T230000Z", "STATUS:TENTATIVE"),
	)
	p := newTestParser()
	shifts := parseString(t, p, data)

	var buf bytes.Buffer
	if err := Encode(&buf, shifts, frozenNow); err != nil {
		t.Fatalf("Encode() returned an error: %v", err)
	}

	again := parseString(t, p, buf.String())
	if diff := cmp.Diff(shifts, again); diff != "" {
		t.Errorf("round trip mismatch (-parsed +reparsed):\n%s", diff)
	}
}
