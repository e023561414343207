package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	// PrimaryCalendarID addresses the user's default calendar.
	PrimaryCalendarID = "primary"

	// ShiftIDProperty is the private extended property holding the feed ID.
	ShiftIDProperty = "shiftId"

	defaultCalendarColor = "#4a90e2"
)

// ErrMissingCredentials is returned when a call is made without a token.
var ErrMissingCredentials = errors.New("missing calendar credentials")

// GoogleClient talks to the Google Calendar API. A calendar service is built
// per call from the caller's token, so one client serves many users.
type GoogleClient struct {
	opts []option.ClientOption
	now  func() time.Time
}

// NewGoogleClient creates a Google Calendar client. Extra options are
// appended after the credentials, which lets tests point it at a fake
// endpoint.
func NewGoogleClient(opts ...option.ClientOption) *GoogleClient {
	return &GoogleClient{opts: opts, now: time.Now}
}

func (c *GoogleClient) service(ctx context.Context, creds *oauth2.Token) (*gcal.Service, error) {
	if creds == nil {
		return nil, ErrMissingCredentials
	}

	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(creds))}, c.opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// FindMatchingEvent reports whether calendarID already holds a non-cancelled
// event titled title whose start lies within window of approxStart.
func (c *GoogleClient) FindMatchingEvent(ctx context.Context, creds *oauth2.Token, calendarID, title string, approxStart time.Time, window time.Duration) (bool, error) {
	service, err := c.service(ctx, creds)
	if err != nil {
		return false, err
	}

	timeMin := approxStart.Add(-window)
	timeMax := approxStart.Add(window)

	events, err := service.Events.List(calendarIDOrPrimary(calendarID)).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		Q(title).
		SingleEvents(true).
		Context(ctx).
		Do()
	if err != nil {
		return false, fmt.Errorf("failed to list events: %w", err)
	}

	for _, event := range events.Items {
		if event.Status == "cancelled" || strings.TrimSpace(event.Summary) != title {
			continue
		}
		start, _, err := eventStart(event)
		if err != nil {
			continue
		}
		if !start.Before(timeMin) && !start.After(timeMax) {
			return true, nil
		}
	}

	return false, nil
}

// CreateEvent inserts the payload into calendarID. With notify unset the
// insert is silent (sendUpdates=none); otherwise Google sends the usual
// notifications, which for an attendee-less event reach only the owner.
func (c *GoogleClient) CreateEvent(ctx context.Context, creds *oauth2.Token, payload *EventPayload, notify bool, calendarID string) (*CreatedEvent, error) {
	service, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	event := &gcal.Event{
		Summary:     payload.Title,
		Description: payload.Description,
		Location:    payload.Location,
		Start:       eventDateTime(payload.Start, payload.TimeZone),
		End:         eventDateTime(payload.End, payload.TimeZone),
		Reminders: &gcal.EventReminders{
			UseDefault: true,
		},
	}
	if payload.ShiftID != "" {
		event.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{ShiftIDProperty: payload.ShiftID},
		}
	}

	sendUpdates := "none"
	if notify {
		sendUpdates = "all"
	}

	created, err := service.Events.Insert(calendarIDOrPrimary(calendarID), event).
		SendUpdates(sendUpdates).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	return &CreatedEvent{ID: created.Id, Link: created.HtmlLink}, nil
}

// ListCalendars returns the calendars the user owns or can write to.
func (c *GoogleClient) ListCalendars(ctx context.Context, creds *oauth2.Token) ([]CalendarInfo, error) {
	service, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	list, err := service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	calendars := make([]CalendarInfo, 0, len(list.Items))
	for _, entry := range list.Items {
		if entry.AccessRole != "owner" && entry.AccessRole != "writer" {
			continue
		}
		color := entry.BackgroundColor
		if color == "" {
			color = defaultCalendarColor
		}
		calendars = append(calendars, CalendarInfo{
			ID:          entry.Id,
			Name:        entry.Summary,
			Description: entry.Description,
			IsPrimary:   entry.Primary,
			Color:       color,
			AccessRole:  entry.AccessRole,
		})
	}

	return calendars, nil
}

// ListUpcomingEvents returns the next events on the primary calendar.
func (c *GoogleClient) ListUpcomingEvents(ctx context.Context, creds *oauth2.Token, maxResults int64) ([]UpcomingEvent, error) {
	service, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = 20
	}

	list, err := service.Events.List(PrimaryCalendarID).
		TimeMin(c.now().Format(time.RFC3339)).
		MaxResults(maxResults).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]UpcomingEvent, 0, len(list.Items))
	for _, item := range list.Items {
		start, allDay, err := eventStart(item)
		if err != nil {
			continue
		}
		end, _ := parseEventDateTime(item.End)
		events = append(events, UpcomingEvent{
			ID:       item.Id,
			Title:    item.Summary,
			Location: item.Location,
			Start:    start,
			End:      end,
			AllDay:   allDay,
			Link:     item.HtmlLink,
		})
	}

	return events, nil
}

// DeleteEvent removes an event without notifying anyone.
func (c *GoogleClient) DeleteEvent(ctx context.Context, creds *oauth2.Token, calendarID, eventID string) error {
	service, err := c.service(ctx, creds)
	if err != nil {
		return err
	}

	err = service.Events.Delete(calendarIDOrPrimary(calendarID), eventID).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	return nil
}

func calendarIDOrPrimary(calendarID string) string {
	if calendarID == "" {
		return PrimaryCalendarID
	}
	return calendarID
}

// eventDateTime renders t as wall time in timeZone so the event shows up at
// the same local time the feed published.
func eventDateTime(t time.Time, timeZone string) *gcal.EventDateTime {
	if loc, err := time.LoadLocation(timeZone); err == nil && timeZone != "" {
		t = t.In(loc)
	}
	return &gcal.EventDateTime{
		DateTime: t.Format(time.RFC3339),
		TimeZone: timeZone,
	}
}

// eventStart returns the start of an event and whether it is all-day.
func eventStart(event *gcal.Event) (time.Time, bool, error) {
	if event.Start == nil {
		return time.Time{}, false, errors.New("event has no start")
	}
	t, err := parseEventDateTime(event.Start)
	return t, event.Start.DateTime == "" && event.Start.Date != "", err
}

func parseEventDateTime(dt *gcal.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, errors.New("missing date")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	return time.Parse("2006-01-02", dt.Date)
}
