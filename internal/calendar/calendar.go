package calendar

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// EventPayload is the event the reconciler asks the provider to create.
type EventPayload struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	// ShiftID is stored on the created event so it can be traced back to
	// the feed entry.
	ShiftID string
}

// CreatedEvent is what the provider reports back after creating an event.
type CreatedEvent struct {
	ID   string
	Link string
}

// CalendarInfo describes a calendar the user can write to.
type CalendarInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrimary   bool   `json:"isPrimary"`
	Color       string `json:"color"`
	AccessRole  string `json:"accessRole"`
}

// UpcomingEvent is a trimmed view of an existing destination event.
type UpcomingEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Location string    `json:"location,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"allDay,omitempty"`
	Link     string    `json:"link,omitempty"`
}

// Provider is the destination calendar as seen by the reconciler. The
// credentials are opaque to callers and used as-is; an expired token
// surfaces as an error from the call that used it.
type Provider interface {
	FindMatchingEvent(ctx context.Context, creds *oauth2.Token, calendarID, title string, approxStart time.Time, window time.Duration) (bool, error)
	CreateEvent(ctx context.Context, creds *oauth2.Token, payload *EventPayload, notify bool, calendarID string) (*CreatedEvent, error)
}

// Browser exposes the read and cleanup operations used by the HTTP API.
type Browser interface {
	ListCalendars(ctx context.Context, creds *oauth2.Token) ([]CalendarInfo, error)
	ListUpcomingEvents(ctx context.Context, creds *oauth2.Token, maxResults int64) ([]UpcomingEvent, error)
	DeleteEvent(ctx context.Context, creds *oauth2.Token, calendarID, eventID string) error
}
