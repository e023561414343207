package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/adbeework/shiftsync/internal/calendar"
	"github.com/adbeework/shiftsync/internal/feed"
	"github.com/adbeework/shiftsync/internal/notify"
)

const (
	// DuplicateWindow is how far apart two starts may be for events with the
	// same title to count as the same shift.
	DuplicateWindow = time.Minute

	DefaultCalendarID = calendar.PrimaryCalendarID
	DefaultTimeZone   = "America/New_York"

	// ProvenanceTag marks events created by the sync in their description.
	ProvenanceTag = "[Auto-synced from SocialSchedules]"

	// ReasonAlreadyExists is the skip reason for shifts found in the calendar.
	ReasonAlreadyExists = "Already exists"
)

// ErrNoCredentials is returned when Sync is called without a token.
var ErrNoCredentials = errors.New("not authenticated: no calendar credentials")

// Request carries the per-call options of a sync.
type Request struct {
	// SelectedIDs restricts the sync to these shift IDs. nil selects every
	// shift; an empty non-nil slice selects none.
	SelectedIDs []string
	CalendarID  string
	TimeZone    string
	NotifySelf  bool
}

// Reconciler pushes shifts into the destination calendar, creating what is
// missing and leaving everything else alone.
type Reconciler struct {
	provider calendar.Provider

	// DuplicateWindow overrides the package DuplicateWindow when non-zero.
	DuplicateWindow time.Duration

	// Notifier, when set together with NotifyDestination, receives a short
	// announcement after every sync that created at least one event.
	Notifier          notify.Notifier
	NotifyDestination string

	pending gosync.WaitGroup
}

// NewReconciler creates a Reconciler writing through provider.
func NewReconciler(provider calendar.Provider) *Reconciler {
	return &Reconciler{provider: provider}
}

// Sync reconciles the selected shifts of all against the destination
// calendar. Shifts are handled one at a time, in order; a failure on one shift
// is recorded in its outcome and never stops the batch. The returned error is
// only set when the request itself is unusable.
//
// Cancelling ctx does not interrupt a running batch.
func (r *Reconciler) Sync(ctx context.Context, creds *oauth2.Token, all []feed.Shift, req Request) (*Summary, error) {
	if creds == nil {
		return nil, ErrNoCredentials
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	timeZone := req.TimeZone
	if timeZone == "" {
		timeZone = DefaultTimeZone
	}
	if _, err := time.LoadLocation(timeZone); err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", timeZone, err)
	}

	ctx = context.WithoutCancel(ctx)
	selected := selectShifts(all, req.SelectedIDs)

	slog.InfoContext(ctx, "Starting sync", "shifts", len(selected), "calendar", calendarID)

	summary := &Summary{
		CalendarID: calendarID,
		Outcomes:   make([]Outcome, 0, len(selected)),
	}
	for _, shift := range selected {
		outcome := r.syncShift(ctx, creds, shift, calendarID, timeZone, req.NotifySelf)
		summary.add(outcome)
		recordOutcome(ctx, outcome.Status)
	}

	slog.InfoContext(ctx, "Sync complete",
		"total", summary.Total,
		"synced", summary.Synced,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)

	r.announce(ctx, summary)

	return summary, nil
}

func (r *Reconciler) syncShift(ctx context.Context, creds *oauth2.Token, shift feed.Shift, calendarID, timeZone string, notifySelf bool) Outcome {
	outcome := Outcome{ShiftID: shift.ID, Title: shift.Title}

	exists, err := r.provider.FindMatchingEvent(ctx, creds, calendarID, shift.Title, shift.Start, r.window())
	if err != nil {
		err = &DuplicateCheckError{ShiftID: shift.ID, Err: err}
		slog.WarnContext(ctx, "failed to check for existing event", "shift", shift.ID, "title", shift.Title, "error", err)
		return outcome.failed(err)
	}
	if exists {
		slog.DebugContext(ctx, "Skipping existing event", "shift", shift.ID, "title", shift.Title)
		outcome.Status = StatusSkipped
		outcome.Reason = ReasonAlreadyExists
		return outcome
	}

	created, err := r.provider.CreateEvent(ctx, creds, BuildEventPayload(shift, timeZone), notifySelf, calendarID)
	if err != nil {
		err = &EventCreateError{ShiftID: shift.ID, Err: err}
		slog.WarnContext(ctx, "failed to insert event", "shift", shift.ID, "title", shift.Title, "error", err)
		return outcome.failed(err)
	}

	slog.InfoContext(ctx, "Inserted new event", "shift", shift.ID, "title", shift.Title, "event", created.ID)
	outcome.Status = StatusSynced
	outcome.EventID = created.ID
	outcome.Link = created.Link
	return outcome
}

func (r *Reconciler) window() time.Duration {
	if r.DuplicateWindow > 0 {
		return r.DuplicateWindow
	}
	return DuplicateWindow
}

// announce sends the post-sync message in the background. Delivery problems
// are logged and otherwise ignored.
func (r *Reconciler) announce(ctx context.Context, summary *Summary) {
	if r.Notifier == nil || r.NotifyDestination == "" || summary.Synced == 0 {
		return
	}

	text := AnnouncementText(summary.Synced)
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := r.Notifier.Notify(ctx, r.NotifyDestination, text); err != nil {
			slog.ErrorContext(ctx, "failed to send sync notification", "error", err)
		}
	}()
}

// Wait blocks until background notifications started by Sync have finished.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

// AnnouncementText is the group message sent after n shifts were synced.
func AnnouncementText(n int) string {
	return fmt.Sprintf("🐝 adBeeWork: just synced %d shifts to my Google Calendar!", n)
}

// BuildEventPayload maps a shift to the event the calendar receives.
func BuildEventPayload(shift feed.Shift, timeZone string) *calendar.EventPayload {
	description := ProvenanceTag
	if shift.Description != "" {
		description = shift.Description + "\n\n" + ProvenanceTag
	}

	return &calendar.EventPayload{
		Title:       shift.Title,
		Description: description,
		Location:    shift.Location,
		Start:       shift.Start,
		End:         shift.End,
		TimeZone:    timeZone,
		ShiftID:     shift.ID,
	}
}

// selectShifts keeps the shifts named in ids, in feed order. IDs that do not
// appear in all are ignored.
func selectShifts(all []feed.Shift, ids []string) []feed.Shift {
	if ids == nil {
		return all
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	selected := make([]feed.Shift, 0, len(ids))
	for _, shift := range all {
		if _, ok := wanted[shift.ID]; ok {
			selected = append(selected, shift)
		}
	}
	return selected
}
