package feed

import (
	"fmt"
	"io"
	"time"

	ics "github.com/arran4/golang-ical"
)

const productID = "-//adBeeWork//shiftsync//EN"

// Encode writes shifts as a cleaned iCal calendar, one VEVENT per shift.
// The output only carries fields Shift keeps, so re-parsing it yields the
// same shifts.
func Encode(w io.Writer, shifts []Shift, stamp time.Time) error {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName("Work Shifts")

	for _, shift := range shifts {
		event := cal.AddEvent(shift.ID)
		event.SetDtStampTime(stamp.UTC())
		event.SetStartAt(shift.Start.UTC())
		event.SetEndAt(shift.End.UTC())
		event.SetSummary(shift.Title)
		if shift.Description != "" {
			event.SetDescription(shift.Description)
		}
		if shift.Location != "" {
			event.SetLocation(shift.Location)
		}
		if shift.Status == StatusTentative {
			event.SetStatus(ics.ObjectStatusTentative)
		} else {
			event.SetStatus(ics.ObjectStatusConfirmed)
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	return nil
}
