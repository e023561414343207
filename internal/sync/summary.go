package sync

import (
	"encoding/json"
	"fmt"
)

// OutcomeStatus is what happened to one shift.
type OutcomeStatus string

const (
	StatusSynced  OutcomeStatus = "synced"
	StatusSkipped OutcomeStatus = "skipped"
	StatusFailed  OutcomeStatus = "failed"
)

// Outcome records the result for a single shift.
type Outcome struct {
	Status  OutcomeStatus
	ShiftID string
	Title   string
	// Reason explains a skip or carries the failure message.
	Reason  string
	EventID string
	Link    string
	// Err is the failure, a *DuplicateCheckError or *EventCreateError.
	Err error
}

func (o Outcome) failed(err error) Outcome {
	o.Status = StatusFailed
	o.Reason = err.Error()
	o.Err = err
	return o
}

// MarshalJSON renders the outcome the way the web client expects it: created
// events carry gcalId/gcalLink, skips a reason and failures an error.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		GcalID   string `json:"gcalId,omitempty"`
		GcalLink string `json:"gcalLink,omitempty"`
		Reason   string `json:"reason,omitempty"`
		Error    string `json:"error,omitempty"`
	}{
		ID:       o.ShiftID,
		Title:    o.Title,
		GcalID:   o.EventID,
		GcalLink: o.Link,
	}
	if o.Status == StatusFailed {
		out.Error = o.Reason
	} else {
		out.Reason = o.Reason
	}
	return json.Marshal(out)
}

// Summary is the report of one Sync call.
type Summary struct {
	Total      int
	Synced     int
	Skipped    int
	Failed     int
	CalendarID string
	// Outcomes holds one entry per processed shift, in processing order.
	Outcomes []Outcome
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	s.Total++
	switch o.Status {
	case StatusSynced:
		s.Synced++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// Details groups the outcomes by status.
type Details struct {
	Synced  []Outcome `json:"synced"`
	Skipped []Outcome `json:"skipped"`
	Failed  []Outcome `json:"failed"`
}

// Details splits the outcomes into their status groups.
func (s *Summary) Details() Details {
	d := Details{
		Synced:  []Outcome{},
		Skipped: []Outcome{},
		Failed:  []Outcome{},
	}
	for _, o := range s.Outcomes {
		switch o.Status {
		case StatusSynced:
			d.Synced = append(d.Synced, o)
		case StatusSkipped:
			d.Skipped = append(d.Skipped, o)
		case StatusFailed:
			d.Failed = append(d.Failed, o)
		}
	}
	return d
}

// DuplicateCheckError wraps a failed duplicate lookup.
type DuplicateCheckError struct {
	ShiftID string
	Err     error
}

func (e *DuplicateCheckError) Error() string { return e.Err.Error() }
func (e *DuplicateCheckError) Unwrap() error { return e.Err }

// EventCreateError wraps a failed event insert.
type EventCreateError struct {
	ShiftID string
	Err     error
}

func (e *EventCreateError) Error() string { return e.Err.Error() }
func (e *EventCreateError) Unwrap() error { return e.Err }

// String gives a one-line summary for logs and the CLI.
func (s *Summary) String() string {
	return fmt.Sprintf("%d shifts: %d synced, %d skipped, %d failed (calendar %s)",
		s.Total, s.Synced, s.Skipped, s.Failed, s.CalendarID)
}
