package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the confirmation state of a shift as published by the feed.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusOther     Status = "OTHER"
)

// DefaultTitle is used when a feed entry carries no usable SUMMARY.
const DefaultTitle = "Work Shift"

// Shift is a normalized work-schedule entry derived from a feed event.
// Shifts are values; nothing in this module mutates one after it is built.
type Shift struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      Status    `json:"status"`
}

// normalizeStatus maps a raw STATUS value onto a Status. A missing status
// counts as confirmed, which is how SocialSchedules publishes approved shifts.
func normalizeStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(StatusConfirmed):
		return StatusConfirmed
	case string(StatusTentative):
		return StatusTentative
	default:
		return StatusOther
	}
}

// cleanTitle trims the summary and collapses internal whitespace runs.
func cleanTitle(summary string) string {
	title := strings.Join(strings.Fields(summary), " ")
	if title == "" {
		return DefaultTitle
	}
	return title
}

// fallbackID derives a stable identifier for entries published without a UID.
func fallbackID(summary string, start, end time.Time) string {
	sum := sha256.Sum256([]byte(summary + "|" + start.UTC().Format(time.RFC3339) + "|" + end.UTC().Format(time.RFC3339)))
	return "shift-" + hex.EncodeToString(sum[:8])
}

// instanceID identifies one occurrence of a recurring entry.
func instanceID(uid string, start time.Time) string {
	return uid + "/" + start.UTC().Format("20060102T150405Z")
}
