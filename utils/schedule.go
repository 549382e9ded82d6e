package utils

import (
	"fmt"
	"strings"
	"time"
)

// FollowUpDraft is the edit-time representation of one reminder message.
// RelativeDelayDays counts from the previous message in the chain, or from
// the original email for the first message. Storage uses absolute day
// offsets; ToAbsoluteDays/ToRelativeDays convert between the two.
type FollowUpDraft struct {
	RelativeDelayDays int    `json:"relative_delay_days"`
	SendTime          string `json:"send_time"`
	Subject           string `json:"subject"`
	BodyHTML          string `json:"body_html"`
}

// ValidationError reports the first invalid draft along with its zero-based
// index so the client can highlight the offending row. Validation is
// all-or-nothing: nothing is persisted when any draft fails.
type ValidationError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("follow-up %d: %s %s", e.Index+1, e.Field, e.Reason)
}

// ToAbsoluteDays converts per-message relative delays into day offsets
// measured from the original email's sent timestamp.
func ToAbsoluteDays(relative []int) []int {
	absolute := make([]int, len(relative))
	total := 0
	for i, d := range relative {
		total += d
		absolute[i] = total
	}
	return absolute
}

// ToRelativeDays converts stored absolute day offsets back into the
// per-message relative delays the UI edits. For any non-decreasing absolute
// sequence it is the exact inverse of ToAbsoluteDays.
func ToRelativeDays(absolute []int) []int {
	relative := make([]int, len(absolute))
	prev := 0
	for i, d := range absolute {
		relative[i] = d - prev
		prev = d
	}
	return relative
}

// DaysElapsed returns the number of whole days between reference and now,
// clamped at zero when now precedes reference.
func DaysElapsed(reference, now time.Time) int {
	if now.Before(reference) {
		return 0
	}
	return int(now.Sub(reference).Hours() / 24)
}

// AbsoluteSendInstant computes the instant a message becomes due: the
// calendar date of originalSentAt in loc, plus sendAfterDays days, at the
// given wall-clock time in loc.
func AbsoluteSendInstant(originalSentAt time.Time, sendAfterDays int, sendTime string, loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseSendTime(sendTime)
	if err != nil {
		return time.Time{}, err
	}
	day := originalSentAt.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day()+sendAfterDays, hour, minute, 0, 0, loc), nil
}

// ParseSendTime parses an "HH:MM" wall-clock time.
func ParseSendTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid send time %q: expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Both the empty string and a single empty rich-text paragraph count as
// "no content" when validating message bodies.
var emptyBodyPlaceholders = map[string]struct{}{
	"":              {},
	"<p></p>":       {},
	"<p> </p>":      {},
	"<p><br></p>":   {},
	"<p><br/></p>":  {},
	"<p><br /></p>": {},
}

func IsEmptyBody(bodyHTML string) bool {
	_, empty := emptyBodyPlaceholders[strings.TrimSpace(bodyHTML)]
	return empty
}

// ValidateDrafts checks an ordered draft list against the minimum-delay
// invariants. The first draft must land at least one day after "now" and
// strictly after the original send (whole-day granularity); every later
// draft must trail its predecessor by at least one day. originalSentAt is
// the anchor the first delay is measured from; for a sequence anchored to a
// not-yet-sent queued email the caller passes the scheduled send time (or
// now), which DaysElapsed clamps to zero elapsed days.
func ValidateDrafts(drafts []FollowUpDraft, originalSentAt, now time.Time) error {
	if len(drafts) == 0 {
		return &ValidationError{Index: 0, Field: "messages", Reason: "at least one follow-up is required"}
	}

	minFirst := DaysElapsed(originalSentAt, now) + 1
	for i, d := range drafts {
		if i == 0 {
			if d.RelativeDelayDays < minFirst {
				return &ValidationError{
					Index:  i,
					Field:  "relative_delay_days",
					Reason: fmt.Sprintf("must be at least %d days after the original email", minFirst),
				}
			}
		} else if d.RelativeDelayDays < 1 {
			return &ValidationError{
				Index:  i,
				Field:  "relative_delay_days",
				Reason: "must be at least 1 day after the previous follow-up",
			}
		}
		if _, _, err := ParseSendTime(d.SendTime); err != nil {
			return &ValidationError{Index: i, Field: "send_time", Reason: "must be a valid HH:MM time"}
		}
		if strings.TrimSpace(d.Subject) == "" {
			return &ValidationError{Index: i, Field: "subject", Reason: "must not be empty"}
		}
		if IsEmptyBody(d.BodyHTML) {
			return &ValidationError{Index: i, Field: "body_html", Reason: "must not be empty"}
		}
	}
	return nil
}
