package model

import (
	"fmt"
	"strings"
	"time"
)

// Event is one concrete occurrence after normalization. Recurring templates
// expand into one Event per instance; UID is unique per instance.
type Event struct {
	// UID is the iCalendar UID for single events, or UID + ISO instant for
	// expanded recurrence instances.
	UID string
	// BaseUID is the iCalendar UID of the owning VEVENT.
	BaseUID string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone. End >= Start.
	Start time.Time
	End   time.Time

	// Alarms is never nil after normalization.
	Alarms []Alarm
}

// Alarm is a VALARM attached to an event.
type Alarm struct {
	Trigger Trigger
	Action  string
}

// TriggerKind tags which Trigger fields are meaningful.
type TriggerKind int

const (
	// TriggerBeforeStart fires Offset before the anchor.
	TriggerBeforeStart TriggerKind = iota
	// TriggerAfterStart fires Offset after the anchor (zero offset means at start).
	TriggerAfterStart
	// TriggerAbsolute fires at At regardless of the event.
	TriggerAbsolute
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerBeforeStart:
		return "before"
	case TriggerAfterStart:
		return "after"
	case TriggerAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("TriggerKind(%d)", int(k))
	}
}

// Trigger is decided once during parsing and never re-inspected.
type Trigger struct {
	Kind TriggerKind
	// Offset is non-negative; the sign lives in Kind.
	Offset time.Duration
	// At is set for TriggerAbsolute only.
	At time.Time
	// FromEnd anchors relative triggers on the event end (RELATED=END).
	FromEnd bool
}

func BeforeStart(d time.Duration) Trigger { return Trigger{Kind: TriggerBeforeStart, Offset: d} }
func AfterStart(d time.Duration) Trigger  { return Trigger{Kind: TriggerAfterStart, Offset: d} }
func AbsoluteAt(t time.Time) Trigger      { return Trigger{Kind: TriggerAbsolute, At: t} }

// Instant returns when the alarm is due for an event spanning [start, end].
func (t Trigger) Instant(start, end time.Time) time.Time {
	if t.Kind == TriggerAbsolute {
		return t.At
	}
	anchor := start
	if t.FromEnd {
		anchor = end
	}
	if t.Kind == TriggerBeforeStart {
		return anchor.Add(-t.Offset)
	}
	return anchor.Add(t.Offset)
}

// String is the stable trigger descriptor used in reminder dedup keys.
func (t Trigger) String() string {
	if t.Kind == TriggerAbsolute {
		return "@" + t.At.UTC().Format(time.RFC3339)
	}
	sign := "+"
	if t.Kind == TriggerBeforeStart {
		sign = "-"
	}
	s := sign + FormatDuration(t.Offset)
	if t.FromEnd {
		s += ";END"
	}
	return s
}

// FormatDuration renders d as an RFC 5545 dur-value without sign,
// e.g. PT15M, P1DT2H, PT0S.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	var b strings.Builder
	b.WriteString("P")
	day := 24 * time.Hour
	if days := d / day; days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		d -= days * day
	}
	if d == 0 {
		if b.Len() == 1 {
			return "PT0S"
		}
		return b.String()
	}
	b.WriteString("T")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if d > 0 {
		fmt.Fprintf(&b, "%dS", d/time.Second)
	}
	return b.String()
}

// ReminderKey is the dedup key of one (occurrence, alarm trigger) pair.
func ReminderKey(uid string, t Trigger) string {
	return uid + "|" + t.String()
}
