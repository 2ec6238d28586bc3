package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// ParseError reports a calendar file whose content could not be used.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Component is one VEVENT as read from a calendar file. A component is a
// recurrence override when RecurrenceID is set; EXDATE values on any component
// contribute to the exception set of its UID.
type Component struct {
	File string

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	RDates   []time.Time
	ExDates  []time.Time
	// ExDays holds date-only EXDATE values as YYYY-MM-DD in the event's zone.
	ExDays []string

	RecurrenceID *time.Time

	Alarms []model.Alarm
}

func (c Component) IsOverride() bool  { return c.RecurrenceID != nil }
func (c Component) IsRecurring() bool { return c.RawRRule != "" || len(c.RDates) > 0 }

// ParseICS parses one calendar file into components. Floating times (no TZID,
// no UTC suffix) are interpreted in loc.
//
// Any VEVENT without UID or DTSTART makes the whole file malformed. Alarms
// with unsupported triggers are dropped with a warning.
func ParseICS(file string, body []byte, loc *time.Location) ([]Component, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{File: file, Err: errors.New("empty ICS body")}
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{File: file, Err: err}
	}

	events := cal.Events()
	out := make([]Component, 0, len(events))
	for i, ve := range events {
		c, perr := parseVEvent(file, ve, loc)
		if perr != nil {
			return nil, &ParseError{File: file, Err: fmt.Errorf("vevent %d: %w", i, perr)}
		}
		out = append(out, c)
	}

	appLog.Debug("ics parse completed", "file", file, "event_count", len(out))
	return out, nil
}

func parseVEvent(file string, ve *ical.VEvent, loc *time.Location) (Component, error) {
	out := Component{File: file}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Seq = n
		}
	}

	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, fmt.Errorf("uid %s: missing DTSTART", out.UID)
	}
	starts, allDay, err := parseTimeProp(startProp, loc)
	if err != nil || len(starts) == 0 {
		return out, fmt.Errorf("uid %s: invalid DTSTART: %w", out.UID, errOrEmpty(err))
	}
	out.Start = starts[0]
	out.AllDay = allDay
	evLoc := out.Start.Location()

	out.End, err = parseEnd(ve, out.Start, allDay, evLoc)
	if err != nil {
		return out, fmt.Errorf("uid %s: %w", out.UID, err)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties("RDATE") {
		ts, _, err := parseTimeProp(p, evLoc)
		if err != nil {
			return out, fmt.Errorf("uid %s: invalid RDATE: %w", out.UID, err)
		}
		out.RDates = append(out.RDates, ts...)
	}

	// EXDATE can appear multiple times, each with a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		ts, dateOnly, err := parseTimeProp(p, evLoc)
		if err != nil {
			return out, fmt.Errorf("uid %s: invalid EXDATE: %w", out.UID, err)
		}
		if dateOnly && !allDay {
			for _, t := range ts {
				out.ExDays = append(out.ExDays, t.Format(time.DateOnly))
			}
			continue
		}
		out.ExDates = append(out.ExDates, ts...)
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		ts, _, err := parseTimeProp(p, evLoc)
		if err != nil || len(ts) == 0 {
			return out, fmt.Errorf("uid %s: invalid RECURRENCE-ID: %w", out.UID, errOrEmpty(err))
		}
		rid := ts[0]
		out.RecurrenceID = &rid
	}

	out.Alarms = parseAlarms(ve, out.UID)
	return out, nil
}

// parseEnd resolves DTEND, falling back to DURATION, then to a one-day span
// for all-day events, then to a zero-length event.
func parseEnd(ve *ical.VEvent, start time.Time, allDay bool, loc *time.Location) (time.Time, error) {
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		ends, _, err := parseTimeProp(p, loc)
		if err != nil || len(ends) == 0 {
			return time.Time{}, fmt.Errorf("invalid DTEND: %w", errOrEmpty(err))
		}
		if ends[0].Before(start) {
			return start, nil
		}
		return ends[0], nil
	}
	if p := ve.GetProperty("DURATION"); p != nil {
		d, err := ParseDuration(p.Value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid DURATION: %w", err)
		}
		if d < 0 {
			d = 0
		}
		return start.Add(d), nil
	}
	if allDay {
		return start.AddDate(0, 0, 1), nil
	}
	return start, nil
}

func parseAlarms(ve *ical.VEvent, uid string) []model.Alarm {
	alarms := make([]model.Alarm, 0)
	for _, va := range ve.Alarms() {
		p := va.GetProperty("TRIGGER")
		if p == nil {
			appLog.Warn("ics alarm without TRIGGER skipped", "uid", uid)
			continue
		}
		absolute := strings.EqualFold(firstParam(p, "VALUE"), "DATE-TIME")
		fromEnd := strings.EqualFold(firstParam(p, "RELATED"), "END")
		trig, err := triggerFromValue(p.Value, absolute, fromEnd)
		if err != nil {
			appLog.Warn("ics alarm trigger unsupported, skipped", "uid", uid, "trigger", p.Value, "err", err)
			continue
		}
		action := ""
		if ap := va.GetProperty("ACTION"); ap != nil {
			action = strings.ToUpper(strings.TrimSpace(ap.Value))
		}
		alarms = append(alarms, model.Alarm{Trigger: trig, Action: action})
	}
	return alarms
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return textUnescaper.Replace(p.Value)
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func firstParam(p *ical.IANAProperty, name string) string {
	if p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

func errOrEmpty(err error) error {
	if err == nil {
		return errors.New("empty value")
	}
	return err
}

// parseTimeProp parses a DATE or DATE-TIME property, possibly holding a comma
// separated list. TZID selects the zone; values without TZID or a UTC suffix
// are floating and interpreted in fallback. dateOnly reports VALUE=DATE values.
func parseTimeProp(p *ical.IANAProperty, fallback *time.Location) (ts []time.Time, dateOnly bool, err error) {
	loc := fallback
	if tzid := firstParam(p, "TZID"); tzid != "" {
		if l, lerr := time.LoadLocation(tzid); lerr == nil {
			loc = l
		} else {
			appLog.Debug("ics unknown TZID, using display timezone", "tzid", tzid)
		}
	}
	dateOnly = strings.EqualFold(firstParam(p, "VALUE"), "DATE")

	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, isDate, perr := parseICSTime(part, loc)
		if perr != nil {
			return nil, dateOnly, perr
		}
		if isDate {
			dateOnly = true
		}
		ts = append(ts, t)
	}
	return ts, dateOnly, nil
}

// parseICSTime parses a single basic-format iCalendar date or date-time.
func parseICSTime(v string, loc *time.Location) (t time.Time, isDate bool, err error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		t, err = time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		t, err = time.ParseInLocation("20060102T150405", v, loc)
	default:
		t, err = time.ParseInLocation("20060102", v, loc)
		isDate = true
	}
	return t, isDate, err
}
