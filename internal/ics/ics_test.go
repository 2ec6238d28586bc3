package ics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbot/internal/model"
)

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

// calendar wraps VEVENT blocks into a CRLF-terminated VCALENDAR body.
func calendar(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//calbot//test//EN\n")
	for _, e := range events {
		b.WriteString(strings.TrimSpace(e))
		b.WriteString("\n")
	}
	b.WriteString("END:VCALENDAR\n")
	return []byte(strings.ReplaceAll(b.String(), "\n", "\r\n"))
}

const standup = `
BEGIN:VEVENT
UID:E1
DTSTART:20240501T103000Z
DTEND:20240501T113000Z
RRULE:FREQ=DAILY
EXDATE:20240503T103000Z
SUMMARY:Standup
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT15M
END:VALARM
END:VEVENT`

const standupMoved = `
BEGIN:VEVENT
UID:E1
RECURRENCE-ID:20240505T103000Z
DTSTART:20240505T103000Z
DTEND:20240505T120000Z
SUMMARY:Moved
DESCRIPTION:Room 2
END:VEVENT`

const dentist = `
BEGIN:VEVENT
UID:dentist@example.com
DTSTART:20240502T153000Z
DTEND:20240502T160000Z
SUMMARY:Dentist
END:VEVENT`

func testConfig() ExpandConfig {
	return ExpandConfig{DisplayLocation: time.UTC, Now: testNow, Horizon: DefaultHorizon}
}

func TestNormalizeRecurringWithExceptionAndOverride(t *testing.T) {
	events, err := Normalize([]File{{Name: "work.ics", Body: calendar(standup, standupMoved)}}, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 21-1)

	day3 := time.Date(2024, 5, 3, 10, 30, 0, 0, time.UTC)
	day5 := time.Date(2024, 5, 5, 10, 30, 0, 0, time.UTC)
	for _, ev := range events {
		assert.Equal(t, "E1", ev.BaseUID)
		assert.False(t, ev.Start.Equal(day3), "excluded occurrence emitted")
		assert.Equal(t, "E1"+InstantKey(ev.Start), ev.UID)

		if ev.Start.Equal(day5) {
			assert.Equal(t, "Moved", ev.Summary)
			assert.Equal(t, "Room 2", ev.Description)
			assert.True(t, ev.End.Equal(day5.Add(90*time.Minute)))
			assert.Empty(t, ev.Alarms)
			assert.NotNil(t, ev.Alarms)
			continue
		}
		assert.Equal(t, "Standup", ev.Summary)
		assert.Equal(t, "", ev.Description)
		assert.Equal(t, time.Hour, ev.End.Sub(ev.Start))
		require.Len(t, ev.Alarms, 1)
		assert.Equal(t, model.BeforeStart(15*time.Minute), ev.Alarms[0].Trigger)
		assert.Equal(t, "DISPLAY", ev.Alarms[0].Action)
	}
	assert.Equal(t, "E12024-05-01T10:30:00.000Z", events[0].UID)
}

func TestNormalizeSortedAndUnique(t *testing.T) {
	files := []File{
		{Name: "a.ics", Body: calendar(standup, standupMoved)},
		{Name: "b.ics", Body: calendar(dentist)},
	}
	events, err := Normalize(files, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 21)

	seen := map[string]bool{}
	for i, ev := range events {
		assert.False(t, seen[ev.UID], "duplicate uid %s", ev.UID)
		seen[ev.UID] = true
		assert.False(t, ev.End.Before(ev.Start))
		if i > 0 {
			assert.False(t, ev.Start.Before(events[i-1].Start), "not sorted at %d", i)
		}
	}
	assert.True(t, seen["dentist@example.com"])
}

func TestNormalizeIsDeterministic(t *testing.T) {
	files := []File{
		{Name: "a.ics", Body: calendar(standup, standupMoved)},
		{Name: "b.ics", Body: calendar(dentist)},
	}
	first, err := Normalize(files, testConfig())
	require.NoError(t, err)
	second, err := Normalize(files, testConfig())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNormalizeSingleEventHasEmptyAlarms(t *testing.T) {
	events, err := Normalize([]File{{Name: "b.ics", Body: calendar(dentist)}}, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "dentist@example.com", events[0].UID)
	assert.NotNil(t, events[0].Alarms)
	assert.Len(t, events[0].Alarms, 0)
}

func TestExceptionsRemoveOnlyMatchingOccurrences(t *testing.T) {
	ev := `
BEGIN:VEVENT
UID:weekly
DTSTART:20240502T080000Z
DTEND:20240502T090000Z
RRULE:FREQ=DAILY;COUNT=3
EXDATE:20240503T080000Z
SUMMARY:Three days
END:VEVENT`
	events, err := Normalize([]File{{Name: "x.ics", Body: calendar(ev)}}, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Start.Day())
	assert.Equal(t, 4, events[1].Start.Day())
}

func TestDateOnlyExceptionExcludesWholeDay(t *testing.T) {
	ev := `
BEGIN:VEVENT
UID:gym
DTSTART:20240502T180000Z
DTEND:20240502T190000Z
RRULE:FREQ=DAILY;COUNT=3
EXDATE;VALUE=DATE:20240503
SUMMARY:Gym
END:VEVENT`
	events, err := Normalize([]File{{Name: "x.ics", Body: calendar(ev)}}, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 4, events[1].Start.Day())
}

func TestDuplicateUIDHighestSequenceWins(t *testing.T) {
	v1 := `
BEGIN:VEVENT
UID:dup
SEQUENCE:1
DTSTART:20240510T100000Z
DTEND:20240510T110000Z
SUMMARY:Old
END:VEVENT`
	v2 := strings.Replace(strings.Replace(v1, "SEQUENCE:1", "SEQUENCE:2", 1), "Old", "New", 1)
	files := []File{
		{Name: "a.ics", Body: calendar(v1)},
		{Name: "b.ics", Body: calendar(v2)},
	}
	events, err := Normalize(files, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "New", events[0].Summary)
}

func TestMalformedFileAbortsPass(t *testing.T) {
	bad := `
BEGIN:VEVENT
DTSTART:20240510T100000Z
SUMMARY:No UID
END:VEVENT`
	files := []File{
		{Name: "good.ics", Body: calendar(dentist)},
		{Name: "bad.ics", Body: calendar(bad)},
	}
	events, err := Normalize(files, testConfig())
	require.Error(t, err)
	assert.Nil(t, events)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "bad.ics", perr.File)

	cfg := testConfig()
	cfg.SkipMalformed = true
	events, err = Normalize(files, cfg)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "dentist@example.com", events[0].UID)
}

func TestInvalidRRuleIsParseError(t *testing.T) {
	ev := `
BEGIN:VEVENT
UID:broken
DTSTART:20240502T180000Z
RRULE:FREQ=SOMETIMES
SUMMARY:Broken
END:VEVENT`
	_, err := Normalize([]File{{Name: "r.ics", Body: calendar(ev)}}, testConfig())
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "r.ics", perr.File)
}

func TestEmptyBodyIsParseError(t *testing.T) {
	_, err := Normalize([]File{{Name: "empty.ics", Body: []byte("  \r\n")}}, testConfig())
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestFloatingTimesUseDisplayLocation(t *testing.T) {
	warsaw := time.FixedZone("CEST", 2*3600)
	ev := `
BEGIN:VEVENT
UID:floating
DTSTART:20240510T100000
DURATION:PT45M
SUMMARY:Floating
END:VEVENT`
	cfg := testConfig()
	cfg.DisplayLocation = warsaw
	events, err := Normalize([]File{{Name: "f.ics", Body: calendar(ev)}}, cfg)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, 45*time.Minute, events[0].End.Sub(events[0].Start))
	assert.Equal(t, warsaw, events[0].Start.Location())
}

func TestAllDayWithoutEndSpansOneDay(t *testing.T) {
	ev := `
BEGIN:VEVENT
UID:holiday
DTSTART;VALUE=DATE:20240503
SUMMARY:Holiday
END:VEVENT`
	events, err := Normalize([]File{{Name: "h.ics", Body: calendar(ev)}}, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, 24*time.Hour, events[0].End.Sub(events[0].Start))
}

func TestRecurrenceOutsideWindowIsDropped(t *testing.T) {
	ev := `
BEGIN:VEVENT
UID:monthly
DTSTART:20230101T100000Z
DTEND:20230101T110000Z
RRULE:FREQ=YEARLY
SUMMARY:Anniversary
END:VEVENT`
	events, err := Normalize([]File{{Name: "m.ics", Body: calendar(ev)}}, testConfig())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAlarmTriggerVariants(t *testing.T) {
	ev := `
BEGIN:VEVENT
UID:alarms
DTSTART:20240510T100000Z
DTEND:20240510T110000Z
SUMMARY:Alarms
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER;RELATED=END:-PT5M
END:VALARM
BEGIN:VALARM
ACTION:AUDIO
TRIGGER;VALUE=DATE-TIME:20240510T070000Z
END:VALARM
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:whenever
END:VALARM
END:VEVENT`
	events, err := Normalize([]File{{Name: "a.ics", Body: calendar(ev)}}, testConfig())
	require.NoError(t, err)
	require.Len(t, events, 1)
	alarms := events[0].Alarms
	require.Len(t, alarms, 2)

	assert.Equal(t, model.TriggerBeforeStart, alarms[0].Trigger.Kind)
	assert.True(t, alarms[0].Trigger.FromEnd)
	assert.True(t, alarms[0].Trigger.Instant(events[0].Start, events[0].End).
		Equal(time.Date(2024, 5, 10, 10, 55, 0, 0, time.UTC)))

	assert.Equal(t, model.TriggerAbsolute, alarms[1].Trigger.Kind)
	assert.Equal(t, "AUDIO", alarms[1].Action)
}
