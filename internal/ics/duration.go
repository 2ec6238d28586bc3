package ics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"calbot/internal/model"
)

// RFC 5545 dur-value: [+/-]P[nW] or [+/-]P[nD][T[nH][nM][nS]].
var durationRe = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseDuration parses an iCalendar duration such as "-PT15M" or "P1DT2H".
// The result is negative for a leading '-'.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	m := durationRe.FindStringSubmatch(v)
	if m == nil || v == "P" || strings.HasSuffix(v, "T") || strings.TrimLeft(v, "+-") == "P" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		part := m[i+2]
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// triggerFromValue builds the tagged trigger for a TRIGGER property value.
// absolute selects VALUE=DATE-TIME; fromEnd selects RELATED=END.
func triggerFromValue(value string, absolute, fromEnd bool) (model.Trigger, error) {
	if absolute {
		t, err := time.Parse("20060102T150405Z", strings.TrimSpace(value))
		if err != nil {
			return model.Trigger{}, fmt.Errorf("invalid absolute trigger %q: %w", value, err)
		}
		return model.AbsoluteAt(t), nil
	}

	d, err := ParseDuration(value)
	if err != nil {
		return model.Trigger{}, err
	}
	var trig model.Trigger
	if d < 0 {
		trig = model.BeforeStart(-d)
	} else {
		trig = model.AfterStart(d)
	}
	trig.FromEnd = fromEnd
	return trig, nil
}
