package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	// DefaultHorizon is the forward window for recurrence expansion.
	DefaultHorizon = 21 * 24 * time.Hour
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// Now anchors the expansion window [Now, Now+Horizon], both ends inclusive.
	Now     time.Time
	Horizon time.Duration

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int

	// SkipMalformed drops unusable files or events instead of failing the
	// whole pass.
	SkipMalformed bool
}

func (cfg *ExpandConfig) normalize() {
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
}

// InstantKey is the ISO-8601 UTC form of t with millisecond precision,
// used both as a recurrence-id key and as the per-occurrence UID suffix.
func InstantKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// exceptions is the EXDATE set for one UID.
type exceptions struct {
	instants map[string]struct{}
	days     map[string]struct{}
}

func (e *exceptions) excludes(occ time.Time) bool {
	if e == nil {
		return false
	}
	if _, ok := e.instants[InstantKey(occ)]; ok {
		return true
	}
	_, ok := e.days[occ.Format(time.DateOnly)]
	return ok
}

// catalog is the partition of all components of one pass by role.
type catalog struct {
	order      []string
	bases      map[string]Component
	overrides  map[string]map[string]Component
	exceptions map[string]*exceptions
}

func partition(comps []Component) catalog {
	cat := catalog{
		bases:      make(map[string]Component),
		overrides:  make(map[string]map[string]Component),
		exceptions: make(map[string]*exceptions),
	}

	for _, c := range comps {
		if len(c.ExDates) > 0 || len(c.ExDays) > 0 {
			ex := cat.exceptions[c.UID]
			if ex == nil {
				ex = &exceptions{instants: map[string]struct{}{}, days: map[string]struct{}{}}
				cat.exceptions[c.UID] = ex
			}
			for _, t := range c.ExDates {
				ex.instants[InstantKey(t)] = struct{}{}
			}
			for _, d := range c.ExDays {
				ex.days[d] = struct{}{}
			}
		}

		if c.IsOverride() {
			byKey := cat.overrides[c.UID]
			if byKey == nil {
				byKey = make(map[string]Component)
				cat.overrides[c.UID] = byKey
			}
			key := InstantKey(*c.RecurrenceID)
			if prev, ok := byKey[key]; !ok || c.Seq > prev.Seq {
				byKey[key] = c
			}
			continue
		}

		// The same UID may be published by more than one file; the highest
		// SEQUENCE wins, ties keep the first one seen.
		prev, ok := cat.bases[c.UID]
		if !ok {
			cat.order = append(cat.order, c.UID)
		}
		if !ok || c.Seq > prev.Seq {
			cat.bases[c.UID] = c
		}
	}
	return cat
}

// Expand turns parsed components into concrete occurrences. Single events are
// emitted as-is; recurring events are expanded within the configured window
// with EXDATE removal and RECURRENCE-ID substitution. The result is sorted
// ascending by start and every UID in it is distinct.
func Expand(comps []Component, cfg ExpandConfig) ([]model.Event, error) {
	cfg.normalize()
	cat := partition(comps)

	rangeStart := cfg.Now
	rangeEnd := cfg.Now.Add(cfg.Horizon)

	out := make([]model.Event, 0, len(cat.order))
	for _, uid := range cat.order {
		base := cat.bases[uid]
		overrides := cat.overrides[uid]

		if !base.IsRecurring() {
			ev := base
			if o, ok := overrides[InstantKey(base.Start)]; ok {
				ev = o
			}
			out = append(out, makeEvent(uid, uid, ev, ev.Start, ev.End, cfg.DisplayLocation))
			continue
		}

		occs, err := occurrences(base, rangeStart, rangeEnd)
		if err != nil {
			if cfg.SkipMalformed {
				appLog.Error("expand: recurring event skipped", err, "uid", uid, "file", base.File)
				continue
			}
			return nil, &ParseError{File: base.File, Err: err}
		}
		if len(occs) > cfg.MaxOccurrencesPerEvent {
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
			occs = occs[:cfg.MaxOccurrencesPerEvent]
		}

		ex := cat.exceptions[uid]
		dur := base.End.Sub(base.Start)
		for _, occStart := range occs {
			if ex.excludes(occStart) {
				continue
			}
			key := InstantKey(occStart)
			occUID := uid + key
			if o, ok := overrides[key]; ok {
				out = append(out, makeEvent(occUID, uid, o, o.Start, o.End, cfg.DisplayLocation))
				continue
			}
			out = append(out, makeEvent(occUID, uid, base, occStart, occStart.Add(dur), cfg.DisplayLocation))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// occurrences returns the rule-generated start instants in [from, to].
func occurrences(base Component, from, to time.Time) ([]time.Time, error) {
	var set rrule.Set
	if base.RawRRule != "" {
		r, err := rrule.StrToRRule(base.RawRRule)
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE %q: %w", base.RawRRule, err)
		}
		r.DTStart(base.Start)
		set.RRule(r)
	} else {
		// RDATE-only events still include DTSTART as the first instance.
		set.DTStart(base.Start)
		set.RDate(base.Start)
	}
	for _, rd := range base.RDates {
		set.RDate(rd.In(base.Start.Location()))
	}

	loc := base.Start.Location()
	return set.Between(from.In(loc), to.In(loc), true), nil
}

// makeEvent builds a fresh model.Event in displayLoc. Alarms are copied so
// no two events share backing storage.
func makeEvent(uid, baseUID string, c Component, start, end time.Time, displayLoc *time.Location) model.Event {
	if end.Before(start) {
		end = start
	}
	alarms := make([]model.Alarm, len(c.Alarms))
	copy(alarms, c.Alarms)

	return model.Event{
		UID:         uid,
		BaseUID:     baseUID,
		Summary:     c.Summary,
		Description: c.Description,
		Location:    c.Location,
		AllDay:      c.AllDay,
		Start:       start.In(displayLoc),
		End:         end.In(displayLoc),
		Alarms:      alarms,
	}
}
