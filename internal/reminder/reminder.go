// Package reminder decides which events are due for a notification.
//
// Two classes exist. Fixed-clock reminders run at the morning and evening
// hours and match events by calendar date. Alarm reminders come from VALARM
// triggers; each (occurrence, trigger) pair is scheduled at most once, and its
// key is remembered until the event has ended.
package reminder

import (
	"context"
	"time"

	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/notify"
)

const DefaultWindow = time.Hour

// Events is the read side of the event store.
type Events interface {
	Events() []model.Event
}

// AfterFunc schedules f to run once after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func())

// Config tunes a Scheduler. The hours are used as given; a nil Location
// is time.Local and a zero Window is DefaultWindow.
type Config struct {
	Location    *time.Location
	MorningHour int
	EveningHour int
	// Window bounds how far ahead an alarm is scheduled: 0 < delay < Window.
	Window time.Duration
}

// Scheduler is not safe for concurrent use; it is driven from one loop.
type Scheduler struct {
	events   Events
	notifier notify.Notifier
	after    AfterFunc
	cfg      Config

	// scheduled maps a reminder key to the instant it may be forgotten: the
	// later of the event end and the due instant, refreshed on every scan
	// that still sees the event.
	scheduled map[string]time.Time
}

func New(events Events, notifier notify.Notifier, after AfterFunc, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if after == nil {
		after = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return &Scheduler{
		events:    events,
		notifier:  notifier,
		after:     after,
		cfg:       cfg,
		scheduled: make(map[string]time.Time),
	}
}

// FixedClock runs the clock-tick reminders for now. At the evening hour it
// announces every event starting tomorrow, at the morning hour every event
// starting today; any other minute matches nothing. It returns the number
// of notifications sent.
func (s *Scheduler) FixedClock(ctx context.Context, now time.Time) int {
	now = now.In(s.cfg.Location)
	if now.Minute() != 0 {
		return 0
	}

	var kind notify.Kind
	var day time.Time
	switch now.Hour() {
	case s.cfg.EveningHour:
		kind, day = notify.KindTomorrow, now.AddDate(0, 0, 1)
	case s.cfg.MorningHour:
		kind, day = notify.KindToday, now
	default:
		return 0
	}

	sent := 0
	for _, ev := range s.events.Events() {
		if sameDate(ev.Start.In(s.cfg.Location), day) {
			s.notifier.Notify(ctx, notify.Message{Kind: kind, Event: ev})
			sent++
		}
	}
	appLog.Info("reminder: fixed-clock scan", "kind", kind.String(), "date", day.Format(time.DateOnly), "sent", sent)
	return sent
}

// ScanAlarms schedules one-shot deliveries for alarms due within the window.
// Each key is recorded before its delivery is scheduled and never cleared by
// a failed delivery. It returns the number of newly scheduled reminders.
func (s *Scheduler) ScanAlarms(ctx context.Context, now time.Time) int {
	n := 0
	for _, ev := range s.events.Events() {
		for _, alarm := range ev.Alarms {
			due := alarm.Trigger.Instant(ev.Start, ev.End)
			key := model.ReminderKey(ev.UID, alarm.Trigger)
			if until, ok := s.scheduled[key]; ok {
				s.scheduled[key] = latest(until, ev.End, due)
				continue
			}
			delay := due.Sub(now)
			if delay <= 0 || delay >= s.cfg.Window {
				continue
			}
			s.scheduled[key] = latest(ev.End, due)

			ev := ev
			s.after(delay, func() {
				s.notifier.Notify(ctx, notify.Message{Kind: notify.KindAlarm, Event: ev})
			})
			appLog.Info("reminder: alarm scheduled", "uid", ev.UID, "summary", ev.Summary,
				"trigger", alarm.Trigger.String(), "in_seconds", int(delay.Round(time.Second)/time.Second))
			n++
		}
	}
	s.prune(now)
	return n
}

// Scheduled reports how many reminder keys are currently recorded.
func (s *Scheduler) Scheduled() int { return len(s.scheduled) }

// prune forgets keys whose event is over. The event may have moved since the
// alarm fired, so retention follows the latest end seen for the key, not the
// original due instant.
func (s *Scheduler) prune(now time.Time) {
	for key, until := range s.scheduled {
		if until.Before(now) {
			delete(s.scheduled, key)
		}
	}
}

func latest(t time.Time, more ...time.Time) time.Time {
	for _, m := range more {
		if m.After(t) {
			t = m
		}
	}
	return t
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
