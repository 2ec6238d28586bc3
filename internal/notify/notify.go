// Package notify formats reminder messages and delivers them to chat sinks.
package notify

import (
	"context"
	"fmt"
	"time"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// Sink delivers text to one destination bound at construction.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// DeliveryError reports a failed send. Deliveries are never retried.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Kind selects the message template.
type Kind int

const (
	KindTomorrow Kind = iota
	KindToday
	KindAlarm
	KindAdded
)

func (k Kind) String() string {
	switch k {
	case KindTomorrow:
		return "tomorrow"
	case KindToday:
		return "today"
	case KindAlarm:
		return "alarm"
	case KindAdded:
		return "added"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is one notification about one event.
type Message struct {
	Kind  Kind
	Event model.Event
}

// Notifier accepts messages for delivery.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Dispatcher fans messages out to every sink. Sends run through spawn so the
// caller never blocks on the network; failures are logged only.
type Dispatcher struct {
	sinks   []Sink
	format  Formatter
	spawn   func(func(ctx context.Context))
	timeout time.Duration
}

// NewDispatcher builds a dispatcher. spawn typically is (*loop.Loop).Go.
func NewDispatcher(spawn func(func(ctx context.Context)), f Formatter, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, format: f, spawn: spawn, timeout: 30 * time.Second}
}

func (d *Dispatcher) Notify(_ context.Context, msg Message) {
	d.Broadcast(d.format.Format(msg), "kind", msg.Kind.String(), "uid", msg.Event.UID)
}

// Broadcast sends preformatted text; kv is added to failure logs.
func (d *Dispatcher) Broadcast(text string, kv ...any) {
	for _, s := range d.sinks {
		s := s
		d.spawn(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := s.Send(ctx, text); err != nil {
				derr := &DeliveryError{Sink: s.Name(), Err: err}
				appLog.Error("notify: delivery failed", derr, kv...)
			}
		})
	}
}
