package events

import (
	"context"
	"errors"
)

// Publisher delivers events to subscribers. Delivery is fire-and-forget:
// implementations must not block on subscriber availability, and a
// returned error only reports that this delivery was lost.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Nop is a Publisher that discards everything.
type Nop struct{}

// Publish discards ev.
func (Nop) Publish(context.Context, string, Event) error { return nil }

// MultiPublisher fans an event out to several sinks. Every sink is
// attempted; their errors are joined.
type MultiPublisher []Publisher

// Publish delivers ev to every sink.
func (m MultiPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishAll publishes events in order on their own topics.
func PublishAll(ctx context.Context, p Publisher, evs ...Event) error {
	var errs []error
	for _, ev := range evs {
		if err := p.Publish(ctx, ev.Topic(), ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
