package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
	"github.com/rafaelwaynne/procwatch/internal/notify"
)

// PublisherSink forwards events to a monitor.Publisher, one message per event
// with the event name as message kind.
type PublisherSink struct {
	publisher monitor.Publisher
	allow     map[string]struct{}
	closeFn   func()
}

// NewPublisherSink publishes the named events, or every event when names is
// empty. closeFn, if set, runs on Close to flush the publisher.
func NewPublisherSink(publisher monitor.Publisher, closeFn func(), names ...string) *PublisherSink {
	s := &PublisherSink{publisher: publisher, closeFn: closeFn}
	if len(names) > 0 {
		s.allow = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.allow[n] = struct{}{}
		}
	}
	return s
}

// Consume publishes each allowed event. All events are attempted; the
// returned error joins every failure.
func (s *PublisherSink) Consume(ctx context.Context, batch []notify.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if s.allow != nil {
			if _, ok := s.allow[evt.Name]; !ok {
				continue
			}
		}
		if _, err := s.publisher.Publish(ctx, evt.Name, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes the underlying publisher when a close func was given.
func (s *PublisherSink) Close(context.Context) error {
	if s != nil && s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
