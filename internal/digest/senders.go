package digest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// KindDigest is the publisher kind used for digest messages.
const KindDigest = "digest"

// LogSender writes a digest summary to the log.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a LogSender; a nil logger discards output.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs one line per record.
func (s *LogSender) Send(_ context.Context, items []monitor.DigestItem) error {
	for _, it := range items {
		s.logger.Info("digest item",
			zap.String("process_id", it.Record.ID),
			zap.String("number", it.Record.Number),
			zap.Int("new_entries", len(it.NewEntries)),
		)
	}
	return nil
}

// PublisherSender publishes the whole digest as one message.
type PublisherSender struct {
	publisher monitor.Publisher
}

// NewPublisherSender wraps a publisher.
func NewPublisherSender(p monitor.Publisher) *PublisherSender {
	return &PublisherSender{publisher: p}
}

// Send publishes items under KindDigest.
func (s *PublisherSender) Send(ctx context.Context, items []monitor.DigestItem) error {
	if _, err := s.publisher.Publish(ctx, KindDigest, items); err != nil {
		return fmt.Errorf("publish digest: %w", err)
	}
	return nil
}

// MultiSender delivers to every sender and joins their errors.
type MultiSender []monitor.DigestSender

// Send calls each sender in order; one failure does not stop the rest.
func (m MultiSender) Send(ctx context.Context, items []monitor.DigestItem) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, items); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
