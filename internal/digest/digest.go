// Package digest selects recent history entries and hands them to digest
// senders.
package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/metrics"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// Window is the lookback used by the periodic digest.
const Window = 24 * time.Hour

// Select returns one item per record that gained entries strictly after
// since. Records without recent entries are omitted; record order is kept.
func Select(records []monitor.ProcessRecord, since time.Time) []monitor.DigestItem {
	var items []monitor.DigestItem
	for _, rec := range records {
		entries := rec.EntriesSince(since)
		if len(entries) == 0 {
			continue
		}
		items = append(items, monitor.DigestItem{Record: rec.Clone(), NewEntries: entries})
	}
	return items
}

// Job runs one digest pass against the store.
type Job struct {
	store  monitor.Store
	sender monitor.DigestSender
	clock  monitor.Clock
	window time.Duration
	logger *zap.Logger
}

// NewJob wires the digest job. window <= 0 selects Window.
func NewJob(store monitor.Store, sender monitor.DigestSender, clock monitor.Clock, window time.Duration, logger *zap.Logger) (*Job, error) {
	if store == nil {
		return nil, errors.New("digest: store is required")
	}
	if sender == nil {
		return nil, errors.New("digest: sender is required")
	}
	if clock == nil {
		return nil, errors.New("digest: clock is required")
	}
	if window <= 0 {
		window = Window
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{store: store, sender: sender, clock: clock, window: window, logger: logger.Named("digest")}, nil
}

// Run selects entries newer than now-window and sends them. Nothing is sent
// when no record qualifies. It returns the selected items.
func (j *Job) Run(ctx context.Context) ([]monitor.DigestItem, error) {
	records, err := j.store.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	since := j.clock.Now().Add(-j.window)
	items := Select(records, since)

	entries := 0
	for _, it := range items {
		entries += len(it.NewEntries)
	}
	metrics.ObserveDigest(entries)

	if len(items) == 0 {
		j.logger.Debug("no new entries for digest", zap.Time("since", since))
		return nil, nil
	}
	if err := j.sender.Send(ctx, items); err != nil {
		return items, fmt.Errorf("send digest: %w", err)
	}
	j.logger.Info("digest sent",
		zap.Int("records", len(items)),
		zap.Int("entries", entries),
		zap.Time("since", since),
	)
	return items, nil
}
