// Package scan drives single and bulk scans of tracked processes: fetch,
// extract, fingerprint, compare, append history and notify.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rafaelwaynne/procwatch/internal/extract"
	"github.com/rafaelwaynne/procwatch/internal/metrics"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// Fixed scan parameters.
const (
	DefaultRetryDelay  = 800 * time.Millisecond
	DefaultConcurrency = 4
)

// ErrBulkInProgress is returned by ScanAll while another bulk pass runs.
var ErrBulkInProgress = errors.New("bulk scan already running")

// Config controls Orchestrator behavior. Zero values select the defaults.
type Config struct {
	RetryDelay  time.Duration
	Concurrency int
	// ArchivePrefix and ArchiveContentType apply when Deps.Archive is set.
	ArchivePrefix      string
	ArchiveContentType string
}

// Deps are the collaborators of an Orchestrator. Archive and Hasher are
// optional; the others are required.
type Deps struct {
	Store       monitor.Store
	Fetcher     monitor.Fetcher
	Extractor   monitor.Extractor
	Broadcaster monitor.Broadcaster
	Archive     monitor.BlobStore
	Hasher      monitor.Hasher
	Clock       monitor.Clock
	IDs         monitor.IDGenerator
	// Fingerprint defaults to extract.Fingerprint.
	Fingerprint func(monitor.Extraction) string
	Logger      *zap.Logger
}

// Orchestrator is the only writer of scan-owned record fields.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	locks   *keyLock
	bulk    atomic.Bool
	logger  *zap.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("scan: store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("scan: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("scan: extractor is required")
	case deps.Broadcaster == nil:
		return nil, errors.New("scan: broadcaster is required")
	case deps.Clock == nil:
		return nil, errors.New("scan: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("scan: id generator is required")
	case deps.Archive != nil && deps.Hasher == nil:
		return nil, errors.New("scan: hasher is required when archiving")
	}
	if deps.Fingerprint == nil {
		deps.Fingerprint = extract.Fingerprint
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		locks:   newKeyLock(),
		logger:  logger.Named("scan"),
		sleepFn: sleepContext,
	}, nil
}

// ScanByID loads a record and scans it. It returns monitor.ErrNotFound when
// the record does not exist.
func (o *Orchestrator) ScanByID(ctx context.Context, id string) (monitor.ScanResult, error) {
	rec, err := o.deps.Store.GetRecord(ctx, id)
	if err != nil {
		return monitor.ScanResult{}, fmt.Errorf("load record %s: %w", id, err)
	}
	return o.ScanOne(ctx, rec), nil
}

// ScanOne scans a single record. Failures are reported in the result and,
// for fetch failures, recorded as an error entry in the record's history.
// Scans of the same record are serialized.
func (o *Orchestrator) ScanOne(ctx context.Context, rec monitor.ProcessRecord) monitor.ScanResult {
	if !rec.HasLink() {
		metrics.ObserveScan(monitor.ScanResult{Reason: monitor.ReasonNoLink}.Outcome(), 0)
		return monitor.ScanResult{OK: false, Reason: monitor.ReasonNoLink}
	}

	unlock := o.locks.Lock(rec.ID)
	defer unlock()

	start := time.Now()
	result := o.scanLocked(ctx, rec)
	elapsed := time.Since(start)

	metrics.ObserveScan(result.Outcome(), elapsed)
	o.writeScanLog(ctx, rec.ID, result, elapsed)
	return result
}

func (o *Orchestrator) scanLocked(ctx context.Context, rec monitor.ProcessRecord) monitor.ScanResult {
	logger := o.logger.With(zap.String("process_id", rec.ID), zap.String("link", rec.Link))

	text, err := o.fetchWithRetry(ctx, rec.Link)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("scan canceled", zap.Error(err))
			return monitor.ScanResult{OK: false, Reason: monitor.ReasonCanceled}
		}
		return o.recordFailure(ctx, rec.ID, err, logger)
	}

	extraction := o.deps.Extractor.Extract(text, rec.Link)
	fingerprint := o.deps.Fingerprint(extraction)

	current, err := o.deps.Store.GetRecord(ctx, rec.ID)
	if err != nil {
		return o.storeFailure(err, "reload record", logger)
	}

	if current.LastFingerprint == fingerprint {
		if current.ConsecutiveFailures > 0 {
			o.clearFailures(ctx, rec.ID, logger)
		}
		logger.Debug("no change detected")
		return monitor.ScanResult{OK: true, NoChange: true}
	}

	now := o.deps.Clock.Now()
	entryID, err := o.deps.IDs.NewID()
	if err != nil {
		logger.Error("generate entry id failed", zap.Error(err))
		return monitor.ScanResult{OK: false, Reason: monitor.ReasonInternal}
	}
	entry := monitor.HistoryEntry{
		ID:          entryID,
		Date:        now,
		Source:      monitor.SourceScan,
		Summary:     extraction.Summary,
		Movements:   extraction.Movements,
		SnapshotURI: o.archive(ctx, rec.ID, text, logger),
	}
	zero := 0
	update := monitor.RecordUpdate{
		LastFingerprint:     &fingerprint,
		LastOKAt:            &now,
		ConsecutiveFailures: &zero,
		Append:              []monitor.HistoryEntry{entry},
		UpdatedAt:           now,
	}
	if err := o.deps.Store.UpdateRecord(ctx, rec.ID, update); err != nil {
		return o.storeFailure(err, "append entry", logger)
	}

	o.deps.Broadcaster.Broadcast(monitor.EventProcessHistory, monitor.HistoryEvent{ProcessID: rec.ID, Entry: entry})
	logger.Info("new movement recorded",
		zap.String("entry_id", entry.ID),
		zap.Int("movements", len(entry.Movements)),
		zap.String("summary", entry.Summary),
	)
	return monitor.ScanResult{OK: true, Entry: &entry}
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, link string) (string, error) {
	text, err := o.deps.Fetcher.FetchText(ctx, link)
	if err == nil {
		return text, nil
	}
	o.logger.Debug("fetch failed, retrying", zap.String("link", link), zap.Error(err))
	if sleepErr := o.sleepFn(ctx, o.cfg.RetryDelay); sleepErr != nil {
		return "", fmt.Errorf("retry wait: %w", sleepErr)
	}
	text, err = o.deps.Fetcher.FetchText(ctx, link)
	if err != nil {
		return "", fmt.Errorf("fetch after retry: %w", err)
	}
	return text, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, id string, fetchErr error, logger *zap.Logger) monitor.ScanResult {
	current, err := o.deps.Store.GetRecord(ctx, id)
	if err != nil {
		return o.storeFailure(err, "reload record after fetch failure", logger)
	}

	now := o.deps.Clock.Now()
	entryID, err := o.deps.IDs.NewID()
	if err != nil {
		logger.Error("generate entry id failed", zap.Error(err))
		return monitor.ScanResult{OK: false, Reason: monitor.ReasonFetchFailed}
	}
	entry := monitor.HistoryEntry{
		ID:      entryID,
		Date:    now,
		Source:  monitor.SourceScan,
		Error:   true,
		Message: fetchErr.Error(),
	}
	attempts := current.LastAttempts + 1
	failures := current.ConsecutiveFailures + 1
	update := monitor.RecordUpdate{
		LastErrorAt:         &now,
		LastAttempts:        &attempts,
		ConsecutiveFailures: &failures,
		Append:              []monitor.HistoryEntry{entry},
		UpdatedAt:           now,
	}
	if err := o.deps.Store.UpdateRecord(ctx, id, update); err != nil {
		return o.storeFailure(err, "append error entry", logger)
	}

	o.deps.Broadcaster.Broadcast(monitor.EventProcessHistory, monitor.HistoryEvent{ProcessID: id, Entry: entry})
	logger.Warn("fetch failed",
		zap.Error(fetchErr),
		zap.Int("last_attempts", attempts),
		zap.Int("consecutive_failures", failures),
	)
	return monitor.ScanResult{OK: false, Reason: monitor.ReasonFetchFailed}
}

func (o *Orchestrator) clearFailures(ctx context.Context, id string, logger *zap.Logger) {
	zero := 0
	if err := o.deps.Store.UpdateRecord(ctx, id, monitor.RecordUpdate{ConsecutiveFailures: &zero}); err != nil {
		logger.Warn("reset consecutive failures failed", zap.Error(err))
	}
}

func (o *Orchestrator) storeFailure(err error, op string, logger *zap.Logger) monitor.ScanResult {
	if errors.Is(err, monitor.ErrNotFound) {
		logger.Info("record removed during scan")
		return monitor.ScanResult{OK: false, Reason: monitor.ReasonRecordRemoved}
	}
	logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return monitor.ScanResult{OK: false, Reason: monitor.ReasonStoreUnavailable}
}

// archive stores the fetched page and returns its URI, or "" when archiving
// is off or fails.
func (o *Orchestrator) archive(ctx context.Context, id, text string, logger *zap.Logger) string {
	if o.deps.Archive == nil {
		return ""
	}
	hash, err := o.deps.Hasher.Hash([]byte(text))
	if err != nil {
		logger.Warn("hash snapshot failed", zap.Error(err))
		return ""
	}
	uri, err := o.deps.Archive.PutObject(ctx, o.snapshotPath(id, hash), o.cfg.ArchiveContentType, strings.NewReader(text))
	if err != nil {
		logger.Warn("archive snapshot failed", zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) snapshotPath(id, hash string) string {
	prefix := strings.Trim(o.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", id, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, id, hash)
}

func (o *Orchestrator) writeScanLog(ctx context.Context, id string, result monitor.ScanResult, elapsed time.Duration) {
	logID, err := o.deps.IDs.NewID()
	if err != nil {
		o.logger.Warn("generate scan log id failed", zap.Error(err))
		return
	}
	entry := monitor.ScanLog{
		ID:        logID,
		ProcessID: id,
		CreatedAt: o.deps.Clock.Now(),
		OK:        result.OK,
		Reason:    result.Reason,
		NoChange:  result.NoChange,
		Duration:  elapsed,
	}
	if result.Entry != nil {
		entry.EntryID = result.Entry.ID
	}
	// The scan itself already completed; a canceled ctx must not lose the row.
	if err := o.deps.Store.AppendScanLog(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("append scan log failed", zap.String("process_id", id), zap.Error(err))
	}
}

// Report summarizes one bulk pass.
type Report struct {
	Total     int                           `json:"total"`
	Changed   int                           `json:"changed"`
	Unchanged int                           `json:"unchanged"`
	Failed    int                           `json:"failed"`
	Skipped   int                           `json:"skipped"`
	Results   map[string]monitor.ScanResult `json:"results"`
}

func (r *Report) add(id string, res monitor.ScanResult) {
	r.Results[id] = res
	switch res.Outcome() {
	case "changed":
		r.Changed++
	case "unchanged":
		r.Unchanged++
	case "skipped":
		r.Skipped++
	default:
		r.Failed++
	}
}

// ScanAll scans every record with a link, at most Config.Concurrency at a
// time. One record failing or panicking never stops the others.
func (o *Orchestrator) ScanAll(ctx context.Context) (Report, error) {
	if !o.bulk.CompareAndSwap(false, true) {
		return Report{}, ErrBulkInProgress
	}
	defer o.bulk.Store(false)

	records, err := o.deps.Store.ListLinkedRecords(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list linked records: %w", err)
	}

	report := Report{Total: len(records), Results: make(map[string]monitor.ScanResult, len(records))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.cfg.Concurrency)

	start := time.Now()
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			metrics.IncBulkInFlight()
			defer metrics.DecBulkInFlight()

			res := o.safeScan(ctx, rec)
			mu.Lock()
			report.add(rec.ID, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.deps.Broadcaster.Broadcast(monitor.EventScanAll, map[string]int{
		"total":     report.Total,
		"changed":   report.Changed,
		"unchanged": report.Unchanged,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	})
	o.logger.Info("bulk scan finished",
		zap.Int("total", report.Total),
		zap.Int("changed", report.Changed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("bulk scan interrupted: %w", err)
	}
	return report, nil
}

// Running reports whether a bulk pass is in progress.
func (o *Orchestrator) Running() bool {
	return o.bulk.Load()
}

func (o *Orchestrator) safeScan(ctx context.Context, rec monitor.ProcessRecord) (res monitor.ScanResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("scan panicked",
				zap.String("process_id", rec.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = monitor.ScanResult{OK: false, Reason: monitor.ReasonInternal}
		}
	}()
	return o.ScanOne(ctx, rec)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
