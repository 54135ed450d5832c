package monitor

import (
	"strings"
	"time"
)

// Status is the operator-facing state of a tracked process.
type Status string

// Supported process statuses.
const (
	StatusOngoing Status = "EM ANDAMENTO"
	StatusClosed  Status = "ENCERRADO"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOngoing || s == StatusClosed
}

// EntrySource tells who produced a history entry.
type EntrySource string

// Supported entry sources.
const (
	SourceScan   EntrySource = "scan"
	SourceManual EntrySource = "manual"
)

// Scan result reasons.
const (
	ReasonNoLink           = "no link"
	ReasonFetchFailed      = "fetch failed"
	ReasonRecordRemoved    = "record removed during scan"
	ReasonStoreUnavailable = "store unavailable"
	ReasonCanceled         = "scan canceled"
	ReasonInternal         = "internal error"
)

// Event names broadcast to live listeners.
const (
	EventProcessUpdate  = "processes:update"
	EventProcessDelete  = "processes:delete"
	EventProcessHistory = "processes:history"
	EventScanAll        = "processes:scan-all"
)

// Movement is one dated event extracted from a tracking page.
type Movement struct {
	Date string `json:"date"`
	Text string `json:"text"`
}

// Extraction is the outcome of running an Extractor over page text.
type Extraction struct {
	Summary   string     `json:"summary"`
	Movements []Movement `json:"movements"`
}

// HistoryEntry is one detected change or one failed scan. Entries are never
// mutated after creation.
type HistoryEntry struct {
	ID          string      `json:"id"`
	Date        time.Time   `json:"date"`
	Source      EntrySource `json:"source,omitempty"`
	Error       bool        `json:"error,omitempty"`
	Message     string      `json:"message,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Movements   []Movement  `json:"movements,omitempty"`
	SnapshotURI string      `json:"snapshotUri,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e HistoryEntry) Clone() HistoryEntry {
	cp := e
	if e.Movements != nil {
		cp.Movements = append([]Movement(nil), e.Movements...)
	}
	return cp
}

// ProcessRecord is a tracked legal process.
type ProcessRecord struct {
	ID                  string         `json:"id"`
	Number              string         `json:"number,omitempty"`
	Author              string         `json:"author,omitempty"`
	Status              Status         `json:"status"`
	Marked              bool           `json:"marked"`
	Link                string         `json:"link,omitempty"`
	History             []HistoryEntry `json:"history"`
	LastFingerprint     string         `json:"lastFingerprint,omitempty"`
	LastOKAt            *time.Time     `json:"lastOkAt,omitempty"`
	LastErrorAt         *time.Time     `json:"lastErrorAt,omitempty"`
	LastAttempts        int            `json:"lastAttempts"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// HasLink reports whether the record can be scanned.
func (r ProcessRecord) HasLink() bool {
	return strings.TrimSpace(r.Link) != ""
}

// Clone returns a deep copy so callers never share history slices with a store.
func (r ProcessRecord) Clone() ProcessRecord {
	cp := r
	cp.History = make([]HistoryEntry, len(r.History))
	for i, e := range r.History {
		cp.History[i] = e.Clone()
	}
	cp.LastOKAt = cloneTime(r.LastOKAt)
	cp.LastErrorAt = cloneTime(r.LastErrorAt)
	return cp
}

// EntriesSince returns the history entries strictly newer than since, in
// history order.
func (r ProcessRecord) EntriesSince(since time.Time) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range r.History {
		if e.Date.After(since) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// RecordUpdate is a partial update. Nil fields are left untouched; Append is
// the only way history changes.
type RecordUpdate struct {
	Number              *string
	Author              *string
	Status              *Status
	Marked              *bool
	Link                *string
	LastFingerprint     *string
	LastOKAt            *time.Time
	LastErrorAt         *time.Time
	LastAttempts        *int
	ConsecutiveFailures *int
	Append              []HistoryEntry
	UpdatedAt           time.Time
}

// Apply mutates rec in place.
func (u RecordUpdate) Apply(rec *ProcessRecord) {
	if u.Number != nil {
		rec.Number = *u.Number
	}
	if u.Author != nil {
		rec.Author = *u.Author
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Marked != nil {
		rec.Marked = *u.Marked
	}
	if u.Link != nil {
		rec.Link = *u.Link
	}
	if u.LastFingerprint != nil {
		rec.LastFingerprint = *u.LastFingerprint
	}
	if u.LastOKAt != nil {
		rec.LastOKAt = cloneTime(u.LastOKAt)
	}
	if u.LastErrorAt != nil {
		rec.LastErrorAt = cloneTime(u.LastErrorAt)
	}
	if u.LastAttempts != nil {
		rec.LastAttempts = *u.LastAttempts
	}
	if u.ConsecutiveFailures != nil {
		rec.ConsecutiveFailures = *u.ConsecutiveFailures
	}
	for _, e := range u.Append {
		rec.History = append(rec.History, e.Clone())
	}
	if !u.UpdatedAt.IsZero() {
		rec.UpdatedAt = u.UpdatedAt
	}
}

// ScanResult is returned synchronously by one scan invocation.
type ScanResult struct {
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason,omitempty"`
	NoChange bool          `json:"noChange,omitempty"`
	Entry    *HistoryEntry `json:"entry,omitempty"`
}

// Outcome labels a result for logs and metrics.
func (r ScanResult) Outcome() string {
	switch {
	case !r.OK && r.Reason == ReasonNoLink:
		return "skipped"
	case !r.OK:
		return "failed"
	case r.NoChange:
		return "unchanged"
	default:
		return "changed"
	}
}

// ScanLog is the audit row written for every scan that reached the network.
type ScanLog struct {
	ID        string        `json:"id"`
	ProcessID string        `json:"processId"`
	CreatedAt time.Time     `json:"createdAt"`
	OK        bool          `json:"ok"`
	Reason    string        `json:"reason,omitempty"`
	NoChange  bool          `json:"noChange,omitempty"`
	EntryID   string        `json:"entryId,omitempty"`
	Duration  time.Duration `json:"-"`
}

// DurationMS reports the scan duration in milliseconds.
func (l ScanLog) DurationMS() int64 {
	return l.Duration.Milliseconds()
}

// DigestItem pairs a record with the entries it gained inside the digest window.
type DigestItem struct {
	Record     ProcessRecord  `json:"record"`
	NewEntries []HistoryEntry `json:"newEntries"`
}

// HistoryEvent is the payload of EventProcessHistory.
type HistoryEvent struct {
	ProcessID string       `json:"processId"`
	Entry     HistoryEntry `json:"entry"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
