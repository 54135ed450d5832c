package monitor

import (
	"context"
	"io"
	"time"
)

// Store persists process records and their history. GetRecord,
// UpdateRecord and DeleteRecord return ErrNotFound for unknown or trashed ids.
type Store interface {
	ListRecords(ctx context.Context) ([]ProcessRecord, error)
	ListLinkedRecords(ctx context.Context) ([]ProcessRecord, error)
	GetRecord(ctx context.Context, id string) (ProcessRecord, error)
	CreateRecord(ctx context.Context, rec ProcessRecord) error
	UpdateRecord(ctx context.Context, id string, update RecordUpdate) error
	DeleteRecord(ctx context.Context, id string) error
	AppendScanLog(ctx context.Context, entry ScanLog) error
	ListScanLogs(ctx context.Context, processID string, limit int) ([]ScanLog, error)
}

// Fetcher retrieves the raw text of a tracking page.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Extractor turns raw page text into movements.
type Extractor interface {
	Extract(rawText, sourceURL string) Extraction
}

// Broadcaster fans an event out to live listeners without blocking.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// DigestSender delivers the periodic digest of new history entries.
type DigestSender interface {
	Send(ctx context.Context, items []DigestItem) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and entry IDs.
type IDGenerator interface {
	NewID() (string, error)
}
