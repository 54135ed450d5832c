package monitor

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordUpdateApplyAppendsHistory(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	rec := ProcessRecord{
		ID:      "p1",
		Link:    "https://example.com/a",
		History: []HistoryEntry{{ID: "e1", Date: now.Add(-time.Hour), Summary: "old"}},
	}
	link := "https://example.com/b"
	fp := "new"
	attempts := 3
	RecordUpdate{
		Link:            &link,
		LastFingerprint: &fp,
		LastOKAt:        &now,
		LastAttempts:    &attempts,
		Append:          []HistoryEntry{{ID: "e2", Date: now, Summary: "new"}},
		UpdatedAt:       now,
	}.Apply(&rec)

	require.Equal(t, link, rec.Link)
	require.Equal(t, "new", rec.LastFingerprint)
	require.Equal(t, 3, rec.LastAttempts)
	require.Len(t, rec.History, 2)
	require.Equal(t, "e1", rec.History[0].ID)
	require.Equal(t, "e2", rec.History[1].ID)
	require.Equal(t, now, rec.UpdatedAt)
	require.Nil(t, rec.LastErrorAt)
}

func TestProcessRecordCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rec := ProcessRecord{
		ID:       "p1",
		LastOKAt: &now,
		History: []HistoryEntry{{
			ID:        "e1",
			Movements: []Movement{{Date: "01/02/2024", Text: "Distribuído"}},
		}},
	}
	cp := rec.Clone()
	cp.History[0].Movements[0].Text = "changed"
	*cp.LastOKAt = now.Add(time.Hour)

	require.Equal(t, "Distribuído", rec.History[0].Movements[0].Text)
	require.Equal(t, now, *rec.LastOKAt)
}

func TestEntriesSinceIsStrict(t *testing.T) {
	t.Parallel()

	cut := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	rec := ProcessRecord{History: []HistoryEntry{
		{ID: "before", Date: cut.Add(-time.Second)},
		{ID: "at", Date: cut},
		{ID: "after", Date: cut.Add(time.Second)},
	}}
	got := rec.EntriesSince(cut)
	require.Len(t, got, 1)
	require.Equal(t, "after", got[0].ID)
}

func TestScanResultOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		result ScanResult
		want   string
	}{
		{ScanResult{Reason: ReasonNoLink}, "skipped"},
		{ScanResult{Reason: ReasonFetchFailed}, "failed"},
		{ScanResult{OK: true, NoChange: true}, "unchanged"},
		{ScanResult{OK: true, Entry: &HistoryEntry{}}, "changed"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.result.Outcome())
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := &net.OpError{Op: "dial", Err: errors.New("refused")}
	err := error(&FetchError{URL: "http://x", Err: inner})
	var opErr *net.OpError
	require.ErrorAs(t, err, &opErr)
	require.Contains(t, err.Error(), "refused")

	statusErr := &FetchError{URL: "http://x", StatusCode: 404}
	require.Equal(t, "fetch http://x: status 404", statusErr.Error())
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	require.True(t, StatusOngoing.Valid())
	require.True(t, StatusClosed.Valid())
	require.False(t, Status("PAUSED").Valid())
}
