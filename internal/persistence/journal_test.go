package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndListDeadLetters(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"requestId": "r1"})
	if err := j.RecordDeadLetter(ctx, "requests", "r1", payload, "retries_exhausted"); err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}
	if err := j.RecordDeadLetter(ctx, "requests", "r2", payload, "retries_exhausted"); err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}

	records, err := j.ListDeadLetters(ctx, "requests", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].EnvelopeID != "r2" {
		t.Fatalf("expected newest first, got %s", records[0].EnvelopeID)
	}
}

func TestJournal_BreakerSnapshotRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	rec := BreakerSnapshotRecord{
		OperationID:         "broker_dispatch",
		State:               "open",
		ConsecutiveFailures: 3,
		LastFailureTime:     time.Now().Truncate(time.Second),
	}
	if err := j.SaveBreakerSnapshot(ctx, rec); err != nil {
		t.Fatalf("SaveBreakerSnapshot: %v", err)
	}

	loaded, err := j.LoadBreakerSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadBreakerSnapshots: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(loaded))
	}
	if loaded[0].OperationID != "broker_dispatch" || loaded[0].State != "open" || loaded[0].ConsecutiveFailures != 3 {
		t.Fatalf("unexpected snapshot: %+v", loaded[0])
	}

	rec.State = "closed"
	rec.ConsecutiveFailures = 0
	if err := j.SaveBreakerSnapshot(ctx, rec); err != nil {
		t.Fatalf("SaveBreakerSnapshot update: %v", err)
	}
	loaded, err = j.LoadBreakerSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadBreakerSnapshots: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(loaded))
	}
	if loaded[0].State != "closed" {
		t.Fatalf("expected updated state closed, got %s", loaded[0].State)
	}
}
