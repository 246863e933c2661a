package queue

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/audio"
	"github.com/skypro1111/aha-capture-service/internal/delivery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPayload(t *testing.T, numSamples int) *delivery.Payload {
	t.Helper()

	wav, err := audio.EncodeWAV(make([]float32, numSamples), 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	p, err := delivery.NewPayload(wav, time.Now())
	if err != nil {
		t.Fatalf("NewPayload failed: %v", err)
	}
	return p
}

func openTestQueue(t *testing.T, path string) *Queue {
	t.Helper()

	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}

	q, err := Open(store, testLogger(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return q
}

func TestBoltStoreOrderAndUpdate(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "nested", "pending.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"c", "a", "b"} {
		if err := store.Put(Record{ID: id, Data: []byte(id)}); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}

	// Updating keeps the original position
	if err := store.Put(Record{ID: "c", Attempts: 3, Data: []byte("c")}); err != nil {
		t.Fatalf("Put update failed: %v", err)
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if err := store.Delete("missing"); err != nil {
		t.Errorf("Deleting an unknown ID should be a no-op, got %v", err)
	}

	records, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(records) != 2 || records[0].ID != "c" || records[1].ID != "b" {
		t.Fatalf("Unexpected records: %+v", records)
	}

	if records[0].Attempts != 3 {
		t.Errorf("Expected updated attempts 3, got %d", records[0].Attempts)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "pending.db"))
	defer q.Close()

	p := testPayload(t, 800)

	added, err := q.Enqueue(p, delivery.ErrTransportUnavailable)
	if err != nil || !added {
		t.Fatalf("Expected first enqueue to add, got added=%v err=%v", added, err)
	}

	added, err = q.Enqueue(p, delivery.ErrTransportUnavailable)
	if err != nil || added {
		t.Fatalf("Expected second enqueue to be a no-op, got added=%v err=%v", added, err)
	}

	if q.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", q.Len())
	}

	if !q.Contains(p.ID()) {
		t.Error("Expected queue to contain payload")
	}

	list := q.List()
	if list[0].LastError != delivery.ErrTransportUnavailable.Error() || list[0].SizeBytes != p.Size() {
		t.Errorf("Unexpected entry info: %+v", list[0])
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")

	q := openTestQueue(t, path)
	first := testPayload(t, 800)
	second := testPayload(t, 1600)

	for _, p := range []*delivery.Payload{first, second} {
		if _, err := q.Enqueue(p, nil); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := q.RecordAttempt(first.ID(), errors.New("broker unreachable")); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openTestQueue(t, path)
	defer reopened.Close()

	pending := reopened.Pending()
	if len(pending) != 2 {
		t.Fatalf("Expected 2 entries after restart, got %d", len(pending))
	}

	if pending[0].Payload.ID() != first.ID() || pending[1].Payload.ID() != second.ID() {
		t.Error("Queue order changed across restart")
	}

	if pending[0].Attempts != 1 || pending[0].LastError != "broker unreachable" {
		t.Errorf("Attempt bookkeeping lost: %+v", pending[0])
	}

	if string(pending[1].Payload.Bytes()) != string(second.Bytes()) {
		t.Error("Payload bytes changed across restart")
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	q := openTestQueue(t, path)

	p := testPayload(t, 800)
	if _, err := q.Enqueue(p, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.Remove(p.ID()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if err := q.Remove(p.ID()); err != nil {
		t.Errorf("Removing twice should be a no-op, got %v", err)
	}

	if err := q.RecordAttempt(p.ID(), nil); err == nil {
		t.Error("Expected error recording an attempt for a removed payload")
	}

	q.Close()

	reopened := openTestQueue(t, path)
	defer reopened.Close()

	if reopened.Len() != 0 {
		t.Errorf("Expected empty queue after restart, got %d", reopened.Len())
	}
}

func TestOpenDiscardsUnreadableRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")

	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	if err := store.Put(Record{ID: "broken", Data: []byte("not a wav")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	q, err := Open(store, testLogger(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	if q.Len() != 0 {
		t.Errorf("Expected unreadable record to be discarded, got %d entries", q.Len())
	}

	records, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected unreadable record removed from disk, got %d", len(records))
	}
}
