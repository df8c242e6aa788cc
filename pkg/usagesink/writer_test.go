package usagesink

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	batches [][]RequestOutcome
}

func (f *fakeStore) WriteBatch(_ context.Context, outcomes []RequestOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]RequestOutcome, len(outcomes))
	copy(cp, outcomes)
	f.batches = append(f.batches, cp)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueShedsOldestUpdateWhenFull(t *testing.T) {
	store := &fakeStore{}
	w := New(store, testLogger(), 2, 100, time.Hour)

	w.Enqueue(RequestOutcome{RequestID: "a"}, true)
	w.Enqueue(RequestOutcome{RequestID: "a", DurationMs: 1}, false) // update, queue now full at 2
	w.Enqueue(RequestOutcome{RequestID: "a", DurationMs: 2}, false) // should shed the first update

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(w.queue))
	}
	if w.queue[0].outcome.RequestID != "a" || !w.queue[0].isInsert {
		t.Fatalf("expected insert preserved as first entry, got %+v", w.queue[0])
	}
	if w.queue[1].outcome.DurationMs != 2 {
		t.Fatalf("expected newest update to survive, got %+v", w.queue[1])
	}
}

func TestEnqueueNeverDropsNewInsert(t *testing.T) {
	store := &fakeStore{}
	w := New(store, testLogger(), 1, 100, time.Hour)

	w.Enqueue(RequestOutcome{RequestID: "a"}, true)
	w.Enqueue(RequestOutcome{RequestID: "b"}, true) // queue full of inserts, no update to shed

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) != 2 {
		t.Fatalf("expected both inserts retained even over capacity, got %d", len(w.queue))
	}
}

func TestEnqueueDropsUpdateWhenNoRoomAndNothingToShed(t *testing.T) {
	store := &fakeStore{}
	w := New(store, testLogger(), 1, 100, time.Hour)

	w.Enqueue(RequestOutcome{RequestID: "a"}, true)
	w.Enqueue(RequestOutcome{RequestID: "b", DurationMs: 9}, false)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) != 1 {
		t.Fatalf("expected the update to be dropped rather than evicting the insert, got %d entries", len(w.queue))
	}
	if !w.queue[0].isInsert {
		t.Fatal("expected the surviving entry to be the insert")
	}
}

func TestFlushDrainsBatchToStore(t *testing.T) {
	store := &fakeStore{}
	w := New(store, testLogger(), 100, 100, time.Hour)
	w.Enqueue(RequestOutcome{RequestID: "a"}, true)
	w.Enqueue(RequestOutcome{RequestID: "b"}, true)

	w.flush(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Fatalf("expected one flushed batch of 2, got %+v", store.batches)
	}
}
