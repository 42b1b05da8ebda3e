package txn

import (
	"context"
	"testing"
	"time"

	"GuardSign-Chain/internal/broadcast"
	xerrors "GuardSign-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

type stubWaiter struct {
	conf *broadcast.Confirmation
	err  error
}

func (s *stubWaiter) AwaitConfirmation(context.Context, string, common.Hash, time.Duration, time.Duration) (*broadcast.Confirmation, error) {
	return s.conf, s.err
}

func broadcastRecord(t *testing.T, store *MemoryStore, id string) {
	t.Helper()
	newStoredRecord(t, store, id)
	ctx := context.Background()
	if err := store.MarkSigned(ctx, id, SignedInfo{TxHash: "0xdead", Nonce: 1, GasLimit: 21000, SignedAt: 1}); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	if err := store.MarkBroadcast(ctx, id, "0xdead", "", 2); err != nil {
		t.Fatalf("mark broadcast: %v", err)
	}
}

func TestWatcherConfirmsRecord(t *testing.T) {
	store := NewMemoryStore()
	broadcastRecord(t, store, "r1")

	w := NewWatcher(store, nil, &stubWaiter{
		conf: &broadcast.Confirmation{State: broadcast.StateConfirmed, BlockNumber: 77, GasUsed: 21000},
	}, time.Second, time.Millisecond)

	if err := w.handle(context.Background(), "r1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	record, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusConfirmed || record.BlockNumber != 77 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestWatcherMarksRevertedRecord(t *testing.T) {
	store := NewMemoryStore()
	broadcastRecord(t, store, "r1")

	w := NewWatcher(store, nil, &stubWaiter{
		conf: &broadcast.Confirmation{State: broadcast.StateReverted, BlockNumber: 80},
	}, time.Second, time.Millisecond)

	if err := w.handle(context.Background(), "r1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	record, _ := store.Get(context.Background(), "r1")
	if record.Status != StatusReverted {
		t.Fatalf("expected reverted, got %s", record.Status)
	}
}

func TestWatcherTimeoutIsDistinctTerminalState(t *testing.T) {
	store := NewMemoryStore()
	broadcastRecord(t, store, "r1")

	w := NewWatcher(store, nil, &stubWaiter{
		err: xerrors.New(broadcast.CodeConfirmationTimeout, ""),
	}, time.Second, time.Millisecond)

	if err := w.handle(context.Background(), "r1"); err != nil {
		t.Fatalf("timeout should be handled, not requeued: %v", err)
	}

	record, _ := store.Get(context.Background(), "r1")
	if record.Status != StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", record.Status)
	}
	if record.Status == StatusFailed {
		t.Fatal("timeout must not be conflated with failure")
	}
}

func TestWatcherSkipsNonBroadcastRecords(t *testing.T) {
	store := NewMemoryStore()
	newStoredRecord(t, store, "r1")

	w := NewWatcher(store, nil, &stubWaiter{
		conf: &broadcast.Confirmation{State: broadcast.StateConfirmed},
	}, time.Second, time.Millisecond)

	if err := w.handle(context.Background(), "r1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	record, _ := store.Get(context.Background(), "r1")
	if record.Status != StatusPending {
		t.Fatalf("record should be untouched, got %s", record.Status)
	}

	if err := w.handle(context.Background(), "missing"); err != nil {
		t.Fatalf("unknown record should be skipped, got %v", err)
	}
}

func TestWatcherRequeuesInFlightRecords(t *testing.T) {
	store := NewMemoryStore()
	broadcastRecord(t, store, "r1")
	broadcastRecord(t, store, "r2")
	newStoredRecord(t, store, "r3") // 未广播，不应入队

	queue := NewMemoryQueue(8)
	w := NewWatcher(store, queue, &stubWaiter{}, time.Second, time.Millisecond)

	count, err := w.Requeue(context.Background(), queue)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 requeued records, got %d", count)
	}
}
