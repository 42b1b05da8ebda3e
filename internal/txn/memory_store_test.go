package txn

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func newStoredRecord(t *testing.T, store *MemoryStore, id string) *Record {
	t.Helper()
	record := &Record{
		ID:         id,
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "0.01",
		Status:     StatusPending,
	}
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return record
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	newStoredRecord(t, store, "r1")

	err := store.Create(context.Background(), &Record{ID: "r1", IdentityID: "agent-1"})
	if !stdErrors.Is(err, ErrRecordConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreForwardOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredRecord(t, store, "r1")

	if err := store.MarkSigned(ctx, "r1", SignedInfo{TxHash: "0xabc", Nonce: 3, GasLimit: 21000, SignedAt: 100}); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	// 已签名的记录不能再回到 blocked：护栏评估发生在签名之前。
	if err := store.MarkBlocked(ctx, "r1", "chain", "nope"); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.MarkBroadcast(ctx, "r1", "0xabc", "", 200); err != nil {
		t.Fatalf("mark broadcast: %v", err)
	}
	if err := store.MarkOutcome(ctx, "r1", StatusConfirmed, 1234, 21000); err != nil {
		t.Fatalf("mark outcome: %v", err)
	}
	// 终态之后任何迁移都被拒绝。
	if err := store.MarkFailed(ctx, "r1", "X", "boom"); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after terminal state, got %v", err)
	}

	record, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusConfirmed || record.BlockNumber != 1234 {
		t.Fatalf("unexpected final record: %+v", record)
	}
	if record.CompletedAt == 0 {
		t.Fatal("terminal record should carry a completion timestamp")
	}
}

func TestMemoryStoreOutcomeRequiresBroadcast(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredRecord(t, store, "r1")

	if err := store.MarkOutcome(ctx, "r1", StatusConfirmed, 1, 0); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirmation without broadcast should be rejected, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("r%d", i)
		record := &Record{ID: id, IdentityID: "agent-1", Chain: "base", To: destAddr, Value: "0.01"}
		if i == 2 {
			record.IdentityID = "agent-2"
		}
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.MarkBlocked(ctx, "r0", "chain", "denied"); err != nil {
		t.Fatalf("mark blocked: %v", err)
	}

	blocked, err := store.List(ctx, ListOptions{Statuses: []Status{StatusBlocked}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != "r0" {
		t.Fatalf("status filter failed: %+v", blocked)
	}

	mine, err := store.List(ctx, ListOptions{IdentityID: "agent-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("identity filter failed, got %d records", len(mine))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Blocked != 1 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredRecord(t, store, "r1")

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = StatusFailed

	fresh, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Status != StatusPending {
		t.Fatal("store must hand out defensive copies")
	}
}
