package identity

import (
	"context"
	"math/big"
	"testing"
	"time"

	"GuardSign-Chain/internal/guardrail"
)

func TestMemoryLedgerSumsWithinWindow(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	if err := ledger.Record(ctx, "agent-1", big.NewInt(100), now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Record(ctx, "agent-1", big.NewInt(250), now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Record(ctx, "agent-1", big.NewInt(50), now.Add(-30*time.Hour)); err != nil {
		t.Fatalf("record: %v", err)
	}

	total, err := ledger.SpentWithin(ctx, "agent-1", 24*time.Hour)
	if err != nil {
		t.Fatalf("spent within: %v", err)
	}
	if total.Int64() != 350 {
		t.Fatalf("expected 350 within 24h window, got %s", total)
	}

	recent, err := ledger.SpentWithin(ctx, "agent-1", time.Hour)
	if err != nil {
		t.Fatalf("spent within: %v", err)
	}
	if recent.Int64() != 250 {
		t.Fatalf("expected 250 within 1h window, got %s", recent)
	}
}

func TestMemoryLedgerIsolatesIdentities(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	if err := ledger.Record(ctx, "agent-1", big.NewInt(100), now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Record(ctx, "agent-2", big.NewInt(999), now); err != nil {
		t.Fatalf("record: %v", err)
	}

	total, err := ledger.SpentWithin(ctx, "agent-1", 24*time.Hour)
	if err != nil {
		t.Fatalf("spent within: %v", err)
	}
	if total.Int64() != 100 {
		t.Fatalf("ledger for agent-1 contaminated: %s", total)
	}
}

func TestMemoryLedgerIgnoresZeroAmounts(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	if err := ledger.Record(ctx, "agent-1", big.NewInt(0), time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	total, err := ledger.SpentWithin(ctx, "agent-1", 24*time.Hour)
	if err != nil {
		t.Fatalf("spent within: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("expected empty ledger, got %s", total)
	}
}

func TestMemoryStoreReplacePolicyIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ident := &SigningIdentity{
		ID:       "agent-1",
		KeyPaths: map[string]string{"base": "identities/agent-1/base"},
	}
	if err := store.Create(ctx, ident); err != nil {
		t.Fatalf("create: %v", err)
	}

	replacement, err := (guardrail.Document{
		AllowedChains: []string{"base"},
		MaxValuePerTx: "0.001",
	}).Policy()
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}
	if err := store.ReplacePolicy(ctx, "agent-1", replacement); err != nil {
		t.Fatalf("replace policy: %v", err)
	}

	got, err := store.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Policy.AllowedChains) != 1 || got.Policy.AllowedChains[0] != "base" {
		t.Fatalf("policy not replaced: %+v", got.Policy)
	}
	if got.Policy.MaxValuePerTx == nil {
		t.Fatal("expected per-tx limit to be set after replacement")
	}

	if err := store.ReplacePolicy(ctx, "missing", replacement); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
