package guardrail

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"GuardSign-Chain/internal/chain"

	"github.com/ethereum/go-ethereum/common"
)

func mustAmount(t *testing.T, value string) *big.Int {
	t.Helper()
	wei, err := chain.ParseAmount(value)
	if err != nil {
		t.Fatalf("parse amount %q: %v", value, err)
	}
	return wei
}

func testPolicy(t *testing.T) Policy {
	t.Helper()
	return Policy{
		AllowedChains:   []string{"base"},
		MaxValuePerTx:   mustAmount(t, "0.001"),
		DailySpendLimit: mustAmount(t, "0.005"),
	}
}

func TestEvaluateDeniesUnlistedChain(t *testing.T) {
	decision := Evaluate(Check{
		Chain:       "ethereum",
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ValueWei:    mustAmount(t, "0.0001"),
	}, testPolicy(t), nil)

	if decision.Allowed {
		t.Fatal("expected denial for unlisted chain")
	}
	if decision.Rule != RuleChain {
		t.Fatalf("expected chain rule, got %s", decision.Rule)
	}
	if !strings.Contains(decision.Reason, "chain") {
		t.Fatalf("reason should mention the chain rule: %q", decision.Reason)
	}
}

func TestEvaluateEmptyDestinationListIsUnrestricted(t *testing.T) {
	decision := Evaluate(Check{
		Chain:       "base",
		Destination: common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		ValueWei:    mustAmount(t, "0.0001"),
	}, testPolicy(t), nil)

	if !decision.Allowed {
		t.Fatalf("expected empty allow-list to permit any destination, got %q", decision.Reason)
	}
}

func TestEvaluateDeniesDestinationOutsideAllowList(t *testing.T) {
	policy := testPolicy(t)
	policy.AllowedDestinations = []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
	}

	decision := Evaluate(Check{
		Chain:       "base",
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000002"),
		ValueWei:    mustAmount(t, "0.0001"),
	}, policy, nil)

	if decision.Allowed || decision.Rule != RuleDestination {
		t.Fatalf("expected destination denial, got %+v", decision)
	}

	allowed := Evaluate(Check{
		Chain:       "base",
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ValueWei:    mustAmount(t, "0.0001"),
	}, policy, nil)
	if !allowed.Allowed {
		t.Fatalf("expected listed destination to pass, got %q", allowed.Reason)
	}
}

func TestEvaluateDeniesValueOverPerTxLimit(t *testing.T) {
	decision := Evaluate(Check{
		Chain:       "base",
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ValueWei:    mustAmount(t, "0.002"),
	}, testPolicy(t), nil)

	if decision.Allowed || decision.Rule != RulePerTxLimit {
		t.Fatalf("expected per-tx limit denial, got %+v", decision)
	}
}

func TestEvaluateDailyLimitUsesRecentSpend(t *testing.T) {
	// 0.0045 已在窗口内签出，0.0006 单笔合规但会突破 0.005 的滚动上限。
	decision := Evaluate(Check{
		Chain:       "base",
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ValueWei:    mustAmount(t, "0.0006"),
	}, testPolicy(t), mustAmount(t, "0.0045"))

	if decision.Allowed {
		t.Fatal("expected daily limit denial")
	}
	if decision.Rule != RuleDailyLimit {
		t.Fatalf("expected daily limit rule to fire, got %s", decision.Rule)
	}
	if !strings.Contains(decision.Reason, "daily limit") {
		t.Fatalf("reason should mention the daily limit: %q", decision.Reason)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	policy := testPolicy(t)
	check := Check{
		Chain:       "base",
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ValueWei:    mustAmount(t, "0.0006"),
	}
	spent := mustAmount(t, "0.0045")

	first := Evaluate(check, policy, spent)
	second := Evaluate(check, policy, spent)
	if first.Allowed != second.Allowed || first.Rule != second.Rule || first.Reason != second.Reason {
		t.Fatalf("evaluation is not idempotent: %+v vs %+v", first, second)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := Document{
		AllowedChains:       []string{"base", "ethereum"},
		AllowedDestinations: []string{"0x0000000000000000000000000000000000000001"},
		MaxValuePerTx:       "0.001",
		DailySpendLimit:     "0.005",
		WindowSeconds:       3600,
	}
	policy, err := doc.Policy()
	if err != nil {
		t.Fatalf("document to policy: %v", err)
	}
	if policy.Window != time.Hour {
		t.Fatalf("unexpected window: %s", policy.Window)
	}
	back := Snapshot(policy)
	if back.MaxValuePerTx != "0.001" || back.DailySpendLimit != "0.005" {
		t.Fatalf("unexpected snapshot amounts: %+v", back)
	}
	if len(back.AllowedDestinations) != 1 {
		t.Fatalf("unexpected snapshot destinations: %+v", back.AllowedDestinations)
	}
}

func TestDocumentRejectsMalformedAddress(t *testing.T) {
	doc := Document{AllowedDestinations: []string{"not-an-address"}}
	if _, err := doc.Policy(); err == nil {
		t.Fatal("expected error for malformed destination address")
	}
}
