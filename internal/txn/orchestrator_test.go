package txn

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"GuardSign-Chain/internal/chain"
	"GuardSign-Chain/internal/chain/provider"
	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/guardrail"
	"GuardSign-Chain/internal/identity"
	"GuardSign-Chain/internal/signing"
	"GuardSign-Chain/internal/simulate"
	"GuardSign-Chain/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const destAddr = "0x7C3aED4f1b3E2a9Cc5D5909fA7F2da01b4A0d9aa"

type staticSecret string

func (s staticSecret) Get(context.Context, string) (string, error) { return string(s), nil }

// spyResolver 统计密钥解析次数，并可注入失败。
type spyResolver struct {
	mu      sync.Mutex
	secrets vault.SecretReader
	err     error
	calls   int
}

func (r *spyResolver) Resolve(ctx context.Context, ident *identity.SigningIdentity, chainName string) (*vault.KeyHandle, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return vault.NewResolver(r.secrets).Resolve(ctx, ident, chainName)
}

func (r *spyResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// spySigner 统计签名次数并返回可辨识的签名产物。
type spySigner struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *spySigner) Sign(_ context.Context, handle *vault.KeyHandle, req signing.Request) (*signing.Signed, error) {
	defer handle.Discard()
	s.mu.Lock()
	s.calls++
	seq := s.calls
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &signing.Signed{
		Hash:     common.HexToHash(fmt.Sprintf("0x%064x", seq)),
		Raw:      []byte{0x02, byte(seq)},
		From:     handle.Address(),
		Nonce:    uint64(seq),
		GasLimit: 21000,
		SignedAt: time.Now(),
	}, nil
}

func (s *spySigner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// spyBroadcaster 统计广播次数。
type spyBroadcaster struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (b *spyBroadcaster) Broadcast(_ context.Context, _ string, raw []byte) (common.Hash, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.err != nil {
		return common.Hash{}, b.err
	}
	return crypto.Keccak256Hash(raw), nil
}

func (b *spyBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// gatedSigner 在签往指定地址时挂起，用来观察签名期间锁的持有范围。
type gatedSigner struct {
	spySigner
	gateTo  common.Address
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedSigner) Sign(ctx context.Context, handle *vault.KeyHandle, req signing.Request) (*signing.Signed, error) {
	if req.To == s.gateTo {
		s.entered <- struct{}{}
		<-s.gate
	}
	return s.spySigner.Sign(ctx, handle, req)
}

type stubSimulator struct {
	result *simulate.Result
	err    error
}

func (s *stubSimulator) Simulate(context.Context, simulate.Request) (*simulate.Result, error) {
	return s.result, s.err
}

type pipeline struct {
	service   *Service
	records   *MemoryStore
	resolver  *spyResolver
	signer    *spySigner
	caster    *spyBroadcaster
	queue     *MemoryQueue
	identites *identity.MemoryStore
}

func newPipeline(t *testing.T, policy guardrail.Policy, opts ...ServiceOption) *pipeline {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	identities := identity.NewMemoryStore()
	if err := identities.Create(context.Background(), &identity.SigningIdentity{
		ID:       "agent-1",
		KeyPaths: map[string]string{"base": "identities/agent-1/base", "ethereum": "identities/agent-1/eth"},
		Policy:   policy,
	}); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	records := NewMemoryStore()
	resolver := &spyResolver{secrets: staticSecret(hex.EncodeToString(crypto.FromECDSA(key)))}
	signer := &spySigner{}
	caster := &spyBroadcaster{}
	queue := NewMemoryQueue(16)

	registry := provider.NewStaticRegistry("base",
		map[string]chain.Client{"base": nil, "ethereum": nil},
		map[string]chain.Definition{"base": {ExplorerBase: "https://basescan.org"}})

	opts = append([]ServiceOption{WithWatchProducer(queue)}, opts...)
	service := NewService(records, identities, identity.NewMemoryLedger(), resolver, signer, caster, registry, opts...)

	return &pipeline{
		service:   service,
		records:   records,
		resolver:  resolver,
		signer:    signer,
		caster:    caster,
		queue:     queue,
		identites: identities,
	}
}

func submitValue(t *testing.T, p *pipeline, value string) *Record {
	t.Helper()
	record, err := p.service.Submit(context.Background(), Intent{
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      value,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return record
}

func TestSubmitAllowedTransactionReachesBroadcast(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{
		AllowedChains:   []string{"base"},
		MaxValuePerTx:   big.NewInt(10_000_000_000_000_000),
		DailySpendLimit: big.NewInt(1_000_000_000_000_000_000),
	})

	record := submitValue(t, p, "0.0045")

	if record.Status != StatusBroadcast {
		t.Fatalf("expected broadcast, got %s (%s)", record.Status, record.LastError)
	}
	if record.Value != "0.0045" {
		t.Fatalf("value not normalized: %q", record.Value)
	}
	if record.TxHash == "" {
		t.Fatal("broadcast record must carry a transaction hash")
	}
	if !strings.HasPrefix(record.ExplorerURL, "https://basescan.org") {
		t.Fatalf("explorer url not derived from chain definition: %q", record.ExplorerURL)
	}
	if p.signer.count() != 1 || p.caster.count() != 1 {
		t.Fatalf("expected one sign and one broadcast, got %d/%d", p.signer.count(), p.caster.count())
	}
}

func TestSubmitDeniedByChainRuleNeverSigns(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{
		AllowedChains: []string{"base"},
	})

	record, err := p.service.Submit(context.Background(), Intent{
		IdentityID: "agent-1",
		Chain:      "ethereum",
		To:         destAddr,
		Value:      "0.001",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if record.Status != StatusBlocked {
		t.Fatalf("expected blocked, got %s", record.Status)
	}
	if record.DeniedRule != string(guardrail.RuleChain) {
		t.Fatalf("unexpected rule %q", record.DeniedRule)
	}
	if !strings.Contains(record.DeniedReason, "chain") {
		t.Fatalf("denial reason should name the chain rule: %q", record.DeniedReason)
	}
	if p.resolver.count() != 0 || p.signer.count() != 0 || p.caster.count() != 0 {
		t.Fatal("denied request must never touch key material or the chain")
	}
}

func TestSubmitDeniedByDailyLimit(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{
		DailySpendLimit: big.NewInt(1_000_000_000_000_000_000), // 1.0
	})

	first := submitValue(t, p, "0.7")
	if first.Status != StatusBroadcast {
		t.Fatalf("first transfer should pass, got %s", first.Status)
	}

	second := submitValue(t, p, "0.7")
	if second.Status != StatusBlocked {
		t.Fatalf("second transfer should exceed rolling limit, got %s", second.Status)
	}
	if second.DeniedRule != string(guardrail.RuleDailyLimit) {
		t.Fatalf("unexpected rule %q", second.DeniedRule)
	}
	if !strings.Contains(second.DeniedReason, "daily limit") {
		t.Fatalf("denial reason should name the daily limit: %q", second.DeniedReason)
	}
	if p.signer.count() != 1 {
		t.Fatalf("denied transfer must not be signed, sign count %d", p.signer.count())
	}
}

func TestConcurrentSubmitsShareOneBudget(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{
		DailySpendLimit: big.NewInt(1_000_000_000_000_000_000), // 1.0
	})

	const attempts = 4
	results := make(chan *Record, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := p.service.Submit(context.Background(), Intent{
				IdentityID: "agent-1",
				Chain:      "base",
				To:         destAddr,
				Value:      "0.6",
			})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- record
		}()
	}
	wg.Wait()
	close(results)

	signedCount, blockedCount := 0, 0
	for record := range results {
		switch record.Status {
		case StatusBroadcast:
			signedCount++
		case StatusBlocked:
			blockedCount++
		default:
			t.Errorf("unexpected status %s", record.Status)
		}
	}
	// 0.6 * 2 > 1.0：无论交错如何，预算只够一笔。
	if signedCount != 1 {
		t.Fatalf("exactly one concurrent transfer should fit the budget, got %d", signedCount)
	}
	if blockedCount != attempts-1 {
		t.Fatalf("expected %d blocked, got %d", attempts-1, blockedCount)
	}
	if p.signer.count() != 1 {
		t.Fatalf("ledger race let %d transfers sign", p.signer.count())
	}
}

func TestDistinctIdentitiesDoNotShareALock(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	identities := identity.NewMemoryStore()
	for _, id := range []string{"agent-1", "agent-2"} {
		if err := identities.Create(context.Background(), &identity.SigningIdentity{
			ID:       id,
			KeyPaths: map[string]string{"base": "identities/" + id + "/base"},
		}); err != nil {
			t.Fatalf("create identity %s: %v", id, err)
		}
	}

	gateAddr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	signer := &gatedSigner{
		gateTo:  gateAddr,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	resolver := &spyResolver{secrets: staticSecret(hex.EncodeToString(crypto.FromECDSA(key)))}
	caster := &spyBroadcaster{}
	registry := provider.NewStaticRegistry("base",
		map[string]chain.Client{"base": nil},
		map[string]chain.Definition{"base": {}})
	service := NewService(NewMemoryStore(), identities, identity.NewMemoryLedger(),
		resolver, signer, caster, registry, WithWatchProducer(NewMemoryQueue(16)))

	firstDone := make(chan *Record, 1)
	go func() {
		record, err := service.Submit(context.Background(), Intent{
			IdentityID: "agent-1",
			Chain:      "base",
			To:         gateAddr.Hex(),
			Value:      "0.01",
		})
		if err != nil {
			t.Errorf("agent-1 submit: %v", err)
		}
		firstDone <- record
	}()
	// agent-1 此刻持有自己的身份锁，停在签名阶段。
	<-signer.entered

	secondDone := make(chan *Record, 1)
	go func() {
		record, err := service.Submit(context.Background(), Intent{
			IdentityID: "agent-2",
			Chain:      "base",
			To:         destAddr,
			Value:      "0.01",
		})
		if err != nil {
			t.Errorf("agent-2 submit: %v", err)
		}
		secondDone <- record
	}()

	select {
	case record := <-secondDone:
		if record == nil || record.Status != StatusBroadcast {
			t.Fatalf("agent-2 should broadcast independently, got %+v", record)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent-2 submission waited on agent-1's identity lock")
	}

	close(signer.gate)
	if record := <-firstDone; record == nil || record.Status != StatusBroadcast {
		t.Fatalf("agent-1 should broadcast after the gate opens, got %+v", record)
	}
}

func TestSubmitIdempotentByID(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{})

	intent := Intent{
		ID:         "req-42",
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "0.01",
	}
	first, err := p.service.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := p.service.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("idempotent resubmission returned a different record: %s vs %s", first.ID, second.ID)
	}
	if p.caster.count() != 1 {
		t.Fatalf("resubmission must not broadcast again, count %d", p.caster.count())
	}
}

func TestResubmitWithDifferentParametersIsRejected(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{})

	first, err := p.service.Submit(context.Background(), Intent{
		ID:         "req-7",
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "0.01",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != StatusBroadcast {
		t.Fatalf("expected broadcast, got %s", first.Status)
	}

	// 同一个 ID 换了金额：不能把旧记录当作这笔新交易的结果返回。
	_, err = p.service.Submit(context.Background(), Intent{
		ID:         "req-7",
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "5",
	})
	if xerrors.CodeOf(err) != CodeIntentValidation {
		t.Fatalf("conflicting replay should fail validation, got %v", err)
	}

	// 换了收款地址同样拒绝。
	_, err = p.service.Submit(context.Background(), Intent{
		ID:         "req-7",
		IdentityID: "agent-1",
		Chain:      "base",
		To:         "0x1111111111111111111111111111111111111111",
		Value:      "0.01",
	})
	if xerrors.CodeOf(err) != CodeIntentValidation {
		t.Fatalf("conflicting replay should fail validation, got %v", err)
	}

	if p.caster.count() != 1 {
		t.Fatalf("conflicting replays must not broadcast, count %d", p.caster.count())
	}
}

func TestSubmitMissingKeyFailsDistinctlyFromDenial(t *testing.T) {
	p2 := newPipeline(t, guardrail.Policy{})
	p2.resolver.err = xerrors.New(vault.CodeKeyNotFound, "",
		xerrors.WithMetadata("identity", "agent-1"))

	record, err := p2.service.Submit(context.Background(), Intent{
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "0.01",
	})
	if xerrors.CodeOf(err) != vault.CodeKeyNotFound {
		t.Fatalf("expected KEY_NOT_FOUND, got %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("missing key should fail the record, got %s", record.Status)
	}
	if record.ErrorCode != string(vault.CodeKeyNotFound) {
		t.Fatalf("record should carry the vault error code, got %q", record.ErrorCode)
	}
	if record.DeniedReason != "" {
		t.Fatal("a configuration failure must not look like a guardrail denial")
	}
	if p2.caster.count() != 0 {
		t.Fatal("nothing must be broadcast when key resolution fails")
	}
}

func TestSimulationRevertBlocksOnlyWhenRequired(t *testing.T) {
	reverted := &simulate.Result{Status: simulate.StatusReverted, RevertReason: "transfer amount exceeds balance"}

	advisory := newPipeline(t, guardrail.Policy{}, WithSimulator(&stubSimulator{result: reverted}))
	record, err := advisory.service.Submit(context.Background(), Intent{
		IdentityID:    "agent-1",
		Chain:         "base",
		To:            destAddr,
		Value:         "0.01",
		SimulateFirst: true,
	})
	if err != nil {
		t.Fatalf("advisory submit: %v", err)
	}
	if record.Status != StatusBroadcast {
		t.Fatalf("advisory simulation must not block broadcast, got %s", record.Status)
	}
	if record.Simulation == nil || record.Simulation.Status != string(simulate.StatusReverted) {
		t.Fatal("simulation verdict should be recorded even when advisory")
	}

	strict := newPipeline(t, guardrail.Policy{RequireSimulationSuccess: true},
		WithSimulator(&stubSimulator{result: reverted}))
	record, err = strict.service.Submit(context.Background(), Intent{
		IdentityID:    "agent-1",
		Chain:         "base",
		To:            destAddr,
		Value:         "0.01",
		SimulateFirst: true,
	})
	if xerrors.CodeOf(err) != simulate.CodeSimulationReverted {
		t.Fatalf("expected SIMULATION_REVERTED, got %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("strict policy should fail the record, got %s", record.Status)
	}
	if strict.caster.count() != 0 {
		t.Fatal("strict policy must prevent broadcast after a reverted simulation")
	}
}

func TestSimulatorOutageIsAdvisoryByDefault(t *testing.T) {
	outage := xerrors.New(simulate.CodeSimulationUnavailable, "connection refused")
	p := newPipeline(t, guardrail.Policy{}, WithSimulator(&stubSimulator{err: outage}))

	record, err := p.service.Submit(context.Background(), Intent{
		IdentityID:    "agent-1",
		Chain:         "base",
		To:            destAddr,
		Value:         "0.01",
		SimulateFirst: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if record.Status != StatusBroadcast {
		t.Fatalf("simulator outage must not block broadcast by default, got %s", record.Status)
	}
}

func TestPolicyRequiredSimulationCannotBeSkippedByIntent(t *testing.T) {
	reverted := &simulate.Result{Status: simulate.StatusReverted, RevertReason: "execution reverted"}
	p := newPipeline(t, guardrail.Policy{RequireSimulationSuccess: true},
		WithSimulator(&stubSimulator{result: reverted}))

	// 意图不带 simulate_first：策略层的要求不由调用方决定。
	record, err := p.service.Submit(context.Background(), Intent{
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "0.01",
	})
	if xerrors.CodeOf(err) != simulate.CodeSimulationReverted {
		t.Fatalf("expected SIMULATION_REVERTED, got %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("policy-mandated simulation failure should fail the record, got %s", record.Status)
	}
	if p.caster.count() != 0 {
		t.Fatal("nothing must be broadcast when a mandated simulation reverts")
	}
}

func TestRequiredSimulationWithoutSimulatorFailsClosed(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{})

	record, err := p.service.Submit(context.Background(), Intent{
		IdentityID:               "agent-1",
		Chain:                    "base",
		To:                       destAddr,
		Value:                    "0.01",
		RequireSimulationSuccess: true,
	})
	if xerrors.CodeOf(err) != simulate.CodeSimulationUnavailable {
		t.Fatalf("expected SIMULATION_UNAVAILABLE, got %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("missing simulator should fail the record, got %s", record.Status)
	}
	if p.caster.count() != 0 {
		t.Fatal("a required simulation that cannot run must block broadcast")
	}
}

func TestBroadcastFailureMarksRecordFailed(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{})
	p.caster.err = xerrors.New(xerrors.CodeUnknown, "nonce too low")

	record, err := p.service.Submit(context.Background(), Intent{
		IdentityID: "agent-1",
		Chain:      "base",
		To:         destAddr,
		Value:      "0.01",
	})
	if err == nil {
		t.Fatal("expected broadcast failure to surface")
	}
	if record.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if p.caster.count() != 1 {
		t.Fatalf("broadcast must not be retried, count %d", p.caster.count())
	}
}

func TestSubmitRejectsMalformedIntent(t *testing.T) {
	p := newPipeline(t, guardrail.Policy{})

	cases := []Intent{
		{IdentityID: "", Chain: "base", To: destAddr, Value: "1"},
		{IdentityID: "agent-1", Chain: "base", To: "not-an-address", Value: "1"},
		{IdentityID: "agent-1", Chain: "base", To: destAddr, Value: "1.2.3"},
		{IdentityID: "agent-1", Chain: "base", To: destAddr, Value: "-1"},
		{IdentityID: "agent-1", Chain: "solana", To: destAddr, Value: "1"},
	}
	for _, intent := range cases {
		if _, err := p.service.Submit(context.Background(), intent); xerrors.CodeOf(err) != CodeIntentValidation {
			t.Errorf("intent %+v: expected INTENT_VALIDATION_FAILED, got %v", intent, err)
		}
	}
	if p.signer.count() != 0 {
		t.Fatal("malformed intents must never reach the signer")
	}
}
