package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"GuardSign-Chain/internal/auth"
	"GuardSign-Chain/internal/chain"
	"GuardSign-Chain/internal/chain/provider"
	"GuardSign-Chain/internal/guardrail"
	"GuardSign-Chain/internal/identity"
	"GuardSign-Chain/internal/signing"
	"GuardSign-Chain/internal/txn"
	"GuardSign-Chain/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testDest = "0x7C3aED4f1b3E2a9Cc5D5909fA7F2da01b4A0d9aa"

type staticSecret string

func (s staticSecret) Get(context.Context, string) (string, error) { return string(s), nil }

type fakeSigner struct{}

func (fakeSigner) Sign(_ context.Context, handle *vault.KeyHandle, req signing.Request) (*signing.Signed, error) {
	defer handle.Discard()
	raw := append([]byte{0x02}, req.To.Bytes()...)
	return &signing.Signed{
		Hash:     crypto.Keccak256Hash(raw),
		Raw:      raw,
		From:     handle.Address(),
		Nonce:    1,
		GasLimit: 21000,
		SignedAt: time.Now(),
	}, nil
}

type fakeBroadcaster struct{}

func (fakeBroadcaster) Broadcast(_ context.Context, _ string, raw []byte) (common.Hash, error) {
	return crypto.Keccak256Hash(raw), nil
}

func newTestServer(t *testing.T, policy guardrail.Policy, opts ...Option) (*Server, identity.Store) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	identities := identity.NewMemoryStore()
	ident := &identity.SigningIdentity{
		ID:     "agent-1",
		Label:  "demo agent",
		Policy: policy,
		KeyPaths: map[string]string{
			"base":     "identities/agent-1/base",
			"ethereum": "identities/agent-1/ethereum",
		},
	}
	if err := identities.Create(context.Background(), ident); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	registry := provider.NewStaticRegistry("base",
		map[string]chain.Client{"base": nil, "ethereum": nil},
		map[string]chain.Definition{
			"base": {ExplorerBase: "https://basescan.org"},
		})

	service := txn.NewService(
		txn.NewMemoryStore(),
		identities,
		identity.NewMemoryLedger(),
		vault.NewResolver(staticSecret(hex.EncodeToString(crypto.FromECDSA(key)))),
		fakeSigner{},
		fakeBroadcaster{},
		registry,
	)
	return NewServer(":0", service, identities, opts...), identities
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTransactionOK(t *testing.T) {
	server, _ := newTestServer(t, guardrail.Policy{})

	rec := postJSON(t, server.Handler(), "/api/v1/transactions",
		`{"identity_id":"agent-1","chain":"base","to":"`+testDest+`","value":"0.0045"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d body %s", rec.Code, rec.Body.String())
	}

	var got outcomeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "ok" {
		t.Fatalf("expected ok outcome, got %q (reason %q)", got.Status, got.Reason)
	}
	if got.Transaction == nil || got.Transaction.Status != txn.StatusBroadcast {
		t.Fatalf("unexpected transaction: %+v", got.Transaction)
	}
	if !strings.HasPrefix(got.Transaction.ExplorerURL, "https://basescan.org/tx/0x") {
		t.Fatalf("unexpected explorer url: %q", got.Transaction.ExplorerURL)
	}
	if got.Transaction.Value != "0.0045" {
		t.Fatalf("unexpected value: %q", got.Transaction.Value)
	}
}

func TestSubmitTransactionBlocked(t *testing.T) {
	server, _ := newTestServer(t, guardrail.Policy{AllowedChains: []string{"base"}})

	rec := postJSON(t, server.Handler(), "/api/v1/transactions",
		`{"identity_id":"agent-1","chain":"ethereum","to":"`+testDest+`","value":"0.01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("blocked outcome should be a 200 decision, got %d", rec.Code)
	}

	var got outcomeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "blocked" {
		t.Fatalf("expected blocked outcome, got %q", got.Status)
	}
	if got.Rule == "" || !strings.Contains(got.Reason, "chain") {
		t.Fatalf("denial must carry rule and reason, got rule %q reason %q", got.Rule, got.Reason)
	}
	if got.Transaction == nil || got.Transaction.Status != txn.StatusBlocked {
		t.Fatalf("unexpected transaction: %+v", got.Transaction)
	}
}

func TestSubmitTransactionValidationErrors(t *testing.T) {
	server, _ := newTestServer(t, guardrail.Policy{})
	handler := server.Handler()

	bodies := []string{
		`{"identity_id":"","chain":"base","to":"` + testDest + `","value":"1"}`,
		`{"identity_id":"agent-1","chain":"base","to":"not-an-address","value":"1"}`,
		`{"identity_id":"agent-1","chain":"base","to":"` + testDest + `","value":"1.2.3"}`,
		`not json`,
	}
	for _, body := range bodies {
		rec := postJSON(t, handler, "/api/v1/transactions", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		var got map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if got["code"] != string(txn.CodeIntentValidation) {
			t.Fatalf("expected %s, got %q", txn.CodeIntentValidation, got["code"])
		}
	}
}

func TestTransactionDetail(t *testing.T) {
	server, _ := newTestServer(t, guardrail.Policy{})
	handler := server.Handler()

	rec := postJSON(t, handler, "/api/v1/transactions",
		`{"id":"req-7","identity_id":"agent-1","chain":"base","to":"`+testDest+`","value":"0.01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit failed: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/req-7", nil)
	detail := httptest.NewRecorder()
	handler.ServeHTTP(detail, req)
	if detail.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", detail.Code)
	}
	var got txn.Record
	if err := json.Unmarshal(detail.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if got.ID != "req-7" || got.Status != txn.StatusBroadcast {
		t.Fatalf("unexpected record: %+v", got)
	}

	missing := httptest.NewRecorder()
	handler.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/v1/transactions/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown record, got %d", missing.Code)
	}
}

func TestGuardrailsReadAndReplace(t *testing.T) {
	server, _ := newTestServer(t, guardrail.Policy{AllowedChains: []string{"base"}})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/guardrails?identity=agent-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var snapshot guardrail.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.AllowedChains) != 1 || snapshot.AllowedChains[0] != "base" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	put := httptest.NewRequest(http.MethodPut, "/api/v1/guardrails?identity=agent-1",
		strings.NewReader(`{"allowed_chains":["base","ethereum"],"daily_spend_limit":"1.5"}`))
	replaced := httptest.NewRecorder()
	handler.ServeHTTP(replaced, put)
	if replaced.Code != http.StatusOK {
		t.Fatalf("replace failed: %d %s", replaced.Code, replaced.Body.String())
	}

	after := httptest.NewRecorder()
	handler.ServeHTTP(after, httptest.NewRequest(http.MethodGet, "/api/v1/guardrails?identity=agent-1", nil))
	if err := json.Unmarshal(after.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.AllowedChains) != 2 || snapshot.DailySpendLimit != "1.5" {
		t.Fatalf("replacement not visible: %+v", snapshot)
	}

	bad := httptest.NewRequest(http.MethodPut, "/api/v1/guardrails?identity=agent-1",
		strings.NewReader(`{"allowed_destinations":["bogus"]}`))
	rejected := httptest.NewRecorder()
	handler.ServeHTTP(rejected, bad)
	if rejected.Code != http.StatusBadRequest {
		t.Fatalf("invalid policy must be rejected, got %d", rejected.Code)
	}

	unknown := httptest.NewRecorder()
	handler.ServeHTTP(unknown, httptest.NewRequest(http.MethodGet, "/api/v1/guardrails?identity=ghost", nil))
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown identity, got %d", unknown.Code)
	}
}

func TestRegisterIdentity(t *testing.T) {
	server, identities := newTestServer(t, guardrail.Policy{})
	handler := server.Handler()

	body := `{"id":"agent-2","label":"payments bot","key_paths":{"base":"identities/agent-2/base"},` +
		`"policy":{"allowed_chains":["base"],"max_value_per_tx":"0.1"}}`
	rec := postJSON(t, handler, "/api/v1/identities", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: %d %s", rec.Code, rec.Body.String())
	}

	stored, err := identities.Get(context.Background(), "agent-2")
	if err != nil {
		t.Fatalf("identity not stored: %v", err)
	}
	if stored.Policy.MaxValuePerTx == nil {
		t.Fatal("policy not applied on registration")
	}

	dup := postJSON(t, handler, "/api/v1/identities", body)
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate registration should conflict, got %d", dup.Code)
	}

	missingPaths := postJSON(t, handler, "/api/v1/identities", `{"id":"agent-3","policy":{}}`)
	if missingPaths.Code != http.StatusBadRequest {
		t.Fatalf("identity without key paths should be rejected, got %d", missingPaths.Code)
	}
}

func TestAuthGatesEndpoints(t *testing.T) {
	store, err := auth.NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
		Seeds: []auth.Seed{{
			Username:    "ops",
			Password:    "pass-123",
			Permissions: []string{auth.PermTransactionsSubmit, auth.PermTransactionsRead},
		}},
	}, store)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	server, _ := newTestServer(t, guardrail.Policy{}, WithAuth(svc))
	handler := server.Handler()

	anon := httptest.NewRecorder()
	handler.ServeHTTP(anon, httptest.NewRequest(http.MethodGet, "/api/v1/transactions?identity=agent-1", nil))
	if anon.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", anon.Code)
	}

	tokenRec := postJSON(t, handler, "/api/v1/auth/token", `{"username":"ops","password":"pass-123"}`)
	if tokenRec.Code != http.StatusOK {
		t.Fatalf("token issuance failed: %d %s", tokenRec.Code, tokenRec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(tokenRec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}

	authed := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?identity=agent-1", nil)
	authed.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	ok := httptest.NewRecorder()
	handler.ServeHTTP(ok, authed)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", ok.Code)
	}
}
