// Package guardsign provides a thin HTTP client for the GuardSign Chain
// REST API: token issuance, transaction submission and tracking, and
// guardrail management.
package guardsign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the GuardSign Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials carries the password grant used to obtain access tokens.
type Credentials struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// TransactionIntent is the payload required to submit a transaction.
// Value is a decimal amount in the chain's native unit.
type TransactionIntent struct {
	ID         string `json:"id,omitempty"`
	IdentityID string `json:"identity_id"`
	Chain      string `json:"chain,omitempty"`
	To         string `json:"to"`
	Value      string `json:"value"`
	Data       string `json:"data,omitempty"`
	Memo       string `json:"memo,omitempty"`

	SimulateFirst            bool `json:"simulate_first,omitempty"`
	RequireSimulationSuccess bool `json:"require_simulation_success,omitempty"`
}

// Simulation summarises a pre-broadcast dry run.
type Simulation struct {
	Status          string `json:"status"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	GasCostEstimate string `json:"gas_cost_estimate,omitempty"`
	RevertReason    string `json:"revert_reason,omitempty"`
	DashboardURL    string `json:"dashboard_url,omitempty"`
}

// Transaction mirrors the server side transaction record.
type Transaction struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`
	Chain      string `json:"chain"`
	To         string `json:"to"`
	Value      string `json:"value"`
	ValueWei   string `json:"value_wei,omitempty"`
	Data       string `json:"data,omitempty"`
	Memo       string `json:"memo,omitempty"`

	Status       string `json:"status"`
	DeniedRule   string `json:"denied_rule,omitempty"`
	DeniedReason string `json:"denied_reason,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	TxHash      string      `json:"tx_hash,omitempty"`
	Nonce       uint64      `json:"nonce,omitempty"`
	GasLimit    uint64      `json:"gas_limit,omitempty"`
	ExplorerURL string      `json:"explorer_url,omitempty"`
	Simulation  *Simulation `json:"simulation,omitempty"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	UpdatedAt   int64 `json:"updated_at"`
	SignedAt    int64 `json:"signed_at,omitempty"`
	BroadcastAt int64 `json:"broadcast_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Outcome is the submission response. Status is "ok", "blocked" or "error";
// Rule and Reason explain a block, Code and Reason explain a failure.
type Outcome struct {
	Status      string       `json:"status"`
	Rule        string       `json:"rule,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Code        string       `json:"code,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// Blocked reports whether the submission was denied by a guardrail.
func (o Outcome) Blocked() bool { return o.Status == "blocked" }

// Guardrails is the policy document attached to a signing identity.
type Guardrails struct {
	AllowedChains       []string `json:"allowed_chains"`
	AllowedDestinations []string `json:"allowed_destinations"`
	MaxValuePerTx       string   `json:"max_value_per_tx,omitempty"`
	DailySpendLimit     string   `json:"daily_spend_limit,omitempty"`
	WindowSeconds       int64    `json:"window_seconds,omitempty"`

	RequireSimulationSuccess bool `json:"require_simulation_success,omitempty"`
}

// IdentityRegistration is the payload for registering a signing identity.
// KeyPaths maps chain names to vault key paths.
type IdentityRegistration struct {
	ID       string            `json:"id"`
	Label    string            `json:"label,omitempty"`
	KeyPaths map[string]string `json:"key_paths"`
	Policy   Guardrails        `json:"policy"`
}

// Identity describes a registered signing identity.
type Identity struct {
	ID        string            `json:"id"`
	Label     string            `json:"label,omitempty"`
	KeyPaths  map[string]string `json:"key_paths"`
	Policy    Guardrails        `json:"policy"`
	CreatedAt int64             `json:"created_at"`
}

// ListFilter narrows ListTransactions results. Zero values are omitted.
type ListFilter struct {
	Identity string
	Chain    string
	Status   string
	Limit    int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"reason"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("guardsign api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("guardsign api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the GuardSign Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. The grant type defaults to "password".
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	if creds.GrantType == "" {
		creds.GrantType = "password"
	}
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitTransaction submits a transaction intent and returns the synchronous
// pipeline outcome. A guardrail denial is not an error: inspect
// Outcome.Blocked and the attached transaction record.
func (c *Client) SubmitTransaction(ctx context.Context, intent TransactionIntent) (Outcome, error) {
	var outcome Outcome
	if err := c.post(ctx, "/api/v1/transactions", intent, &outcome, true); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// GetTransaction fetches a transaction record by identifier.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var record Transaction
	endpoint := "/api/v1/transactions/" + url.PathEscape(id)
	if err := c.get(ctx, endpoint, &record, true); err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// ListTransactions returns records matching the filter, most recent first.
func (c *Client) ListTransactions(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	query := url.Values{}
	if filter.Identity != "" {
		query.Set("identity", filter.Identity)
	}
	if filter.Chain != "" {
		query.Set("chain", filter.Chain)
	}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", filter.Limit))
	}
	endpoint := "/api/v1/transactions"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var records []Transaction
	if err := c.get(ctx, endpoint, &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// GetGuardrails reads the guardrail policy of a signing identity.
func (c *Client) GetGuardrails(ctx context.Context, identityID string) (Guardrails, error) {
	var doc Guardrails
	endpoint := "/api/v1/guardrails?identity=" + url.QueryEscape(identityID)
	if err := c.get(ctx, endpoint, &doc, true); err != nil {
		return Guardrails{}, err
	}
	return doc, nil
}

// ReplaceGuardrails atomically replaces the policy of a signing identity and
// returns the stored snapshot. This is an owner operation.
func (c *Client) ReplaceGuardrails(ctx context.Context, identityID string, doc Guardrails) (Guardrails, error) {
	var stored Guardrails
	endpoint := "/api/v1/guardrails?identity=" + url.QueryEscape(identityID)
	if err := c.put(ctx, endpoint, doc, &stored, true); err != nil {
		return Guardrails{}, err
	}
	return stored, nil
}

// RegisterIdentity registers a new signing identity with its initial policy.
func (c *Client) RegisterIdentity(ctx context.Context, reg IdentityRegistration) (Identity, error) {
	var ident Identity
	if err := c.post(ctx, "/api/v1/identities", reg, &ident, true); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out, withAuth)
}

func (c *Client) put(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	return c.send(ctx, http.MethodPut, endpoint, payload, out, withAuth)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	endpoint, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
