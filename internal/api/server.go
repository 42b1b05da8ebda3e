package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"GuardSign-Chain/internal/auth"
	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/guardrail"
	"GuardSign-Chain/internal/identity"
	"GuardSign-Chain/internal/observability/metrics"
	"GuardSign-Chain/internal/txn"
)

// Server 负责暴露 REST 接口，供智能体与人工所有者调用。
type Server struct {
	addr       string
	txns       *txn.Service
	identities identity.Store
	auth       *auth.Service
}

// Option 定义服务器的可选配置。
type Option func(*Server)

// WithAuth 启用 JWT 认证。未配置或 disabled 模式时所有请求直接放行。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, txns *txn.Service, identities identity.Store, opts ...Option) *Server {
	s := &Server{addr: addr, txns: txns, identities: identities}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回装配完认证与指标中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))
	mux.Handle("/api/v1/transactions", s.protect(map[string][]string{
		http.MethodPost: {auth.PermTransactionsSubmit},
		http.MethodGet:  {auth.PermTransactionsRead},
	}, instrument("transactions", http.HandlerFunc(s.handleTransactions))))
	mux.Handle("/api/v1/transactions/", s.protect(map[string][]string{
		http.MethodGet: {auth.PermTransactionsRead},
	}, instrument("transaction_detail", http.HandlerFunc(s.handleTransactionDetail))))
	mux.Handle("/api/v1/guardrails", s.protect(map[string][]string{
		http.MethodGet: {auth.PermGuardrailsRead},
		http.MethodPut: {auth.PermGuardrailsWrite},
	}, instrument("guardrails", http.HandlerFunc(s.handleGuardrails))))
	mux.Handle("/api/v1/identities", s.protect(map[string][]string{
		http.MethodPost: {auth.PermIdentitiesWrite},
	}, instrument("identities", http.HandlerFunc(s.handleIdentities))))
	return mux
}

// protect 按方法套用权限要求。认证未启用时原样放行。
func (s *Server) protect(perms map[string][]string, next http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms})(next)
}

// handleToken 签发访问令牌。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		writeError(w, http.StatusNotFound, "AUTH_DISABLED", "authentication is not enabled")
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "请求体解析失败")
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTransaction(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// outcomeResponse 是交易提交的统一应答：status 取 blocked、error 或 ok。
type outcomeResponse struct {
	Status      string      `json:"status"`
	Rule        string      `json:"rule,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Code        string      `json:"code,omitempty"`
	Transaction *txn.Record `json:"transaction,omitempty"`
}

// handleSubmitTransaction 接收交易意图并同步返回流水线结论。
// 请求级错误（格式、未知身份）用 4xx 表达；流水线本身的拒绝或失败
// 已经落在记录里，作为 200 的结论联合体返回。
func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if s.txns == nil {
		http.Error(w, "交易服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var intent txn.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, string(txn.CodeIntentValidation), "请求体解析失败")
		return
	}

	record, err := s.txns.Submit(r.Context(), intent)
	if err != nil {
		code := xerrors.CodeOf(err)
		if record == nil {
			writeError(w, statusForCode(code), string(code), err.Error())
			return
		}
		// 记录已创建但流水线失败：交易的终态就是应答本身。
		metrics.ObserveTransactionOutcome(record.Chain, string(record.Status))
		writeJSON(w, http.StatusOK, outcomeResponse{
			Status:      "error",
			Code:        string(code),
			Reason:      err.Error(),
			Transaction: record,
		})
		return
	}

	metrics.ObserveTransactionOutcome(record.Chain, string(record.Status))
	if record.Status == txn.StatusBlocked {
		writeJSON(w, http.StatusOK, outcomeResponse{
			Status:      "blocked",
			Rule:        record.DeniedRule,
			Reason:      record.DeniedReason,
			Transaction: record,
		})
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Status: "ok", Transaction: record})
}

// handleListTransactions 支持 ?id= 精确查询和 ?identity=&chain=&status=&limit= 列表过滤。
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.txns == nil {
		http.Error(w, "交易服务未初始化", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		s.writeTransaction(w, r, id)
		return
	}

	var opts []txn.ListOption
	if identityID := strings.TrimSpace(query.Get("identity")); identityID != "" {
		opts = append(opts, txn.WithIdentity(identityID))
	}
	if chain := strings.TrimSpace(query.Get("chain")); chain != "" {
		opts = append(opts, txn.WithChain(chain))
	}
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		opts = append(opts, txn.WithStatuses(txn.Status(status)))
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, txn.WithLimit(parsed))
		}
	}

	records, err := s.txns.List(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(xerrors.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleTransactionDetail 处理 /api/v1/transactions/{id}。
func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.txns == nil {
		http.Error(w, "交易服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "记录 ID 缺失")
		return
	}
	s.writeTransaction(w, r, id)
}

func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, id string) {
	record, err := s.txns.Get(r.Context(), id)
	if err != nil {
		code := xerrors.CodeOf(err)
		writeError(w, statusForCode(code), string(code), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleGuardrails 读取或原子替换某个身份的护栏策略。
// 替换是人工所有者操作，智能体自身不应持有 guardrails:write 权限。
func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	if s.identities == nil {
		http.Error(w, "身份目录未初始化", http.StatusServiceUnavailable)
		return
	}
	identityID := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identityID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "identity 查询参数缺失")
		return
	}

	switch r.Method {
	case http.MethodGet:
		ident, err := s.identities.Get(r.Context(), identityID)
		if err != nil {
			code := xerrors.CodeOf(err)
			writeError(w, statusForCode(code), string(code), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, guardrail.Snapshot(ident.Policy))
	case http.MethodPut:
		var doc guardrail.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "请求体解析失败")
			return
		}
		policy, err := doc.Policy()
		if err != nil {
			writeError(w, http.StatusBadRequest, "POLICY_INVALID", err.Error())
			return
		}
		if err := s.identities.ReplacePolicy(r.Context(), identityID, policy); err != nil {
			code := xerrors.CodeOf(err)
			writeError(w, statusForCode(code), string(code), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, guardrail.Snapshot(policy))
	default:
		http.Error(w, "仅支持 GET/PUT", http.StatusMethodNotAllowed)
	}
}

// identityRequest 是登记签名身份的请求体。
type identityRequest struct {
	ID       string             `json:"id"`
	Label    string             `json:"label,omitempty"`
	KeyPaths map[string]string  `json:"key_paths"`
	Policy   guardrail.Document `json:"policy"`
}

type identityResponse struct {
	ID        string             `json:"id"`
	Label     string             `json:"label,omitempty"`
	KeyPaths  map[string]string  `json:"key_paths"`
	Policy    guardrail.Document `json:"policy"`
	CreatedAt int64              `json:"created_at"`
}

// handleIdentities 登记一个新的签名身份及其初始策略。
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.identities == nil {
		http.Error(w, "身份目录未初始化", http.StatusServiceUnavailable)
		return
	}
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "请求体解析失败")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "身份 ID 缺失")
		return
	}
	if len(req.KeyPaths) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "key_paths 不能为空")
		return
	}
	policy, err := req.Policy.Policy()
	if err != nil {
		writeError(w, http.StatusBadRequest, "POLICY_INVALID", err.Error())
		return
	}

	ident := &identity.SigningIdentity{
		ID:       req.ID,
		Label:    strings.TrimSpace(req.Label),
		KeyPaths: req.KeyPaths,
		Policy:   policy,
	}
	if err := s.identities.Create(r.Context(), ident); err != nil {
		code := xerrors.CodeOf(err)
		writeError(w, statusForCode(code), string(code), err.Error())
		return
	}
	stored, err := s.identities.Get(r.Context(), req.ID)
	if err != nil {
		stored = ident
	}
	writeJSON(w, http.StatusCreated, identityResponse{
		ID:        stored.ID,
		Label:     stored.Label,
		KeyPaths:  stored.KeyPaths,
		Policy:    guardrail.Snapshot(stored.Policy),
		CreatedAt: stored.CreatedAt,
	})
}

// statusForCode 将错误码映射为 HTTP 状态码。
func statusForCode(code xerrors.Code) int {
	switch code {
	case txn.CodeIntentValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case txn.CodeRecordNotFound, identity.CodeNotFound:
		return http.StatusNotFound
	case txn.CodeRecordConflict, identity.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"code":   code,
		"reason": reason,
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录每个路由的请求计数与耗时指标。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
