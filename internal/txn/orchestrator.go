package txn

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"GuardSign-Chain/internal/chain/provider"
	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/guardrail"
	"GuardSign-Chain/internal/identity"
	"GuardSign-Chain/internal/observability/alerting"
	"GuardSign-Chain/internal/signing"
	"GuardSign-Chain/internal/simulate"
	"GuardSign-Chain/internal/vault"
	"GuardSign-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// KeyResolver 定义编排器所需的密钥解析能力。
type KeyResolver interface {
	Resolve(ctx context.Context, ident *identity.SigningIdentity, chain string) (*vault.KeyHandle, error)
}

// TxSigner 定义编排器所需的签名能力。
type TxSigner interface {
	Sign(ctx context.Context, handle *vault.KeyHandle, req signing.Request) (*signing.Signed, error)
}

// TxBroadcaster 定义编排器所需的广播能力。
type TxBroadcaster interface {
	Broadcast(ctx context.Context, chain string, raw []byte) (common.Hash, error)
}

// Service 是交易签名流水线的编排器。
//
// 每笔请求按固定顺序走完：校验意图、读取身份、在身份锁内评估护栏并签名、
// 记入支出账本，然后在锁外模拟、广播并交给确认队列。
// 护栏拒绝的请求绝不进入签名阶段。
type Service struct {
	records    Store
	identities identity.Store
	ledger     identity.Ledger
	resolver   KeyResolver
	signer     TxSigner
	caster     TxBroadcaster
	chains     *provider.Registry

	simulator simulate.Simulator
	producer  Producer
	alerter   alerting.Dispatcher
	logger    *slog.Logger
	locks     *identityLocks
	now       func() time.Time
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithSimulator 启用交易模拟。未配置时跳过模拟阶段。
func WithSimulator(sim simulate.Simulator) ServiceOption {
	return func(s *Service) {
		s.simulator = sim
	}
}

// WithWatchProducer 配置确认队列的生产者。
func WithWatchProducer(producer Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService 构造编排器。
func NewService(records Store, identities identity.Store, ledger identity.Ledger,
	resolver KeyResolver, signer TxSigner, caster TxBroadcaster,
	chains *provider.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		records:    records,
		identities: identities,
		ledger:     ledger,
		resolver:   resolver,
		signer:     signer,
		caster:     caster,
		chains:     chains,
		locks:      newIdentityLocks(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 接收一笔交易意图并同步推进到广播（或终态）。
// 护栏拒绝不是错误：返回 blocked 状态的记录和 nil error。
func (s *Service) Submit(ctx context.Context, intent Intent) (*Record, error) {
	if s.records == nil || s.identities == nil || s.ledger == nil ||
		s.resolver == nil || s.signer == nil || s.caster == nil || s.chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}

	n, err := intent.normalize(s.chains.DefaultChain())
	if err != nil {
		return nil, err
	}
	if !s.chains.Has(n.Chain) {
		return nil, xerrors.New(CodeIntentValidation,
			fmt.Sprintf("chain %q is not configured", n.Chain))
	}

	// 幂等提交：携带已知 ID 的重复请求直接返回现有记录。
	// 重放必须和首次提交参数一致，否则同一个 ID 会悄悄指向另一笔交易。
	recordID := n.ID
	if recordID != "" {
		existing, getErr := s.records.Get(ctx, recordID)
		if getErr == nil {
			if err := matchReplay(existing, n); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !stdErrors.Is(getErr, ErrRecordNotFound) {
			return nil, getErr
		}
	} else {
		recordID = uuid.NewString()
	}

	ident, err := s.identities.Get(ctx, n.IdentityID)
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:         recordID,
		IdentityID: ident.ID,
		Chain:      n.Chain,
		To:         n.To.Hex(),
		Value:      n.Value,
		ValueWei:   n.ValueWei.String(),
		Data:       n.DataHex,
		Memo:       n.Memo,
		Status:     StatusPending,
	}
	if err := s.records.Create(ctx, record); err != nil {
		if stdErrors.Is(err, ErrRecordConflict) {
			existing, getErr := s.records.Get(ctx, recordID)
			if getErr == nil {
				if matchErr := matchReplay(existing, n); matchErr != nil {
					return nil, matchErr
				}
				return existing, nil
			}
		}
		return nil, err
	}

	signed, outcome, err := s.evaluateAndSign(ctx, record, ident, n)
	if outcome != nil || err != nil {
		return outcome, err
	}

	if err := s.records.MarkSigned(ctx, record.ID, SignedInfo{
		TxHash:   signed.Hash.Hex(),
		Nonce:    signed.Nonce,
		GasLimit: signed.GasLimit,
		SignedAt: signed.SignedAt.Unix(),
	}); err != nil {
		logger.L().Error("记录签名状态失败", slog.Any("error", err), slog.String("record_id", record.ID))
	}
	logger.Audit().Info("交易签名完成",
		slog.String("record_id", record.ID),
		slog.String("identity_id", ident.ID),
		slog.String("chain", n.Chain),
		slog.String("tx_hash", signed.Hash.Hex()),
		slog.String("value", n.Value),
	)

	if blocked, err := s.simulateSigned(ctx, record, ident, n, signed); blocked {
		return s.snapshot(ctx, record), err
	}

	hash, err := s.caster.Broadcast(ctx, n.Chain, signed.Raw)
	if err != nil {
		s.fail(ctx, record, ident, err)
		return s.snapshot(ctx, record), err
	}

	explorerURL := ""
	if def, ok := s.chains.Definition(n.Chain); ok {
		explorerURL = def.ExplorerTxURL(hash.Hex())
	}
	if err := s.records.MarkBroadcast(ctx, record.ID, hash.Hex(), explorerURL, s.now().Unix()); err != nil {
		logger.L().Error("记录广播状态失败", slog.Any("error", err), slog.String("record_id", record.ID))
	}
	logger.Audit().Info("交易已广播",
		slog.String("record_id", record.ID),
		slog.String("chain", n.Chain),
		slog.String("tx_hash", hash.Hex()),
	)

	if s.producer != nil {
		if err := s.producer.Publish(ctx, record.ID); err != nil {
			// 交易已经上链，入队失败只影响确认跟踪，不回滚状态。
			wrapped := xerrors.Wrap(CodeWatchPublish, err, "",
				xerrors.WithMetadata("record_id", record.ID))
			logger.L().Error("交易入确认队列失败", slog.Any("error", wrapped), slog.String("record_id", record.ID))
			s.emitAlert(ctx, record, ident, CodeWatchPublish, wrapped, "watch_enqueue")
		}
	}

	return s.snapshot(ctx, record), nil
}

// matchReplay 校验重放的意图与已有记录指向同一笔交易。
func matchReplay(existing *Record, n normalized) error {
	if existing.IdentityID != n.IdentityID ||
		existing.Chain != n.Chain ||
		existing.To != n.To.Hex() ||
		existing.ValueWei != n.ValueWei.String() ||
		existing.Data != n.DataHex {
		return xerrors.New(CodeIntentValidation,
			fmt.Sprintf("intent %s was already submitted with different parameters", existing.ID),
			xerrors.WithMetadata("record_id", existing.ID))
	}
	return nil
}

// evaluateAndSign 在身份锁内完成「读支出、评估、签名、记账」。
// 返回的 outcome 非空表示请求在此阶段终结（blocked 或 failed）。
func (s *Service) evaluateAndSign(ctx context.Context, record *Record, ident *identity.SigningIdentity, n normalized) (*signing.Signed, *Record, error) {
	release := s.locks.Acquire(ident.ID)
	defer release()

	policy := ident.Policy
	spent, err := s.ledger.SpentWithin(ctx, ident.ID, policy.WindowOrDefault())
	if err != nil {
		s.fail(ctx, record, ident, err)
		return nil, s.snapshot(ctx, record), err
	}

	decision := guardrail.Evaluate(guardrail.Check{
		Chain:       n.Chain,
		Destination: n.To,
		ValueWei:    n.ValueWei,
	}, policy, spent)
	if !decision.Allowed {
		if err := s.records.MarkBlocked(ctx, record.ID, string(decision.Rule), decision.Reason); err != nil {
			logger.L().Error("记录拒绝状态失败", slog.Any("error", err), slog.String("record_id", record.ID))
		}
		logger.Audit().Info("交易被护栏拒绝",
			slog.String("record_id", record.ID),
			slog.String("identity_id", ident.ID),
			slog.String("rule", string(decision.Rule)),
			slog.String("reason", decision.Reason),
		)
		return nil, s.snapshot(ctx, record), nil
	}

	handle, err := s.resolver.Resolve(ctx, ident, n.Chain)
	if err != nil {
		s.fail(ctx, record, ident, err)
		return nil, s.snapshot(ctx, record), err
	}

	signed, err := s.signer.Sign(ctx, handle, signing.Request{
		Chain:    n.Chain,
		To:       n.To,
		ValueWei: n.ValueWei,
		Data:     n.Data,
	})
	if err != nil {
		s.fail(ctx, record, ident, err)
		return nil, s.snapshot(ctx, record), err
	}

	// 记账必须成功：签了名却没记账会让下一次限额评估读到偏小的支出。
	// 记账失败时放弃广播，宁可少发一笔也不突破限额。
	if err := s.ledger.Record(ctx, ident.ID, n.ValueWei, signed.SignedAt); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支出账本失败")
		s.fail(ctx, record, ident, wrapped)
		return nil, s.snapshot(ctx, record), wrapped
	}

	return signed, nil, nil
}

// simulateSigned 执行可选的模拟阶段。返回 true 表示流程应当终止。
// 策略或意图要求模拟成功时，即使意图没有显式开启 simulate_first 也会强制模拟。
func (s *Service) simulateSigned(ctx context.Context, record *Record, ident *identity.SigningIdentity, n normalized, signed *signing.Signed) (bool, error) {
	required := n.RequireSimulationSuccess || ident.Policy.RequireSimulationSuccess
	if !required && (s.simulator == nil || !n.SimulateFirst) {
		return false, nil
	}
	if s.simulator == nil {
		// 要求模拟成功却没有模拟服务：宁可不广播。
		simErr := xerrors.New(simulate.CodeSimulationUnavailable,
			"simulation success is required but no simulator is configured",
			xerrors.WithMetadata("record_id", record.ID))
		s.fail(ctx, record, ident, simErr)
		return true, simErr
	}

	result, err := s.simulator.Simulate(ctx, simulate.Request{
		Chain:    n.Chain,
		From:     signed.From,
		To:       n.To,
		ValueWei: n.ValueWei,
		Data:     n.Data,
	})
	if err != nil {
		if required {
			s.fail(ctx, record, ident, err)
			return true, err
		}
		logger.L().Warn("模拟服务不可用，按策略继续广播",
			slog.Any("error", err), slog.String("record_id", record.ID))
		return false, nil
	}

	summary := SimulationSummary{
		Status:          string(result.Status),
		GasUsed:         result.GasUsed,
		GasCostEstimate: result.GasCostEstimate,
		RevertReason:    result.RevertReason,
		DashboardURL:    result.DashboardURL,
	}
	if err := s.records.MarkSimulated(ctx, record.ID, summary); err != nil {
		logger.L().Error("记录模拟结果失败", slog.Any("error", err), slog.String("record_id", record.ID))
	}

	if result.Status != simulate.StatusSuccess && required {
		reason := result.RevertReason
		if reason == "" {
			reason = "simulation did not succeed"
		}
		simErr := xerrors.New(simulate.CodeSimulationReverted, reason,
			xerrors.WithMetadata("record_id", record.ID))
		s.fail(ctx, record, ident, simErr)
		return true, simErr
	}
	return false, nil
}

// fail 把记录推进到 failed 并按错误属性决定是否告警。
func (s *Service) fail(ctx context.Context, record *Record, ident *identity.SigningIdentity, cause error) {
	code := xerrors.CodeOf(cause)
	if err := s.records.MarkFailed(ctx, record.ID, string(code), cause.Error()); err != nil {
		logger.L().Error("记录失败状态出错", slog.Any("error", err), slog.String("record_id", record.ID))
	}
	logger.Audit().Warn("交易流水线失败",
		slog.String("record_id", record.ID),
		slog.String("identity_id", record.IdentityID),
		slog.String("chain", record.Chain),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	if xerrors.ShouldAlert(cause) {
		s.emitAlert(ctx, record, ident, code, cause, "pipeline")
	}
}

func (s *Service) emitAlert(ctx context.Context, record *Record, ident *identity.SigningIdentity, code xerrors.Code, cause error, stage string) {
	if s == nil || s.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	identityID := record.IdentityID
	if ident != nil {
		identityID = ident.ID
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RecordID:   record.ID,
		IdentityID: identityID,
		Chain:      record.Chain,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: s.now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("record_id", record.ID),
			slog.String("stage", stage),
		)
	}
}

// snapshot 返回记录的最新落库形态，读失败时退回内存副本。
func (s *Service) snapshot(ctx context.Context, record *Record) *Record {
	latest, err := s.records.Get(ctx, record.ID)
	if err != nil {
		return record.Clone()
	}
	return latest
}

// Get 返回指定记录的状态。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.records == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.records.Get(ctx, id)
}

// List 返回符合过滤条件的记录列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	if s.records == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.records.List(ctx, options)
}

// Stats 返回符合过滤条件的记录统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RecordStats, error) {
	if s.records == nil {
		return RecordStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.records.Stats(ctx, options)
}

// WaitUntilTerminal 在指定间隔内轮询记录直到进入终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Status.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.records != nil {
		if err := s.records.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
