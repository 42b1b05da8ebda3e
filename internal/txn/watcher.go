package txn

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"GuardSign-Chain/internal/broadcast"
	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/observability/alerting"
	"GuardSign-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// ConfirmationWaiter 定义观察器所需的确认轮询能力。
type ConfirmationWaiter interface {
	AwaitConfirmation(ctx context.Context, chain string, hash common.Hash, timeout, pollInterval time.Duration) (*broadcast.Confirmation, error)
}

// Watcher 从确认队列消费已广播的记录并跟踪回执，
// 把记录推进到 confirmed、reverted 或 timed_out。
type Watcher struct {
	store        Store
	consumer     Consumer
	waiter       ConfirmationWaiter
	timeout      time.Duration
	pollInterval time.Duration
	workerCount  int
	logger       *slog.Logger
	alerter      alerting.Dispatcher
}

// WatcherOption 定义可选配置。
type WatcherOption func(*Watcher)

// WithWatcherLogger 指定日志输出。
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithWatcherWorkers 设置消费协程数量。
func WithWatcherWorkers(workers int) WatcherOption {
	return func(w *Watcher) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithWatcherAlerts 配置告警派发器。
func WithWatcherAlerts(dispatcher alerting.Dispatcher) WatcherOption {
	return func(w *Watcher) {
		w.alerter = dispatcher
	}
}

// NewWatcher 构造确认观察器。
func NewWatcher(store Store, consumer Consumer, waiter ConfirmationWaiter,
	timeout, pollInterval time.Duration, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:        store,
		consumer:     consumer,
		waiter:       waiter,
		timeout:      timeout,
		pollInterval: pollInterval,
		workerCount:  1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w
}

// Start 启动确认处理循环，阻塞到 ctx 取消。
func (w *Watcher) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置确认队列消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

// Requeue 把仍处于 broadcast 状态的记录重新入队。
// 用于进程重启后恢复确认跟踪，返回重新入队的数量。
func (w *Watcher) Requeue(ctx context.Context, producer Producer) (int, error) {
	if w.store == nil || producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "观察器未初始化")
	}
	records, err := w.store.List(ctx, ListOptions{
		Statuses: []Status{StatusBroadcast},
		Order:    SortByUpdatedAsc,
		Limit:    100,
	})
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, record := range records {
		if err := producer.Publish(ctx, record.ID); err != nil {
			return requeued, xerrors.Wrap(CodeWatchPublish, err, "",
				xerrors.WithMetadata("record_id", record.ID))
		}
		requeued++
	}
	if requeued > 0 {
		logger.L().Info("已恢复在途交易的确认跟踪", slog.Int("count", requeued))
	}
	return requeued, nil
}

func (w *Watcher) handle(ctx context.Context, recordID string) error {
	if w.store == nil || w.waiter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "观察器未初始化")
	}
	record, err := w.store.Get(ctx, recordID)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			w.logDebug("跳过未知记录", slog.String("record_id", recordID))
			return nil
		}
		logger.L().Error("读取待确认记录失败", slog.Any("error", err), slog.String("record_id", recordID))
		return err
	}
	if record.Status != StatusBroadcast {
		w.logDebug("记录不在广播状态，跳过确认",
			slog.String("record_id", recordID),
			slog.String("status", string(record.Status)))
		return nil
	}

	conf, err := w.waiter.AwaitConfirmation(ctx, record.Chain, common.HexToHash(record.TxHash), w.timeout, w.pollInterval)
	if err != nil {
		if xerrors.CodeOf(err) == broadcast.CodeConfirmationTimeout {
			if markErr := w.store.MarkOutcome(ctx, record.ID, StatusTimedOut, 0, 0); markErr != nil {
				logger.L().Error("记录超时状态失败", slog.Any("error", markErr), slog.String("record_id", record.ID))
				return markErr
			}
			logger.Audit().Warn("交易确认超时，结果未知",
				slog.String("record_id", record.ID),
				slog.String("chain", record.Chain),
				slog.String("tx_hash", record.TxHash),
			)
			w.emitAlert(ctx, record, broadcast.CodeConfirmationTimeout, err)
			return nil
		}
		// 其他错误交回队列，等待下一轮重试。
		logger.L().Error("确认轮询失败", slog.Any("error", err), slog.String("record_id", record.ID))
		return err
	}

	switch conf.State {
	case broadcast.StateConfirmed:
		if markErr := w.store.MarkOutcome(ctx, record.ID, StatusConfirmed, conf.BlockNumber, conf.GasUsed); markErr != nil {
			logger.L().Error("记录确认状态失败", slog.Any("error", markErr), slog.String("record_id", record.ID))
			return markErr
		}
		logger.Audit().Info("交易已确认",
			slog.String("record_id", record.ID),
			slog.String("chain", record.Chain),
			slog.String("tx_hash", record.TxHash),
			slog.Uint64("block_number", conf.BlockNumber),
		)
	case broadcast.StateReverted:
		if markErr := w.store.MarkOutcome(ctx, record.ID, StatusReverted, conf.BlockNumber, conf.GasUsed); markErr != nil {
			logger.L().Error("记录回滚状态失败", slog.Any("error", markErr), slog.String("record_id", record.ID))
			return markErr
		}
		logger.Audit().Warn("交易在链上回滚",
			slog.String("record_id", record.ID),
			slog.String("chain", record.Chain),
			slog.String("tx_hash", record.TxHash),
			slog.Uint64("block_number", conf.BlockNumber),
		)
		w.emitAlert(ctx, record, CodeOnChainRevert, nil)
	}
	return nil
}

func (w *Watcher) logDebug(msg string, attrs ...slog.Attr) {
	if w.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		w.logger.Debug(msg, args...)
	}
}

func (w *Watcher) emitAlert(ctx context.Context, record *Record, code xerrors.Code, cause error) {
	if w == nil || w.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RecordID:   record.ID,
		IdentityID: record.IdentityID,
		Chain:      record.Chain,
		Metadata:   map[string]string{"tx_hash": record.TxHash},
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("record_id", record.ID),
		)
	}
}
