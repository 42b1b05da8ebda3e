package txn

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "GuardSign-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录交易状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS transaction_records (
        id VARCHAR(64) PRIMARY KEY,
        identity_id VARCHAR(64) NOT NULL,
        chain VARCHAR(64) NOT NULL,
        to_address VARCHAR(64) NOT NULL,
        value VARCHAR(80) NOT NULL,
        value_wei VARCHAR(96) NOT NULL DEFAULT '',
        data MEDIUMTEXT,
        memo VARCHAR(512) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        denied_rule VARCHAR(32) DEFAULT '',
        denied_reason TEXT,
        error_code VARCHAR(64) DEFAULT '',
        last_error TEXT,
        tx_hash VARCHAR(66) DEFAULT '',
        nonce BIGINT UNSIGNED NOT NULL DEFAULT 0,
        gas_limit BIGINT UNSIGNED NOT NULL DEFAULT 0,
        explorer_url VARCHAR(255) DEFAULT '',
        sim_status VARCHAR(32) DEFAULT '',
        sim_gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
        sim_gas_cost VARCHAR(80) DEFAULT '',
        sim_revert_reason TEXT,
        sim_dashboard_url VARCHAR(255) DEFAULT '',
        block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
        gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        signed_at BIGINT NOT NULL DEFAULT 0,
        broadcast_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_record_identity (identity_id),
        INDEX idx_record_status (status),
        INDEX idx_record_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 transaction_records 表失败")
	}
	return nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = StatusPending
	}

	const stmt = `INSERT INTO transaction_records
        (id, identity_id, chain, to_address, value, value_wei, data, memo, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.IdentityID,
		record.Chain,
		record.To,
		record.Value,
		record.ValueWei,
		record.Data,
		record.Memo,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易记录失败")
	}
	return nil
}

const recordColumns = `id, identity_id, chain, to_address, value, value_wei, data, memo, status,
        denied_rule, denied_reason, error_code, last_error,
        tx_hash, nonce, gas_limit, explorer_url,
        sim_status, sim_gas_used, sim_gas_cost, sim_revert_reason, sim_dashboard_url,
        block_number, gas_used, created_at, updated_at, signed_at, broadcast_at, completed_at`

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var record Record
	var data, deniedReason, lastError, simRevert sql.NullString
	var simStatus, simGasCost, simDashboard sql.NullString
	var simGasUsed uint64

	if err := scan(
		&record.ID,
		&record.IdentityID,
		&record.Chain,
		&record.To,
		&record.Value,
		&record.ValueWei,
		&data,
		&record.Memo,
		&record.Status,
		&record.DeniedRule,
		&deniedReason,
		&record.ErrorCode,
		&lastError,
		&record.TxHash,
		&record.Nonce,
		&record.GasLimit,
		&record.ExplorerURL,
		&simStatus,
		&simGasUsed,
		&simGasCost,
		&simRevert,
		&simDashboard,
		&record.BlockNumber,
		&record.GasUsed,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.SignedAt,
		&record.BroadcastAt,
		&record.CompletedAt,
	); err != nil {
		return nil, err
	}

	record.Data = data.String
	record.DeniedReason = deniedReason.String
	record.LastError = lastError.String
	if simStatus.String != "" {
		record.Simulation = &SimulationSummary{
			Status:          simStatus.String,
			GasUsed:         simGasUsed,
			GasCostEstimate: simGasCost.String,
			RevertReason:    simRevert.String,
			DashboardURL:    simDashboard.String,
		}
	}
	return &record, nil
}

// Get 查询指定记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM transaction_records WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)

	record, err := scanRecord(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	return record, nil
}

// allowedFrom 返回可以迁移到 to 的源状态集合。
func allowedFrom(to Status) []Status {
	all := []Status{StatusPending, StatusSigned, StatusSimulated, StatusBroadcast}
	from := make([]Status, 0, len(all))
	for _, status := range all {
		if CanTransition(status, to) {
			from = append(from, status)
		}
	}
	return from
}

// transition 在数据库层面强制只进不退：UPDATE 带上合法源状态的白名单，
// 影响行数为零时再读一次记录以区分不存在与非法迁移。
func (s *MySQLStore) transition(ctx context.Context, id string, to Status, set string, args ...any) error {
	from := allowedFrom(to)
	placeholders := make([]string, len(from))
	for i := range from {
		placeholders[i] = "?"
	}

	stmt := fmt.Sprintf(`UPDATE transaction_records SET status = ?, updated_at = ?%s WHERE id = ? AND status IN (%s)`,
		set, strings.Join(placeholders, ","))

	now := time.Now().Unix()
	execArgs := append([]any{to, now}, args...)
	execArgs = append(execArgs, id)
	for _, status := range from {
		execArgs = append(execArgs, status)
	}

	res, err := s.db.ExecContext(ctx, stmt, execArgs...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易记录状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}
	return nil
}

// MarkBlocked 记录护栏拒绝的规则与原因。
func (s *MySQLStore) MarkBlocked(ctx context.Context, id string, rule, reason string) error {
	now := time.Now().Unix()
	return s.transition(ctx, id, StatusBlocked,
		", denied_rule = ?, denied_reason = ?, completed_at = ?", rule, reason, now)
}

// MarkSigned 记录签名产物。
func (s *MySQLStore) MarkSigned(ctx context.Context, id string, info SignedInfo) error {
	return s.transition(ctx, id, StatusSigned,
		", tx_hash = ?, nonce = ?, gas_limit = ?, signed_at = ?",
		info.TxHash, info.Nonce, info.GasLimit, info.SignedAt)
}

// MarkSimulated 记录模拟结论。
func (s *MySQLStore) MarkSimulated(ctx context.Context, id string, sim SimulationSummary) error {
	return s.transition(ctx, id, StatusSimulated,
		", sim_status = ?, sim_gas_used = ?, sim_gas_cost = ?, sim_revert_reason = ?, sim_dashboard_url = ?",
		sim.Status, sim.GasUsed, sim.GasCostEstimate, sim.RevertReason, sim.DashboardURL)
}

// MarkBroadcast 记录广播成功。
func (s *MySQLStore) MarkBroadcast(ctx context.Context, id string, txHash, explorerURL string, at int64) error {
	return s.transition(ctx, id, StatusBroadcast,
		", tx_hash = ?, explorer_url = ?, broadcast_at = ?", txHash, explorerURL, at)
}

// MarkOutcome 记录广播后的终态。
func (s *MySQLStore) MarkOutcome(ctx context.Context, id string, status Status, blockNumber, gasUsed uint64) error {
	if status != StatusConfirmed && status != StatusReverted && status != StatusTimedOut {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态只能是 confirmed、reverted 或 timed_out")
	}
	now := time.Now().Unix()
	return s.transition(ctx, id, status,
		", block_number = ?, gas_used = ?, completed_at = ?", blockNumber, gasUsed, now)
}

// MarkFailed 将记录标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code, lastError string) error {
	now := time.Now().Unix()
	return s.transition(ctx, id, StatusFailed,
		", error_code = ?, last_error = ?, completed_at = ?", code, lastError, now)
}

// List 返回符合过滤条件的记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM transaction_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的记录聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (RecordStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS blocked,
        SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END) AS in_flight,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS reverted,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS timed_out,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM transaction_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending), string(StatusBlocked),
		string(StatusSigned), string(StatusSimulated), string(StatusBroadcast),
		string(StatusConfirmed), string(StatusReverted), string(StatusFailed), string(StatusTimedOut),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats RecordStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Blocked,
		&stats.InFlight,
		&stats.Confirmed,
		&stats.Reverted,
		&stats.Failed,
		&stats.TimedOut,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return RecordStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.IdentityID != "" {
		conditions = append(conditions, "identity_id = ?")
		args = append(args, opts.IdentityID)
	}
	if opts.Chain != "" {
		conditions = append(conditions, "chain = ?")
		args = append(args, opts.Chain)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
