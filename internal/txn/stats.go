package txn

// RecordStats 聚合了交易记录的状态统计，常用于仪表盘或健康检查。
type RecordStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Blocked         int   `json:"blocked"`
	InFlight        int   `json:"in_flight"`
	Confirmed       int   `json:"confirmed"`
	Reverted        int   `json:"reverted"`
	Failed          int   `json:"failed"`
	TimedOut        int   `json:"timed_out"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *RecordStats) count(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusBlocked:
		s.Blocked++
	case StatusSigned, StatusSimulated, StatusBroadcast:
		s.InFlight++
	case StatusConfirmed:
		s.Confirmed++
	case StatusReverted:
		s.Reverted++
	case StatusFailed:
		s.Failed++
	case StatusTimedOut:
		s.TimedOut++
	}
}
