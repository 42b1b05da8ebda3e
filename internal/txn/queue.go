package txn

import (
	"context"
)

// Handler 处理来自确认队列的记录 ID。
type Handler func(ctx context.Context, recordID string) error

// Producer 负责向确认队列投递记录。
type Producer interface {
	Publish(ctx context.Context, recordID string) error
	Close() error
}

// Consumer 负责从确认队列中消费记录。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
