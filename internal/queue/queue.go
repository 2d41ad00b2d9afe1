// Package queue carries order ids between the tick invoker and execution
// workers, and failed registry registrations to the retry worker. Messages
// are plain ids: every consumer re-reads the authoritative record from the
// key-value store, so duplicate delivery is harmless.
package queue

import (
	"context"
	"log/slog"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/pkg/logger"
)

// Handler 处理一条消息。返回可重试错误时消息会被重新投递。
type Handler func(ctx context.Context, id string) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, id string) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// CodeClosed 表示向已关闭的队列投递。
const CodeClosed xerrors.Code = "QUEUE_CLOSED"

func init() {
	xerrors.Register(CodeClosed, xerrors.Attributes{
		Message:  "queue closed",
		Severity: xerrors.SeverityWarning,
	})
}

// shouldRequeue 决定处理失败的消息是否重新入队。
func shouldRequeue(queueName, id string, err error) bool {
	if err == nil {
		return false
	}
	retry := xerrors.RetryableError(err)
	logger.Named("queue").Warn("消息处理失败",
		slog.String("queue", queueName),
		slog.String("id", id),
		slog.Bool("requeue", retry),
		slog.Any("error", err),
	)
	return retry
}
