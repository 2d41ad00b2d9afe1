package queue

import (
	"context"
	"strings"
	"time"

	xerrors "AgentDCA/internal/errors"
)

// Config 选择队列驱动。Name 为队列名，各驱动共用。
type Config struct {
	Driver   string
	Name     string
	Buffer   int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// New 根据驱动创建队列。
func New(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Name, cfg.Buffer), nil
	case "redis":
		rc := cfg.Redis
		rc.Queue = cfg.Name
		if rc.BlockWait <= 0 {
			rc.BlockWait = 5 * time.Second
		}
		return NewRedisQueue(ctx, rc)
	case "rabbitmq":
		rc := cfg.RabbitMQ
		rc.Queue = cfg.Name
		return NewRabbitMQQueue(rc)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的队列驱动: "+cfg.Driver)
	}
}
