package scheduler

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"AgentDCA/internal/agentkey"
	"AgentDCA/internal/approval"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/observability/alerting"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/internal/order"
	"AgentDCA/internal/queue"
	"AgentDCA/internal/swap"
	"AgentDCA/pkg/logger"
)

const (
	defaultLease       = 10 * time.Minute
	defaultThreshold   = 3
	defaultBatchSize   = 100
	defaultConcurrency = 4
)

// Keys 是调度器对代理密钥服务的依赖。
type Keys interface {
	Get(ctx context.Context, id string) (*agentkey.AgentKey, error)
	GetPrivateKey(ctx context.Context, id, purpose string) (*ecdsa.PrivateKey, error)
}

// Signers 根据授权字符串重建受限签名器。
type Signers interface {
	Deserialize(blob, provider string, sessionKey *ecdsa.PrivateKey, expectedAccount common.Address) (*approval.ScopedSigner, error)
}

// Sender 是执行阶段实际使用的签名器能力。
type Sender interface {
	Address() common.Address
	SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// Outcome 描述单个订单一次执行尝试的结果。
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeStale     Outcome = "stale"
	OutcomeHalted    Outcome = "halted"
	OutcomeFlagged   Outcome = "flagged"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomePaused    Outcome = "paused"
)

// Report 汇总一次 tick。
type Report struct {
	Due        int             `json:"due"`
	Dispatched int             `json:"dispatched"`
	Outcomes   map[Outcome]int `json:"outcomes,omitempty"`
}

// Option 配置 Runner。
type Option func(*Runner)

// WithTreasury 设置平台费收款地址。
func WithTreasury(addr common.Address) Option {
	return func(r *Runner) { r.treasury = addr }
}

// WithDispatchQueue 让 tick 只投递订单 ID，由队列消费者执行。
func WithDispatchQueue(p queue.Producer) Option {
	return func(r *Runner) { r.dispatch = p }
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Runner) { r.alerts = d }
}

// WithLease 设置执行租约时长，超过后其他 tick 可以接手。
func WithLease(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithFailureThreshold 设置连续永久失败多少次后暂停订单。
func WithFailureThreshold(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithBatchSize 限制单次 tick 处理的订单数。
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithConcurrency 设置 inline 模式下的并发执行数。
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock 注入时间函数。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTokenGenerator 注入租约令牌生成函数。
func WithTokenGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newToken = fn
		}
	}
}

// Runner 执行到期订单。
type Runner struct {
	orders      *order.Store
	keys        Keys
	signers     Signers
	router      swap.Router
	treasury    common.Address
	dispatch    queue.Producer
	alerts      alerting.Dispatcher
	lease       time.Duration
	threshold   int
	batch       int
	concurrency int
	now         func() time.Time
	newToken    func() string
	log         *slog.Logger
}

// NewRunner 创建 Runner。
func NewRunner(orders *order.Store, keys Keys, signers Signers, router swap.Router, opts ...Option) (*Runner, error) {
	if orders == nil || keys == nil || signers == nil || router == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器依赖未完整配置")
	}
	r := &Runner{
		orders:      orders,
		keys:        keys,
		signers:     signers,
		router:      router,
		lease:       defaultLease,
		threshold:   defaultThreshold,
		batch:       defaultBatchSize,
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		newToken:    uuid.NewString,
		log:         logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Tick 选出到期订单并执行。配置了投递队列时只投递，不在当前协程执行。
// 单个订单的失败不会中断 tick。
func (r *Runner) Tick(ctx context.Context) (Report, error) {
	due, err := r.orders.Due(ctx, r.now(), r.batch)
	if err != nil {
		return Report{}, err
	}
	report := Report{Due: len(due), Outcomes: make(map[Outcome]int)}

	if r.dispatch != nil {
		defer func() { metrics.ObserveTick(report.Dispatched) }()
		for _, o := range due {
			if err := r.dispatch.Publish(ctx, o.ID); err != nil {
				return report, err
			}
			report.Dispatched++
		}
		r.log.Debug("到期订单已投递", slog.Int("count", report.Dispatched))
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.concurrency)
	for _, o := range due {
		id := o.ID
		g.Go(func() error {
			outcome, err := r.ExecuteOrder(ctx, id)
			if err != nil {
				r.log.Error("订单执行异常", slog.String("order_id", id), slog.Any("error", err))
			}
			mu.Lock()
			report.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	report.Dispatched = len(due)
	metrics.ObserveTick(report.Dispatched)
	return report, ctx.Err()
}

// Loop 按固定间隔调用 Tick，直到 ctx 结束。
func (r *Runner) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "调度间隔必须为正数")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := r.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("调度 tick 失败", slog.Any("error", err))
		} else if report.Due > 0 {
			r.log.Info("调度 tick 完成", slog.Int("due", report.Due), slog.Any("outcomes", report.Outcomes))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Consume 从投递队列消费订单 ID。只有存储层等基础设施错误会让消息重新入队，
// 执行失败已经写回订单，由下一次 tick 重试。
func (r *Runner) Consume(ctx context.Context, consumer queue.Consumer, workers int) error {
	return consumer.Consume(ctx, workers, func(ctx context.Context, id string) error {
		_, err := r.ExecuteOrder(ctx, id)
		return err
	})
}

func (r *Runner) emit(ctx context.Context, event alerting.Event) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		r.log.Warn("告警发送失败", slog.String("order_id", event.OrderID), slog.Any("error", err))
	}
}
