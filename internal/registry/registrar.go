package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/observability/alerting"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/internal/order"
	"AgentDCA/internal/queue"
	"AgentDCA/pkg/logger"
)

const (
	defaultMaxAttempts = 5
	defaultTimeout     = 2 * time.Minute
	defaultBackoff     = 5 * time.Second
)

// Option 配置 Registrar。
type Option func(*Registrar)

// WithRetryQueue 设置登记失败后的重试队列。
func WithRetryQueue(p queue.Producer) Option {
	return func(r *Registrar) { r.retries = p }
}

// WithAlerts 设置重试耗尽时的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Registrar) { r.alerts = d }
}

// WithMaxAttempts 设置单个订单的最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(r *Registrar) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff 设置重试前的基础等待时间，按尝试次数线性增长。
func WithBackoff(d time.Duration) Option {
	return func(r *Registrar) {
		if d >= 0 {
			r.backoff = d
		}
	}
}

// WithTimeout 设置单次登记的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(r *Registrar) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registrar 实现 order.Registrar：异步登记，失败投递到重试队列。
type Registrar struct {
	client      Client
	store       *order.Store
	retries     queue.Producer
	alerts      alerting.Dispatcher
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	wg       sync.WaitGroup
}

// NewRegistrar 创建 Registrar。
func NewRegistrar(client Client, store *order.Store, opts ...Option) *Registrar {
	r := &Registrar{
		client:      client,
		store:       store,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		timeout:     defaultTimeout,
		log:         logger.Named("registry"),
		attempts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 在后台登记订单，不阻塞调用方，也不返回错误。
func (r *Registrar) Register(ctx context.Context, o *order.Order) {
	if r == nil || r.client == nil || o == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.attempt(ctx, o); err != nil {
			r.log.Warn("订单登记失败，转入重试队列", slog.String("order_id", o.ID), slog.Any("error", err))
			r.bump(o.ID)
			r.enqueue(ctx, o.ID)
		}
	}()
}

// Wait 等待所有后台登记结束。
func (r *Registrar) Wait() {
	r.wg.Wait()
}

// Retry 是重试队列的处理函数。已登记或已删除的订单直接确认。
func (r *Registrar) Retry(ctx context.Context, id string) error {
	o, err := r.store.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, order.ErrNotFound) {
			r.forget(id)
			return nil
		}
		return err
	}
	if o.RegistryTxHash != "" || o.Status == order.StatusCancelled {
		r.forget(id)
		return nil
	}
	if n := r.current(id); n > 0 && r.backoff > 0 {
		select {
		case <-ctx.Done():
			return xerrors.Wrap(CodeRegistrationFailed, ctx.Err(), "")
		case <-time.After(time.Duration(n) * r.backoff):
		}
	}

	err = r.attempt(ctx, o)
	if err == nil {
		r.forget(id)
		return nil
	}
	n := r.bump(id)
	if n >= r.maxAttempts {
		r.exhausted(ctx, o, n, err)
		return nil
	}
	return xerrors.Wrap(CodeRegistrationFailed, err, "", xerrors.WithRetryable(true))
}

// Run 启动重试消费者，直到 ctx 结束。
func (r *Registrar) Run(ctx context.Context, consumer queue.Consumer, workers int) error {
	return consumer.Consume(ctx, workers, r.Retry)
}

func (r *Registrar) attempt(ctx context.Context, o *order.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hash, err := r.client.RegisterOrder(ctx, ParamsFromOrder(o))
	if err != nil {
		metrics.ObserveRegistry("failure")
		return err
	}
	metrics.ObserveRegistry("success")
	_, err = r.store.Update(ctx, o.ID, func(current *order.Order) error {
		if current.RegistryTxHash != "" {
			return kv.ErrAbort
		}
		current.RegistryTxHash = hash.Hex()
		return nil
	})
	if err != nil && !stdErrors.Is(err, kv.ErrAbort) {
		return err
	}
	logger.Audit().Info("订单已登记上链", slog.String("order_id", o.ID), slog.String("tx_hash", hash.Hex()))
	return nil
}

func (r *Registrar) enqueue(ctx context.Context, id string) {
	if r.retries == nil {
		return
	}
	if err := r.retries.Publish(ctx, id); err != nil {
		r.log.Error("投递登记重试失败", slog.String("order_id", id), slog.Any("error", err))
	}
}

func (r *Registrar) exhausted(ctx context.Context, o *order.Order, attempts int, cause error) {
	r.forget(o.ID)
	metrics.ObserveRegistry("exhausted")
	r.log.Error("订单登记重试耗尽", slog.String("order_id", o.ID), slog.Int("attempts", attempts), slog.Any("error", cause))
	if r.alerts == nil {
		return
	}
	event := alerting.EventFromError(cause, "registry")
	event.OrderID = o.ID
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["attempts"] = strconv.Itoa(attempts)
	if err := r.alerts.Notify(ctx, event); err != nil {
		r.log.Warn("发送告警失败", slog.Any("error", err))
	}
}

func (r *Registrar) current(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func (r *Registrar) bump(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id]++
	return r.attempts[id]
}

func (r *Registrar) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, id)
}

var _ order.Registrar = (*Registrar)(nil)
