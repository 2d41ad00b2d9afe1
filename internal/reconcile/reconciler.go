package reconcile

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"AgentDCA/internal/agentkey"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/observability/alerting"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/internal/order"
	"AgentDCA/pkg/logger"
)

const corruptPayloadLimit = 1024

// Action 是对账对单个订单做出的处理。
type Action string

const (
	ActionCancelled  Action = "cancelled"
	ActionTombstoned Action = "tombstoned"
	ActionPaused     Action = "paused"
	ActionBackfilled Action = "backfilled"
)

// Change 记录一次实际写入。
type Change struct {
	OrderID string `json:"orderId"`
	Action  Action `json:"action"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason"`
}

// Result 汇总一次对账。
type Result struct {
	Scanned   int      `json:"scanned"`
	Unflagged int      `json:"unflagged"`
	Changes   []Change `json:"changes"`
}

// Count 返回指定处理的数量。
func (r Result) Count(action Action) int {
	n := 0
	for _, c := range r.Changes {
		if c.Action == action {
			n++
		}
	}
	return n
}

// Keys 是对账所需的代理密钥查询能力。
type Keys interface {
	Get(ctx context.Context, id string) (*agentkey.AgentKey, error)
}

// Option 配置 Reconciler。
type Option func(*Reconciler)

// WithAlerts 设置取消与暂停订单时的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Reconciler) { r.alerts = d }
}

// WithClock 注入时间函数。
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconciler 执行对账与回填。
type Reconciler struct {
	orders *order.Store
	keys   Keys
	alerts alerting.Dispatcher
	now    func() time.Time
	log    *slog.Logger
}

// New 创建 Reconciler。
func New(orders *order.Store, keys Keys, opts ...Option) *Reconciler {
	r := &Reconciler{
		orders: orders,
		keys:   keys,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.Named("reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// verdict 是对单个订单的判定，nil 表示无需处理。
type verdict struct {
	action Action
	status order.Status
	cause  error
}

// Run 检查全部 active 订单并修复违反授权约束的订单，随后清除调度器留下的待对账标记。
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	flagged, err := r.orders.Flagged(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = r.orders.Scan(ctx, func(id string, raw []byte, o *order.Order, decodeErr error) error {
		res.Scanned++
		if decodeErr != nil {
			change, err := r.tombstone(ctx, id, raw, decodeErr)
			if err != nil || change == nil {
				return err
			}
			res.Changes = append(res.Changes, *change)
			return nil
		}
		if o.Status != order.StatusActive {
			return nil
		}
		v, err := r.inspect(ctx, o)
		if err != nil || v == nil {
			return err
		}
		change, err := r.apply(ctx, o, v)
		if err != nil || change == nil {
			return err
		}
		res.Changes = append(res.Changes, *change)
		return nil
	})
	if err != nil {
		return res, err
	}

	if len(flagged) > 0 {
		if err := r.orders.Unflag(ctx, flagged...); err != nil {
			return res, err
		}
		res.Unflagged = len(flagged)
	}
	r.observe("run", res)
	if len(res.Changes) > 0 || res.Unflagged > 0 {
		r.log.Info("对账完成",
			slog.Int("scanned", res.Scanned),
			slog.Int("cancelled", res.Count(ActionCancelled)+res.Count(ActionTombstoned)),
			slog.Int("paused", res.Count(ActionPaused)),
			slog.Int("unflagged", res.Unflagged),
		)
	}
	return res, nil
}

// inspect 按 sessionKeyData 变体判定订单。存储故障以外的问题都体现在 verdict 中。
func (r *Reconciler) inspect(ctx context.Context, o *order.Order) (*verdict, error) {
	data, err := order.ParseSessionKeyData(o.SessionKeyData)
	if err != nil {
		return &verdict{action: ActionCancelled, status: order.StatusCancelled, cause: err}, nil
	}
	switch d := data.(type) {
	case order.LegacyKeyData:
		return &verdict{
			action: ActionPaused,
			status: order.StatusPaused,
			cause:  xerrors.New(order.CodeNotAuthorized, "legacy session key data is not server managed"),
		}, nil
	case order.ManagedKeyData:
		key, err := r.keys.Get(ctx, d.AgentKeyID)
		if err != nil {
			switch xerrors.ClassOf(err) {
			case xerrors.ClassBrokenReference:
				return &verdict{action: ActionCancelled, status: order.StatusCancelled, cause: err}, nil
			case xerrors.ClassDataCorruption:
				// 密钥记录损坏可通过重新授权恢复，只暂停订单。
				return &verdict{action: ActionPaused, status: order.StatusPaused, cause: err}, nil
			}
			return nil, err
		}
		if !key.HasApproval() {
			return &verdict{
				action: ActionPaused,
				status: order.StatusPaused,
				cause:  xerrors.New(order.CodeNotAuthorized, "agent key has no session key approval", xerrors.WithMetadata("key_id", key.ID)),
			}, nil
		}
	}
	return nil, nil
}

// apply 写入判定结果。订单在读取后被修改（状态或 sessionKeyData 变化）时放弃。
func (r *Reconciler) apply(ctx context.Context, seen *order.Order, v *verdict) (*Change, error) {
	reason := v.cause.Error()
	_, err := r.orders.Update(ctx, seen.ID, func(o *order.Order) error {
		if o.Status != order.StatusActive || o.SessionKeyData != seen.SessionKeyData {
			return kv.ErrAbort
		}
		_, err := o.Transition(v.status, reason, r.now())
		return err
	})
	if err != nil {
		if stdErrors.Is(err, kv.ErrAbort) {
			return nil, nil
		}
		return nil, err
	}

	change := &Change{OrderID: seen.ID, Action: v.action, Code: string(xerrors.CodeOf(v.cause)), Reason: reason}
	metrics.ObserveTransition(string(v.status))
	r.report(ctx, seen, change, v.cause)
	return change, nil
}

// tombstone 用已取消的占位记录替换无法解析的订单，原始内容截断保存。
func (r *Reconciler) tombstone(ctx context.Context, id string, raw []byte, cause error) (*Change, error) {
	now := r.now()
	reason := "corrupt order payload: " + cause.Error()
	stone := &order.Order{
		ID:             id,
		Status:         order.StatusCancelled,
		StatusReason:   reason,
		CorruptPayload: logger.Truncate(string(raw), corruptPayloadLimit),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	replaced, err := r.orders.ReplaceCorrupt(ctx, id, raw, stone)
	if err != nil || !replaced {
		return nil, err
	}
	change := &Change{OrderID: id, Action: ActionTombstoned, Code: string(xerrors.CodeOf(cause)), Reason: reason}
	metrics.ObserveTransition(string(order.StatusCancelled))
	r.report(ctx, stone, change, cause)
	return change, nil
}

func (r *Reconciler) report(ctx context.Context, o *order.Order, change *Change, cause error) {
	keyID := keyIDOf(o)
	logger.Audit().Warn("对账修改订单状态",
		slog.String("order_id", change.OrderID),
		slog.String("action", string(change.Action)),
		slog.String("code", change.Code),
		slog.String("key_id", keyID),
		slog.String("reason", change.Reason),
	)
	if r.alerts == nil {
		return
	}
	event := alerting.EventFromError(cause, "reconcile")
	event.OrderID = change.OrderID
	event.KeyID = keyID
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["action"] = string(change.Action)
	if err := r.alerts.Notify(ctx, event); err != nil {
		r.log.Warn("告警发送失败", slog.String("order_id", change.OrderID), slog.Any("error", err))
	}
}

func (r *Reconciler) observe(job string, res Result) {
	for _, action := range []Action{ActionCancelled, ActionTombstoned, ActionPaused, ActionBackfilled} {
		metrics.ObserveReconcile(job, string(action), res.Count(action))
	}
	metrics.ObserveReconcile(job, "unflagged", res.Unflagged)
}

// Stats 返回各状态订单数量。
func (r *Reconciler) Stats(ctx context.Context) (order.Stats, error) {
	return r.orders.Stats(ctx)
}

func keyIDOf(o *order.Order) string {
	data, err := order.ParseSessionKeyData(o.SessionKeyData)
	if err != nil {
		return ""
	}
	switch d := data.(type) {
	case order.ManagedKeyData:
		return d.AgentKeyID
	case order.LegacyKeyData:
		return d.AgentKeyID
	}
	return ""
}
