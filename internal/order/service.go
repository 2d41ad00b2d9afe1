package order

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentDCA/internal/agentkey"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/pkg/logger"
)

// KeyResolver 按 ID 获取有效的代理密钥。
type KeyResolver interface {
	Get(ctx context.Context, id string) (*agentkey.AgentKey, error)
}

// Registrar 将订单登记到链上注册表，尽力而为，不得阻塞订单创建。
type Registrar interface {
	Register(ctx context.Context, o *Order)
}

// CreateRequest 描述创建订单所需的参数。
type CreateRequest struct {
	UserAddress        string
	AgentKeyID         string
	FromToken          string
	ToToken            string
	DestinationAddress string
	TotalAmount        *big.Int
	Frequency          Frequency
	TotalExecutions    int
	StartAt            time.Time
}

// Service 提供订单生命周期操作。
type Service struct {
	store     *Store
	keys      KeyResolver
	registrar Registrar
	feePct    decimal.Decimal
	now       func() time.Time
	newID     func() string
	log       *slog.Logger
}

// ServiceOption 自定义 Service。
type ServiceOption func(*Service)

// WithRegistrar 设置链上注册器。
func WithRegistrar(r Registrar) ServiceOption {
	return func(s *Service) { s.registrar = r }
}

// WithPlatformFee 设置平台费率（百分比）。
func WithPlatformFee(pct decimal.Decimal) ServiceOption {
	return func(s *Service) { s.feePct = pct }
}

// WithServiceClock 注入时间函数。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建订单服务。
func NewService(store *Store, keys KeyResolver, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		keys:   keys,
		feePct: decimal.Zero,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		log:    logger.Named("order"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store 返回底层订单存储。
func (s *Service) Store() *Store { return s.store }

// Create 校验代理密钥与授权后创建订单。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	for field, addr := range map[string]string{
		"userAddress":        req.UserAddress,
		"fromToken":          req.FromToken,
		"toToken":            req.ToToken,
		"destinationAddress": req.DestinationAddress,
	} {
		if !common.IsHexAddress(addr) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法的地址")
		}
	}
	if !req.Frequency.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的执行频率 "+string(req.Frequency))
	}
	plan, err := Split(req.TotalAmount, s.feePct, req.TotalExecutions)
	if err != nil {
		return nil, err
	}

	key, err := s.keys.Get(ctx, req.AgentKeyID)
	if err != nil {
		return nil, err
	}
	user := strings.ToLower(req.UserAddress)
	if key.UserAddress != user {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理密钥不属于该用户")
	}
	if !key.HasApproval() || key.SmartWalletAddress == "" {
		return nil, xerrors.New(CodeNotAuthorized, "代理密钥尚未授权", xerrors.WithMetadata("key_id", key.ID))
	}

	now := s.now()
	start := req.StartAt
	if start.IsZero() || start.Before(now) {
		start = now
	}
	expires := start
	for i := 0; i < req.TotalExecutions; i++ {
		expires = req.Frequency.Next(expires)
	}

	o := &Order{
		ID:                 s.newID(),
		UserAddress:        user,
		SessionKeyAddress:  key.SmartWalletAddress,
		FromToken:          strings.ToLower(req.FromToken),
		ToToken:            strings.ToLower(req.ToToken),
		DestinationAddress: strings.ToLower(req.DestinationAddress),
		SessionKeyData: EncodeManaged(ManagedKeyData{
			AgentKeyID:         key.ID,
			SmartWalletAddress: key.SmartWalletAddress,
			SessionKeyApproval: key.SessionKeyApproval,
			Provider:           key.Provider,
			CreatedAt:          now,
		}),
		TotalAmount:           new(big.Int).Set(req.TotalAmount),
		Frequency:             req.Frequency,
		TotalExecutions:       req.TotalExecutions,
		PlatformFeePercentage: s.feePct,
		TotalPlatformFees:     plan.TotalPlatformFees,
		NetInvestmentAmount:   plan.NetInvestmentAmount,
		AmountPerExecution:    plan.AmountPerExecution,
		FeePerExecution:       plan.FeePerExecution,
		Status:                StatusActive,
		ExecutedAmount:        new(big.Int),
		CollectedFees:         new(big.Int),
		NextExecutionAt:       start,
		ExpiresAt:             req.Frequency.Next(expires),
		ExecutionTxHashes:     []string{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	logger.Audit().Info("定投订单已创建",
		slog.String("order_id", o.ID),
		slog.String("user", o.UserAddress),
		slog.String("key_id", key.ID),
		slog.String("total_amount", o.TotalAmount.String()),
		slog.Int("total_executions", o.TotalExecutions),
	)
	if s.registrar != nil {
		s.registrar.Register(ctx, o.Clone())
	}
	return o, nil
}

// Get 读取订单。
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByUser 列出用户订单。
func (s *Service) ListByUser(ctx context.Context, user string) ([]*Order, error) {
	return s.store.ListByUser(ctx, user)
}

// Cancel 取消订单。已取消的订单重复取消不会写入。
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Order, error) {
	return s.transition(ctx, id, StatusCancelled, reason)
}

// Pause 由运维暂停订单。
func (s *Service) Pause(ctx context.Context, id, reason string) (*Order, error) {
	return s.transition(ctx, id, StatusPaused, reason)
}

func (s *Service) transition(ctx context.Context, id string, to Status, reason string) (*Order, error) {
	changed := false
	o, err := s.store.Update(ctx, id, func(o *Order) error {
		ok, err := o.Transition(to, reason, s.now())
		changed = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.ObserveTransition(string(to))
		logger.Audit().Info("订单状态已变更",
			slog.String("order_id", id),
			slog.String("status", string(to)),
			slog.String("reason", reason),
		)
	}
	return o, nil
}

// Resume 恢复暂停的订单，前提是引用的代理密钥有效且携带授权。
func (s *Service) Resume(ctx context.Context, id string) (*Order, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkAuthorized(ctx, current); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, StatusActive, "")
}

func (s *Service) checkAuthorized(ctx context.Context, o *Order) error {
	data, err := ParseSessionKeyData(o.SessionKeyData)
	if err != nil {
		return err
	}
	managed, ok := data.(ManagedKeyData)
	if !ok {
		return xerrors.New(CodeNotAuthorized, "订单使用旧版会话密钥，需要重新授权", xerrors.WithMetadata("order_id", o.ID))
	}
	key, err := s.keys.Get(ctx, managed.AgentKeyID)
	if err != nil {
		return err
	}
	if !key.HasApproval() {
		return xerrors.New(CodeNotAuthorized, "代理密钥缺少授权", xerrors.WithMetadata("order_id", o.ID))
	}
	return nil
}

// Reauthorize 将订单绑定到新的代理密钥并恢复执行。
func (s *Service) Reauthorize(ctx context.Context, id, agentKeyID string) (*Order, error) {
	key, err := s.keys.Get(ctx, agentKeyID)
	if err != nil {
		return nil, err
	}
	if !key.HasApproval() {
		return nil, xerrors.New(CodeNotAuthorized, "代理密钥缺少授权", xerrors.WithMetadata("key_id", key.ID))
	}
	o, err := s.store.Update(ctx, id, func(o *Order) error {
		if o.Status.Terminal() {
			return xerrors.New(CodeInvalidTransition, "订单已结束，无法重新授权", xerrors.WithMetadata("order_id", o.ID))
		}
		if key.UserAddress != o.UserAddress || key.SmartWalletAddress != o.SessionKeyAddress {
			return xerrors.New(xerrors.CodeInvalidArgument, "代理密钥与订单账户不匹配")
		}
		o.SessionKeyData = EncodeManaged(ManagedKeyData{
			AgentKeyID:         key.ID,
			SmartWalletAddress: key.SmartWalletAddress,
			SessionKeyApproval: key.SessionKeyApproval,
			Provider:           key.Provider,
			CreatedAt:          s.now(),
		})
		_, err := o.Transition(StatusActive, "", s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("订单已重新授权", slog.String("order_id", id), slog.String("key_id", key.ID))
	return o, nil
}
