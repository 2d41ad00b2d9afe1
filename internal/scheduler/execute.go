package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/observability/alerting"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/internal/order"
	"AgentDCA/internal/swap"
	"AgentDCA/internal/web3"
	"AgentDCA/pkg/logger"
)

const (
	// CodeUnresolvedKey 表示订单引用的代理密钥缺失或未授权，需要对账处理。
	CodeUnresolvedKey xerrors.Code = "SCHEDULER_UNRESOLVED_KEY"
	// CodeLeaseLost 表示执行中租约已被其他 tick 接管。
	CodeLeaseLost xerrors.Code = "SCHEDULER_LEASE_LOST"
)

const maxErrorLength = 512

func init() {
	xerrors.Register(CodeUnresolvedKey, xerrors.Attributes{
		Message:  "order references an unusable agent key",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
		Class:    xerrors.ClassBrokenReference,
	})
	xerrors.Register(CodeLeaseLost, xerrors.Attributes{
		Message:   "execution lease taken over",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
}

var errHalted = stdErrors.New("scheduler: order no longer active")

// ExecuteOrder 对单个订单执行一次定投。返回的 error 只表示存储等基础设施故障；
// 执行失败按错误类别写回订单并体现在 Outcome 中。
func (r *Runner) ExecuteOrder(ctx context.Context, id string) (outcome Outcome, err error) {
	started := time.Now()
	defer func() { metrics.ObserveExecution(string(outcome), time.Since(started)) }()

	token := r.newToken()
	o, err := r.acquire(ctx, id, token)
	if err != nil {
		switch {
		case stdErrors.Is(err, kv.ErrAbort), stdErrors.Is(err, order.ErrNotFound):
			return OutcomeSkipped, nil
		case xerrors.CodeOf(err) == order.CodeCorrupt:
			if ferr := r.orders.Flag(ctx, id); ferr != nil {
				return OutcomeRetry, ferr
			}
			r.log.Warn("订单记录无法解析，等待对账", slog.String("order_id", id), slog.Any("error", err))
			return OutcomeFlagged, nil
		default:
			return OutcomeRetry, err
		}
	}

	log := r.log.With(slog.String("order_id", id), slog.Int("execution", o.InFlight.ExecutionIndex))
	signer, keyID, err := r.signerFor(ctx, o)
	if err != nil {
		return r.fail(ctx, o, token, keyID, "authorize", err)
	}
	log.Debug("已获取执行租约", slog.String("account", signer.Address().Hex()))
	return r.run(ctx, o, token, keyID, signer)
}

// acquire 以 CAS 取得执行租约。租约仍被持有或订单已不到期时返回 kv.ErrAbort。
// 同一执行序号的未完成步骤会被保留。
func (r *Runner) acquire(ctx context.Context, id, token string) (*order.Order, error) {
	now := r.now()
	return r.orders.Update(ctx, id, func(o *order.Order) error {
		if !o.Due(now) || o.InFlight.Leased(now) {
			return kv.ErrAbort
		}
		idx := o.ExecutionsCount
		if o.InFlight == nil || o.InFlight.ExecutionIndex != idx {
			o.InFlight = &order.InFlight{
				ExecutionIndex: idx,
				Amount:         o.AmountForExecution(idx),
				Fee:            o.FeeForExecution(idx),
				StartedAt:      now,
			}
		}
		o.InFlight.Token = token
		o.InFlight.LeaseUntil = now.Add(r.lease)
		return nil
	})
}

// signerFor 解析 sessionKeyData，解密代理私钥并重建受限签名器。
// 明文私钥只在本函数内使用。
func (r *Runner) signerFor(ctx context.Context, o *order.Order) (Sender, string, error) {
	data, err := order.ParseSessionKeyData(o.SessionKeyData)
	if err != nil {
		return nil, "", err
	}
	managed, ok := data.(order.ManagedKeyData)
	if !ok {
		return nil, "", xerrors.New(CodeUnresolvedKey, "legacy session key data cannot be executed unattended")
	}
	keyID := managed.AgentKeyID
	key, err := r.keys.Get(ctx, keyID)
	if err != nil {
		if xerrors.ClassOf(err) == xerrors.ClassBrokenReference {
			return nil, keyID, xerrors.Wrap(CodeUnresolvedKey, err, "agent key not found")
		}
		return nil, keyID, err
	}
	if !key.HasApproval() {
		return nil, keyID, xerrors.New(CodeUnresolvedKey, "agent key has no session key approval")
	}

	priv, err := r.keys.GetPrivateKey(ctx, keyID, "dca-execution:"+o.ID)
	if err != nil {
		return nil, keyID, err
	}
	signer, err := r.signers.Deserialize(key.SessionKeyApproval, key.Provider, priv, common.HexToAddress(o.SessionKeyAddress))
	if err != nil {
		return nil, keyID, err
	}
	return signer, keyID, nil
}

// run 依次提交平台费转账、额度授权与兑换。已有哈希的步骤直接跳过。
func (r *Runner) run(ctx context.Context, o *order.Order, token, keyID string, signer Sender) (Outcome, error) {
	lease := *o.InFlight
	from := common.HexToAddress(o.FromToken)

	if lease.Fee != nil && lease.Fee.Sign() > 0 && lease.FeeTxHash == "" {
		if r.treasury == (common.Address{}) {
			return r.fail(ctx, o, token, keyID, "fee", xerrors.New(xerrors.CodeConfiguration, "未配置平台费收款地址"))
		}
		data, err := web3.EncodeTransfer(r.treasury, lease.Fee)
		if err != nil {
			return r.fail(ctx, o, token, keyID, "fee", err)
		}
		hash, err := signer.SendTransaction(ctx, from, data, nil)
		if err != nil {
			return r.fail(ctx, o, token, keyID, "fee", err)
		}
		if outcome, err := r.checkpoint(ctx, o.ID, token, true, func(f *order.InFlight) { f.FeeTxHash = hash.Hex() }); err != nil || outcome != "" {
			return outcome, err
		}
	}

	swapHash := lease.SwapTxHash
	amount := lease.Amount
	if swapHash == "" {
		quote, err := r.router.Quote(ctx, swap.Request{
			SellToken: from,
			BuyToken:  common.HexToAddress(o.ToToken),
			Amount:    lease.Amount,
			Taker:     signer.Address(),
			Recipient: destinationOf(o),
		})
		if err != nil {
			return r.fail(ctx, o, token, keyID, "quote", err)
		}
		if quote.SellAmount != nil && quote.SellAmount.Sign() > 0 {
			amount = quote.SellAmount
		}
		if quote.NeedsApproval() && lease.ApproveTxHash == "" {
			data, err := web3.EncodeApprove(quote.AllowanceTarget, lease.Amount)
			if err != nil {
				return r.fail(ctx, o, token, keyID, "approve", err)
			}
			hash, err := signer.SendTransaction(ctx, from, data, nil)
			if err != nil {
				return r.fail(ctx, o, token, keyID, "approve", err)
			}
			if outcome, err := r.checkpoint(ctx, o.ID, token, true, func(f *order.InFlight) { f.ApproveTxHash = hash.Hex() }); err != nil || outcome != "" {
				return outcome, err
			}
		}
		hash, err := signer.SendTransaction(ctx, quote.CallTarget, quote.CallData, quote.Value)
		if err != nil {
			return r.fail(ctx, o, token, keyID, "swap", err)
		}
		swapHash = hash.Hex()
		// 已取消的订单也要留下兑换哈希。
		if outcome, err := r.checkpoint(ctx, o.ID, token, false, func(f *order.InFlight) { f.SwapTxHash = swapHash }); err != nil || outcome != "" {
			return outcome, err
		}
	}

	return r.record(ctx, o.ID, lease, swapHash, amount)
}

// destinationOf 返回买入代币的收款地址，未指定时为零地址。
func destinationOf(o *order.Order) common.Address {
	if !common.IsHexAddress(o.DestinationAddress) {
		return common.Address{}
	}
	return common.HexToAddress(o.DestinationAddress)
}

// checkpoint 将步骤哈希写回租约并续期。租约被接管时返回 OutcomeStale；
// haltInactive 为真且订单已不再 active 时返回 OutcomeHalted。
func (r *Runner) checkpoint(ctx context.Context, id, token string, haltInactive bool, set func(*order.InFlight)) (Outcome, error) {
	now := r.now()
	var halted bool
	_, err := r.orders.Update(ctx, id, func(o *order.Order) error {
		if o.InFlight == nil || o.InFlight.Token != token {
			return kv.ErrAbort
		}
		set(o.InFlight)
		o.InFlight.LeaseUntil = now.Add(r.lease)
		if haltInactive && o.Status != order.StatusActive {
			o.InFlight.Token = ""
			o.InFlight.LeaseUntil = time.Time{}
			halted = true
		}
		return nil
	})
	switch {
	case stdErrors.Is(err, kv.ErrAbort):
		r.log.Warn("执行租约已被接管", slog.String("order_id", id))
		return OutcomeStale, nil
	case err != nil:
		return OutcomeRetry, err
	case halted:
		r.log.Info("订单已不再执行，停止后续步骤", slog.String("order_id", id))
		return OutcomeHalted, nil
	}
	return "", nil
}

// record 写入成功结果。执行序号已被推进时说明另一次执行先完成。
func (r *Runner) record(ctx context.Context, id string, lease order.InFlight, txHash string, amount *big.Int) (Outcome, error) {
	fee := lease.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	var late bool
	o, err := r.orders.Update(ctx, id, func(o *order.Order) error {
		late = o.Status == order.StatusCancelled
		return o.RecordExecution(order.Execution{
			Index:  lease.ExecutionIndex,
			TxHash: txHash,
			Amount: amount,
			Fee:    fee,
			DoneAt: r.now(),
		})
	})
	if err != nil {
		if xerrors.CodeOf(err) == order.CodeStaleExecution {
			r.log.Warn("执行结果已过期，忽略", slog.String("order_id", id), slog.Int("execution", lease.ExecutionIndex), slog.String("tx_hash", txHash))
			return OutcomeStale, nil
		}
		return OutcomeRetry, err
	}

	audit := logger.Audit().With(
		slog.String("order_id", id),
		slog.Int("execution", lease.ExecutionIndex),
		slog.String("tx_hash", txHash),
		slog.String("amount", amount.String()),
		slog.String("fee", fee.String()),
	)
	switch {
	case late:
		audit.Warn("订单取消后兑换完成，仅记录交易哈希")
		return OutcomeHalted, nil
	case o.Status == order.StatusCompleted:
		metrics.ObserveTransition(string(order.StatusCompleted))
		audit.Info("定投订单已完成", slog.Int("executions", o.ExecutionsCount))
		return OutcomeCompleted, nil
	default:
		audit.Info("定投执行成功", slog.Time("next_execution_at", o.NextExecutionAt))
		return OutcomeExecuted, nil
	}
}

// fail 按错误类别处理执行失败并释放租约：
// 暂时性错误不计数；永久错误累计连续失败次数；授权不足或密钥数据损坏直接暂停；
// 密钥缺失交给对账任务。
func (r *Runner) fail(ctx context.Context, o *order.Order, token, keyID, stage string, cause error) (Outcome, error) {
	outcome := classify(cause)
	reason := logger.Truncate(stage+": "+cause.Error(), maxErrorLength)
	now := r.now()

	var paused bool
	updated, err := r.orders.Update(ctx, o.ID, func(cur *order.Order) error {
		if cur.InFlight == nil || cur.InFlight.Token != token {
			return kv.ErrAbort
		}
		cur.InFlight.Token = ""
		cur.InFlight.LeaseUntil = time.Time{}
		switch outcome {
		case OutcomePaused:
			cur.LastError = reason
			if cur.Status == order.StatusActive {
				if _, err := cur.Transition(order.StatusPaused, reason, now); err != nil {
					return err
				}
				paused = true
			}
		case OutcomeFailed:
			paused = cur.RecordFailure(reason, r.threshold, now)
		default:
			cur.LastError = reason
		}
		return nil
	})
	if err != nil {
		if stdErrors.Is(err, kv.ErrAbort) {
			return OutcomeStale, nil
		}
		return OutcomeRetry, err
	}
	if outcome == OutcomeFlagged {
		if err := r.orders.Flag(ctx, o.ID); err != nil {
			return OutcomeRetry, err
		}
	}
	if outcome == OutcomeFailed && paused {
		outcome = OutcomePaused
	}

	log := r.log.With(
		slog.String("order_id", o.ID),
		slog.String("stage", stage),
		slog.String("outcome", string(outcome)),
		slog.String("code", string(xerrors.CodeOf(cause))),
	)
	switch outcome {
	case OutcomeRetry:
		log.Warn("执行暂时失败，等待下次调度", slog.Any("error", cause))
	default:
		log.Error("执行失败", slog.Any("error", cause), slog.Int("consecutive_failures", updated.ConsecutiveFailures))
	}

	if paused {
		metrics.ObserveTransition(string(order.StatusPaused))
		logger.Audit().Warn("订单已暂停",
			slog.String("order_id", o.ID),
			slog.String("key_id", keyID),
			slog.String("reason", reason),
		)
	}
	if paused || outcome == OutcomeFlagged || xerrors.ShouldAlert(cause) {
		event := alerting.EventFromError(cause, stage)
		event.OrderID = o.ID
		event.KeyID = keyID
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		event.Metadata["outcome"] = string(outcome)
		event.Metadata["consecutive_failures"] = strconv.Itoa(updated.ConsecutiveFailures)
		r.emit(ctx, event)
	}
	return outcome, nil
}

func classify(err error) Outcome {
	if xerrors.CodeOf(err) == CodeUnresolvedKey || xerrors.CodeOf(err) == order.CodeKeyDataCorrupt {
		return OutcomeFlagged
	}
	switch xerrors.ClassOf(err) {
	case xerrors.ClassBrokenReference:
		return OutcomeFlagged
	case xerrors.ClassInsufficientAuthorization, xerrors.ClassDataCorruption:
		return OutcomePaused
	case xerrors.ClassPermanent:
		return OutcomeFailed
	default:
		return OutcomeRetry
	}
}
