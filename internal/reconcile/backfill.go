package reconcile

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"AgentDCA/internal/agentkey"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/order"
)

// Backfill 将代理密钥上的授权复制到缺少授权的订单 sessionKeyData 中。
// 只处理未终结的托管订单；旧版数据不会被升级。
func (r *Reconciler) Backfill(ctx context.Context) (Result, error) {
	var res Result
	err := r.orders.Scan(ctx, func(id string, _ []byte, o *order.Order, decodeErr error) error {
		res.Scanned++
		if decodeErr != nil || o.Status.Terminal() {
			return nil
		}
		data, err := order.ParseSessionKeyData(o.SessionKeyData)
		if err != nil {
			return nil
		}
		managed, ok := data.(order.ManagedKeyData)
		if !ok || managed.SessionKeyApproval != "" {
			return nil
		}
		key, err := r.keys.Get(ctx, managed.AgentKeyID)
		if err != nil {
			switch xerrors.ClassOf(err) {
			case xerrors.ClassBrokenReference, xerrors.ClassDataCorruption:
				r.log.Debug("跳过无法读取密钥的订单", slog.String("order_id", o.ID), slog.Any("error", err))
				return nil
			}
			return err
		}
		if !key.HasApproval() {
			return nil
		}
		change, err := r.backfill(ctx, o, managed, key)
		if err != nil || change == nil {
			return err
		}
		res.Changes = append(res.Changes, *change)
		return nil
	})
	if err != nil {
		return res, err
	}
	r.observe("backfill", res)
	if n := len(res.Changes); n > 0 {
		r.log.Info("授权回填完成", slog.Int("scanned", res.Scanned), slog.Int("backfilled", n))
	}
	return res, nil
}

func (r *Reconciler) backfill(ctx context.Context, seen *order.Order, managed order.ManagedKeyData, key *agentkey.AgentKey) (*Change, error) {
	managed.SessionKeyApproval = key.SessionKeyApproval
	if managed.Provider == "" {
		managed.Provider = key.Provider
	}
	if managed.SmartWalletAddress == "" {
		managed.SmartWalletAddress = key.SmartWalletAddress
	}
	encoded := order.EncodeManaged(managed)

	_, err := r.orders.Update(ctx, seen.ID, func(o *order.Order) error {
		if o.SessionKeyData != seen.SessionKeyData || o.Status.Terminal() {
			return kv.ErrAbort
		}
		o.SessionKeyData = encoded
		return nil
	})
	if err != nil {
		if stdErrors.Is(err, kv.ErrAbort) {
			return nil, nil
		}
		return nil, err
	}
	r.log.Debug("订单授权已回填", slog.String("order_id", seen.ID), slog.String("key_id", key.ID))
	return &Change{
		OrderID: seen.ID,
		Action:  ActionBackfilled,
		Reason:  "session key approval copied from agent key " + key.ID,
	}, nil
}
