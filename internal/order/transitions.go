package order

import (
	"fmt"
	"math/big"
	"time"

	xerrors "AgentDCA/internal/errors"
)

var transitions = map[Status]map[Status]bool{
	StatusActive: {StatusPaused: true, StatusCancelled: true, StatusCompleted: true},
	StatusPaused: {StatusActive: true, StatusCancelled: true},
}

// CanTransition 判断状态迁移是否被允许。
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition 迁移订单状态。目标状态与当前相同时不做任何修改并返回 false。
func (o *Order) Transition(to Status, reason string, now time.Time) (bool, error) {
	if o.Status == to {
		return false, nil
	}
	if !CanTransition(o.Status, to) {
		return false, xerrors.New(CodeInvalidTransition, fmt.Sprintf("%s -> %s", o.Status, to),
			xerrors.WithMetadata("order_id", o.ID))
	}
	if to == StatusCompleted && o.ExecutionsCount != o.TotalExecutions {
		return false, xerrors.New(CodeInvalidTransition, "order has remaining executions",
			xerrors.WithMetadata("order_id", o.ID))
	}
	o.Status = to
	o.StatusReason = reason
	if to == StatusActive {
		o.ConsecutiveFailures = 0
		o.LastError = ""
	}
	o.UpdatedAt = now
	return true, nil
}

// Execution 描述一次成功执行的结果。
type Execution struct {
	Index  int
	TxHash string
	Amount *big.Int
	Fee    *big.Int
	DoneAt time.Time
}

// RecordExecution 写入成功执行的结果。
//
// index 必须等于当前 executionsCount，否则说明并发执行已推进订单，返回 CodeStaleExecution。
// 已取消的订单只记录交易哈希，不推进计数，也不会被恢复为 active；
// 暂停中的订单照常计数。
func (o *Order) RecordExecution(e Execution) error {
	if e.Index != o.ExecutionsCount || o.ExecutionsCount >= o.TotalExecutions {
		return xerrors.New(CodeStaleExecution, "", xerrors.WithMetadata("order_id", o.ID))
	}
	if o.Status == StatusCancelled {
		o.LateTxHashes = append(o.LateTxHashes, e.TxHash)
		o.InFlight = nil
		o.UpdatedAt = e.DoneAt
		return nil
	}
	if o.Status == StatusCompleted {
		return xerrors.New(CodeStaleExecution, "order already completed", xerrors.WithMetadata("order_id", o.ID))
	}

	o.ExecutionTxHashes = append(o.ExecutionTxHashes, e.TxHash)
	o.ExecutionsCount++
	o.ExecutedAmount = new(big.Int).Add(intOrZero(o.ExecutedAmount), intOrZero(e.Amount))
	o.CollectedFees = new(big.Int).Add(intOrZero(o.CollectedFees), intOrZero(e.Fee))
	o.ConsecutiveFailures = 0
	o.LastError = ""
	o.InFlight = nil
	o.NextExecutionAt = o.Frequency.Next(e.DoneAt)
	o.UpdatedAt = e.DoneAt
	if o.ExecutionsCount == o.TotalExecutions {
		o.Status = StatusCompleted
		o.StatusReason = ""
	}
	return nil
}

// RecordFailure 记录一次永久性失败，连续次数达到 threshold 时暂停订单并返回 true。
func (o *Order) RecordFailure(reason string, threshold int, now time.Time) bool {
	o.ConsecutiveFailures++
	o.LastError = reason
	o.UpdatedAt = now
	if threshold > 0 && o.ConsecutiveFailures >= threshold && o.Status == StatusActive {
		o.Status = StatusPaused
		o.StatusReason = "repeated execution failures: " + reason
		return true
	}
	return false
}
