package order

import (
	"math/big"

	"github.com/shopspring/decimal"

	xerrors "AgentDCA/internal/errors"
)

var hundred = decimal.NewFromInt(100)

// Plan 是订单创建时一次性计算出的金额拆分。
type Plan struct {
	TotalPlatformFees   *big.Int
	NetInvestmentAmount *big.Int
	AmountPerExecution  *big.Int
	FeePerExecution     *big.Int
}

// Split 计算平台费与每次执行金额。所有除法均为截断整数除法。
func Split(total *big.Int, feePercentage decimal.Decimal, executions int) (Plan, error) {
	if total == nil || total.Sign() <= 0 {
		return Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "totalAmount 必须为正整数")
	}
	if executions <= 0 {
		return Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "totalExecutions 必须为正整数")
	}
	if feePercentage.IsNegative() || feePercentage.GreaterThanOrEqual(hundred) {
		return Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "平台费率必须在 [0, 100) 之间")
	}
	n := big.NewInt(int64(executions))
	fees := decimal.NewFromBigInt(total, 0).Mul(feePercentage).Shift(-2).Floor().BigInt()
	net := new(big.Int).Sub(total, fees)
	per := new(big.Int).Quo(net, n)
	if per.Sign() == 0 {
		return Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "每次执行金额为 0，请减少执行次数")
	}
	return Plan{
		TotalPlatformFees:   fees,
		NetInvestmentAmount: net,
		AmountPerExecution:  per,
		FeePerExecution:     new(big.Int).Quo(fees, n),
	}, nil
}

// AmountForExecution 返回第 index 次（从 0 开始）执行的买入金额，最后一次吸收余数。
func (o *Order) AmountForExecution(index int) *big.Int {
	return shareFor(index, o.TotalExecutions, o.AmountPerExecution, o.NetInvestmentAmount)
}

// FeeForExecution 返回第 index 次执行收取的平台费，最后一次吸收余数。
func (o *Order) FeeForExecution(index int) *big.Int {
	return shareFor(index, o.TotalExecutions, o.FeePerExecution, o.TotalPlatformFees)
}

func shareFor(index, executions int, per, total *big.Int) *big.Int {
	per = intOrZero(per)
	if index < executions-1 {
		return new(big.Int).Set(per)
	}
	spent := new(big.Int).Mul(per, big.NewInt(int64(executions-1)))
	return spent.Sub(intOrZero(total), spent)
}
