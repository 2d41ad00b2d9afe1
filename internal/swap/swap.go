// Package swap is the client side of the swap-routing surface: it asks an
// aggregator for a quote on a fixed sell amount and returns the call the
// scheduler must submit through the scoped signer.
package swap

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentDCA/internal/errors"
)

// Request 描述一次询价。Recipient 为零地址时买入代币留在 Taker。
type Request struct {
	SellToken common.Address
	BuyToken  common.Address
	Amount    *big.Int
	Taker     common.Address
	Recipient common.Address
}

// recipient 返回需要单独指定的收款地址，与 Taker 相同时返回零地址。
func (r Request) recipient() common.Address {
	if r.Recipient == r.Taker {
		return common.Address{}
	}
	return r.Recipient
}

// Quote 是一次询价结果。AllowanceTarget 为零地址表示无需 approve。
type Quote struct {
	SellToken       common.Address
	BuyToken        common.Address
	Recipient       common.Address
	SellAmount      *big.Int
	ToAmount        *big.Int
	MinToAmount     *big.Int
	CallTarget      common.Address
	CallData        []byte
	Value           *big.Int
	AllowanceTarget common.Address
}

// NeedsApproval 判断执行 swap 前是否需要授权额度。
func (q *Quote) NeedsApproval() bool {
	return q != nil && q.AllowanceTarget != (common.Address{})
}

// Router 是询价能力的抽象。
type Router interface {
	Quote(ctx context.Context, req Request) (*Quote, error)
}

const (
	CodeQuoteUnavailable xerrors.Code = "SWAP_QUOTE_UNAVAILABLE"
	CodeNoLiquidity      xerrors.Code = "SWAP_NO_LIQUIDITY"
	CodeQuoteRejected    xerrors.Code = "SWAP_QUOTE_REJECTED"
	CodeMalformedQuote   xerrors.Code = "SWAP_MALFORMED_QUOTE"
)

func init() {
	xerrors.Register(CodeQuoteUnavailable, xerrors.Attributes{
		Message:   "swap quote unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
	xerrors.Register(CodeNoLiquidity, xerrors.Attributes{
		Message:   "no liquidity for the requested pair",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
	xerrors.Register(CodeQuoteRejected, xerrors.Attributes{
		Message:  "swap quote request rejected",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassPermanent,
	})
	xerrors.Register(CodeMalformedQuote, xerrors.Attributes{
		Message:   "swap quote response malformed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
}
