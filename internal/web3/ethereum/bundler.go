package ethereum

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentDCA/internal/approval"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/web3"
	"AgentDCA/pkg/logger"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

// Bundler submits session-key signed operations as ERC-4337 user operations
// and waits for inclusion. It implements approval.AccountBackend.
type Bundler struct {
	rpc            *gethrpc.Client
	paymaster      *gethrpc.Client
	entryPoint     common.Address
	pollInterval   time.Duration
	receiptTimeout time.Duration
	log            *slog.Logger
}

// BundlerOption customises a Bundler.
type BundlerOption func(*Bundler)

// WithPaymaster sets the sponsorship endpoint. Sponsored operations fail when
// no paymaster is configured.
func WithPaymaster(client *gethrpc.Client) BundlerOption {
	return func(b *Bundler) { b.paymaster = client }
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) BundlerOption {
	return func(b *Bundler) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithReceiptTimeout bounds how long Submit waits for inclusion.
func WithReceiptTimeout(d time.Duration) BundlerOption {
	return func(b *Bundler) {
		if d > 0 {
			b.receiptTimeout = d
		}
	}
}

// NewBundler wraps an RPC connection to a bundler.
func NewBundler(client *gethrpc.Client, entryPoint common.Address, opts ...BundlerOption) *Bundler {
	b := &Bundler{
		rpc:            client,
		entryPoint:     entryPoint,
		pollInterval:   defaultPollInterval,
		receiptTimeout: defaultReceiptTimeout,
		log:            logger.Named("bundler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Submit sends the operation and returns the hash of the transaction that
// included it.
func (b *Bundler) Submit(ctx context.Context, op approval.Operation) (common.Hash, error) {
	if b == nil || b.rpc == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置 bundler")
	}
	callData, err := web3.EncodeExecute(op.Call.To, op.Call.Value, op.Call.Data)
	if err != nil {
		return common.Hash{}, err
	}
	userOp := web3.UserOperation{
		Sender:     op.Account,
		SessionKey: op.SessionKey,
		CallData:   callData,
		Signature:  op.Signature,
		Permission: op.Approval,
		Provider:   op.Provider,
	}

	if op.Sponsored {
		if b.paymaster == nil {
			return common.Hash{}, xerrors.New(CodePaymasterUnavailable, "未配置 paymaster")
		}
		var sponsor web3.SponsorResult
		if err := b.paymaster.CallContext(ctx, &sponsor, "pm_sponsorUserOperation", userOp, b.entryPoint); err != nil {
			return common.Hash{}, classifyRPCError(err, CodePaymasterUnavailable, "申请 gas 赞助失败")
		}
		userOp.PaymasterAndData = sponsor.PaymasterAndData
	}

	var opHash common.Hash
	if err := b.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", userOp, b.entryPoint); err != nil {
		return common.Hash{}, classifyRPCError(err, CodeBundlerUnavailable, "提交 user operation 失败")
	}
	b.log.Info("user operation 已提交",
		slog.String("user_op_hash", opHash.Hex()),
		slog.String("account", op.Account.Hex()),
		slog.Bool("sponsored", op.Sponsored),
	)

	receipt, err := b.waitReceipt(ctx, opHash)
	if err != nil {
		return common.Hash{}, err
	}
	if !receipt.Success {
		return common.Hash{}, xerrors.New(CodeUserOpReverted, "user operation 执行失败: "+receipt.Reason,
			xerrors.WithMetadata("user_op_hash", opHash.Hex()),
			xerrors.WithMetadata("tx_hash", receipt.Receipt.TransactionHash.Hex()),
		)
	}
	return receipt.Receipt.TransactionHash, nil
}

func (b *Bundler) waitReceipt(ctx context.Context, opHash common.Hash) (*web3.UserOperationReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, b.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *web3.UserOperationReceipt
		err := b.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && ctx.Err() == nil {
			b.log.Warn("查询 user operation 回执失败", slog.String("user_op_hash", opHash.Hex()), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待 user operation 上链超时",
				xerrors.WithMetadata("user_op_hash", opHash.Hex()))
		case <-ticker.C:
		}
	}
}

// classifyRPCError separates JSON-RPC rejections (the bundler answered with
// an error object) from transport failures.
func classifyRPCError(err error, transport xerrors.Code, message string) error {
	var rpcErr gethrpc.Error
	if stdErrors.As(err, &rpcErr) {
		return xerrors.Wrap(CodeUserOpRejected, err, message,
			xerrors.WithMetadata("rpc_code", strconv.Itoa(rpcErr.ErrorCode())))
	}
	return xerrors.Wrap(transport, err, message)
}

var _ approval.AccountBackend = (*Bundler)(nil)
