package registry

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/order"
)

// ABI 是订单登记合约中用到的部分。
const ABI = `[
  {"type":"function","name":"registerOrder","stateMutability":"nonpayable","inputs":[
    {"name":"orderId","type":"bytes32"},
    {"name":"user","type":"address"},
    {"name":"smartWallet","type":"address"},
    {"name":"fromToken","type":"address"},
    {"name":"toToken","type":"address"},
    {"name":"totalAmount","type":"uint256"},
    {"name":"totalExecutions","type":"uint256"},
    {"name":"intervalSeconds","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"OrderRegistered","anonymous":false,"inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"smartWallet","type":"address","indexed":false}]}
]`

const (
	CodeRegistrationFailed xerrors.Code = "REGISTRY_REGISTRATION_FAILED"
	CodeRegistrationRevert xerrors.Code = "REGISTRY_REGISTRATION_REVERTED"
)

func init() {
	xerrors.Register(CodeRegistrationFailed, xerrors.Attributes{
		Message:   "order registry transaction failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
	xerrors.Register(CodeRegistrationRevert, xerrors.Attributes{
		Message:   "order registry transaction reverted",
		Severity:  xerrors.SeverityError,
		Retryable: true,
		Alert:     true,
		Class:     xerrors.ClassTransient,
	})
}

// Params 是 registerOrder 的参数。
type Params struct {
	OrderID         [32]byte
	User            common.Address
	SmartWallet     common.Address
	FromToken       common.Address
	ToToken         common.Address
	TotalAmount     *big.Int
	TotalExecutions *big.Int
	IntervalSeconds *big.Int
}

// OrderKey 将订单 ID 映射为链上 bytes32 键。
func OrderKey(id string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(id)))
}

// ParamsFromOrder 根据订单构造登记参数。智能钱包地址取自 sessionKeyData，缺失时使用用户地址。
func ParamsFromOrder(o *order.Order) Params {
	wallet := o.UserAddress
	if data, err := order.ParseSessionKeyData(o.SessionKeyData); err == nil {
		switch d := data.(type) {
		case order.ManagedKeyData:
			if d.SmartWalletAddress != "" {
				wallet = d.SmartWalletAddress
			}
		case order.LegacyKeyData:
			if d.SmartWalletAddress != "" {
				wallet = d.SmartWalletAddress
			}
		}
	}
	interval := o.Frequency.Next(o.CreatedAt).Sub(o.CreatedAt)
	total := new(big.Int)
	if o.TotalAmount != nil {
		total.Set(o.TotalAmount)
	}
	return Params{
		OrderID:         OrderKey(o.ID),
		User:            common.HexToAddress(o.UserAddress),
		SmartWallet:     common.HexToAddress(wallet),
		FromToken:       common.HexToAddress(o.FromToken),
		ToToken:         common.HexToAddress(o.ToToken),
		TotalAmount:     total,
		TotalExecutions: big.NewInt(int64(o.TotalExecutions)),
		IntervalSeconds: big.NewInt(int64(interval / time.Second)),
	}
}

// Client 抽象登记合约调用。
type Client interface {
	RegisterOrder(ctx context.Context, p Params) (common.Hash, error)
}

// ContractRegistry 通过 bind.BoundContract 调用登记合约，使用平台运营私钥签名。
type ContractRegistry struct {
	address  common.Address
	backend  bind.ContractBackend
	contract *bind.BoundContract
	auth     *bind.TransactOpts
}

// NewContractRegistry 创建登记合约客户端。
func NewContractRegistry(address common.Address, backend bind.ContractBackend, auth *bind.TransactOpts) (*ContractRegistry, error) {
	if backend == nil || auth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "登记合约缺少后端或签名器")
	}
	if address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置登记合约地址")
	}
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析登记合约 ABI 失败")
	}
	return &ContractRegistry{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		auth:     auth,
	}, nil
}

// Address 返回合约地址。
func (r *ContractRegistry) Address() common.Address { return r.address }

// RegisterOrder 发送 registerOrder 交易。后端支持回执查询时等待上链并检查执行状态。
func (r *ContractRegistry) RegisterOrder(ctx context.Context, p Params) (common.Hash, error) {
	opts := *r.auth
	opts.Context = ctx
	tx, err := r.contract.Transact(&opts, "registerOrder",
		p.OrderID, p.User, p.SmartWallet, p.FromToken, p.ToToken,
		p.TotalAmount, p.TotalExecutions, p.IntervalSeconds)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodeRegistrationFailed, err, "")
	}
	if sim, ok := r.backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
	deploy, ok := r.backend.(bind.DeployBackend)
	if !ok {
		return tx.Hash(), nil
	}
	receipt, err := bind.WaitMined(ctx, deploy, tx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodeRegistrationFailed, err, "等待登记交易回执失败",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return common.Hash{}, xerrors.New(CodeRegistrationRevert, "",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	return tx.Hash(), nil
}

var _ Client = (*ContractRegistry)(nil)
