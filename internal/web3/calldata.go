package web3

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentDCA/internal/errors"
)

const (
	erc20ABIJSON = `[
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`
	accountABIJSON = `[
{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}
]`
)

// CodeEncoding 表示 ABI 编码失败。
const CodeEncoding xerrors.Code = "WEB3_ABI_ENCODING_FAILED"

func init() {
	xerrors.Register(CodeEncoding, xerrors.Attributes{
		Message:  "abi encoding failed",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassPermanent,
	})
}

var (
	erc20ABI   = mustParseABI(erc20ABIJSON)
	accountABI = mustParseABI(accountABIJSON)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ERC20ABI returns the parsed ERC-20 subset used for fee transfers and
// router approvals.
func ERC20ABI() abi.ABI { return erc20ABI }

// EncodeTransfer encodes ERC-20 transfer(to, amount).
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return pack(erc20ABI, "transfer", to, amount)
}

// EncodeApprove encodes ERC-20 approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return pack(erc20ABI, "approve", spender, amount)
}

// EncodeExecute wraps a call into the smart account's execute(to, value, data).
func EncodeExecute(to common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	return pack(accountABI, "execute", to, value, data)
}

// DecodeExecute unpacks calldata produced by EncodeExecute.
func DecodeExecute(calldata []byte) (common.Address, *big.Int, []byte, error) {
	if len(calldata) < 4 {
		return common.Address{}, nil, nil, xerrors.New(CodeEncoding, "calldata 太短")
	}
	method, err := accountABI.MethodById(calldata[:4])
	if err != nil || method.Name != "execute" {
		return common.Address{}, nil, nil, xerrors.New(CodeEncoding, "不是 execute 调用")
	}
	values, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return common.Address{}, nil, nil, xerrors.Wrap(CodeEncoding, err, "")
	}
	return values[0].(common.Address), values[1].(*big.Int), values[2].([]byte), nil
}

func pack(contract abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncoding, err, "编码 "+method+" 失败")
	}
	return data, nil
}
