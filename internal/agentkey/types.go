package agentkey

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentDCA/internal/errors"
)

// AgentKey 是对外暴露的代理密钥视图，不包含任何密文或明文私钥。
type AgentKey struct {
	ID                 string    `json:"keyId"`
	UserAddress        string    `json:"userAddress"`
	AgentAddress       string    `json:"agentAddress"`
	SmartWalletAddress string    `json:"smartWalletAddress,omitempty"`
	SessionKeyApproval string    `json:"sessionKeyApproval,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	Sudo               bool      `json:"sudo,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	LastUsedAt         time.Time `json:"lastUsedAt,omitempty"`
	IsActive           bool      `json:"isActive"`
}

// HasApproval 判断密钥是否携带作用域授权。
func (k *AgentKey) HasApproval() bool {
	return k != nil && k.SessionKeyApproval != ""
}

// record 是存储层的完整记录。
type record struct {
	AgentKey
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
}

func (r *record) view() *AgentKey {
	clone := r.AgentKey
	return &clone
}

// StoreInput 描述由外部生成的会话密钥。
type StoreInput struct {
	UserAddress        string
	SmartWalletAddress string
	PrivateKey         []byte
	Approval           string
	Provider           string
}

// Patch 描述允许修改的字段。nil 表示不修改。
type Patch struct {
	SmartWalletAddress *string
	// SessionKeyApproval 只能在密钥尚无授权时写入一次。
	SessionKeyApproval *string
	Provider           *string
}

const (
	recordPrefix      = "agent-key:"
	userIndexPrefix   = "agent-keys-by-user:"
	walletIndexPrefix = "agent-key-by-wallet:"
)

// RecordKey 返回主记录的键。
func RecordKey(id string) string { return recordPrefix + id }

// UserIndexKey 返回用户索引集合的键。
func UserIndexKey(user string) string { return userIndexPrefix + NormalizeAddress(user) }

// WalletIndexKey 返回钱包指针的键。
func WalletIndexKey(wallet string) string { return walletIndexPrefix + NormalizeAddress(wallet) }

// NormalizeAddress 将地址统一为小写十六进制形式。
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func validateAddress(field, addr string) error {
	if !common.IsHexAddress(addr) {
		return xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法的地址",
			xerrors.WithMetadata("field", field))
	}
	return nil
}
