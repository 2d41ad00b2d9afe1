package order

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentDCA/internal/errors"
)

// ManagedVersion 是服务端托管密钥的 sessionKeyData 版本号。
const ManagedVersion = 2

// KeyData 是 sessionKeyData 的已知变体：LegacyKeyData 或 ManagedKeyData。
type KeyData interface {
	isKeyData()
}

// LegacyKeyData 表示早于作用域授权设计的订单，不能无人值守执行。
type LegacyKeyData struct {
	AgentKeyID         string
	SmartWalletAddress string
}

// ManagedKeyData 表示服务端托管的代理密钥。授权在此冗余保存一份。
type ManagedKeyData struct {
	AgentKeyID         string
	SmartWalletAddress string
	SessionKeyApproval string
	Provider           string
	CreatedAt          time.Time
}

func (LegacyKeyData) isKeyData()  {}
func (ManagedKeyData) isKeyData() {}

type keyDataWire struct {
	Version            int       `json:"version,omitempty"`
	AgentKeyID         string    `json:"agentKeyId,omitempty"`
	SmartWalletAddress string    `json:"smartWalletAddress,omitempty"`
	ServerManaged      *bool     `json:"serverManaged,omitempty"`
	SessionKeyApproval string    `json:"sessionKeyApproval,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	CreatedAt          time.Time `json:"createdAt,omitempty"`
}

// ParseSessionKeyData 将原始 sessionKeyData 解析为已知变体。
// 无法解析或缺少托管密钥引用时返回 CodeKeyDataCorrupt。
func ParseSessionKeyData(raw string) (KeyData, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, xerrors.New(CodeKeyDataCorrupt, "sessionKeyData is empty")
	}
	var wire keyDataWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, xerrors.Wrap(CodeKeyDataCorrupt, err, "")
	}
	// 只有显式 serverManaged=true 才是托管数据，版本号不参与判定。
	if wire.ServerManaged == nil || !*wire.ServerManaged {
		return LegacyKeyData{AgentKeyID: wire.AgentKeyID, SmartWalletAddress: wire.SmartWalletAddress}, nil
	}
	if wire.AgentKeyID == "" {
		return nil, xerrors.New(CodeKeyDataCorrupt, "server managed sessionKeyData has no agentKeyId")
	}
	return ManagedKeyData{
		AgentKeyID:         wire.AgentKeyID,
		SmartWalletAddress: wire.SmartWalletAddress,
		SessionKeyApproval: wire.SessionKeyApproval,
		Provider:           wire.Provider,
		CreatedAt:          wire.CreatedAt,
	}, nil
}

// EncodeManaged 以当前版本编码托管密钥数据。
func EncodeManaged(d ManagedKeyData) string {
	managed := true
	data, _ := json.Marshal(keyDataWire{
		Version:            ManagedVersion,
		AgentKeyID:         d.AgentKeyID,
		SmartWalletAddress: d.SmartWalletAddress,
		ServerManaged:      &managed,
		SessionKeyApproval: d.SessionKeyApproval,
		Provider:           d.Provider,
		CreatedAt:          d.CreatedAt.UTC(),
	})
	return string(data)
}
