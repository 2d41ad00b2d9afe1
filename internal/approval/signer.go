package approval

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentDCA/internal/errors"
)

// Authorization 是所有者授予会话密钥代表账户行动的委托内容。
type Authorization struct {
	Account    common.Address
	ChainID    uint64
	SessionKey common.Address
	Nonce      string
}

// Digest 返回委托证明的签名消息。
func (a Authorization) Digest() []byte {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], a.ChainID)
	return crypto.Keccak256(a.Account.Bytes(), chain[:], a.SessionKey.Bytes(), []byte(a.Nonce))
}

// PrimarySigner 是账户所有者的签名能力，只在创建授权时使用。
type PrimarySigner interface {
	Address() common.Address
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	SignAuthorization(ctx context.Context, auth Authorization) ([]byte, error)
}

// LocalSigner 使用内存中的私钥实现 PrimarySigner。
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalSigner 创建 LocalSigner。
func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

func (s *LocalSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignMessage 生成 EIP-191 personal_sign 签名，V 为 27/28。
func (s *LocalSigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签名失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (s *LocalSigner) SignAuthorization(ctx context.Context, auth Authorization) ([]byte, error) {
	return s.SignMessage(ctx, auth.Digest())
}

// recoverSigner 从 EIP-191 签名恢复地址。
func recoverSigner(message, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(CodeSignatureInvalid, "signature has invalid length")
	}
	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeSignatureInvalid, err, "")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
