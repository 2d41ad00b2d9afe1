package approval

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/pkg/logger"
)

const defaultValidity = 365 * 24 * time.Hour

// Builder 生成经所有者签名的授权。
type Builder struct {
	provider string
	chainID  uint64
	validity time.Duration
	now      func() time.Time
	newNonce func() string
}

// BuilderOption 自定义 Builder。
type BuilderOption func(*Builder)

// WithValidity 设置默认有效期。
func WithValidity(d time.Duration) BuilderOption {
	return func(b *Builder) {
		if d > 0 {
			b.validity = d
		}
	}
}

// WithBuilderClock 注入时间函数。
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuilder 创建指定 provider 与链的 Builder。
func NewBuilder(provider string, chainID uint64, opts ...BuilderOption) (*Builder, error) {
	if !SupportedProvider(provider) {
		return nil, xerrors.New(CodeUnsupportedProvider, "", xerrors.WithMetadata("provider", provider))
	}
	if chainID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chainID 不能为空")
	}
	b := &Builder{
		provider: provider,
		chainID:  chainID,
		validity: defaultValidity,
		now:      time.Now,
		newNonce: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Provider 返回 Builder 使用的 provider。
func (b *Builder) Provider() string { return b.provider }

// Request 描述一次授权请求。
type Request struct {
	Owner      PrimarySigner
	Account    common.Address
	SessionKey common.Address
	Policies   PolicySet
	ValidFor   time.Duration
}

// Build 让所有者签署委托证明与授权内容，返回不透明的授权字符串。
func (b *Builder) Build(ctx context.Context, req Request) (string, error) {
	if req.Owner == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少账户所有者签名器")
	}
	if req.Account == (common.Address{}) || req.SessionKey == (common.Address{}) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "账户地址与会话密钥地址不能为空")
	}
	if req.Policies.Empty() {
		return "", xerrors.New(CodeInvalidPolicy, "policy set is empty")
	}
	validFor := req.ValidFor
	if validFor <= 0 {
		validFor = b.validity
	}
	now := b.now()

	a := &Approval{
		Version:    Version,
		Provider:   b.provider,
		ChainID:    b.chainID,
		Account:    strings.ToLower(req.Account.Hex()),
		Owner:      strings.ToLower(req.Owner.Address().Hex()),
		SessionKey: strings.ToLower(req.SessionKey.Hex()),
		Policies:   req.Policies.Specs(),
		Sudo:       req.Policies.IsSudo(),
		ValidAfter: now.Unix(),
		ValidUntil: now.Add(validFor).Unix(),
		Nonce:      b.newNonce(),
	}

	delegation, err := req.Owner.SignAuthorization(ctx, a.Authorization())
	if err != nil {
		return "", xerrors.Wrap(CodeSignatureInvalid, err, "所有者拒绝签署委托")
	}
	a.Delegation = hexutil.Encode(delegation)

	digest, err := a.Digest()
	if err != nil {
		return "", err
	}
	signature, err := req.Owner.SignMessage(ctx, digest)
	if err != nil {
		return "", xerrors.Wrap(CodeSignatureInvalid, err, "所有者拒绝签署授权")
	}
	a.EnableSignature = hexutil.Encode(signature)

	blob, err := Encode(a)
	if err != nil {
		return "", err
	}

	attrs := []any{
		slog.String("account", a.Account),
		slog.String("session_key", a.SessionKey),
		slog.String("provider", a.Provider),
		slog.Bool("sudo", a.Sudo),
		slog.Int64("valid_until", a.ValidUntil),
	}
	if a.Sudo {
		logger.Named("approval").Warn("已签发 sudo 授权", attrs...)
	}
	logger.Audit().Info("授权已签发", attrs...)
	return blob, nil
}

// NewSessionKey 生成新的会话密钥并为其签发授权。
func (b *Builder) NewSessionKey(ctx context.Context, req Request) (*ecdsa.PrivateKey, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeUnknown, err, "生成会话密钥失败")
	}
	req.SessionKey = crypto.PubkeyToAddress(key.PublicKey)
	blob, err := b.Build(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return key, blob, nil
}
