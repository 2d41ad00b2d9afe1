package approval

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/pkg/logger"
)

// Operation 是会话密钥签名后提交给账户后端的操作。
type Operation struct {
	ChainID    uint64
	Account    common.Address
	SessionKey common.Address
	Call       Call
	Sponsored  bool
	Approval   string
	Provider   string
	Signature  []byte
}

// Hash 返回会话密钥签名的操作摘要。
func (op Operation) Hash() common.Hash {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], op.ChainID)
	value := op.Call.Value
	if value == nil {
		value = new(big.Int)
	}
	sponsored := []byte{0}
	if op.Sponsored {
		sponsored[0] = 1
	}
	return crypto.Keccak256Hash(
		chain[:],
		op.Account.Bytes(),
		op.Call.To.Bytes(),
		math.U256Bytes(new(big.Int).Set(value)),
		op.Call.Data,
		sponsored,
	)
}

// AccountBackend 是账户抽象后端的最小能力，负责打包并上链。
type AccountBackend interface {
	Submit(ctx context.Context, op Operation) (common.Hash, error)
}

// Reconstructor 从授权与会话私钥重建 ScopedSigner。
type Reconstructor struct {
	chainID uint64
	backend AccountBackend
	usage   UsageTracker
	now     func() time.Time
}

// ReconstructorOption 自定义 Reconstructor。
type ReconstructorOption func(*Reconstructor)

// WithUsageTracker 设置速率限制使用记录。
func WithUsageTracker(u UsageTracker) ReconstructorOption {
	return func(r *Reconstructor) {
		if u != nil {
			r.usage = u
		}
	}
}

// WithReconstructorClock 注入时间函数。
func WithReconstructorClock(now func() time.Time) ReconstructorOption {
	return func(r *Reconstructor) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconstructor 创建 Reconstructor。chainID 为 0 时不校验链。
func NewReconstructor(chainID uint64, backend AccountBackend, opts ...ReconstructorOption) (*Reconstructor, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账户后端未配置")
	}
	r := &Reconstructor{
		chainID: chainID,
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.usage == nil {
		r.usage = NewLedgerTracker(kv.NewMemoryStore(), 0)
	}
	return r, nil
}

// Deserialize 校验授权并返回绑定到 expectedAccount 的 ScopedSigner。
// 账户地址不一致时返回 CodeAccountMismatch，调用方不得继续执行。
func (r *Reconstructor) Deserialize(blob, provider string, sessionKey *ecdsa.PrivateKey, expectedAccount common.Address) (*ScopedSigner, error) {
	if sessionKey == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话私钥")
	}
	a, err := Decode(blob, provider)
	if err != nil {
		return nil, err
	}
	if r.chainID != 0 && a.ChainID != r.chainID {
		return nil, xerrors.New(CodeMalformed, "approval issued for another chain")
	}

	if err := a.verifyOwner(); err != nil {
		return nil, err
	}

	sessionAddr := crypto.PubkeyToAddress(sessionKey.PublicKey)
	if sessionAddr != common.HexToAddress(a.SessionKey) {
		return nil, xerrors.New(CodeSessionKeyMismatch, "",
			xerrors.WithMetadata("session_key", strings.ToLower(sessionAddr.Hex())))
	}

	account := common.HexToAddress(a.Account)
	if account != expectedAccount {
		return nil, xerrors.New(CodeAccountMismatch, "",
			xerrors.WithMetadata("approval_account", strings.ToLower(account.Hex())),
			xerrors.WithMetadata("expected_account", strings.ToLower(expectedAccount.Hex())))
	}

	now := r.now().Unix()
	if now < a.ValidAfter || now > a.ValidUntil {
		return nil, xerrors.New(CodeExpired, "")
	}

	policies, err := PolicySetFromSpecs(a.Policies)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "")
	}
	if policies.IsSudo() != a.Sudo {
		return nil, xerrors.New(CodeMalformed, "sudo flag does not match policies")
	}

	return &ScopedSigner{
		chainID:    a.ChainID,
		account:    account,
		sessionKey: sessionAddr,
		key:        sessionKey,
		policies:   policies,
		validUntil: time.Unix(a.ValidUntil, 0),
		approval:   blob,
		provider:   provider,
		backend:    r.backend,
		usage:      r.usage,
		now:        r.now,
	}, nil
}

// ScopedSigner 只能在授权策略范围内代表账户发送交易。
type ScopedSigner struct {
	chainID    uint64
	account    common.Address
	sessionKey common.Address
	key        *ecdsa.PrivateKey
	policies   PolicySet
	validUntil time.Time
	approval   string
	provider   string
	backend    AccountBackend
	usage      UsageTracker
	now        func() time.Time
}

// Address 返回被委托的账户地址。
func (s *ScopedSigner) Address() common.Address { return s.account }

// SessionKeyAddress 返回会话密钥地址。
func (s *ScopedSigner) SessionKeyAddress() common.Address { return s.sessionKey }

// SponsorshipAllowed 返回授权是否允许 gas 赞助。
func (s *ScopedSigner) SponsorshipAllowed() bool { return s.policies.SponsorshipAllowed() }

// IsSudo 返回授权是否为 sudo 范围。
func (s *ScopedSigner) IsSudo() bool { return s.policies.IsSudo() }

// SendTransaction 在策略检查通过后签名并提交调用，返回交易哈希。
func (s *ScopedSigner) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	now := s.now()
	if now.After(s.validUntil) {
		return common.Hash{}, xerrors.New(CodeExpired, "")
	}
	call := Call{To: to, Data: data, Value: value}
	env := Env{Now: now, Sponsored: s.SponsorshipAllowed()}
	if window, ok := s.policies.RateWindow(); ok {
		uses, err := s.usage.Since(ctx, s.sessionKey, now.Add(-window.Interval))
		if err != nil {
			return common.Hash{}, err
		}
		env.RecentUses = uses
	}
	if err := s.policies.Evaluate(call, env); err != nil {
		logger.Named("approval").Warn("调用被授权策略拒绝",
			slog.String("account", strings.ToLower(s.account.Hex())),
			slog.String("to", strings.ToLower(to.Hex())),
			slog.Any("error", err))
		return common.Hash{}, err
	}

	op := Operation{
		ChainID:    s.chainID,
		Account:    s.account,
		SessionKey: s.sessionKey,
		Call:       call,
		Sponsored:  env.Sponsored,
		Approval:   s.approval,
		Provider:   s.provider,
	}
	sig, err := crypto.Sign(op.Hash().Bytes(), s.key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeUnknown, err, "会话密钥签名失败")
	}
	op.Signature = sig

	hash, err := s.backend.Submit(ctx, op)
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.usage.Record(ctx, s.sessionKey, now); err != nil {
		logger.Named("approval").Warn("记录授权使用失败", slog.Any("error", err))
	}
	return hash, nil
}
