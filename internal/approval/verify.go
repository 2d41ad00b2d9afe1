package approval

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/pkg/logger"
)

// Inspection 是授权通过静态校验后的摘要。
type Inspection struct {
	Sudo       bool
	ValidUntil time.Time
}

// VerifierOption 配置 Verifier。
type VerifierOption func(*Verifier)

// AllowSudo 允许写入 sudo 授权，默认拒绝。
func AllowSudo(allow bool) VerifierOption {
	return func(v *Verifier) { v.allowSudo = allow }
}

// WithVerifierClock 注入时间函数。
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// Verifier 在授权写入代理密钥前检查它能否用于无人值守执行。
// 不需要会话私钥，只用到授权中声明的会话密钥地址。
type Verifier struct {
	chainID   uint64
	allowed   CallScope
	allowSudo bool
	now       func() time.Time
	log       *slog.Logger
}

// NewVerifier 创建校验器。allowed 为空时不检查调用范围。
func NewVerifier(chainID uint64, allowed CallScope, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		chainID: chainID,
		allowed: allowed,
		now:     time.Now,
		log:     logger.Named("approval"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 检查授权的签名、链、账户、会话密钥、有效期与调用范围。
func (v *Verifier) Verify(blob, provider string, account, sessionKey common.Address) (Inspection, error) {
	a, err := Decode(blob, provider)
	if err != nil {
		return Inspection{}, err
	}
	if v.chainID != 0 && a.ChainID != v.chainID {
		return Inspection{}, xerrors.New(CodeMalformed, "approval issued for another chain")
	}
	if err := a.verifyOwner(); err != nil {
		return Inspection{}, err
	}
	if got := common.HexToAddress(a.Account); got != account {
		return Inspection{}, xerrors.New(CodeAccountMismatch, "",
			xerrors.WithMetadata("approval_account", strings.ToLower(got.Hex())),
			xerrors.WithMetadata("expected_account", strings.ToLower(account.Hex())))
	}
	if common.HexToAddress(a.SessionKey) != sessionKey {
		return Inspection{}, xerrors.New(CodeSessionKeyMismatch, "",
			xerrors.WithMetadata("session_key", strings.ToLower(sessionKey.Hex())))
	}
	if v.now().Unix() > a.ValidUntil {
		return Inspection{}, xerrors.New(CodeExpired, "")
	}

	policies, err := PolicySetFromSpecs(a.Policies)
	if err != nil {
		return Inspection{}, xerrors.Wrap(CodeMalformed, err, "")
	}
	if policies.IsSudo() != a.Sudo {
		return Inspection{}, xerrors.New(CodeMalformed, "sudo flag does not match policies")
	}
	if policies.IsSudo() {
		if !v.allowSudo {
			return Inspection{}, xerrors.New(CodeScopeRejected, "sudo approvals are not accepted")
		}
		v.log.Warn("接受 sudo 授权", slog.String("account", strings.ToLower(account.Hex())))
	} else if len(v.allowed.Permissions) > 0 {
		scope, _ := policies.Policies()[0].(CallScope)
		if err := v.allowed.Covers(scope); err != nil {
			return Inspection{}, err
		}
	}
	return Inspection{Sudo: policies.IsSudo(), ValidUntil: time.Unix(a.ValidUntil, 0)}, nil
}

// VerifyApproval 供代理密钥服务在写入授权前调用。
func (v *Verifier) VerifyApproval(blob, provider string, account, sessionKey common.Address) (bool, error) {
	ins, err := v.Verify(blob, provider, account, sessionKey)
	return ins.Sudo, err
}
