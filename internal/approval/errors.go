package approval

import (
	xerrors "AgentDCA/internal/errors"
)

const (
	CodeMissing             xerrors.Code = "APPROVAL_MISSING"
	CodeMalformed           xerrors.Code = "APPROVAL_MALFORMED"
	CodeUnsupportedProvider xerrors.Code = "APPROVAL_UNSUPPORTED_PROVIDER"
	CodeSignatureInvalid    xerrors.Code = "APPROVAL_SIGNATURE_INVALID"
	CodeSessionKeyMismatch  xerrors.Code = "APPROVAL_SESSION_KEY_MISMATCH"
	CodeAccountMismatch     xerrors.Code = "APPROVAL_ACCOUNT_MISMATCH"
	CodeExpired             xerrors.Code = "APPROVAL_EXPIRED"
	CodeInvalidPolicy       xerrors.Code = "APPROVAL_INVALID_POLICY"
	CodePolicyViolation     xerrors.Code = "APPROVAL_POLICY_VIOLATION"
	CodeRateLimited         xerrors.Code = "APPROVAL_RATE_LIMITED"
	CodeScopeRejected       xerrors.Code = "APPROVAL_SCOPE_REJECTED"
)

// ErrMissing 表示密钥或订单上没有授权数据。
var ErrMissing = xerrors.New(CodeMissing, "session key approval missing")

func init() {
	insufficient := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityWarning,
			Alert:    true,
			Class:    xerrors.ClassInsufficientAuthorization,
		}
	}
	xerrors.Register(CodeMissing, insufficient("session key approval missing"))
	xerrors.Register(CodeMalformed, insufficient("session key approval is malformed"))
	xerrors.Register(CodeUnsupportedProvider, insufficient("approval provider is not supported"))
	xerrors.Register(CodeSignatureInvalid, insufficient("approval signature is invalid"))
	xerrors.Register(CodeSessionKeyMismatch, insufficient("approval was issued for another session key"))
	xerrors.Register(CodeAccountMismatch, insufficient("approval account does not match the order account"))
	xerrors.Register(CodeExpired, insufficient("approval is outside its validity window"))
	xerrors.Register(CodeScopeRejected, insufficient("approval scope exceeds the configured allow-list"))
	xerrors.Register(CodeInvalidPolicy, xerrors.Attributes{
		Message:  "invalid policy set",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{
		Message:  "call rejected by approval policy",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassPermanent,
	})
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "approval rate limit window exhausted",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
}
