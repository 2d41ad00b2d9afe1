package ethereum

import xerrors "AgentDCA/internal/errors"

const (
	CodeBundlerUnavailable   xerrors.Code = "WEB3_BUNDLER_UNAVAILABLE"
	CodePaymasterUnavailable xerrors.Code = "WEB3_PAYMASTER_UNAVAILABLE"
	CodeUserOpRejected       xerrors.Code = "WEB3_USEROP_REJECTED"
	CodeUserOpReverted       xerrors.Code = "WEB3_USEROP_REVERTED"
	CodeChainUnavailable     xerrors.Code = "WEB3_CHAIN_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeBundlerUnavailable, xerrors.Attributes{
		Message:   "bundler unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
		Class:     xerrors.ClassTransient,
	})
	xerrors.Register(CodePaymasterUnavailable, xerrors.Attributes{
		Message:   "paymaster unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
	xerrors.Register(CodeUserOpRejected, xerrors.Attributes{
		Message:  "user operation rejected by bundler",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassPermanent,
	})
	xerrors.Register(CodeUserOpReverted, xerrors.Attributes{
		Message:  "user operation reverted on chain",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassPermanent,
	})
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{
		Message:   "chain rpc unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
}
