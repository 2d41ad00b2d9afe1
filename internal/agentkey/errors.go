package agentkey

import (
	xerrors "AgentDCA/internal/errors"
)

const (
	CodeNotFound          xerrors.Code = "AGENT_KEY_NOT_FOUND"
	CodeCorruptRecord     xerrors.Code = "AGENT_KEY_CORRUPT"
	CodeAddressMismatch   xerrors.Code = "AGENT_KEY_ADDRESS_MISMATCH"
	CodeApprovalImmutable xerrors.Code = "AGENT_KEY_APPROVAL_IMMUTABLE"
)

// ErrNotFound 表示密钥不存在或已停用。
var ErrNotFound = xerrors.New(CodeNotFound, "agent key not found")

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "agent key not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassBrokenReference,
	})
	xerrors.Register(CodeCorruptRecord, xerrors.Attributes{
		Message:  "agent key record is corrupt",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Class:    xerrors.ClassDataCorruption,
	})
	xerrors.Register(CodeAddressMismatch, xerrors.Attributes{
		Message:  "decrypted key does not match stored agent address",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Class:    xerrors.ClassDataCorruption,
	})
	xerrors.Register(CodeApprovalImmutable, xerrors.Attributes{
		Message:  "agent key already carries an approval",
		Severity: xerrors.SeverityWarning,
	})
}
