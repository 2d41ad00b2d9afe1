package order

import (
	xerrors "AgentDCA/internal/errors"
)

const (
	CodeNotFound          xerrors.Code = "ORDER_NOT_FOUND"
	CodeCorrupt           xerrors.Code = "ORDER_CORRUPT"
	CodeKeyDataCorrupt    xerrors.Code = "ORDER_SESSION_KEY_DATA_CORRUPT"
	CodeInvalidTransition xerrors.Code = "ORDER_INVALID_TRANSITION"
	CodeNotAuthorized     xerrors.Code = "ORDER_NOT_AUTHORIZED"
	CodeStaleExecution    xerrors.Code = "ORDER_STALE_EXECUTION"
)

// ErrNotFound 表示订单不存在。
var ErrNotFound = xerrors.New(CodeNotFound, "order not found")

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "order not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCorrupt, xerrors.Attributes{
		Message:  "order record is corrupt",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Class:    xerrors.ClassDataCorruption,
	})
	xerrors.Register(CodeKeyDataCorrupt, xerrors.Attributes{
		Message:  "order session key data is unparsable",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
		Class:    xerrors.ClassDataCorruption,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "order status transition not allowed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{
		Message:  "order is not authorized for unattended execution",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassInsufficientAuthorization,
	})
	xerrors.Register(CodeStaleExecution, xerrors.Attributes{
		Message:  "execution precondition no longer holds",
		Severity: xerrors.SeverityInfo,
	})
}
