package auth

import (
	"strings"

	xerrors "AgentDCA/internal/errors"
)

// Permissions understood by the HTTP surface.
const (
	PermOrdersRead  = "orders:read"
	PermOrdersWrite = "orders:write"
	PermKeysWrite   = "keys:write"
	PermMaintenance = "maintenance"
)

const (
	CodeMissingToken     xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeInvalidToken     xerrors.Code = "AUTH_INVALID_TOKEN"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeMissingToken, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeInvalidToken, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeMissingToken, xerrors.Attributes{
		Message:  "missing bearer token",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassInsufficientAuthorization,
	})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{
		Message:  "invalid token",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassInsufficientAuthorization,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassInsufficientAuthorization,
	})
}

// Subject is the authenticated caller passed to request handlers via context.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject holds every permission.
func (s *Subject) Authorize(perms ...string) error {
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "missing permission "+perm)
		}
	}
	return nil
}
