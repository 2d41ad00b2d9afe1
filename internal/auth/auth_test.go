package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentDCA/internal/errors"
)

func newTestService() *Service {
	return NewService(Config{OperatorToken: "op-token", ReadOnlyToken: "ro-token"})
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService()
	if svc.Mode() != ModeToken {
		t.Fatalf("expected token mode, got %s", svc.Mode())
	}

	cases := []struct {
		header  string
		subject string
		code    xerrors.Code
	}{
		{"", "", CodeMissingToken},
		{"Basic op-token", "", CodeInvalidToken},
		{"Bearer nope", "", CodeInvalidToken},
		{"Bearer op-token", "operator", ""},
		{"bearer  ro-token ", "readonly", ""},
	}
	for _, tc := range cases {
		subject, err := svc.AuthenticateRequest(tc.header)
		if tc.code != "" {
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("%q: expected %s, got %v", tc.header, tc.code, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.header, err)
		}
		if subject.Name != tc.subject {
			t.Fatalf("%q: subject %s, want %s", tc.header, subject.Name, tc.subject)
		}
	}
}

func TestReadOnlyPermissions(t *testing.T) {
	subject, err := newTestService().AuthenticateRequest("Bearer ro-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !subject.HasPermission(PermOrdersRead) {
		t.Fatalf("readonly subject should read orders")
	}
	for _, perm := range []string{PermOrdersWrite, PermKeysWrite, PermMaintenance} {
		if err := subject.Authorize(perm); xerrors.CodeOf(err) != CodePermissionDenied {
			t.Fatalf("%s: expected permission denied, got %v", perm, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService()
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject != nil {
			seen = subject.Name
		}
		w.WriteHeader(http.StatusAccepted)
	})
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet: {PermOrdersRead},
		"*":            {PermOrdersWrite},
	}})(next)

	cases := []struct {
		method, token string
		want          int
		subject       string
	}{
		{http.MethodGet, "", http.StatusUnauthorized, ""},
		{http.MethodGet, "bad", http.StatusUnauthorized, ""},
		{http.MethodGet, "ro-token", http.StatusAccepted, "readonly"},
		{http.MethodPost, "ro-token", http.StatusForbidden, ""},
		{http.MethodPost, "op-token", http.StatusAccepted, "operator"},
	}
	for _, tc := range cases {
		seen = ""
		req := httptest.NewRequest(tc.method, "/api/v1/orders", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s with %q: got %d, want %d", tc.method, tc.token, rec.Code, tc.want)
		}
		if seen != tc.subject {
			t.Fatalf("%s with %q: subject %q, want %q", tc.method, tc.token, seen, tc.subject)
		}
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc := NewService(Config{OperatorToken: "  "})
	if svc.Mode() != ModeDisabled {
		t.Fatalf("blank token should leave auth disabled")
	}
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{"*": {PermMaintenance}}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/tick", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled mode should pass through, got %d", rec.Code)
	}

	var nilSvc *Service
	rec = httptest.NewRecorder()
	nilSvc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("nil service should pass through, got %d", rec.Code)
	}
}
