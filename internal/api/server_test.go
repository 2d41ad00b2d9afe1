package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"AgentDCA/internal/agentkey"
	"AgentDCA/internal/approval"
	"AgentDCA/internal/auth"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/keycipher"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/order"
	"AgentDCA/internal/reconcile"
	"AgentDCA/internal/scheduler"
	"AgentDCA/internal/web3"
)

const (
	testUser   = "0x1111111111111111111111111111111111111111"
	testWallet = "0x2222222222222222222222222222222222222222"
	testFrom   = "0x3333333333333333333333333333333333333333"
	testTo     = "0x4444444444444444444444444444444444444444"
	testDest   = "0x5555555555555555555555555555555555555555"
)

type stubMaintenance struct {
	runs int
}

func (m *stubMaintenance) Run(context.Context) (reconcile.Result, error) {
	m.runs++
	return reconcile.Result{Scanned: 3, Changes: []reconcile.Change{{OrderID: "o1", Action: reconcile.ActionPaused}}}, nil
}

func (m *stubMaintenance) Backfill(context.Context) (reconcile.Result, error) {
	return reconcile.Result{Scanned: 3}, nil
}

func (m *stubMaintenance) Stats(context.Context) (order.Stats, error) {
	return order.Stats{Total: 3, Active: 2, Paused: 1}, nil
}

type stubScheduler struct{}

func (stubScheduler) Tick(context.Context) (scheduler.Report, error) {
	return scheduler.Report{Due: 2, Outcomes: map[scheduler.Outcome]int{scheduler.OutcomeExecuted: 2}}, nil
}

type stubChains struct{}

func (stubChains) Snapshots(context.Context) []web3.ChainSnapshot {
	return []web3.ChainSnapshot{{Name: "base", ChainID: "8453", BlockNumber: "100"}}
}

func newTestServer(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	mem := kv.NewMemoryStore()
	cipher, err := keycipher.New(strings.Repeat("s", keycipher.MinSecretLength))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	keys, err := agentkey.NewService(mem, cipher, agentkey.WithDecryptLimit(rate.Inf, 1))
	if err != nil {
		t.Fatalf("agent keys: %v", err)
	}
	orders := order.NewService(order.NewStore(mem), keys)
	return NewServer("127.0.0.1:0", orders, keys, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func orderPayload(keyID string) map[string]any {
	return map[string]any{
		"userAddress":        testUser,
		"agentKeyId":         keyID,
		"fromToken":          testFrom,
		"toToken":            testTo,
		"destinationAddress": testDest,
		"totalAmount":        "1000000",
		"frequency":          "daily",
		"totalExecutions":    4,
	}
}

func TestOrderLifecycle(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/agent-keys", "", map[string]string{"userAddress": testUser})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate key: %d %s", rec.Code, rec.Body.String())
	}
	key := decodeBody[agentkey.AgentKey](t, rec)

	rec = do(t, h, http.MethodPost, "/api/v1/orders", "", orderPayload(key.ID))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unapproved key, got %d %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody[errorBody](t, rec); body.Error.Code != string(order.CodeNotAuthorized) {
		t.Fatalf("unexpected error code %s", body.Error.Code)
	}

	rec = do(t, h, http.MethodPatch, "/api/v1/agent-keys/"+key.ID, "", map[string]string{
		"smartWalletAddress": testWallet,
		"sessionKeyApproval": "approval-blob",
		"provider":           "zerodev",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update key: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPatch, "/api/v1/agent-keys/"+key.ID, "", map[string]string{"sessionKeyApproval": "other"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when replacing approval, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/orders", "", orderPayload(key.ID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[order.Order](t, rec)
	if created.Status != order.StatusActive || created.AmountPerExecution.Int64() != 250000 {
		t.Fatalf("unexpected order %+v", created)
	}

	steps := []struct {
		path   string
		status int
		want   order.Status
	}{
		{"/pause", http.StatusOK, order.StatusPaused},
		{"/resume", http.StatusOK, order.StatusActive},
		{"/cancel", http.StatusOK, order.StatusCancelled},
	}
	for _, step := range steps {
		rec = do(t, h, http.MethodPost, "/api/v1/orders/"+created.ID+step.path, "", nil)
		if rec.Code != step.status {
			t.Fatalf("%s: %d %s", step.path, rec.Code, rec.Body.String())
		}
		if got := decodeBody[order.Order](t, rec); got.Status != step.want {
			t.Fatalf("%s: status %s, want %s", step.path, got.Status, step.want)
		}
	}

	rec = do(t, h, http.MethodPost, "/api/v1/orders/"+created.ID+"/resume", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 resuming cancelled order, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/users/"+testUser+"/orders", "", nil)
	list := decodeBody[struct {
		Orders []order.Order `json:"orders"`
	}](t, rec)
	if len(list.Orders) != 1 {
		t.Fatalf("expected 1 order for user, got %d", len(list.Orders))
	}
}

func TestKeyEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/agent-keys/session", "", map[string]string{
		"userAddress":        testUser,
		"smartWalletAddress": testWallet,
		"privateKey":         "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"sessionKeyApproval": "approval-blob",
		"provider":           "zerodev",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("store session key: %d %s", rec.Code, rec.Body.String())
	}
	key := decodeBody[agentkey.AgentKey](t, rec)
	if strings.Contains(rec.Body.String(), "4c0883a6") {
		t.Fatalf("response leaked private key material")
	}

	rec = do(t, h, http.MethodGet, "/api/v1/wallets/"+testWallet+"/agent-key", "", nil)
	if got := decodeBody[agentkey.AgentKey](t, rec); got.ID != key.ID {
		t.Fatalf("wallet lookup returned %q, want %q", got.ID, key.ID)
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/agent-keys/"+key.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/agent-keys/"+key.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deactivation, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/agent-keys/session", "", map[string]string{
		"userAddress":        testUser,
		"smartWalletAddress": testWallet,
		"privateKey":         "not-hex",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad key, got %d", rec.Code)
	}
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	h := newTestServer(t)
	cases := map[string]func(map[string]any){
		"amount":    func(p map[string]any) { p["totalAmount"] = "12.5" },
		"startAt":   func(p map[string]any) { p["startAt"] = "tomorrow" },
		"frequency": func(p map[string]any) { p["frequency"] = "yearly" },
		"unknown":   func(p map[string]any) { p["slippage"] = 1 },
	}
	for name, mutate := range cases {
		payload := orderPayload("k1")
		mutate(payload)
		rec := do(t, h, http.MethodPost, "/api/v1/orders", "", payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestAuthGuardsRoutes(t *testing.T) {
	svc := auth.NewService(auth.Config{OperatorToken: "op-secret", ReadOnlyToken: "ro-secret"})
	maint := &stubMaintenance{}
	h := newTestServer(t, WithAuth(svc), WithMaintenance(maint), WithScheduler(stubScheduler{}), WithChains(stubChains{}))

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/v1/orders/missing", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/orders/missing", "wrong", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/orders/missing", "ro-secret", http.StatusNotFound},
		{http.MethodGet, "/api/v1/maintenance/stats", "ro-secret", http.StatusOK},
		{http.MethodGet, "/api/v1/chains", "ro-secret", http.StatusOK},
		{http.MethodPost, "/api/v1/maintenance/reconcile", "ro-secret", http.StatusForbidden},
		{http.MethodPost, "/api/v1/scheduler/tick", "ro-secret", http.StatusForbidden},
		{http.MethodPost, "/api/v1/maintenance/reconcile", "op-secret", http.StatusOK},
		{http.MethodPost, "/api/v1/scheduler/tick", "op-secret", http.StatusOK},
	}
	for _, tc := range cases {
		rec := do(t, h, tc.method, tc.path, tc.token, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s %s (%q): got %d, want %d", tc.method, tc.path, tc.token, rec.Code, tc.want)
		}
	}
	if maint.runs != 1 {
		t.Fatalf("expected reconcile to run once, ran %d", maint.runs)
	}
}

func TestMaintenanceResponses(t *testing.T) {
	h := newTestServer(t, WithMaintenance(&stubMaintenance{}))

	rec := do(t, h, http.MethodPost, "/api/v1/maintenance/reconcile", "", nil)
	res := decodeBody[reconcile.Result](t, rec)
	if res.Scanned != 3 || res.Count(reconcile.ActionPaused) != 1 {
		t.Fatalf("unexpected reconcile result %+v", res)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/maintenance/stats", "", nil)
	if st := decodeBody[order.Stats](t, rec); st.Active != 2 || st.Paused != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/scheduler/tick", "", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("tick should not be mounted without a scheduler, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{xerrors.New(xerrors.CodeInvalidArgument, "bad"), http.StatusBadRequest},
		{order.ErrNotFound, http.StatusNotFound},
		{agentkey.ErrNotFound, http.StatusNotFound},
		{xerrors.New(order.CodeInvalidTransition, ""), http.StatusConflict},
		{xerrors.New(order.CodeNotAuthorized, ""), http.StatusUnprocessableEntity},
		{xerrors.New(xerrors.CodeRateLimited, ""), http.StatusTooManyRequests},
		{xerrors.New(kv.CodeCASExhausted, ""), http.StatusServiceUnavailable},
		{xerrors.New(xerrors.CodeStorageFailure, ""), http.StatusServiceUnavailable},
		{xerrors.New(xerrors.CodeInitializationFailure, ""), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: got %d, want %d", tc.err, got, tc.want)
		}
	}
}

func newVerifiedServer(t *testing.T, allowed approval.CallScope) http.Handler {
	t.Helper()
	mem := kv.NewMemoryStore()
	cipher, err := keycipher.New(strings.Repeat("s", keycipher.MinSecretLength))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	keys, err := agentkey.NewService(mem, cipher,
		agentkey.WithDecryptLimit(rate.Inf, 1),
		agentkey.WithApprovalVerifier(approval.NewVerifier(8453, allowed), approval.ProviderZeroDev),
	)
	if err != nil {
		t.Fatalf("agent keys: %v", err)
	}
	return NewServer("127.0.0.1:0", order.NewService(order.NewStore(mem), keys), keys).Handler()
}

func sessionPayload(t *testing.T, account common.Address, policies approval.PolicySet) map[string]string {
	t.Helper()
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("owner key: %v", err)
	}
	builder, err := approval.NewBuilder(approval.ProviderZeroDev, 8453)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	session, blob, err := builder.NewSessionKey(context.Background(), approval.Request{
		Owner:    approval.NewLocalSigner(owner),
		Account:  account,
		Policies: policies,
	})
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	return map[string]string{
		"userAddress":        testUser,
		"smartWalletAddress": testWallet,
		"privateKey":         hexutil.Encode(crypto.FromECDSA(session)),
		"sessionKeyApproval": blob,
	}
}

func TestStoreSessionKeyVerifiesApproval(t *testing.T) {
	tokens := []common.Address{common.HexToAddress(testFrom)}
	routers := []common.Address{common.HexToAddress(testTo)}
	h := newVerifiedServer(t, approval.DCAScope(tokens, routers))
	wallet := common.HexToAddress(testWallet)

	scoped, err := approval.NewScopedPolicySet(approval.DCAScope(tokens, routers))
	if err != nil {
		t.Fatalf("scoped policies: %v", err)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/agent-keys/session", "", sessionPayload(t, wallet, scoped))
	if rec.Code != http.StatusCreated {
		t.Fatalf("scoped approval rejected: %d %s", rec.Code, rec.Body.String())
	}
	if key := decodeBody[agentkey.AgentKey](t, rec); key.Sudo || key.Provider != approval.ProviderZeroDev {
		t.Fatalf("unexpected key %+v", key)
	}

	sudo, err := approval.NewSudoPolicySet("router migration")
	if err != nil {
		t.Fatalf("sudo policies: %v", err)
	}
	outside, err := approval.NewScopedPolicySet(approval.DCAScope(tokens, []common.Address{common.HexToAddress(testDest)}))
	if err != nil {
		t.Fatalf("outside policies: %v", err)
	}
	cases := map[string]struct {
		payload map[string]string
		code    xerrors.Code
	}{
		"sudo":          {sessionPayload(t, wallet, sudo), approval.CodeScopeRejected},
		"other router":  {sessionPayload(t, wallet, outside), approval.CodeScopeRejected},
		"other account": {sessionPayload(t, common.HexToAddress(testDest), scoped), approval.CodeAccountMismatch},
	}
	for name, tc := range cases {
		rec := do(t, h, http.MethodPost, "/api/v1/agent-keys/session", "", tc.payload)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d %s", name, rec.Code, rec.Body.String())
		}
		if body := decodeBody[errorBody](t, rec); body.Error.Code != string(tc.code) {
			t.Fatalf("%s: unexpected error code %s", name, body.Error.Code)
		}
	}
}
