package scheduler

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"AgentDCA/internal/agentkey"
	"AgentDCA/internal/approval"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/keycipher"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/observability/alerting"
	"AgentDCA/internal/order"
	"AgentDCA/internal/queue"
	"AgentDCA/internal/swap"
)

const (
	testUser    = "0x1111111111111111111111111111111111111111"
	testDest    = "0x5555555555555555555555555555555555555555"
	testChainID = 8453
)

var (
	testFrom     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testTo       = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testRouter   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testAccount  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBackend struct {
	mu   sync.Mutex
	ops  []approval.Operation
	hook func(op approval.Operation) error
}

func (b *fakeBackend) Submit(_ context.Context, op approval.Operation) (common.Hash, error) {
	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(op); err != nil {
			return common.Hash{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	return crypto.Keccak256Hash(op.Signature), nil
}

func (b *fakeBackend) setHook(fn func(op approval.Operation) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = fn
}

// count 返回目标地址与函数选择器匹配的已提交操作数。selector 为 nil 时只比较地址。
func (b *fakeBackend) count(to common.Address, selector []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, op := range b.ops {
		if op.Call.To != to {
			continue
		}
		if selector != nil && !bytes.HasPrefix(op.Call.Data, selector) {
			continue
		}
		n++
	}
	return n
}

type stubRouter struct {
	mu         sync.Mutex
	amounts    []*big.Int
	recipients []common.Address
	err        error
	target     common.Address
}

func (r *stubRouter) Quote(_ context.Context, req swap.Request) (*swap.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	sell, buy, amount := req.SellToken, req.BuyToken, req.Amount
	r.amounts = append(r.amounts, new(big.Int).Set(amount))
	r.recipients = append(r.recipients, req.Recipient)
	target := r.target
	if target == (common.Address{}) {
		target = testRouter
	}
	return &swap.Quote{
		SellToken:       sell,
		BuyToken:        buy,
		Recipient:       req.Recipient,
		SellAmount:      new(big.Int).Set(amount),
		ToAmount:        new(big.Int).Mul(amount, big.NewInt(2)),
		MinToAmount:     amount,
		CallTarget:      target,
		CallData:        []byte{0x12, 0x34, 0x56, 0x78},
		AllowanceTarget: testRouter,
	}, nil
}

func (r *stubRouter) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerts) codes() []xerrors.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	codes := make([]xerrors.Code, 0, len(a.events))
	for _, e := range a.events {
		codes = append(codes, e.Code)
	}
	return codes
}

type harness struct {
	clock   *clock
	mem     *kv.MemoryStore
	keys    *agentkey.Service
	orders  *order.Store
	service *order.Service
	backend *fakeBackend
	router  *stubRouter
	alerts  *recordingAlerts
	runner  *Runner
	keyID   string
}

func newHarness(t *testing.T, fee string, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		clock:   &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		mem:     kv.NewMemoryStore(),
		backend: &fakeBackend{},
		router:  &stubRouter{},
		alerts:  &recordingAlerts{},
	}

	cipher, err := keycipher.New(strings.Repeat("s", keycipher.MinSecretLength))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	h.keys, err = agentkey.NewService(h.mem, cipher, agentkey.WithClock(h.clock.now), agentkey.WithDecryptLimit(rate.Inf, 1))
	if err != nil {
		t.Fatalf("agent keys: %v", err)
	}

	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("owner key: %v", err)
	}
	policies, err := approval.NewScopedPolicySet(
		approval.DCAScope([]common.Address{testFrom}, []common.Address{testRouter}),
		approval.GasSponsorship{Allowed: true},
		approval.ValueLimit{Max: big.NewInt(0)},
	)
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	builder, err := approval.NewBuilder(approval.ProviderZeroDev, testChainID)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	session, blob, err := builder.NewSessionKey(ctx, approval.Request{
		Owner:    approval.NewLocalSigner(owner),
		Account:  testAccount,
		Policies: policies,
	})
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	key, err := h.keys.StoreSessionKey(ctx, agentkey.StoreInput{
		UserAddress:        testUser,
		SmartWalletAddress: testAccount.Hex(),
		PrivateKey:         crypto.FromECDSA(session),
		Approval:           blob,
		Provider:           approval.ProviderZeroDev,
	})
	if err != nil {
		t.Fatalf("store session key: %v", err)
	}
	h.keyID = key.ID

	h.orders = order.NewStore(h.mem)
	h.service = order.NewService(h.orders, h.keys,
		order.WithServiceClock(h.clock.now),
		order.WithPlatformFee(decimal.RequireFromString(fee)),
	)

	recon, err := approval.NewReconstructor(testChainID, h.backend)
	if err != nil {
		t.Fatalf("reconstructor: %v", err)
	}
	base := []Option{WithClock(h.clock.now), WithTreasury(testTreasury), WithAlerts(h.alerts)}
	h.runner, err = NewRunner(h.orders, h.keys, recon, h.router, append(base, opts...)...)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return h
}

func (h *harness) createOrder(t *testing.T, total int64, executions int) *order.Order {
	t.Helper()
	o, err := h.service.Create(context.Background(), order.CreateRequest{
		UserAddress:        testUser,
		AgentKeyID:         h.keyID,
		FromToken:          testFrom.Hex(),
		ToToken:            testTo.Hex(),
		DestinationAddress: testDest,
		TotalAmount:        big.NewInt(total),
		Frequency:          order.FrequencyDaily,
		TotalExecutions:    executions,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func (h *harness) get(t *testing.T, id string) *order.Order {
	t.Helper()
	o, err := h.orders.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func (h *harness) tick(t *testing.T) Report {
	t.Helper()
	report, err := h.runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return report
}

func TestFourExecutionsCompleteOrder(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)

	for i := 0; i < 4; i++ {
		report := h.tick(t)
		if report.Due != 1 {
			t.Fatalf("tick %d: expected one due order, got %d", i, report.Due)
		}
		got := h.get(t, o.ID)
		if got.ExecutionsCount != i+1 {
			t.Fatalf("tick %d: executions %d", i, got.ExecutionsCount)
		}
		if got.InFlight != nil {
			t.Fatalf("tick %d: lease not cleared", i)
		}
		h.clock.advance(24 * time.Hour)
	}

	got := h.get(t, o.ID)
	if got.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ExecutedAmount.Cmp(big.NewInt(1_000_000)) != 0 || len(got.ExecutionTxHashes) != 4 {
		t.Fatalf("unexpected totals amount=%s hashes=%d", got.ExecutedAmount, len(got.ExecutionTxHashes))
	}
	for _, amount := range h.router.amounts {
		if amount.Cmp(big.NewInt(250_000)) != 0 {
			t.Fatalf("unexpected per-execution amount %s", amount)
		}
	}
	if n := h.backend.count(testRouter, nil); n != 4 {
		t.Fatalf("expected 4 swaps, got %d", n)
	}
	if n := h.backend.count(testFrom, approval.SelectorTransfer[:]); n != 0 {
		t.Fatalf("fee transfer submitted for a zero fee order")
	}
	if report := h.tick(t); report.Due != 0 {
		t.Fatalf("completed order is still due")
	}
}

func TestPurchaseRoutedToDestination(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 2)
	for i := 0; i < 2; i++ {
		h.tick(t)
		h.clock.advance(24 * time.Hour)
	}
	if got := h.get(t, o.ID); got.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if len(h.router.recipients) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(h.router.recipients))
	}
	for _, recipient := range h.router.recipients {
		if recipient != common.HexToAddress(testDest) {
			t.Fatalf("purchase sent to %s, want %s", recipient.Hex(), testDest)
		}
	}
}

func TestPlatformFeeTransferredEachExecution(t *testing.T) {
	h := newHarness(t, "1")
	o := h.createOrder(t, 1_000_003, 3)

	for i := 0; i < 3; i++ {
		h.tick(t)
		h.clock.advance(24 * time.Hour)
	}
	got := h.get(t, o.ID)
	if got.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CollectedFees.Cmp(got.TotalPlatformFees) != 0 {
		t.Fatalf("collected %s, planned %s", got.CollectedFees, got.TotalPlatformFees)
	}
	if got.ExecutedAmount.Cmp(got.NetInvestmentAmount) != 0 {
		t.Fatalf("executed %s, net %s", got.ExecutedAmount, got.NetInvestmentAmount)
	}
	if n := h.backend.count(testFrom, approval.SelectorTransfer[:]); n != 3 {
		t.Fatalf("expected 3 fee transfers, got %d", n)
	}
	for _, op := range h.backend.ops {
		if bytes.HasPrefix(op.Call.Data, approval.SelectorTransfer[:]) &&
			!bytes.Equal(op.Call.Data[16:36], testTreasury.Bytes()) {
			t.Fatalf("fee sent to wrong recipient")
		}
	}
}

func TestConcurrentTicksExecuteOnce(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.runner.Tick(context.Background()); err != nil {
				t.Errorf("tick: %v", err)
			}
		}()
	}
	wg.Wait()

	got := h.get(t, o.ID)
	if got.ExecutionsCount != 1 || len(got.ExecutionTxHashes) != 1 {
		t.Fatalf("expected exactly one execution, got %d", got.ExecutionsCount)
	}
	if n := h.backend.count(testRouter, nil); n != 1 {
		t.Fatalf("expected one swap submission, got %d", n)
	}
}

func TestAccountMismatchPausesOrder(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)
	_, err := h.orders.Update(context.Background(), o.ID, func(cur *order.Order) error {
		cur.SessionKeyAddress = "0x00000000000000000000000000000000000000ee"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	outcome, err := h.runner.ExecuteOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome != OutcomePaused {
		t.Fatalf("expected paused outcome, got %s", outcome)
	}
	got := h.get(t, o.ID)
	if got.Status != order.StatusPaused || got.ExecutionsCount != 0 {
		t.Fatalf("unexpected order state status=%s executions=%d", got.Status, got.ExecutionsCount)
	}
	if got.InFlight.Leased(h.clock.now()) {
		t.Fatalf("lease not released")
	}
	if len(h.backend.ops) != 0 {
		t.Fatalf("operations submitted after account mismatch")
	}
	codes := h.alerts.codes()
	if len(codes) != 1 || codes[0] != approval.CodeAccountMismatch {
		t.Fatalf("unexpected alerts %v", codes)
	}
}

func TestResumeAfterCrashSkipsCompletedSteps(t *testing.T) {
	h := newHarness(t, "1")
	o := h.createOrder(t, 1_000_000, 4)
	now := h.clock.now()
	_, err := h.orders.Update(context.Background(), o.ID, func(cur *order.Order) error {
		cur.InFlight = &order.InFlight{
			Token:          "crashed-runner",
			ExecutionIndex: 0,
			LeaseUntil:     now.Add(-time.Minute),
			Amount:         cur.AmountForExecution(0),
			Fee:            cur.FeeForExecution(0),
			FeeTxHash:      "0xfee",
			ApproveTxHash:  "0xapprove",
			StartedAt:      now.Add(-time.Hour),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	h.tick(t)

	if n := h.backend.count(testFrom, nil); n != 0 {
		t.Fatalf("fee or approval resubmitted: %d", n)
	}
	if n := h.backend.count(testRouter, nil); n != 1 {
		t.Fatalf("expected the swap to be submitted once, got %d", n)
	}
	got := h.get(t, o.ID)
	if got.ExecutionsCount != 1 || got.CollectedFees.Cmp(o.FeeForExecution(0)) != 0 {
		t.Fatalf("execution not recorded: count=%d fees=%s", got.ExecutionsCount, got.CollectedFees)
	}
}

func TestLiveLeaseIsNotTakenOver(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)
	now := h.clock.now()
	_, _ = h.orders.Update(context.Background(), o.ID, func(cur *order.Order) error {
		cur.InFlight = &order.InFlight{Token: "other", LeaseUntil: now.Add(time.Minute), Amount: big.NewInt(1), Fee: big.NewInt(0)}
		return nil
	})

	outcome, err := h.runner.ExecuteOrder(context.Background(), o.ID)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected skip, got %s %v", outcome, err)
	}
	if len(h.backend.ops) != 0 {
		t.Fatalf("leased order executed")
	}
}

func TestCancelDuringExecutionRecordsLateHash(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)
	h.backend.setHook(func(op approval.Operation) error {
		if op.Call.To != testRouter {
			return nil
		}
		_, err := h.service.Cancel(context.Background(), o.ID, "user request")
		return err
	})

	outcome, err := h.runner.ExecuteOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome != OutcomeHalted {
		t.Fatalf("expected halted outcome, got %s", outcome)
	}
	got := h.get(t, o.ID)
	if got.Status != order.StatusCancelled {
		t.Fatalf("cancelled order resurrected as %s", got.Status)
	}
	if got.ExecutionsCount != 0 || len(got.LateTxHashes) != 1 {
		t.Fatalf("late success not isolated: executions=%d late=%v", got.ExecutionsCount, got.LateTxHashes)
	}
}

func TestCancelBeforeSwapStopsExecution(t *testing.T) {
	h := newHarness(t, "1")
	o := h.createOrder(t, 1_000_000, 4)
	h.backend.setHook(func(op approval.Operation) error {
		if bytes.HasPrefix(op.Call.Data, approval.SelectorTransfer[:]) {
			_, err := h.service.Cancel(context.Background(), o.ID, "user request")
			return err
		}
		return nil
	})

	outcome, _ := h.runner.ExecuteOrder(context.Background(), o.ID)
	if outcome != OutcomeHalted {
		t.Fatalf("expected halted outcome, got %s", outcome)
	}
	if n := h.backend.count(testRouter, nil); n != 0 {
		t.Fatalf("swap submitted after cancellation")
	}
	got := h.get(t, o.ID)
	if got.InFlight == nil || got.InFlight.FeeTxHash == "" {
		t.Fatalf("fee transfer hash not kept")
	}
}

func TestTransientFailureLeavesCountersUnchanged(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)
	h.router.fail(xerrors.New(swap.CodeQuoteUnavailable, "aggregator down"))

	report := h.tick(t)
	if report.Outcomes[OutcomeRetry] != 1 {
		t.Fatalf("unexpected outcomes %v", report.Outcomes)
	}
	got := h.get(t, o.ID)
	if got.Status != order.StatusActive || got.ConsecutiveFailures != 0 || got.ExecutionsCount != 0 {
		t.Fatalf("transient failure changed counters: %+v", got)
	}
	if !got.NextExecutionAt.Equal(o.NextExecutionAt) {
		t.Fatalf("next execution moved")
	}
	if got.LastError == "" {
		t.Fatalf("last error not recorded")
	}

	h.router.fail(nil)
	h.tick(t)
	if got := h.get(t, o.ID); got.ExecutionsCount != 1 {
		t.Fatalf("retry did not execute")
	}
}

func TestPermanentFailuresPauseAtThreshold(t *testing.T) {
	h := newHarness(t, "0", WithFailureThreshold(3))
	o := h.createOrder(t, 1_000_000, 4)
	h.router.target = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	for i := 1; i <= 3; i++ {
		h.tick(t)
		got := h.get(t, o.ID)
		if got.ConsecutiveFailures != i {
			t.Fatalf("tick %d: consecutive failures %d", i, got.ConsecutiveFailures)
		}
		wantStatus := order.StatusActive
		if i == 3 {
			wantStatus = order.StatusPaused
		}
		if got.Status != wantStatus {
			t.Fatalf("tick %d: status %s, want %s", i, got.Status, wantStatus)
		}
	}
	if n := h.backend.count(testRouter, nil); n != 0 {
		t.Fatalf("out-of-scope swap reached the backend")
	}
	codes := h.alerts.codes()
	if len(codes) == 0 || codes[len(codes)-1] != approval.CodePolicyViolation {
		t.Fatalf("pause not alerted: %v", codes)
	}

	// 恢复后重新计数。
	if _, err := h.service.Resume(context.Background(), o.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.router.target = common.Address{}
	h.tick(t)
	if got := h.get(t, o.ID); got.ExecutionsCount != 1 || got.ConsecutiveFailures != 0 {
		t.Fatalf("resumed order did not execute: %+v", got)
	}
}

func TestMissingAgentKeyFlagsOrder(t *testing.T) {
	h := newHarness(t, "0")
	o := h.createOrder(t, 1_000_000, 4)
	if err := h.keys.Deactivate(context.Background(), h.keyID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	outcome, err := h.runner.ExecuteOrder(context.Background(), o.ID)
	if err != nil || outcome != OutcomeFlagged {
		t.Fatalf("expected flagged, got %s %v", outcome, err)
	}
	got := h.get(t, o.ID)
	if got.Status != order.StatusActive || got.ExecutionsCount != 0 || got.ConsecutiveFailures != 0 {
		t.Fatalf("flagged order changed: %+v", got)
	}
	flagged, err := h.orders.Flagged(context.Background())
	if err != nil || len(flagged) != 1 || flagged[0] != o.ID {
		t.Fatalf("order not flagged: %v %v", flagged, err)
	}
	if len(h.backend.ops) != 0 {
		t.Fatalf("operations submitted without a key")
	}
}

func TestQueueModeDispatchesAndConsumes(t *testing.T) {
	q := queue.NewMemoryQueue("dca.execute", 8)
	h := newHarness(t, "0", WithDispatchQueue(q))
	o := h.createOrder(t, 1_000_000, 4)

	report := h.tick(t)
	if report.Dispatched != 1 || len(h.backend.ops) != 0 {
		t.Fatalf("queue mode executed inline: %+v", report)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Consume(ctx, q, 1) }()

	deadline := time.After(5 * time.Second)
	for {
		if got := h.get(t, o.ID); got.ExecutionsCount == 1 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("dispatched order not executed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
