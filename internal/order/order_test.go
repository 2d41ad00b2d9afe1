package order

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentDCA/internal/errors"
)

func TestSplitEvenAmounts(t *testing.T) {
	plan, err := Split(big.NewInt(1_000_000), decimal.Zero, 4)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if plan.AmountPerExecution.Int64() != 250_000 || plan.NetInvestmentAmount.Int64() != 1_000_000 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.TotalPlatformFees.Sign() != 0 || plan.FeePerExecution.Sign() != 0 {
		t.Fatalf("zero fee should yield no fees")
	}
}

func TestSplitWithFeeAndRemainder(t *testing.T) {
	plan, err := Split(big.NewInt(1_000_003), decimal.RequireFromString("0.5"), 3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	// 1_000_003 * 0.5% = 5000.015 -> 5000
	if plan.TotalPlatformFees.Int64() != 5000 {
		t.Fatalf("unexpected fees %s", plan.TotalPlatformFees)
	}
	if plan.NetInvestmentAmount.Int64() != 995_003 {
		t.Fatalf("unexpected net %s", plan.NetInvestmentAmount)
	}
	o := &Order{
		TotalExecutions:     3,
		NetInvestmentAmount: plan.NetInvestmentAmount,
		AmountPerExecution:  plan.AmountPerExecution,
		TotalPlatformFees:   plan.TotalPlatformFees,
		FeePerExecution:     plan.FeePerExecution,
	}
	if o.AmountForExecution(0).Int64() != 331_667 || o.AmountForExecution(2).Int64() != 331_669 {
		t.Fatalf("unexpected shares %s %s", o.AmountForExecution(0), o.AmountForExecution(2))
	}
	if o.FeeForExecution(0).Int64() != 1666 || o.FeeForExecution(2).Int64() != 1668 {
		t.Fatalf("unexpected fee shares %s %s", o.FeeForExecution(0), o.FeeForExecution(2))
	}
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		total *big.Int
		pct   decimal.Decimal
		n     int
	}{
		{nil, decimal.Zero, 1},
		{big.NewInt(0), decimal.Zero, 1},
		{big.NewInt(10), decimal.Zero, 0},
		{big.NewInt(10), decimal.NewFromInt(100), 1},
		{big.NewInt(10), decimal.NewFromInt(-1), 1},
		{big.NewInt(3), decimal.Zero, 4},
	}
	for i, tc := range cases {
		if _, err := Split(tc.total, tc.pct, tc.n); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}
}

func TestAmountConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(50)
		total := big.NewInt(int64(2*n) + rng.Int63n(1<<40))
		pct := decimal.New(rng.Int63n(500), -2)
		plan, err := Split(total, pct, n)
		if err != nil {
			t.Fatalf("split %s/%d: %v", total, n, err)
		}
		o := &Order{
			TotalExecutions:     n,
			NetInvestmentAmount: plan.NetInvestmentAmount,
			AmountPerExecution:  plan.AmountPerExecution,
			TotalPlatformFees:   plan.TotalPlatformFees,
			FeePerExecution:     plan.FeePerExecution,
		}
		sum, fees := new(big.Int), new(big.Int)
		for idx := 0; idx < n; idx++ {
			sum.Add(sum, o.AmountForExecution(idx))
			fees.Add(fees, o.FeeForExecution(idx))
			if sum.Cmp(total) > 0 {
				t.Fatalf("running sum exceeded total")
			}
		}
		if sum.Cmp(plan.NetInvestmentAmount) != 0 || fees.Cmp(plan.TotalPlatformFees) != 0 {
			t.Fatalf("amounts not conserved: sum=%s net=%s fees=%s", sum, plan.NetInvestmentAmount, fees)
		}
		if new(big.Int).Add(sum, fees).Cmp(total) != 0 {
			t.Fatalf("net + fees != total")
		}
	}
}

func TestParseSessionKeyDataVariants(t *testing.T) {
	managed := EncodeManaged(ManagedKeyData{AgentKeyID: "k1", SmartWalletAddress: "0xabc", SessionKeyApproval: "blob"})
	data, err := ParseSessionKeyData(managed)
	if err != nil {
		t.Fatalf("parse managed: %v", err)
	}
	m, ok := data.(ManagedKeyData)
	if !ok || m.AgentKeyID != "k1" || m.SessionKeyApproval != "blob" {
		t.Fatalf("unexpected managed data %#v", data)
	}

	data, err = ParseSessionKeyData(`{"agentKeyId":"k0","smartWalletAddress":"0xabc"}`)
	if err != nil {
		t.Fatalf("parse legacy: %v", err)
	}
	if _, ok := data.(LegacyKeyData); !ok {
		t.Fatalf("expected legacy data, got %#v", data)
	}
	data, _ = ParseSessionKeyData(`{"agentKeyId":"k0","serverManaged":false}`)
	if _, ok := data.(LegacyKeyData); !ok {
		t.Fatalf("serverManaged=false must be legacy")
	}
	for _, raw := range []string{
		`{"version":2,"agentKeyId":"k2","serverManaged":false}`,
		`{"version":2,"agentKeyId":"k2"}`,
	} {
		data, err = ParseSessionKeyData(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if _, ok := data.(LegacyKeyData); !ok {
			t.Fatalf("%s: expected legacy data, got %#v", raw, data)
		}
	}

	for _, raw := range []string{"", "{not json", `{"serverManaged":true}`, `"string"`} {
		if _, err := ParseSessionKeyData(raw); xerrors.ClassOf(err) != xerrors.ClassDataCorruption {
			t.Fatalf("raw %q: expected data corruption, got %v", raw, err)
		}
	}
}

func newActiveOrder(total int64, executions int) *Order {
	plan, _ := Split(big.NewInt(total), decimal.Zero, executions)
	return &Order{
		ID:                  "o-1",
		Status:              StatusActive,
		Frequency:           FrequencyDaily,
		TotalAmount:         big.NewInt(total),
		TotalExecutions:     executions,
		NetInvestmentAmount: plan.NetInvestmentAmount,
		AmountPerExecution:  plan.AmountPerExecution,
		TotalPlatformFees:   plan.TotalPlatformFees,
		FeePerExecution:     plan.FeePerExecution,
		ExecutedAmount:      new(big.Int),
		CollectedFees:       new(big.Int),
	}
}

func TestRecordExecutionCompletesOrder(t *testing.T) {
	o := newActiveOrder(1_000_000, 4)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := o.RecordExecution(Execution{Index: i, TxHash: "0x" + string(rune('a'+i)), Amount: o.AmountForExecution(i), DoneAt: now})
		if err != nil {
			t.Fatalf("execution %d: %v", i, err)
		}
		if err := o.Validate(); err != nil {
			t.Fatalf("invariant broken after execution %d: %v", i, err)
		}
	}
	if o.Status != StatusCompleted || o.ExecutionsCount != 4 || o.ExecutedAmount.Int64() != 1_000_000 {
		t.Fatalf("unexpected final order %+v", o)
	}
	if len(o.ExecutionTxHashes) != 4 {
		t.Fatalf("tx hashes not recorded")
	}
	if err := o.RecordExecution(Execution{Index: 4, DoneAt: now}); xerrors.CodeOf(err) != CodeStaleExecution {
		t.Fatalf("completed order accepted another execution: %v", err)
	}
}

func TestRecordExecutionStaleIndex(t *testing.T) {
	o := newActiveOrder(500, 5)
	o.ExecutionsCount = 3
	if err := o.RecordExecution(Execution{Index: 2, Amount: big.NewInt(100)}); xerrors.CodeOf(err) != CodeStaleExecution {
		t.Fatalf("expected stale execution, got %v", err)
	}
	if o.ExecutionsCount != 3 {
		t.Fatalf("stale execution changed counters")
	}
}

func TestRecordExecutionDoesNotResurrectCancelled(t *testing.T) {
	o := newActiveOrder(400, 4)
	now := time.Now()
	if _, err := o.Transition(StatusCancelled, "user", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := o.RecordExecution(Execution{Index: 0, TxHash: "0xlate", Amount: big.NewInt(100), DoneAt: now}); err != nil {
		t.Fatalf("late execution: %v", err)
	}
	if o.Status != StatusCancelled || o.ExecutionsCount != 0 || len(o.LateTxHashes) != 1 {
		t.Fatalf("cancelled order was modified: %+v", o)
	}
}

func TestTransitions(t *testing.T) {
	now := time.Now()
	allowed := [][2]Status{
		{StatusActive, StatusPaused},
		{StatusActive, StatusCancelled},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusCancelled},
	}
	for _, pair := range allowed {
		o := newActiveOrder(100, 2)
		o.Status = pair[0]
		if changed, err := o.Transition(pair[1], "", now); err != nil || !changed {
			t.Fatalf("%s -> %s rejected: %v", pair[0], pair[1], err)
		}
	}
	denied := [][2]Status{
		{StatusCancelled, StatusActive},
		{StatusCompleted, StatusActive},
		{StatusPaused, StatusCompleted},
		{StatusActive, StatusCompleted},
	}
	for _, pair := range denied {
		o := newActiveOrder(100, 2)
		o.Status = pair[0]
		if _, err := o.Transition(pair[1], "", now); xerrors.CodeOf(err) != CodeInvalidTransition {
			t.Fatalf("%s -> %s allowed", pair[0], pair[1])
		}
	}
	o := newActiveOrder(100, 2)
	if changed, err := o.Transition(StatusActive, "", now); err != nil || changed {
		t.Fatalf("same-state transition must be a no-op")
	}
}

func TestRecordFailurePausesAtThreshold(t *testing.T) {
	o := newActiveOrder(100, 2)
	now := time.Now()
	if o.RecordFailure("policy", 3, now) || o.RecordFailure("policy", 3, now) {
		t.Fatalf("paused too early")
	}
	if !o.RecordFailure("policy", 3, now) || o.Status != StatusPaused {
		t.Fatalf("expected pause at threshold")
	}
}

func TestFrequencyNext(t *testing.T) {
	base := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	if got := FrequencyMonthly.Next(base); got.Month() != time.March {
		t.Fatalf("monthly from Jan 31 normalises into March, got %v", got)
	}
	if FrequencyWeekly.Next(base).Sub(base) != 7*24*time.Hour {
		t.Fatalf("weekly interval wrong")
	}
	if FrequencyHourly.Next(base).Sub(base) != time.Hour {
		t.Fatalf("hourly interval wrong")
	}
}
