package order

import (
	"math/big"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentDCA/internal/errors"
)

// Status 表示订单状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// IsValidStatus 判断状态值是否合法。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusPaused, StatusCancelled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Frequency 表示执行频率。
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid 判断频率是否合法。
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	default:
		return false
	}
}

// Next 返回 from 之后的下一次执行时间。按月执行使用日历月。
func (f Frequency) Next(from time.Time) time.Time {
	switch f {
	case FrequencyHourly:
		return from.Add(time.Hour)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// Order 是定投订单。
type Order struct {
	ID                 string `json:"id"`
	UserAddress        string `json:"userAddress"`
	SessionKeyAddress  string `json:"sessionKeyAddress"`
	SessionKeyData     string `json:"sessionKeyData"`
	FromToken          string `json:"fromToken"`
	ToToken            string `json:"toToken"`
	DestinationAddress string `json:"destinationAddress"`

	TotalAmount     *big.Int  `json:"totalAmount"`
	Frequency       Frequency `json:"frequency"`
	TotalExecutions int       `json:"totalExecutions"`

	PlatformFeePercentage decimal.Decimal `json:"platformFeePercentage"`
	TotalPlatformFees     *big.Int        `json:"totalPlatformFees"`
	NetInvestmentAmount   *big.Int        `json:"netInvestmentAmount"`
	AmountPerExecution    *big.Int        `json:"amountPerExecution"`
	FeePerExecution       *big.Int        `json:"feePerExecution"`

	Status              Status    `json:"status"`
	StatusReason        string    `json:"statusReason,omitempty"`
	ExecutedAmount      *big.Int  `json:"executedAmount"`
	CollectedFees       *big.Int  `json:"collectedFees"`
	ExecutionsCount     int       `json:"executionsCount"`
	NextExecutionAt     time.Time `json:"nextExecutionAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
	ExecutionTxHashes   []string  `json:"executionTxHashes"`
	LateTxHashes        []string  `json:"lateTxHashes,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	InFlight            *InFlight `json:"inFlight,omitempty"`
	RegistryTxHash      string    `json:"registryTxHash,omitempty"`
	CorruptPayload      string    `json:"corruptPayload,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InFlight 记录一次正在进行的执行：租约与已完成步骤的交易哈希。
// 崩溃后由后续 tick 接管，已完成的步骤不会重复提交。
type InFlight struct {
	Token          string    `json:"token,omitempty"`
	ExecutionIndex int       `json:"executionIndex"`
	LeaseUntil     time.Time `json:"leaseUntil"`
	Amount         *big.Int  `json:"amount"`
	Fee            *big.Int  `json:"fee"`
	FeeTxHash      string    `json:"feeTxHash,omitempty"`
	ApproveTxHash  string    `json:"approveTxHash,omitempty"`
	SwapTxHash     string    `json:"swapTxHash,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
}

// Leased 判断租约在 now 时是否仍被持有。
func (f *InFlight) Leased(now time.Time) bool {
	return f != nil && f.Token != "" && now.Before(f.LeaseUntil)
}

// Due 判断订单在 now 时是否应当执行。
func (o *Order) Due(now time.Time) bool {
	return o.Status == StatusActive && o.ExecutionsCount < o.TotalExecutions && !o.NextExecutionAt.After(now)
}

// Remaining 返回剩余执行次数。
func (o *Order) Remaining() int {
	return o.TotalExecutions - o.ExecutionsCount
}

// Validate 检查订单不变量。
func (o *Order) Validate() error {
	switch {
	case o.TotalExecutions <= 0:
		return xerrors.New(CodeCorrupt, "totalExecutions must be positive")
	case o.ExecutionsCount < 0 || o.ExecutionsCount > o.TotalExecutions:
		return xerrors.New(CodeCorrupt, "executionsCount out of range")
	case (o.Status == StatusCompleted) != (o.ExecutionsCount == o.TotalExecutions):
		return xerrors.New(CodeCorrupt, "completed status does not match execution count")
	case !IsValidStatus(o.Status):
		return xerrors.New(CodeCorrupt, "unknown status "+string(o.Status))
	}
	return nil
}

// Clone 返回深拷贝。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.TotalAmount = cloneInt(o.TotalAmount)
	c.TotalPlatformFees = cloneInt(o.TotalPlatformFees)
	c.NetInvestmentAmount = cloneInt(o.NetInvestmentAmount)
	c.AmountPerExecution = cloneInt(o.AmountPerExecution)
	c.FeePerExecution = cloneInt(o.FeePerExecution)
	c.ExecutedAmount = cloneInt(o.ExecutedAmount)
	c.CollectedFees = cloneInt(o.CollectedFees)
	c.ExecutionTxHashes = slices.Clone(o.ExecutionTxHashes)
	c.LateTxHashes = slices.Clone(o.LateTxHashes)
	if o.InFlight != nil {
		f := *o.InFlight
		f.Amount = cloneInt(o.InFlight.Amount)
		f.Fee = cloneInt(o.InFlight.Fee)
		c.InFlight = &f
	}
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func intOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
