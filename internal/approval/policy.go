package approval

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentDCA/internal/errors"
)

// Kind 标识策略种类。
type Kind string

const (
	KindCallScope      Kind = "call_scope"
	KindSudo           Kind = "sudo"
	KindGasSponsorship Kind = "gas_sponsorship"
	KindRateLimit      Kind = "rate_limit"
	KindValueLimit     Kind = "value_limit"
)

// Selector 是函数选择器。
type Selector [4]byte

// SelectorOf 根据函数签名计算选择器。
func SelectorOf(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

func (s Selector) String() string { return hexutil.Encode(s[:]) }

var (
	SelectorTransfer = SelectorOf("transfer(address,uint256)")
	SelectorApprove  = SelectorOf("approve(address,uint256)")
)

// Call 描述一次待执行的调用。
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

func (c Call) selector() (Selector, bool) {
	var s Selector
	if len(c.Data) < 4 {
		return s, false
	}
	copy(s[:], c.Data[:4])
	return s, true
}

// Env 提供策略评估所需的上下文。
type Env struct {
	Now        time.Time
	RecentUses []time.Time
	Sponsored  bool
}

// Policy 是封闭的策略类型集合，只有本包内的类型实现它。
type Policy interface {
	Kind() Kind
	Check(call Call, env Env) error
	spec() PolicySpec
}

// Permission 允许调用某个合约。Selectors 为空表示允许任意调用。
type Permission struct {
	Target    common.Address
	Selectors []Selector
}

// CallScope 将调用限制在允许的合约与函数上。
type CallScope struct {
	Permissions []Permission
}

func (CallScope) Kind() Kind { return KindCallScope }

func (p CallScope) Check(call Call, _ Env) error {
	for _, perm := range p.Permissions {
		if perm.Target != call.To {
			continue
		}
		if len(perm.Selectors) == 0 {
			return nil
		}
		sel, ok := call.selector()
		if !ok {
			return violation(KindCallScope, "call data has no function selector")
		}
		for _, allowed := range perm.Selectors {
			if allowed == sel {
				return nil
			}
		}
		return violation(KindCallScope, fmt.Sprintf("selector %s not permitted on %s", sel, call.To.Hex()))
	}
	return violation(KindCallScope, fmt.Sprintf("target %s not permitted", call.To.Hex()))
}

// DCAScope 返回定投所需的最小调用范围：代币只允许 transfer/approve，路由合约允许任意调用。
func DCAScope(tokens, routers []common.Address) CallScope {
	scope := CallScope{}
	for _, token := range tokens {
		scope.Permissions = append(scope.Permissions, Permission{
			Target:    token,
			Selectors: []Selector{SelectorTransfer, SelectorApprove},
		})
	}
	for _, router := range routers {
		scope.Permissions = append(scope.Permissions, Permission{Target: router})
	}
	return scope
}

// Covers 检查 other 的每项权限都落在 p 之内：目标必须出现在 p 中，
// 且 p 对该目标限定了函数时 other 也只能使用其中的函数。
func (p CallScope) Covers(other CallScope) error {
	for _, perm := range other.Permissions {
		if !p.covers(perm) {
			return xerrors.New(CodeScopeRejected, fmt.Sprintf("permission on %s is outside the allow-list", perm.Target.Hex()))
		}
	}
	return nil
}

func (p CallScope) covers(perm Permission) bool {
	for _, allowed := range p.Permissions {
		if allowed.Target != perm.Target {
			continue
		}
		if len(allowed.Selectors) == 0 {
			return true
		}
		if len(perm.Selectors) > 0 && subset(perm.Selectors, allowed.Selectors) {
			return true
		}
	}
	return false
}

func subset(selectors, allowed []Selector) bool {
	for _, sel := range selectors {
		found := false
		for _, a := range allowed {
			if a == sel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SudoScope 不限制调用目标，必须显式声明原因。
type SudoScope struct {
	Reason string
}

func (SudoScope) Kind() Kind { return KindSudo }

func (SudoScope) Check(Call, Env) error { return nil }

// GasSponsorship 声明账户交易是否允许由赞助方支付 gas。
type GasSponsorship struct {
	Allowed bool
}

func (GasSponsorship) Kind() Kind { return KindGasSponsorship }

func (p GasSponsorship) Check(_ Call, env Env) error {
	if env.Sponsored && !p.Allowed {
		return violation(KindGasSponsorship, "gas sponsorship not permitted")
	}
	return nil
}

// RateLimit 限制滚动窗口内的操作次数。
type RateLimit struct {
	Count    int
	Interval time.Duration
}

func (RateLimit) Kind() Kind { return KindRateLimit }

func (p RateLimit) Check(_ Call, env Env) error {
	since := env.Now.Add(-p.Interval)
	used := 0
	for _, at := range env.RecentUses {
		if at.After(since) {
			used++
		}
	}
	if used >= p.Count {
		return xerrors.New(CodeRateLimited, fmt.Sprintf("%d operations within %s", used, p.Interval),
			xerrors.WithMetadata("policy", string(KindRateLimit)))
	}
	return nil
}

// ValueLimit 限制单次调用附带的原生币数量。
type ValueLimit struct {
	Max *big.Int
}

func (ValueLimit) Kind() Kind { return KindValueLimit }

func (p ValueLimit) Check(call Call, _ Env) error {
	if call.Value == nil || call.Value.Sign() == 0 {
		return nil
	}
	if p.Max == nil || call.Value.Cmp(p.Max) > 0 {
		return violation(KindValueLimit, fmt.Sprintf("value %s exceeds limit", call.Value))
	}
	return nil
}

func violation(kind Kind, msg string) error {
	return xerrors.New(CodePolicyViolation, msg, xerrors.WithMetadata("policy", string(kind)))
}

// Evaluate 依次检查全部策略，任一失败即拒绝。
func Evaluate(policies []Policy, call Call, env Env) error {
	if len(policies) == 0 {
		return violation(KindCallScope, "no policies")
	}
	for _, p := range policies {
		if err := p.Check(call, env); err != nil {
			return err
		}
	}
	return nil
}

// PolicySet 是经过校验的有序策略列表，第一项总是调用范围（CallScope 或 SudoScope）。
type PolicySet struct {
	policies []Policy
}

// NewScopedPolicySet 构造受限策略集。
func NewScopedPolicySet(scope CallScope, extra ...Policy) (PolicySet, error) {
	if len(scope.Permissions) == 0 {
		return PolicySet{}, xerrors.New(CodeInvalidPolicy, "call scope has no permissions")
	}
	return newPolicySet(scope, extra)
}

// NewSudoPolicySet 构造不限调用目标的策略集，reason 不能为空。
func NewSudoPolicySet(reason string, extra ...Policy) (PolicySet, error) {
	if reason == "" {
		return PolicySet{}, xerrors.New(CodeInvalidPolicy, "sudo scope requires a reason")
	}
	return newPolicySet(SudoScope{Reason: reason}, extra)
}

func newPolicySet(scope Policy, extra []Policy) (PolicySet, error) {
	seen := map[Kind]bool{}
	policies := []Policy{scope}
	for _, p := range extra {
		if p == nil {
			continue
		}
		switch v := p.(type) {
		case CallScope, SudoScope:
			return PolicySet{}, xerrors.New(CodeInvalidPolicy, "only one call scope is allowed")
		case RateLimit:
			if v.Count <= 0 || v.Interval <= 0 {
				return PolicySet{}, xerrors.New(CodeInvalidPolicy, "rate limit requires positive count and interval")
			}
		case ValueLimit:
			if v.Max == nil || v.Max.Sign() < 0 {
				return PolicySet{}, xerrors.New(CodeInvalidPolicy, "value limit must be non-negative")
			}
		}
		if seen[p.Kind()] {
			return PolicySet{}, xerrors.New(CodeInvalidPolicy, fmt.Sprintf("duplicate %s policy", p.Kind()))
		}
		seen[p.Kind()] = true
		policies = append(policies, p)
	}
	return PolicySet{policies: policies}, nil
}

// Policies 返回策略副本。
func (s PolicySet) Policies() []Policy {
	return append([]Policy(nil), s.policies...)
}

// Empty 判断策略集是否未初始化。
func (s PolicySet) Empty() bool { return len(s.policies) == 0 }

// IsSudo 判断是否为不限范围的授权。
func (s PolicySet) IsSudo() bool {
	if s.Empty() {
		return false
	}
	_, ok := s.policies[0].(SudoScope)
	return ok
}

// SponsorshipAllowed 只有显式声明 GasSponsorship{Allowed: true} 时才为真。
func (s PolicySet) SponsorshipAllowed() bool {
	for _, p := range s.policies {
		if g, ok := p.(GasSponsorship); ok {
			return g.Allowed
		}
	}
	return false
}

// RateWindow 返回速率限制策略。
func (s PolicySet) RateWindow() (RateLimit, bool) {
	for _, p := range s.policies {
		if r, ok := p.(RateLimit); ok {
			return r, true
		}
	}
	return RateLimit{}, false
}

// Evaluate 对策略集执行合取检查。
func (s PolicySet) Evaluate(call Call, env Env) error {
	return Evaluate(s.policies, call, env)
}
