package approval

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	xerrors "AgentDCA/internal/errors"
)

// Version 是当前授权格式版本。
const Version = 1

const (
	// ProviderZeroDev 使用 CBOR 编码授权。
	ProviderZeroDev = "zerodev"
	// ProviderAlchemy 使用 JSON 编码授权。
	ProviderAlchemy = "alchemy"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("approval: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("approval: CBOR decoder initialization failed: " + err.Error())
	}
}

// SupportedProvider 判断 provider 是否可被解析。
func SupportedProvider(provider string) bool {
	switch provider {
	case ProviderZeroDev, ProviderAlchemy:
		return true
	default:
		return false
	}
}

// PermissionSpec 是 Permission 的序列化形式。
type PermissionSpec struct {
	Target    string   `json:"target"`
	Selectors []string `json:"selectors,omitempty"`
}

// PolicySpec 是 Policy 的序列化形式。
type PolicySpec struct {
	Kind            Kind             `json:"kind"`
	Permissions     []PermissionSpec `json:"permissions,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Allowed         bool             `json:"allowed,omitempty"`
	Count           int              `json:"count,omitempty"`
	IntervalSeconds int64            `json:"intervalSeconds,omitempty"`
	MaxValue        string           `json:"maxValue,omitempty"`
}

func (p CallScope) spec() PolicySpec {
	out := PolicySpec{Kind: KindCallScope}
	for _, perm := range p.Permissions {
		ps := PermissionSpec{Target: strings.ToLower(perm.Target.Hex())}
		for _, sel := range perm.Selectors {
			ps.Selectors = append(ps.Selectors, sel.String())
		}
		out.Permissions = append(out.Permissions, ps)
	}
	return out
}

func (p SudoScope) spec() PolicySpec { return PolicySpec{Kind: KindSudo, Reason: p.Reason} }

func (p GasSponsorship) spec() PolicySpec {
	return PolicySpec{Kind: KindGasSponsorship, Allowed: p.Allowed}
}

func (p RateLimit) spec() PolicySpec {
	return PolicySpec{Kind: KindRateLimit, Count: p.Count, IntervalSeconds: int64(p.Interval / time.Second)}
}

func (p ValueLimit) spec() PolicySpec {
	max := "0"
	if p.Max != nil {
		max = p.Max.String()
	}
	return PolicySpec{Kind: KindValueLimit, MaxValue: max}
}

// Specs 返回策略集的序列化形式。
func (s PolicySet) Specs() []PolicySpec {
	out := make([]PolicySpec, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.spec())
	}
	return out
}

// PolicySetFromSpecs 从序列化形式重建并校验策略集。
func PolicySetFromSpecs(specs []PolicySpec) (PolicySet, error) {
	if len(specs) == 0 {
		return PolicySet{}, xerrors.New(CodeInvalidPolicy, "empty policy list")
	}
	policies := make([]Policy, 0, len(specs))
	for _, spec := range specs {
		p, err := policyFromSpec(spec)
		if err != nil {
			return PolicySet{}, err
		}
		policies = append(policies, p)
	}
	switch scope := policies[0].(type) {
	case CallScope:
		return NewScopedPolicySet(scope, policies[1:]...)
	case SudoScope:
		return NewSudoPolicySet(scope.Reason, policies[1:]...)
	default:
		return PolicySet{}, xerrors.New(CodeInvalidPolicy, "first policy must be a call scope")
	}
}

func policyFromSpec(spec PolicySpec) (Policy, error) {
	switch spec.Kind {
	case KindCallScope:
		scope := CallScope{}
		for _, ps := range spec.Permissions {
			if !common.IsHexAddress(ps.Target) {
				return nil, xerrors.New(CodeInvalidPolicy, "invalid permission target "+ps.Target)
			}
			perm := Permission{Target: common.HexToAddress(ps.Target)}
			for _, raw := range ps.Selectors {
				b, err := hexutil.Decode(raw)
				if err != nil || len(b) != 4 {
					return nil, xerrors.New(CodeInvalidPolicy, "invalid selector "+raw)
				}
				var sel Selector
				copy(sel[:], b)
				perm.Selectors = append(perm.Selectors, sel)
			}
			scope.Permissions = append(scope.Permissions, perm)
		}
		return scope, nil
	case KindSudo:
		return SudoScope{Reason: spec.Reason}, nil
	case KindGasSponsorship:
		return GasSponsorship{Allowed: spec.Allowed}, nil
	case KindRateLimit:
		return RateLimit{Count: spec.Count, Interval: time.Duration(spec.IntervalSeconds) * time.Second}, nil
	case KindValueLimit:
		max, ok := new(big.Int).SetString(spec.MaxValue, 10)
		if !ok {
			return nil, xerrors.New(CodeInvalidPolicy, "invalid value limit "+spec.MaxValue)
		}
		return ValueLimit{Max: max}, nil
	default:
		return nil, xerrors.New(CodeInvalidPolicy, fmt.Sprintf("unknown policy kind %q", spec.Kind))
	}
}

// Approval 是序列化前的授权内容。
type Approval struct {
	Version         int          `json:"version"`
	Provider        string       `json:"provider"`
	ChainID         uint64       `json:"chainId"`
	Account         string       `json:"account"`
	Owner           string       `json:"owner"`
	SessionKey      string       `json:"sessionKey"`
	Policies        []PolicySpec `json:"policies"`
	Sudo            bool         `json:"sudo"`
	ValidAfter      int64        `json:"validAfter"`
	ValidUntil      int64        `json:"validUntil"`
	Nonce           string       `json:"nonce"`
	Delegation      string       `json:"delegation"`
	EnableSignature string       `json:"enableSignature,omitempty"`
}

// Authorization 返回委托证明覆盖的内容。
func (a *Approval) Authorization() Authorization {
	return Authorization{
		Account:    common.HexToAddress(a.Account),
		ChainID:    a.ChainID,
		SessionKey: common.HexToAddress(a.SessionKey),
		Nonce:      a.Nonce,
	}
}

// Digest 返回所有者签名的消息：去掉签名字段后的确定性 CBOR 编码的 keccak256。
func (a *Approval) Digest() ([]byte, error) {
	unsigned := *a
	unsigned.EnableSignature = ""
	encoded, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "")
	}
	return crypto.Keccak256(encoded), nil
}

// verifyOwner 校验委托证明与启用签名都来自账户所有者。
func (a *Approval) verifyOwner() error {
	owner := common.HexToAddress(a.Owner)
	delegation, err := hexutil.Decode(a.Delegation)
	if err != nil {
		return xerrors.Wrap(CodeSignatureInvalid, err, "")
	}
	signer, err := recoverSigner(a.Authorization().Digest(), delegation)
	if err != nil {
		return err
	}
	if signer != owner {
		return xerrors.New(CodeSignatureInvalid, "delegation was not signed by the account owner")
	}
	enable, err := hexutil.Decode(a.EnableSignature)
	if err != nil {
		return xerrors.Wrap(CodeSignatureInvalid, err, "")
	}
	digest, err := a.Digest()
	if err != nil {
		return err
	}
	signer, err = recoverSigner(digest, enable)
	if err != nil {
		return err
	}
	if signer != owner {
		return xerrors.New(CodeSignatureInvalid, "approval was not signed by the account owner")
	}
	return nil
}

// Encode 按 provider 序列化授权。
func Encode(a *Approval) (string, error) {
	var (
		raw []byte
		err error
	)
	switch a.Provider {
	case ProviderZeroDev:
		raw, err = encMode.Marshal(a)
	case ProviderAlchemy:
		raw, err = json.Marshal(a)
	default:
		return "", xerrors.New(CodeUnsupportedProvider, "", xerrors.WithMetadata("provider", a.Provider))
	}
	if err != nil {
		return "", xerrors.Wrap(CodeMalformed, err, "")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode 解析授权但不校验签名。
func Decode(blob, provider string) (*Approval, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, ErrMissing
	}
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "")
	}
	var a Approval
	switch provider {
	case ProviderZeroDev:
		err = decMode.Unmarshal(raw, &a)
	case ProviderAlchemy:
		err = json.Unmarshal(raw, &a)
	default:
		return nil, xerrors.New(CodeUnsupportedProvider, "", xerrors.WithMetadata("provider", provider))
	}
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "")
	}
	if a.Version != Version {
		return nil, xerrors.New(CodeMalformed, fmt.Sprintf("unsupported approval version %d", a.Version))
	}
	if a.Provider != provider {
		return nil, xerrors.New(CodeMalformed, "approval provider tag mismatch",
			xerrors.WithMetadata("provider", provider))
	}
	if !common.IsHexAddress(a.Account) || !common.IsHexAddress(a.Owner) || !common.IsHexAddress(a.SessionKey) {
		return nil, xerrors.New(CodeMalformed, "approval contains an invalid address")
	}
	return &a, nil
}
