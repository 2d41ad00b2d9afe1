package web3

import (
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "AgentDCA/internal/errors"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one EVM network and its account-abstraction
// endpoints.
type ChainDefinition struct {
	Type            string `yaml:"type"`
	ChainID         uint64 `yaml:"chain_id"`
	RPCURL          string `yaml:"rpc_url"`
	BundlerURL      string `yaml:"bundler_url"`
	PaymasterURL    string `yaml:"paymaster_url"`
	EntryPoint      string `yaml:"entry_point"`
	RegistryAddress string `yaml:"registry_address"`
	Description     string `yaml:"description"`
	// Tokens and Routers form the call allow-list granted to session keys.
	Tokens  []string `yaml:"tokens"`
	Routers []string `yaml:"routers"`
}

// Addresses parses a list of hex addresses.
func Addresses(values []string) []common.Address {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		out = append(out, common.HexToAddress(v))
	}
	return out
}

// Validate checks the addresses and endpoints of a single definition.
func (d ChainDefinition) Validate(name string) error {
	if strings.TrimSpace(d.RPCURL) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "链 "+name+" 缺少 rpc_url")
	}
	for field, addr := range map[string]string{
		"entry_point":      d.EntryPoint,
		"registry_address": d.RegistryAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return xerrors.New(xerrors.CodeConfiguration, "链 "+name+" 的 "+field+" 不是合法地址")
		}
	}
	for _, addr := range append(append([]string(nil), d.Tokens...), d.Routers...) {
		if !common.IsHexAddress(addr) {
			return xerrors.New(xerrors.CodeConfiguration, "链 "+name+" 的白名单包含非法地址 "+addr)
		}
	}
	return nil
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取链配置失败")
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if err := def.Validate(name); err != nil {
			return ChainDefinitions{}, err
		}
	}
	return defs, nil
}
