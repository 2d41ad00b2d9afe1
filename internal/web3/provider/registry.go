package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"AgentDCA/internal/config"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/web3"
	"AgentDCA/internal/web3/ethereum"
	"AgentDCA/pkg/logger"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
	definitions  map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*ethereum.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			ChainID:        chain.ChainID,
			RPCURL:         chain.RPCURL,
			BundlerURL:     chain.BundlerURL,
			PaymasterURL:   chain.PaymasterURL,
			EntryPoint:     chain.EntryPoint,
			Notes:          chain.Description,
			PollInterval:   cfg.PollInterval.Std(),
			ReceiptTimeout: cfg.ReceiptTimeout.Std(),
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	r, err := NewRegistryFromClients(defaultChain, defs.Chains, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return r, nil
}

// NewRegistryFromClients builds a registry around existing clients. An empty
// defaultChain selects the first name in lexical order.
func NewRegistryFromClients(defaultChain string, defs map[string]web3.ChainDefinition, clients map[string]*ethereum.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置任何链的 RPC 端点")
	}
	if defs == nil {
		defs = map[string]web3.ChainDefinition{}
	}
	r := &Registry{clients: clients, definitions: defs}
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("默认链 %s 未在配置中找到", defaultChain))
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*ethereum.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("默认链 %s 未在注册表中", r.defaultChain))
	}
	return client, nil
}

// DefaultName returns the default chain name.
func (r *Registry) DefaultName() string { return r.defaultChain }

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition returns the chain definition identified by name.
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	def, ok := r.definitions[name]
	return def, ok
}

// Snapshots fetches the head of every chain. Unreachable chains are logged
// and reported with a note instead of failing the whole call.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			logger.Named("web3").Warn("获取链状态失败", slog.String("chain", name), slog.Any("error", err))
			snap = web3.ChainSnapshot{Name: name, Notes: "unreachable: " + string(xerrors.CodeOf(err))}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
