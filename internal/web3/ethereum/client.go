package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentDCA/internal/approval"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	ChainID        uint64
	RPCURL         string
	BundlerURL     string
	PaymasterURL   string
	EntryPoint     string
	Notes          string
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// Client bundles the node connection used for contract calls with the
// bundler used for session-key operations.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	bundlerRPC   *gethrpc.Client
	paymasterRPC *gethrpc.Client
	eth          *ethclient.Client
	backend      bind.ContractBackend
	chainID      *big.Int
	bundler      *Bundler
	mu           sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(CodeChainUnavailable, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}

	if cfg.ChainID != 0 {
		c.chainID = new(big.Int).SetUint64(cfg.ChainID)
	} else {
		id, err := eth.ChainID(ctx)
		if err != nil {
			c.Close()
			return nil, xerrors.Wrap(CodeChainUnavailable, err, "获取链 ID 失败")
		}
		c.chainID = id
	}

	if bundlerURL := strings.TrimSpace(cfg.BundlerURL); bundlerURL != "" {
		c.bundlerRPC, err = gethrpc.DialContext(ctx, bundlerURL)
		if err != nil {
			c.Close()
			return nil, xerrors.Wrap(CodeBundlerUnavailable, err, "连接 bundler 失败")
		}
		opts := []BundlerOption{WithPollInterval(cfg.PollInterval), WithReceiptTimeout(cfg.ReceiptTimeout)}
		switch paymasterURL := strings.TrimSpace(cfg.PaymasterURL); {
		case paymasterURL == "" || paymasterURL == bundlerURL:
			opts = append(opts, WithPaymaster(c.bundlerRPC))
		default:
			c.paymasterRPC, err = gethrpc.DialContext(ctx, paymasterURL)
			if err != nil {
				c.Close()
				return nil, xerrors.Wrap(CodePaymasterUnavailable, err, "连接 paymaster 失败")
			}
			opts = append(opts, WithPaymaster(c.paymasterRPC))
		}
		c.bundler = NewBundler(c.bundlerRPC, common.HexToAddress(cfg.EntryPoint), opts...)
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
}

// WithBundler attaches a bundler, mainly for clients built around a
// simulated backend.
func (c *Client) WithBundler(b *Bundler) *Client {
	c.bundler = b
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// ChainID returns the numeric chain id.
func (c *Client) ChainID() uint64 {
	if c == nil || c.chainID == nil {
		return 0
	}
	return c.chainID.Uint64()
}

// ContractBackend exposes the backend used for bound contracts.
func (c *Client) ContractBackend() bind.ContractBackend {
	if c.backend != nil {
		return c.backend
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

// Submit forwards the operation to the configured bundler.
func (c *Client) Submit(ctx context.Context, op approval.Operation) (common.Hash, error) {
	if c == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	if c.bundler == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "链 "+c.name+" 未配置 bundler")
	}
	return c.bundler.Submit(ctx, op)
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	if c.paymasterRPC != nil {
		c.paymasterRPC.Close()
		c.paymasterRPC = nil
	}
	if c.bundlerRPC != nil {
		c.bundlerRPC.Close()
		c.bundlerRPC = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}

	if c.eth != nil {
		blockNumber, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, xerrors.Wrap(CodeChainUnavailable, err, "获取最新区块高度失败")
		}
		return web3.ChainSnapshot{
			Name:        c.name,
			ChainID:     toHexBig(c.chainID),
			BlockNumber: fmt.Sprintf("0x%x", blockNumber),
			Notes:       c.notes,
		}, nil
	}

	blockReader, ok := c.backend.(interface {
		BlockByNumber(context.Context, *big.Int) (*coretypes.Block, error)
	})
	if !ok {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "后端不支持区块查询")
	}
	block, err := blockReader.BlockByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(CodeChainUnavailable, err, "获取区块信息失败")
	}

	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", block.NumberU64()),
		Notes:       c.notes,
	}, nil
}

// DeployContract sends the contract creation transaction using the provided
// transact opts and bytecode.
func (c *Client) DeployContract(ctx context.Context, auth *bind.TransactOpts, abiJSON string, bytecode []byte, params ...any) (web3.DeploymentResult, error) {
	if auth == nil {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeInvalidArgument, "未提供交易签名器")
	}
	backend := c.ContractBackend()
	if backend == nil {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持合约部署")
	}
	if len(bytecode) == 0 {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeInvalidArgument, "合约字节码不能为空")
	}

	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return web3.DeploymentResult{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 ABI 失败")
	}

	originalCtx := auth.Context
	auth.Context = ctx
	defer func() { auth.Context = originalCtx }()

	address, tx, _, err := bind.DeployContract(auth, parsedABI, bytecode, backend, params...)
	if err != nil {
		return web3.DeploymentResult{}, xerrors.Wrap(CodeChainUnavailable, err, "部署合约失败")
	}

	if sim, ok := backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}

	return web3.DeploymentResult{ContractAddress: address, Transaction: tx}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var (
	_ web3.Client             = (*Client)(nil)
	_ approval.AccountBackend = (*Client)(nil)
)
