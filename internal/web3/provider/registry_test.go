package provider

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"AgentDCA/internal/config"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/web3"
	"AgentDCA/internal/web3/ethereum"
)

func simulated(t *testing.T, name string) *ethereum.Client {
	t.Helper()
	backend := backends.NewSimulatedBackend(coretypes.GenesisAlloc{}, 8_000_000)
	client := ethereum.NewSimulatedClient(name, big.NewInt(1337), backend)
	t.Cleanup(client.Close)
	return client
}

func TestRegistryFromClients(t *testing.T) {
	clients := map[string]*ethereum.Client{
		"base":     simulated(t, "base"),
		"arbitrum": simulated(t, "arbitrum"),
	}
	defs := map[string]web3.ChainDefinition{"base": {ChainID: 8453, RPCURL: "http://base"}}
	r, err := NewRegistryFromClients("", defs, clients)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if r.DefaultName() != "arbitrum" {
		t.Fatalf("expected lexical default, got %s", r.DefaultName())
	}
	if def, ok := r.Definition("base"); !ok || def.ChainID != 8453 {
		t.Fatalf("definition lookup failed: %+v", def)
	}
	snaps := r.Snapshots(context.Background())
	if len(snaps) != 2 || snaps[0].Name != "arbitrum" || snaps[1].ChainID != "0x539" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}

	if _, err := NewRegistryFromClients("mainnet", defs, clients); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("unknown default chain should be a configuration error, got %v", err)
	}
}

func TestNewRegistryWithoutChains(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
