package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// DeploymentResult captures the outcome of a contract deployment request.
type DeploymentResult struct {
	ContractAddress common.Address
	Transaction     *types.Transaction
}

// UserOperation is the payload sent to the bundler. The permission blob and
// provider let the bundler validate the session key against the account's
// installed validator.
type UserOperation struct {
	Sender           common.Address `json:"sender"`
	SessionKey       common.Address `json:"sessionKey"`
	CallData         hexutil.Bytes  `json:"callData"`
	Signature        hexutil.Bytes  `json:"signature"`
	PaymasterAndData hexutil.Bytes  `json:"paymasterAndData,omitempty"`
	Permission       string         `json:"permission"`
	Provider         string         `json:"provider"`
}

// SponsorResult is returned by pm_sponsorUserOperation.
type SponsorResult struct {
	PaymasterAndData hexutil.Bytes `json:"paymasterAndData"`
}

// UserOperationReceipt is returned by eth_getUserOperationReceipt once the
// operation has been included.
type UserOperationReceipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	Success    bool        `json:"success"`
	Reason     string      `json:"reason,omitempty"`
	Receipt    struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

// Client is the subset of chain access that the daemon needs beyond
// user-operation submission.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
