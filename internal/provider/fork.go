package provider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Fork-management calls understood by anvil-compatible backends. They are
// no-ops in meaning against plain external nodes, which reject them.

// ImpersonateAccount allows sending transactions from an address without
// its private key.
func (c *Client) ImpersonateAccount(ctx context.Context, addr common.Address) error {
	return c.CallContext(ctx, nil, "anvil_impersonateAccount", addr)
}

// StopImpersonatingAccount reverses ImpersonateAccount.
func (c *Client) StopImpersonatingAccount(ctx context.Context, addr common.Address) error {
	return c.CallContext(ctx, nil, "anvil_stopImpersonatingAccount", addr)
}

// SetBalance overrides an account balance on the fork.
func (c *Client) SetBalance(ctx context.Context, addr common.Address, balance *big.Int) error {
	return c.CallContext(ctx, nil, "anvil_setBalance", addr, hexutil.EncodeBig(balance))
}

// ResetFork re-forks the backend from the given URL, optionally pinning a
// block number (0 means latest).
func (c *Client) ResetFork(ctx context.Context, forkURL string, blockNumber uint64) error {
	forking := map[string]any{"jsonRpcUrl": forkURL}
	if blockNumber > 0 {
		forking["blockNumber"] = blockNumber
	}
	return c.CallContext(ctx, nil, "anvil_reset", map[string]any{"forking": forking})
}

// Snapshot captures the current fork state and returns its id.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	var id string
	err := c.CallContext(ctx, &id, "evm_snapshot")
	return id, err
}

// RevertToSnapshot rolls the fork state back to a snapshot id.
func (c *Client) RevertToSnapshot(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.CallContext(ctx, &ok, "evm_revert", id)
	return ok, err
}

// Mine forces the backend to seal the given number of blocks.
func (c *Client) Mine(ctx context.Context, blocks uint64) error {
	return c.CallContext(ctx, nil, "anvil_mine", hexutil.EncodeUint64(blocks))
}
