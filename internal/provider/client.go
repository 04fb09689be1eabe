package provider

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainForge/internal/errors"
)

// Client is the cached per-chain RPC handle handed out by the registry.
// All calls route through CallContext so usage metrics stay accurate.
type Client struct {
	instance  *Instance
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

func dialClient(ctx context.Context, instance *Instance) (*Client, error) {
	rpcClient, err := gethrpc.DialContext(ctx, instance.endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "dial "+instance.name)
	}
	return &Client{
		instance:  instance,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Instance returns the owning instance record.
func (c *Client) Instance() *Instance { return c.instance }

// Endpoint returns the RPC endpoint URL this client talks to.
func (c *Client) Endpoint() string { return c.instance.endpoint }

// Eth exposes the typed go-ethereum client for read helpers.
func (c *Client) Eth() *ethclient.Client { return c.eth }

// CallContext performs a raw JSON-RPC call and records the latency sample.
func (c *Client) CallContext(ctx context.Context, result any, method string, args ...any) error {
	start := time.Now()
	err := c.rpcClient.CallContext(ctx, result, method, args...)
	c.instance.metrics.Record(time.Since(start))
	return err
}

// Call executes eth_call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	arg := map[string]any{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	if err := c.CallContext(ctx, &out, "eth_call", arg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// SendRawTransaction broadcasts a signed transaction payload.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := c.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	return hash, err
}

// SendTransaction submits an unsigned transaction object, relying on the
// node to sign with an unlocked or impersonated account.
func (c *Client) SendTransaction(ctx context.Context, from, to *common.Address, value *big.Int, data []byte) (common.Hash, error) {
	arg := map[string]any{}
	if from != nil {
		arg["from"] = *from
	}
	if to != nil {
		arg["to"] = *to
	}
	if value != nil && value.Sign() > 0 {
		arg["value"] = hexutil.EncodeBig(value)
	}
	if len(data) > 0 {
		arg["data"] = hexutil.Bytes(data)
	}
	var hash common.Hash
	err := c.CallContext(ctx, &hash, "eth_sendTransaction", arg)
	return hash, err
}

// ChainID queries the chain id from the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// Close releases the underlying connection. The registry calls this on
// shutdown; callers holding cached handles must not close them.
func (c *Client) close() {
	if c == nil || c.rpcClient == nil {
		return
	}
	c.rpcClient.Close()
}
