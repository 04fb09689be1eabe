package userop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// rpcUserOperation is the JSON shape bundlers accept for v0.7
// operations. Optional sections marshal as absent, not zero.
type rpcUserOperation struct {
	Sender               common.Address  `json:"sender"`
	Nonce                *hexutil.Big    `json:"nonce"`
	Factory              *common.Address `json:"factory,omitempty"`
	FactoryData          hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData             hexutil.Bytes   `json:"callData"`
	CallGasLimit         *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`

	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`

	Signature hexutil.Bytes `json:"signature"`
}

func toRPCOperation(op *UserOperation) *rpcUserOperation {
	out := &rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		Paymaster:            op.Paymaster,
		PaymasterData:        op.PaymasterData,
		Signature:            op.Signature,
	}
	if op.Paymaster != nil {
		out.PaymasterVerificationGasLimit = (*hexutil.Big)(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = (*hexutil.Big)(op.PaymasterPostOpGasLimit)
	}
	return out
}

// GasEstimate carries the bundler's per-phase gas quote.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// Receipt mirrors eth_getUserOperationReceipt. Gas fields are reported
// by the relay and never recomputed locally.
type Receipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Logs          json.RawMessage `json:"logs,omitempty"`
	Receipt       json.RawMessage `json:"receipt,omitempty"`
}

// RelayClient talks the ERC-4337 bundler JSON-RPC surface.
type RelayClient struct {
	rpc *gethrpc.Client
	url string
}

// DialRelay connects to a bundler endpoint.
func DialRelay(ctx context.Context, url string) (*RelayClient, error) {
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "dial relay "+url)
	}
	return &RelayClient{rpc: client, url: url}, nil
}

// URL returns the relay endpoint.
func (c *RelayClient) URL() string { return c.url }

// Close releases the underlying connection.
func (c *RelayClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// SupportedEntryPoints lists the entry point contracts the relay serves.
func (c *RelayClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := c.rpc.CallContext(ctx, &out, "eth_supportedEntryPoints"); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "query supported entry points")
	}
	return out, nil
}

// EstimateGas asks the relay to quote gas for an unsigned operation.
func (c *RelayClient) EstimateGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	var out GasEstimate
	if err := c.rpc.CallContext(ctx, &out, "eth_estimateUserOperationGas", toRPCOperation(op), entryPoint); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGasEstimation, err, "relay gas estimation")
	}
	return &out, nil
}

// SendOperation submits a signed operation. A synchronous validation
// rejection from the relay surfaces as an OpRejected error.
func (c *RelayClient) SendOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var opHash common.Hash
	if err := c.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", toRPCOperation(op), entryPoint); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeOpRejected, err, "relay rejected operation")
	}
	return opHash, nil
}

// GetReceipt fetches the receipt for an operation hash. A nil receipt
// with nil error means the operation is not yet mined.
func (c *RelayClient) GetReceipt(ctx context.Context, opHash common.Hash) (*Receipt, error) {
	var out *Receipt
	if err := c.rpc.CallContext(ctx, &out, "eth_getUserOperationReceipt", opHash); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "query operation receipt")
	}
	return out, nil
}

// WaitForReceipt polls the relay at a fixed interval until the receipt
// appears or the overall deadline elapses. The deadline surfaces as a
// ReceiptTimeout error, never an indefinite block. Cancellation of the
// caller's context propagates unchanged instead of being relabeled.
func (c *RelayClient) WaitForReceipt(ctx context.Context, opHash common.Hash, interval, timeout time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.Named("userop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, opHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			log.Debug("receipt poll failed", "op_hash", opHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			// Caller cancellation is not a poll timeout.
			if cause := context.Cause(parent); cause != nil {
				return nil, cause
			}
			return nil, xerrors.New(xerrors.CodeReceiptTimeout,
				"no receipt for "+opHash.Hex()+" within deadline",
				xerrors.WithMetadata("op_hash", opHash.Hex()))
		case <-ticker.C:
		}
	}
}
