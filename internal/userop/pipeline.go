package userop

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/provider"
	"ChainForge/pkg/logger"
)

// State tracks how far an operation made it through the lifecycle.
type State string

const (
	StateBuilt        State = "built"
	StateGasEstimated State = "gas_estimated"
	StatePacked       State = "packed"
	StateSigned       State = "signed"
	StateSubmitted    State = "submitted"
	StateConfirmed    State = "confirmed"
	StateRejected     State = "rejected"
	StateTimedOut     State = "timed_out"
)

// getNonce(address,uint192) on the entry point.
var getNonceSelector = []byte{0x35, 0x56, 0x7e, 0x1a}

var (
	defaultMaxFeePerGas         = big.NewInt(2_000_000_000)
	defaultMaxPriorityFeePerGas = big.NewInt(1_000_000_000)
)

// GasDefaults are caller-supplied fallback limits used when relay gas
// estimation fails. Without them an estimation failure is terminal.
type GasDefaults struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// Config wires a pipeline to its provider, relay and signing key.
type Config struct {
	Relay      *RelayClient
	Provider   *provider.Client
	Signer     *Signer
	EntryPoint common.Address
	ChainID    *big.Int

	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasDefaults          *GasDefaults

	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Result is the terminal outcome of one lifecycle attempt. Receipt is
// set only in the Confirmed state; its success flag is authoritative.
type Result struct {
	State   State
	OpHash  common.Hash
	Receipt *Receipt
	Reason  string
}

// Pipeline runs the Built -> GasEstimated -> Packed -> Signed ->
// Submitted -> Confirmed|Rejected|TimedOut sequence for one operation
// at a time. No step is retried; retry policy belongs to the caller.
type Pipeline struct {
	cfg Config
}

// NewPipeline validates the wiring and returns a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Relay == nil || cfg.Provider == nil || cfg.Signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pipeline requires relay, provider and signer")
	}
	if cfg.ChainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pipeline requires a chain id")
	}
	if (cfg.EntryPoint == common.Address{}) {
		cfg.EntryPoint = DefaultEntryPoint
	}
	if cfg.MaxFeePerGas == nil {
		cfg.MaxFeePerGas = defaultMaxFeePerGas
	}
	if cfg.MaxPriorityFeePerGas == nil {
		cfg.MaxPriorityFeePerGas = defaultMaxPriorityFeePerGas
	}
	return &Pipeline{cfg: cfg}, nil
}

// Run drives one operation end to end: assemble with a fetched nonce,
// estimate gas, pack, sign, submit and wait for the receipt.
func (p *Pipeline) Run(ctx context.Context, sender common.Address, callData []byte) (*Result, error) {
	log := logger.Named("userop")

	// Built
	nonce, err := p.fetchNonce(ctx, sender)
	if err != nil {
		return nil, err
	}
	op := &UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		CallData:             callData,
		MaxFeePerGas:         p.cfg.MaxFeePerGas,
		MaxPriorityFeePerGas: p.cfg.MaxPriorityFeePerGas,
	}
	log.Info("operation built", "sender", sender.Hex(), "nonce", nonce.String())

	// GasEstimated
	if err := p.estimateGas(ctx, op); err != nil {
		return nil, err
	}

	// Packed + Signed, hash over (packed op, entry point, chain id).
	if err := p.cfg.Signer.SignOperation(op, p.cfg.EntryPoint, p.cfg.ChainID); err != nil {
		return nil, err
	}

	// Submitted
	opHash, err := p.cfg.Relay.SendOperation(ctx, op, p.cfg.EntryPoint)
	if err != nil {
		metrics.ObserveUserOperation(string(StateRejected))
		return &Result{State: StateRejected, Reason: err.Error()}, err
	}
	log.Info("operation submitted", "op_hash", opHash.Hex())

	// Confirmed | TimedOut
	receipt, err := p.cfg.Relay.WaitForReceipt(ctx, opHash, p.cfg.PollInterval, p.cfg.ConfirmTimeout)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted by the caller, not a lifecycle outcome.
			return nil, err
		}
		metrics.ObserveUserOperation(string(StateTimedOut))
		return &Result{State: StateTimedOut, OpHash: opHash, Reason: err.Error()}, err
	}
	log.Info("operation confirmed",
		"op_hash", opHash.Hex(), "success", receipt.Success,
		"actual_gas_used", receipt.ActualGasUsed)
	metrics.ObserveUserOperation(string(StateConfirmed))
	return &Result{State: StateConfirmed, OpHash: opHash, Receipt: receipt}, nil
}

// fetchNonce reads getNonce(sender, 0) from the entry point.
func (p *Pipeline) fetchNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+64)
	data = append(data, getNonceSelector...)
	data = append(data, common.LeftPadBytes(sender.Bytes(), 32)...)
	data = append(data, make([]byte, 32)...) // key = 0

	out, err := p.cfg.Provider.Call(ctx, p.cfg.EntryPoint, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "fetch entry point nonce")
	}
	return new(big.Int).SetBytes(out), nil
}

// estimateGas fills the gas limit fields from the relay quote, falling
// back to caller defaults when the relay refuses.
func (p *Pipeline) estimateGas(ctx context.Context, op *UserOperation) error {
	estimate, err := p.cfg.Relay.EstimateGas(ctx, op, p.cfg.EntryPoint)
	if err == nil {
		op.PreVerificationGas = (*big.Int)(estimate.PreVerificationGas)
		op.VerificationGasLimit = (*big.Int)(estimate.VerificationGasLimit)
		op.CallGasLimit = (*big.Int)(estimate.CallGasLimit)
		return nil
	}

	defaults := p.cfg.GasDefaults
	if defaults == nil {
		return xerrors.Wrap(xerrors.CodeGasEstimation, err, "relay estimation failed and no defaults provided")
	}
	logger.Named("userop").Warn("relay gas estimation failed, using caller defaults", "error", err)
	op.CallGasLimit = defaults.CallGasLimit
	op.VerificationGasLimit = defaults.VerificationGasLimit
	op.PreVerificationGas = defaults.PreVerificationGas
	return nil
}
