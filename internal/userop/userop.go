// Package userop drives the full lifecycle of an ERC-4337 v0.7 user
// operation: build, gas estimation, packing, signing, relay submission
// and receipt confirmation.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainForge/internal/errors"
)

// DefaultEntryPoint is the canonical v0.7 entry point deployment.
var DefaultEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

// UserOperation is the unpacked v0.7 operation. Gas and fee fields are
// kept as separate big integers until Pack merges them into fixed-width
// words for the wire format.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              *common.Address
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

// PackedUserOperation is the wire-compact form consumed by the entry
// point: paired gas fields share single 32-byte words, factory and
// paymaster fields collapse into initCode / paymasterAndData.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// packPair writes hi into the high 16 bytes and lo into the low 16
// bytes of one 32-byte word.
func packPair(hi, lo *big.Int) [32]byte {
	var word [32]byte
	if hi != nil {
		hi.FillBytes(word[:16])
	}
	if lo != nil {
		lo.FillBytes(word[16:])
	}
	return word
}

func unpackPair(word [32]byte) (hi, lo *big.Int) {
	return new(big.Int).SetBytes(word[:16]), new(big.Int).SetBytes(word[16:])
}

// Pack serializes the operation into its wire-compact form.
// Optional factory and paymaster sections are omitted entirely when
// absent rather than zero-filled.
func (op *UserOperation) Pack() (*PackedUserOperation, error) {
	if op.Nonce == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user operation nonce is unset")
	}

	var initCode []byte
	if op.Factory != nil {
		initCode = append(initCode, op.Factory.Bytes()...)
		initCode = append(initCode, op.FactoryData...)
	}

	var paymasterAndData []byte
	if op.Paymaster != nil {
		var verGas, postOpGas [16]byte
		if op.PaymasterVerificationGasLimit != nil {
			op.PaymasterVerificationGasLimit.FillBytes(verGas[:])
		}
		if op.PaymasterPostOpGasLimit != nil {
			op.PaymasterPostOpGasLimit.FillBytes(postOpGas[:])
		}
		paymasterAndData = append(paymasterAndData, op.Paymaster.Bytes()...)
		paymasterAndData = append(paymasterAndData, verGas[:]...)
		paymasterAndData = append(paymasterAndData, postOpGas[:]...)
		paymasterAndData = append(paymasterAndData, op.PaymasterData...)
	}

	preVerification := op.PreVerificationGas
	if preVerification == nil {
		preVerification = new(big.Int)
	}

	return &PackedUserOperation{
		Sender:             op.Sender,
		Nonce:              new(big.Int).Set(op.Nonce),
		InitCode:           initCode,
		CallData:           op.CallData,
		AccountGasLimits:   packPair(op.VerificationGasLimit, op.CallGasLimit),
		PreVerificationGas: preVerification,
		GasFees:            packPair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		PaymasterAndData:   paymasterAndData,
		Signature:          op.Signature,
	}, nil
}

// Unpack restores the separate-field form from a packed operation.
// Pack followed by Unpack preserves every field exactly.
func (p *PackedUserOperation) Unpack() (*UserOperation, error) {
	op := &UserOperation{
		Sender:             p.Sender,
		Nonce:              new(big.Int).Set(p.Nonce),
		CallData:           p.CallData,
		PreVerificationGas: new(big.Int).Set(p.PreVerificationGas),
		Signature:          p.Signature,
	}
	op.VerificationGasLimit, op.CallGasLimit = unpackPair(p.AccountGasLimits)
	op.MaxPriorityFeePerGas, op.MaxFeePerGas = unpackPair(p.GasFees)

	if len(p.InitCode) > 0 {
		if len(p.InitCode) < common.AddressLength {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "initCode shorter than a factory address")
		}
		factory := common.BytesToAddress(p.InitCode[:common.AddressLength])
		op.Factory = &factory
		if data := p.InitCode[common.AddressLength:]; len(data) > 0 {
			op.FactoryData = data
		}
	}

	if len(p.PaymasterAndData) > 0 {
		if len(p.PaymasterAndData) < common.AddressLength+32 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "paymasterAndData shorter than the fixed prefix")
		}
		paymaster := common.BytesToAddress(p.PaymasterAndData[:common.AddressLength])
		op.Paymaster = &paymaster
		op.PaymasterVerificationGasLimit = new(big.Int).SetBytes(p.PaymasterAndData[common.AddressLength : common.AddressLength+16])
		op.PaymasterPostOpGasLimit = new(big.Int).SetBytes(p.PaymasterAndData[common.AddressLength+16 : common.AddressLength+32])
		if data := p.PaymasterAndData[common.AddressLength+32:]; len(data) > 0 {
			op.PaymasterData = data
		}
	}

	return op, nil
}
