package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	typAddress = mustType("address")
	typUint256 = mustType("uint256")
	typBytes32 = mustType("bytes32")

	// keccak(abi.encode(sender, nonce, keccak(initCode), keccak(callData),
	// accountGasLimits, preVerificationGas, gasFees, keccak(paymasterAndData)))
	innerHashArgs = abi.Arguments{
		{Type: typAddress},
		{Type: typUint256},
		{Type: typBytes32},
		{Type: typBytes32},
		{Type: typBytes32},
		{Type: typUint256},
		{Type: typBytes32},
		{Type: typBytes32},
	}

	// keccak(abi.encode(innerHash, entryPoint, chainId))
	outerHashArgs = abi.Arguments{
		{Type: typBytes32},
		{Type: typAddress},
		{Type: typUint256},
	}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Hash computes the entry-point operation hash as a pure function of
// the packed operation, entry point address and chain id.
func (p *PackedUserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	inner, err := innerHashArgs.Pack(
		p.Sender,
		p.Nonce,
		crypto.Keccak256Hash(p.InitCode),
		crypto.Keccak256Hash(p.CallData),
		p.AccountGasLimits,
		p.PreVerificationGas,
		p.GasFees,
		crypto.Keccak256Hash(p.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, err
	}

	outer, err := outerHashArgs.Pack(
		crypto.Keccak256Hash(inner),
		entryPoint,
		chainID,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}
