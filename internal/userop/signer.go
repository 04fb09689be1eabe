package userop

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ChainForge/internal/errors"
)

// Signer signs operation hashes with a local ECDSA owner key using the
// EIP-191 personal-message scheme the entry point expects.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded private key. The leading 0x prefix is
// optional.
func NewSigner(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "malformed owner key")
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the owner address derived from the key.
func (s *Signer) Address() common.Address { return s.address }

// SignHash produces a 65-byte signature over the EIP-191 envelope of
// the operation hash, with the recovery id shifted into {27, 28}.
func (s *Signer) SignHash(opHash common.Hash) ([]byte, error) {
	digest := accounts.TextHash(opHash.Bytes())
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "sign operation hash")
	}
	sig[64] += 27
	return sig, nil
}

// SignOperation hashes the packed operation and attaches the signature.
func (s *Signer) SignOperation(op *UserOperation, entryPoint common.Address, chainID *big.Int) error {
	packed, err := op.Pack()
	if err != nil {
		return err
	}
	opHash, err := packed.Hash(entryPoint, chainID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSigning, err, "hash packed operation")
	}
	sig, err := s.SignHash(opHash)
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}
