package userop

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func fullOperation() *UserOperation {
	factory := common.HexToAddress("0x1111111111111111111111111111111111111111")
	paymaster := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return &UserOperation{
		Sender:               common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Nonce:                big.NewInt(7),
		Factory:              &factory,
		FactoryData:          []byte{0xde, 0xad},
		CallData:             []byte{0xbe, 0xef},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(200_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),

		Paymaster:                     &paymaster,
		PaymasterVerificationGasLimit: big.NewInt(40_000),
		PaymasterPostOpGasLimit:       big.NewInt(20_000),
		PaymasterData:                 []byte{0x01, 0x02, 0x03},

		Signature: []byte{0xff},
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	op := fullOperation()
	packed, err := op.Pack()
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	restored, err := packed.Unpack()
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if restored.Sender != op.Sender {
		t.Fatalf("sender changed: %s != %s", restored.Sender, op.Sender)
	}
	if restored.Nonce.Cmp(op.Nonce) != 0 {
		t.Fatalf("nonce changed: %s != %s", restored.Nonce, op.Nonce)
	}
	if *restored.Factory != *op.Factory || !bytes.Equal(restored.FactoryData, op.FactoryData) {
		t.Fatal("factory section changed")
	}
	if !bytes.Equal(restored.CallData, op.CallData) {
		t.Fatal("call data changed")
	}
	for _, pair := range []struct {
		name string
		a, b *big.Int
	}{
		{"callGasLimit", restored.CallGasLimit, op.CallGasLimit},
		{"verificationGasLimit", restored.VerificationGasLimit, op.VerificationGasLimit},
		{"preVerificationGas", restored.PreVerificationGas, op.PreVerificationGas},
		{"maxFeePerGas", restored.MaxFeePerGas, op.MaxFeePerGas},
		{"maxPriorityFeePerGas", restored.MaxPriorityFeePerGas, op.MaxPriorityFeePerGas},
		{"paymasterVerificationGasLimit", restored.PaymasterVerificationGasLimit, op.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", restored.PaymasterPostOpGasLimit, op.PaymasterPostOpGasLimit},
	} {
		if pair.a.Cmp(pair.b) != 0 {
			t.Fatalf("%s changed: %s != %s", pair.name, pair.a, pair.b)
		}
	}
	if *restored.Paymaster != *op.Paymaster || !bytes.Equal(restored.PaymasterData, op.PaymasterData) {
		t.Fatal("paymaster section changed")
	}
}

func TestPackOmitsOptionalSections(t *testing.T) {
	op := &UserOperation{
		Sender:               common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Nonce:                big.NewInt(0),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(2),
		PreVerificationGas:   big.NewInt(3),
		MaxFeePerGas:         big.NewInt(4),
		MaxPriorityFeePerGas: big.NewInt(5),
	}
	packed, err := op.Pack()
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if len(packed.InitCode) != 0 {
		t.Fatalf("initCode not empty without factory: %x", packed.InitCode)
	}
	if len(packed.PaymasterAndData) != 0 {
		t.Fatalf("paymasterAndData not empty without paymaster: %x", packed.PaymasterAndData)
	}

	restored, err := packed.Unpack()
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if restored.Factory != nil || restored.Paymaster != nil {
		t.Fatal("optional sections materialized out of nothing")
	}
}

func TestPackedWordLayout(t *testing.T) {
	op := fullOperation()
	packed, err := op.Pack()
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	hi := new(big.Int).SetBytes(packed.AccountGasLimits[:16])
	lo := new(big.Int).SetBytes(packed.AccountGasLimits[16:])
	if hi.Cmp(op.VerificationGasLimit) != 0 || lo.Cmp(op.CallGasLimit) != 0 {
		t.Fatalf("accountGasLimits layout wrong: hi=%s lo=%s", hi, lo)
	}

	hi = new(big.Int).SetBytes(packed.GasFees[:16])
	lo = new(big.Int).SetBytes(packed.GasFees[16:])
	if hi.Cmp(op.MaxPriorityFeePerGas) != 0 || lo.Cmp(op.MaxFeePerGas) != 0 {
		t.Fatalf("gasFees layout wrong: hi=%s lo=%s", hi, lo)
	}
}

func TestHashIsPureFunction(t *testing.T) {
	op := fullOperation()
	packed, err := op.Pack()
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	chainID := big.NewInt(1)
	first, err := packed.Hash(DefaultEntryPoint, chainID)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	second, err := packed.Hash(DefaultEntryPoint, chainID)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if first != second {
		t.Fatalf("hash not deterministic: %s != %s", first, second)
	}

	// Known values for this exact operation, computed independently from
	// keccak(abi.encode(keccak(abi.encode(...)), entryPoint, chainId)).
	// A change in field order or word widths breaks these, not just the
	// self-consistency checks above.
	want := common.HexToHash("0xa51045f51d26825133a1ccb816a1fd3a1067fa1c1cb1e7c565b78bae35cd0d6f")
	if first != want {
		t.Fatalf("hash for chain 1 = %s, want %s", first.Hex(), want.Hex())
	}

	other, err := packed.Hash(DefaultEntryPoint, big.NewInt(10))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if other == first {
		t.Fatal("hash ignores chain id")
	}
	wantOther := common.HexToHash("0x4e2cc0222a7e8f5db9d2468f93675d56d3cc35a40d464f44442cc29b25a64368")
	if other != wantOther {
		t.Fatalf("hash for chain 10 = %s, want %s", other.Hex(), wantOther.Hex())
	}
}

func TestSignerRecoverableSignature(t *testing.T) {
	signer, err := NewSigner("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	opHash := crypto.Keccak256Hash([]byte("operation"))
	sig, err := signer.SignHash(opHash)
	if err != nil {
		t.Fatalf("SignHash failed: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("recovery id %d, want 27 or 28", sig[64])
	}

	recoverable := make([]byte, 65)
	copy(recoverable, sig)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(opHash.Bytes()), recoverable)
	if err != nil {
		t.Fatalf("SigToPub failed: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer.Address() {
		t.Fatal("recovered signer does not match key address")
	}
}

func TestNewSignerRejectsMalformedKey(t *testing.T) {
	if _, err := NewSigner("not-a-key"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestRPCOperationOmitsAbsentSections(t *testing.T) {
	op := &UserOperation{
		Sender:               common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Nonce:                big.NewInt(1),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(2),
		PreVerificationGas:   big.NewInt(3),
		MaxFeePerGas:         big.NewInt(4),
		MaxPriorityFeePerGas: big.NewInt(5),
		Signature:            []byte{0xff},
	}
	raw, err := json.Marshal(toRPCOperation(op))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"factory", "paymaster", "paymasterVerificationGasLimit"} {
		if _, present := decoded[key]; present {
			t.Fatalf("absent field %q serialized", key)
		}
	}
}
