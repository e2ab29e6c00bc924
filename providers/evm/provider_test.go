package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fogoware/x402facilitator/core"
)

// fakeSigner is a minimal in-memory FacilitatorEvmSigner for provider tests.
// It never touches the network; ReadContract/GetBalance/GetCode return
// whatever the test pre-loads.
type fakeSigner struct {
	addresses   []string
	nonceUsed   bool
	balance     *big.Int
	code        map[string][]byte
	writeTxHash string
	writeErr    error
	receiptOK   bool
}

func (f *fakeSigner) GetAddresses() []string { return f.addresses }

func (f *fakeSigner) NextSigner() string { return f.addresses[0] }

func (f *fakeSigner) ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case "authorizationState":
		return f.nonceUsed, nil
	case "isValidSignature":
		return []byte{0x16, 0x26, 0xba, 0x7e}, nil
	}
	return nil, nil
}

func (f *fakeSigner) WriteContract(ctx context.Context, fromAddress, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error) {
	return f.writeTxHash, f.writeErr
}

func (f *fakeSigner) SendTransaction(ctx context.Context, fromAddress, to string, data []byte) (string, error) {
	return f.writeTxHash, f.writeErr
}

func (f *fakeSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	status := uint64(0)
	if f.receiptOK {
		status = TxStatusSuccess
	}
	return &TransactionReceipt{Status: status, BlockNumber: 1, TxHash: txHash}, nil
}

func (f *fakeSigner) GetBalance(ctx context.Context, address, tokenAddress string) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeSigner) GetChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(8453), nil }

func (f *fakeSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return f.code[strings.ToLower(address)], nil
}

func buildSignedAuthorization(t *testing.T, privateKey *ecdsaPK, from, to, value string, validAfter, validBefore int64, asset AssetInfo, chainID *big.Int) (*core.EVMPayload, string) {
	t.Helper()
	nonce := "0x" + strings.Repeat("ab", 32)
	hash, err := HashEIP3009Authorization(from, to, value, itoa(validAfter), itoa(validBefore), nonce, chainID, asset.Address, asset.Name, asset.Version)
	if err != nil {
		t.Fatalf("hash authorization: %v", err)
	}
	sig, err := crypto.Sign(hash, privateKey.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27

	return &core.EVMPayload{
		From: from, To: to, Value: value,
		ValidAfter: validAfter, ValidBefore: validBefore,
		Nonce: nonce, Signature: "0x" + hex.EncodeToString(sig),
	}, nonce
}

func TestVerifyAcceptsValidEOASignature(t *testing.T) {
	key := newTestKey(t)
	from := key.address.Hex()
	to := "0x00000000000000000000000000000000000bEEF"
	netCfg, _ := NetworkConfigFor("eip155:8453")

	auth, _ := buildSignedAuthorization(t, key, from, to, "1000000", time.Now().Unix()-30, time.Now().Unix()+3600, netCfg.DefaultAsset, netCfg.ChainID)

	signer := &fakeSigner{addresses: []string{"0xFEE"}, balance: big.NewInt(2_000_000)}
	p := NewProvider("eip155:8453", signer, Config{})

	payload := &core.PaymentPayload{X402Version: 2, Payload: toMap(auth), Accepted: core.PaymentRequirements{Network: "eip155:8453"}}
	requirements := &core.PaymentRequirements{Scheme: "exact", Network: "eip155:8453", Asset: netCfg.DefaultAsset.Address, Amount: "1000000", PayTo: to}

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid verdict, got invalid reason %q", resp.InvalidReason)
	}
	if !strings.EqualFold(resp.Payer, from) {
		t.Fatalf("expected payer %s, got %s", from, resp.Payer)
	}
}

func TestVerifyRejectsReceiverMismatch(t *testing.T) {
	key := newTestKey(t)
	from := key.address.Hex()
	netCfg, _ := NetworkConfigFor("eip155:8453")
	auth, _ := buildSignedAuthorization(t, key, from, "0x00000000000000000000000000000000000bEEF", "1000000", time.Now().Unix()-30, time.Now().Unix()+3600, netCfg.DefaultAsset, netCfg.ChainID)

	signer := &fakeSigner{addresses: []string{"0xFEE"}, balance: big.NewInt(2_000_000)}
	p := NewProvider("eip155:8453", signer, Config{})

	payload := &core.PaymentPayload{X402Version: 2, Payload: toMap(auth), Accepted: core.PaymentRequirements{Network: "eip155:8453"}}
	requirements := &core.PaymentRequirements{Scheme: "exact", Network: "eip155:8453", Asset: netCfg.DefaultAsset.Address, Amount: "1000000", PayTo: "0x000000000000000000000000000000000Dead00"}

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrReceiverMismatch) {
		t.Fatalf("expected ReceiverMismatch, got %+v", resp)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	key := newTestKey(t)
	from := key.address.Hex()
	to := "0x00000000000000000000000000000000000bEEF"
	netCfg, _ := NetworkConfigFor("eip155:8453")
	auth, _ := buildSignedAuthorization(t, key, from, to, "1000000", time.Now().Unix()-30, time.Now().Unix()+3600, netCfg.DefaultAsset, netCfg.ChainID)

	signer := &fakeSigner{addresses: []string{"0xFEE"}, balance: big.NewInt(2_000_000), nonceUsed: true}
	p := NewProvider("eip155:8453", signer, Config{})

	payload := &core.PaymentPayload{X402Version: 2, Payload: toMap(auth), Accepted: core.PaymentRequirements{Network: "eip155:8453"}}
	requirements := &core.PaymentRequirements{Scheme: "exact", Network: "eip155:8453", Asset: netCfg.DefaultAsset.Address, Amount: "1000000", PayTo: to}

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrReplay) {
		t.Fatalf("expected Replay, got %+v", resp)
	}
}

func TestSettleSubmitsAndReturnsTransaction(t *testing.T) {
	key := newTestKey(t)
	from := key.address.Hex()
	to := "0x00000000000000000000000000000000000bEEF"
	netCfg, _ := NetworkConfigFor("eip155:8453")
	auth, _ := buildSignedAuthorization(t, key, from, to, "1000000", time.Now().Unix()-30, time.Now().Unix()+3600, netCfg.DefaultAsset, netCfg.ChainID)

	signer := &fakeSigner{addresses: []string{"0xFEE"}, balance: big.NewInt(2_000_000), writeTxHash: "0xTX", receiptOK: true}
	p := NewProvider("eip155:8453", signer, Config{})

	payload := &core.PaymentPayload{X402Version: 2, Payload: toMap(auth), Accepted: core.PaymentRequirements{Network: "eip155:8453"}}
	requirements := &core.PaymentRequirements{Scheme: "exact", Network: "eip155:8453", Asset: netCfg.DefaultAsset.Address, Amount: "1000000", PayTo: to}

	resp, err := p.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xTX" {
		t.Fatalf("unexpected settle response: %+v", resp)
	}
}

func TestVerifyRejectsValidBeforeEqualToNow(t *testing.T) {
	key := newTestKey(t)
	from := key.address.Hex()
	to := "0x00000000000000000000000000000000000bEEF"
	netCfg, _ := NetworkConfigFor("eip155:8453")
	// The interval is half-open: validBefore == now is already expired.
	now := time.Now().Unix()
	auth, _ := buildSignedAuthorization(t, key, from, to, "1000000", now-30, now, netCfg.DefaultAsset, netCfg.ChainID)

	signer := &fakeSigner{addresses: []string{"0xFEE"}, balance: big.NewInt(2_000_000)}
	p := NewProvider("eip155:8453", signer, Config{})

	payload := &core.PaymentPayload{X402Version: 2, Payload: toMap(auth), Accepted: core.PaymentRequirements{Network: "eip155:8453"}}
	requirements := &core.PaymentRequirements{Scheme: "exact", Network: "eip155:8453", Asset: netCfg.DefaultAsset.Address, Amount: "1000000", PayTo: to}

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrInvalidTiming) {
		t.Fatalf("expected InvalidTiming, got %+v", resp)
	}
}

// -- test helpers --

type ecdsaPK struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newTestKey(t *testing.T) *ecdsaPK {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &ecdsaPK{key: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}
}

func toMap(auth *core.EVMPayload) map[string]interface{} {
	return map[string]interface{}{
		"from": auth.From, "to": auth.To, "value": auth.Value,
		"validAfter": auth.ValidAfter, "validBefore": auth.ValidBefore,
		"nonce": auth.Nonce, "signature": auth.Signature,
	}
}

func itoa(v int64) string { return big.NewInt(v).String() }
