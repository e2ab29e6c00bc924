package stellar

import (
	"context"
	"encoding/base64"
	"math/big"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/fogoware/x402facilitator/core"
)

type fakeSigner struct {
	addresses    []string
	latestLedger uint32
	balance      *big.Int
	simulated    int
	submitted    []txnbuild.InvokeHostFunction
	submitErr    error
	waitErr      error
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{
		addresses:    []string{"GRELAYER00000000000000000000000000000000000000000000000000"},
		latestLedger: 1000,
		balance:      big.NewInt(10_000_000),
	}
}

func (f *fakeSigner) GetAddresses() []string { return f.addresses }

func (f *fakeSigner) Simulate(ctx context.Context, sourceAccount string, op txnbuild.InvokeHostFunction) (SimulationResult, error) {
	f.simulated++
	return SimulationResult{MinResourceFee: 1000}, nil
}

func (f *fakeSigner) BuildAndSubmit(ctx context.Context, sourceAccount string, op txnbuild.InvokeHostFunction, sim SimulationResult) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, op)
	return "submittedhash", nil
}

func (f *fakeSigner) WaitForTransaction(ctx context.Context, hash string) error { return f.waitErr }

func (f *fakeSigner) LatestLedger(ctx context.Context) (uint32, error) { return f.latestLedger, nil }

func (f *fakeSigner) TokenBalance(ctx context.Context, contractID, account string) (*big.Int, error) {
	return f.balance, nil
}

// buildAuthEntry constructs a signed SorobanAuthorizationEntry for a
// transfer(from, to, amount) root invocation, the same shape Verify
// expects a client to submit.
func buildAuthEntry(t *testing.T, fromKP *keypair.Full, contractID, to, amount string, nonce int64, expirationLedger uint32) string {
	t.Helper()

	var fromAccountID xdr.AccountId
	if err := fromAccountID.SetAddress(fromKP.Address()); err != nil {
		t.Fatalf("set from address: %v", err)
	}
	credsAddr := xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &fromAccountID}

	contractAddr, err := scAddressFromContract(contractID)
	if err != nil {
		t.Fatalf("contract address: %v", err)
	}
	fromVal, err := scAddressFromAccount(fromKP.Address())
	if err != nil {
		t.Fatalf("from sc val: %v", err)
	}
	toVal, err := scAddressFromAccount(to)
	if err != nil {
		t.Fatalf("to sc val: %v", err)
	}
	amountBig, _ := new(big.Int).SetString(amount, 10)
	amountVal := scI128FromBigInt(amountBig)

	invocation := xdr.SorobanAuthorizedInvocation{
		Function: xdr.SorobanAuthorizedFunction{
			Type: xdr.SorobanAuthorizedFunctionTypeSorobanAuthorizedFunctionTypeContractFn,
			ContractFn: &xdr.InvokeContractArgs{
				ContractAddress: contractAddr,
				FunctionName:    "transfer",
				Args:            xdr.ScVec{fromVal, toVal, amountVal},
			},
		},
	}

	entry := xdr.SorobanAuthorizationEntry{
		Credentials: xdr.SorobanCredentials{
			Type: xdr.SorobanCredentialsTypeSorobanCredentialsAddress,
			Address: &xdr.SorobanAddressCredentials{
				Address:                   credsAddr,
				Nonce:                     xdr.Int64(nonce),
				SignatureExpirationLedger: xdr.Uint32(expirationLedger),
			},
		},
		RootInvocation: invocation,
	}

	hash, err := authorizationHash(testPassphrase, entry)
	if err != nil {
		t.Fatalf("authorization hash: %v", err)
	}
	sig, err := fromKP.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign authorization hash: %v", err)
	}
	rawPub, err := strkey.Decode(strkey.VersionByteAccountID, fromKP.Address())
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}

	sigMap := xdr.ScMap{
		{Key: xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: symPtr("public_key")}, Val: bytesVal(rawPub)},
		{Key: xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: symPtr("signature")}, Val: bytesVal(sig)},
	}
	entry.Credentials.Address.Signature = xdr.ScVal{Type: xdr.ScValTypeScvVec, Vec: &xdr.ScVec{{Type: xdr.ScValTypeScvMap, Map: &sigMap}}}

	raw, err := entry.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func symPtr(s string) *xdr.ScSymbol {
	sym := xdr.ScSymbol(s)
	return &sym
}

func bytesVal(b []byte) xdr.ScVal {
	bs := xdr.ScBytes(b)
	return xdr.ScVal{Type: xdr.ScValTypeScvBytes, Bytes: &bs}
}

const testPassphrase = "Test SDF Network ; September 2015"

func newTestNetworkConfig() NetworkConfig {
	return NetworkConfig{Passphrase: testPassphrase, DefaultAsset: AssetInfo{ContractID: "CAQCFVLOBK5GIULPNZRGATJJMIZL5BSP7X5YJVMGCPTUEPFM4AVSRCJU", Decimals: AmountDecimals}}
}

func newTestPayload(from, to, amount, contractID, authEntry string, expirationLedger uint32) (*core.PaymentPayload, *core.PaymentRequirements) {
	payload := &core.PaymentPayload{
		X402Version: 2,
		Payload: map[string]interface{}{
			"from":             from,
			"to":               to,
			"amount":           amount,
			"asset":            contractID,
			"authEntry":        authEntry,
			"nonce":            "1",
			"expirationLedger": expirationLedger,
		},
	}
	requirements := &core.PaymentRequirements{
		Scheme:  SchemeExact,
		Network: core.Network("stellar:testnet"),
		Asset:   contractID,
		Amount:  amount,
		PayTo:   to,
	}
	return payload, requirements
}

func TestVerifyAcceptsValidAuthorizationEntry(t *testing.T) {
	fromKP, err := keypair.Random()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	toKP, err := keypair.Random()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	netCfg := newTestNetworkConfig()
	contractID := netCfg.DefaultAsset.ContractID

	authEntry := buildAuthEntry(t, fromKP, contractID, toKP.Address(), "500000", 1, 2000)
	payload, requirements := newTestPayload(fromKP.Address(), toKP.Address(), "500000", contractID, authEntry, 2000)

	signer := newFakeSigner()
	p := NewProvider(core.Network("stellar:testnet"), signer, netCfg, netCfg.DefaultAsset)
	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got invalid reason %q", resp.InvalidReason)
	}
	if resp.Payer != fromKP.Address() {
		t.Fatalf("expected payer %s, got %q", fromKP.Address(), resp.Payer)
	}
}

func TestVerifyRejectsExpiredLedger(t *testing.T) {
	fromKP, _ := keypair.Random()
	toKP, _ := keypair.Random()
	netCfg := newTestNetworkConfig()
	contractID := netCfg.DefaultAsset.ContractID

	authEntry := buildAuthEntry(t, fromKP, contractID, toKP.Address(), "500000", 1, 500)
	payload, requirements := newTestPayload(fromKP.Address(), toKP.Address(), "500000", contractID, authEntry, 500)

	signer := newFakeSigner()
	signer.latestLedger = 600
	p := NewProvider(core.Network("stellar:testnet"), signer, netCfg, netCfg.DefaultAsset)
	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid")
	}
	if resp.InvalidReason != string(core.ErrInvalidTiming) {
		t.Fatalf("expected InvalidTiming, got %q", resp.InvalidReason)
	}
}

func TestVerifyRejectsInsufficientBalance(t *testing.T) {
	fromKP, _ := keypair.Random()
	toKP, _ := keypair.Random()
	netCfg := newTestNetworkConfig()
	contractID := netCfg.DefaultAsset.ContractID

	authEntry := buildAuthEntry(t, fromKP, contractID, toKP.Address(), "500000", 1, 2000)
	payload, requirements := newTestPayload(fromKP.Address(), toKP.Address(), "500000", contractID, authEntry, 2000)

	signer := newFakeSigner()
	signer.balance = big.NewInt(499_999)
	p := NewProvider(core.Network("stellar:testnet"), signer, netCfg, netCfg.DefaultAsset)
	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrInsufficientFunds) {
		t.Fatalf("expected InsufficientBalance, got valid=%v reason=%q", resp.IsValid, resp.InvalidReason)
	}
}

func TestSettleRecordsNonceAndBlocksLocalReplay(t *testing.T) {
	fromKP, _ := keypair.Random()
	toKP, _ := keypair.Random()
	netCfg := newTestNetworkConfig()
	contractID := netCfg.DefaultAsset.ContractID

	authEntry := buildAuthEntry(t, fromKP, contractID, toKP.Address(), "500000", 1, 2000)
	payload, requirements := newTestPayload(fromKP.Address(), toKP.Address(), "500000", contractID, authEntry, 2000)

	signer := newFakeSigner()
	p := NewProvider(core.Network("stellar:testnet"), signer, netCfg, netCfg.DefaultAsset)
	if _, err := p.Settle(context.Background(), payload, requirements); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrReplay) {
		t.Fatalf("expected Replay from the local nonce record, got valid=%v reason=%q", resp.IsValid, resp.InvalidReason)
	}

	// Past the entry's expiration ledger the record is swept; the chain's
	// own nonce enforcement takes over from there.
	signer.latestLedger = 2001
	if p.nonceSeen(fromKP.Address(), "1", signer.latestLedger) {
		t.Fatalf("expected nonce record swept after expiration ledger")
	}
}

func TestSettleSimulatesAndSubmits(t *testing.T) {
	fromKP, _ := keypair.Random()
	toKP, _ := keypair.Random()
	netCfg := newTestNetworkConfig()
	contractID := netCfg.DefaultAsset.ContractID

	authEntry := buildAuthEntry(t, fromKP, contractID, toKP.Address(), "500000", 1, 2000)
	payload, requirements := newTestPayload(fromKP.Address(), toKP.Address(), "500000", contractID, authEntry, 2000)

	signer := newFakeSigner()
	p := NewProvider(core.Network("stellar:testnet"), signer, netCfg, netCfg.DefaultAsset)
	resp, err := p.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error reason %q", resp.ErrorReason)
	}
	if resp.Transaction != "submittedhash" {
		t.Fatalf("expected submittedhash, got %q", resp.Transaction)
	}
	if signer.simulated != 1 {
		t.Fatalf("expected exactly one simulation, got %d", signer.simulated)
	}
}
