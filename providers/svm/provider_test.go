package svm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/fogoware/x402facilitator/core"
)

type fakeSigner struct {
	wallet      *solana.Wallet
	simulated   int
	simulateErr error
	sent        []*solana.Transaction
	sendErr     error
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{wallet: solana.NewWallet()}
}

func (f *fakeSigner) GetAddresses() []solana.PublicKey {
	return []solana.PublicKey{f.wallet.PublicKey()}
}

func (f *fakeSigner) SignTransaction(ctx context.Context, tx *solana.Transaction, feePayer solana.PublicKey) error {
	if !feePayer.Equals(f.wallet.PublicKey()) {
		return fmt.Errorf("fee payer %s not managed", feePayer)
	}
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	sig, err := f.wallet.PrivateKey.Sign(messageBytes)
	if err != nil {
		return err
	}
	idx, err := tx.GetAccountIndex(feePayer)
	if err != nil {
		return err
	}
	if len(tx.Signatures) <= int(idx) {
		grown := make([]solana.Signature, idx+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[idx] = sig
	return nil
}

func (f *fakeSigner) SimulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	f.simulated++
	return f.simulateErr
}

func (f *fakeSigner) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeSigner) ConfirmTransaction(ctx context.Context, signature solana.Signature) error {
	return nil
}

func (f *fakeSigner) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

const testNetwork = core.Network("solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1")

func testAsset() AssetInfo {
	return Networks[string(testNetwork)].DefaultAsset
}

// buildTransferTx assembles the full client transaction layout (compute
// limit, compute price, transfer-checked) with the facilitator as fee
// payer and its signature slot left empty.
func buildTransferTx(t *testing.T, feePayer solana.PublicKey, payer *solana.Wallet, payTo solana.PublicKey, mint solana.PublicKey, amount uint64, authority solana.PublicKey) *solana.Transaction {
	return buildTransferTxWith(t, feePayer, payer, payTo, mint, amount, authority,
		computebudget.NewSetComputeUnitLimitInstruction(200_000).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(1_000).Build(),
	)
}

// buildTransferTxWith assembles a transaction from the given prefix
// instructions plus the transfer-checked instruction; the compute-budget
// instructions are optional wire input, so tests exercise both shapes.
func buildTransferTxWith(t *testing.T, feePayer solana.PublicKey, payer *solana.Wallet, payTo solana.PublicKey, mint solana.PublicKey, amount uint64, authority solana.PublicKey, extraInstrs ...solana.Instruction) *solana.Transaction {
	t.Helper()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(payer.PublicKey(), mint)
	if err != nil {
		t.Fatalf("derive source ata: %v", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		t.Fatalf("derive dest ata: %v", err)
	}

	instrs := append(extraInstrs,
		token.NewTransferCheckedInstruction(amount, 6, sourceATA, mint, destATA, authority, nil).Build(),
	)

	tx, err := solana.NewTransaction(instrs, solana.Hash{}, solana.TransactionPayer(feePayer))
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	}); err != nil {
		t.Fatalf("partial sign: %v", err)
	}
	return tx
}

func toPayload(t *testing.T, tx *solana.Transaction) *core.PaymentPayload {
	t.Helper()
	encoded, err := tx.ToBase64()
	if err != nil {
		t.Fatalf("encode transaction: %v", err)
	}
	return &core.PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"transaction": encoded},
	}
}

func newRequirements(payTo string, amount string) *core.PaymentRequirements {
	return &core.PaymentRequirements{
		Scheme:  SchemeExact,
		Network: testNetwork,
		Amount:  amount,
		PayTo:   payTo,
	}
}

func TestVerifyAcceptsCosignableTransfer(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, payer.PublicKey())
	resp, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.InvalidReason)
	}
	if resp.Payer != payer.PublicKey().String() {
		t.Fatalf("expected payer %s, got %q", payer.PublicKey(), resp.Payer)
	}
	if signer.simulated != 1 {
		t.Fatalf("expected one simulation, got %d", signer.simulated)
	}
}

func TestVerifyAcceptsBareTransferWithoutComputeBudget(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	// Compute-budget instructions are optional: a bare transfer is valid.
	tx := buildTransferTxWith(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, payer.PublicKey())
	resp, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.InvalidReason)
	}
	if resp.Payer != payer.PublicKey().String() {
		t.Fatalf("expected payer %s, got %q", payer.PublicKey(), resp.Payer)
	}
}

func TestVerifyRejectsForeignProgramInstruction(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	// A system-program transfer smuggled alongside the token transfer
	// could move the facilitator's lamports; anything outside the token
	// and compute-budget programs is rejected outright.
	foreign := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(signer.wallet.PublicKey()).WRITE().SIGNER(),
		solana.Meta(payer.PublicKey()).WRITE(),
	}, []byte{2, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0})
	tx := buildTransferTxWith(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, payer.PublicKey(), foreign)

	_, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err == nil {
		t.Fatalf("expected error for foreign program instruction")
	}
	ve, ok := err.(*core.VerifyError)
	if !ok || ve.Kind != core.ErrBadPayload {
		t.Fatalf("expected BadPayload, got %v", err)
	}
}

func TestVerifyRejectsPrefilledFeePayerSlot(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, payer.PublicKey())
	// Fill the fee-payer slot the way a hijacking client would.
	if err := signer.SignTransaction(context.Background(), tx, signer.wallet.PublicKey()); err != nil {
		t.Fatalf("prefill fee payer: %v", err)
	}

	resp, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid for pre-filled fee-payer slot")
	}
	if !strings.Contains(resp.InvalidReason, string(core.ErrInvalidSignature)) {
		t.Fatalf("expected InvalidSignature, got %q", resp.InvalidReason)
	}
}

func TestVerifyRejectsFacilitatorAsAuthority(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	// The transfer authority is the facilitator itself: a sweep attempt.
	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, signer.wallet.PublicKey())
	resp, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid for facilitator-as-authority")
	}
	if !strings.Contains(resp.InvalidReason, string(core.ErrBadPayload)) {
		t.Fatalf("expected BadPayload, got %q", resp.InvalidReason)
	}
}

func TestVerifyRejectsWrongMint(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	wrongMint := solana.NewWallet().PublicKey()

	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, wrongMint, 1_000_000, payer.PublicKey())
	resp, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid for wrong mint")
	}
	if !strings.Contains(resp.InvalidReason, string(core.ErrAssetMismatch)) {
		t.Fatalf("expected AssetMismatch, got %q", resp.InvalidReason)
	}
}

func TestVerifyRejectsAmountBelowRequirement(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, mint, 999_999, payer.PublicKey())
	resp, err := p.Verify(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid for low amount")
	}
	if !strings.Contains(resp.InvalidReason, string(core.ErrAmountMismatch)) {
		t.Fatalf("expected AmountMismatch, got %q", resp.InvalidReason)
	}
}

func TestSettleCosignsAndSubmits(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)

	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, payer.PublicKey())
	resp, err := p.Settle(context.Background(), toPayload(t, tx), newRequirements(payTo.String(), "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.ErrorReason)
	}
	if resp.Transaction == "" {
		t.Fatalf("expected a transaction signature")
	}
	if len(signer.sent) != 1 {
		t.Fatalf("expected one submission, got %d", len(signer.sent))
	}
}

func TestExtractAddressesReadsAuthorityAndDestination(t *testing.T) {
	signer := newFakeSigner()
	asset := testAsset()
	p := NewProvider(testNetwork, signer, asset)

	payer := solana.NewWallet()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(asset.Mint)
	destATA, _, _ := solana.FindAssociatedTokenAddress(payTo, mint)

	tx := buildTransferTx(t, signer.wallet.PublicKey(), payer, payTo, mint, 1_000_000, payer.PublicKey())
	gotPayer, gotPayee, err := p.ExtractAddresses(toPayload(t, tx))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPayer != payer.PublicKey().String() {
		t.Fatalf("expected payer %s, got %q", payer.PublicKey(), gotPayer)
	}
	if gotPayee != destATA.String() {
		t.Fatalf("expected payee %s, got %q", destATA, gotPayee)
	}
}
