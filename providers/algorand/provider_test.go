package algorand

import (
	"context"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/fogoware/x402facilitator/core"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func msgpackDecode(b []byte, out interface{}) error { return msgpack.Decode(b, out) }

func msgpackEncode(obj interface{}) []byte { return msgpack.Encode(obj) }

type fakeSigner struct {
	account    crypto.Account
	lastRound  uint64
	balance    uint64
	optedIn    bool
	indexerHas map[string]bool
	poolHas    map[string]bool
	submitted  [][]byte
	submitErr  error
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	account := crypto.GenerateAccount()
	return &fakeSigner{
		account:    account,
		lastRound:  1000,
		balance:    1_000_000,
		optedIn:    true,
		indexerHas: make(map[string]bool),
		poolHas:    make(map[string]bool),
	}
}

func (f *fakeSigner) GetAddresses() []string { return []string{f.account.Address.String()} }

func (f *fakeSigner) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	return types.SuggestedParams{
		MinFee:          1000,
		FirstRoundValid: types.Round(f.lastRound),
		LastRoundValid:  types.Round(f.lastRound + PrepareValidityWindow),
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
	}, nil
}

func (f *fakeSigner) LastRound(ctx context.Context) (uint64, error) { return f.lastRound, nil }

func (f *fakeSigner) SignTransaction(tx types.Transaction) (string, []byte, error) {
	return crypto.SignTransaction(f.account.PrivateKey, tx)
}

func (f *fakeSigner) SubmitGroup(ctx context.Context, signedTxns [][]byte) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, signedTxns...)
	return "groupsubmitted", nil
}

func (f *fakeSigner) WaitForConfirmation(ctx context.Context, txid string) (uint64, error) {
	return f.lastRound + 1, nil
}

func (f *fakeSigner) AssetHolding(ctx context.Context, address string, assetID uint64) (uint64, bool, error) {
	return f.balance, f.optedIn, nil
}

func (f *fakeSigner) InPendingPool(ctx context.Context, txid string) (bool, error) {
	return f.poolHas[txid], nil
}

func (f *fakeSigner) ConfirmedByIndexer(ctx context.Context, txid string) (bool, error) {
	return f.indexerHas[txid], nil
}

const testNetwork = core.Network("algorand:testnet-v1.0")

func newTestProvider(t *testing.T) (*Provider, *fakeSigner) {
	t.Helper()
	signer := newFakeSigner(t)
	netCfg := Networks[string(testNetwork)]
	return NewProvider(testNetwork, signer, netCfg, netCfg.DefaultAsset), signer
}

// prepareAndSign drives Stage 1 against the provider, signs the returned
// client leg with payer's key, and assembles the Stage 2 payload the way
// a client would.
func prepareAndSign(t *testing.T, p *Provider, payer crypto.Account, to string, amount uint64) (*core.PaymentPayload, *core.PaymentRequirements, *PrepareResponse) {
	t.Helper()

	prep, err := p.Prepare(context.Background(), &PrepareRequest{
		From:    payer.Address.String(),
		To:      to,
		Amount:  strconv.FormatUint(amount, 10),
		AssetID: p.asset.AssetID,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	raw, err := decodeBase64(prep.UnsignedTransaction)
	if err != nil {
		t.Fatalf("decode unsigned transaction: %v", err)
	}
	var tx types.Transaction
	if err := msgpackDecode(raw, &tx); err != nil {
		t.Fatalf("decode msgpack: %v", err)
	}
	_, signed, err := crypto.SignTransaction(payer.PrivateKey, tx)
	if err != nil {
		t.Fatalf("sign client leg: %v", err)
	}

	payload := &core.PaymentPayload{
		X402Version: 2,
		Payload: map[string]interface{}{
			"from":       payer.Address.String(),
			"to":         to,
			"amount":     strconv.FormatUint(amount, 10),
			"assetId":    p.asset.AssetID,
			"signedTxn":  encodeBase64(signed),
			"txId":       prep.TxID,
			"firstValid": prep.FirstValid,
			"lastValid":  prep.LastValid,
			"groupId":    prep.GroupID,
		},
	}
	requirements := &core.PaymentRequirements{
		Scheme:  SchemeExact,
		Network: testNetwork,
		Amount:  strconv.FormatUint(amount, 10),
		PayTo:   to,
	}
	return payload, requirements, prep
}

func TestPrepareStampsGroupAndWindow(t *testing.T) {
	p, signer := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	prep, err := p.Prepare(context.Background(), &PrepareRequest{
		From:    payer.Address.String(),
		To:      to.Address.String(),
		Amount:  "10000",
		AssetID: p.asset.AssetID,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if prep.LastValid-prep.FirstValid != PrepareValidityWindow {
		t.Fatalf("expected %d-round window, got %d", PrepareValidityWindow, prep.LastValid-prep.FirstValid)
	}
	if prep.GroupID == "" || prep.TxID == "" {
		t.Fatalf("expected group and tx ids, got %q / %q", prep.GroupID, prep.TxID)
	}
	stored, ok := p.sessions.GetPrepared(prep.TxID)
	if !ok {
		t.Fatalf("prepared group not stored")
	}
	if stored.FacilitatorTxn.Sender.String() != signer.account.Address.String() {
		t.Fatalf("facilitator leg sender mismatch")
	}
	if stored.ClientTxn.Fee != 0 {
		t.Fatalf("client leg must carry zero fee, got %d", stored.ClientTxn.Fee)
	}
}

func TestVerifyAcceptsPreparedAndSignedLeg(t *testing.T) {
	p, _ := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, _ := prepareAndSign(t, p, payer, to.Address.String(), 10000)
	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.InvalidReason)
	}
	if resp.Payer != payer.Address.String() {
		t.Fatalf("expected payer %s, got %q", payer.Address, resp.Payer)
	}
}

func TestVerifyRejectsUnknownPreparation(t *testing.T) {
	p, _ := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, prep := prepareAndSign(t, p, payer, to.Address.String(), 10000)
	p.sessions.Sweep(prep.LastValid + 1) // age the session out

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid for swept preparation")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	p, _ := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, _ := prepareAndSign(t, p, payer, to.Address.String(), 10000)

	raw, _ := decodeBase64(payload.Payload["signedTxn"].(string))
	var stx types.SignedTxn
	if err := msgpackDecode(raw, &stx); err != nil {
		t.Fatalf("decode signed txn: %v", err)
	}
	stx.Sig[0] ^= 0x01
	payload.Payload["signedTxn"] = encodeBase64(msgpackEncode(stx))

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got valid=%v reason=%q", resp.IsValid, resp.InvalidReason)
	}
}

func TestVerifyRejectsExpiredWindow(t *testing.T) {
	p, signer := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, _ := prepareAndSign(t, p, payer, to.Address.String(), 10000)
	signer.lastRound += PrepareValidityWindow + 50

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("expected invalid for expired window")
	}
}

func TestVerifyRejectsNotOptedIn(t *testing.T) {
	p, signer := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, _ := prepareAndSign(t, p, payer, to.Address.String(), 10000)
	signer.optedIn = false

	resp, err := p.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(core.ErrNotOptedIn) {
		t.Fatalf("expected NotOptedIn, got valid=%v reason=%q", resp.IsValid, resp.InvalidReason)
	}
}

func TestSettleSubmitsGroupAndRecordsReplay(t *testing.T) {
	p, signer := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, prep := prepareAndSign(t, p, payer, to.Address.String(), 10000)
	resp, err := p.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.ErrorReason)
	}
	if resp.Transaction != prep.TxID {
		t.Fatalf("expected transaction %s, got %q", prep.TxID, resp.Transaction)
	}
	if len(signer.submitted) != 2 {
		t.Fatalf("expected a two-leg group, got %d legs", len(signer.submitted))
	}
	if !p.sessions.IsSettled(prep.TxID) {
		t.Fatalf("expected tx id recorded in replay cache")
	}

	// The second settle hits the local replay cache.
	if _, err := p.Settle(context.Background(), payload, requirements); err == nil {
		t.Fatalf("expected replay error")
	} else if se, ok := err.(*core.SettleError); !ok || se.Kind != core.ErrReplay {
		t.Fatalf("expected Replay, got %v", err)
	}
}

func TestVerifyBlocksReplayThroughIndexerAndPool(t *testing.T) {
	p, signer := newTestProvider(t)
	payer := crypto.GenerateAccount()
	to := crypto.GenerateAccount()

	payload, requirements, prep := prepareAndSign(t, p, payer, to.Address.String(), 10000)

	// Even with the local cache clear, the indexer branch blocks.
	signer.indexerHas[prep.TxID] = true
	if _, err := p.Verify(context.Background(), payload, requirements); err == nil {
		t.Fatalf("expected replay error from indexer branch")
	} else if ve, ok := err.(*core.VerifyError); !ok || ve.Kind != core.ErrReplay {
		t.Fatalf("expected Replay, got %v", err)
	}

	// And with the indexer clear, the pending pool blocks.
	signer.indexerHas[prep.TxID] = false
	signer.poolHas[prep.TxID] = true
	if _, err := p.Verify(context.Background(), payload, requirements); err == nil {
		t.Fatalf("expected replay error from pool branch")
	} else if ve, ok := err.(*core.VerifyError); !ok || ve.Kind != core.ErrReplay {
		t.Fatalf("expected Replay, got %v", err)
	}
}

func TestSweepEvictsExpiredReplayEntries(t *testing.T) {
	store := newSessionStore()
	store.MarkSettled("TXID", 500)
	store.Sweep(400)
	if !store.IsSettled("TXID") {
		t.Fatalf("entry evicted before its last valid round")
	}
	store.Sweep(501)
	if store.IsSettled("TXID") {
		t.Fatalf("entry survived past its last valid round")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop on cancel")
	}
}
