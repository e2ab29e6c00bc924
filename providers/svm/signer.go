package svm

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// FacilitatorSvmSigner is everything a Provider needs from chain access:
// it co-signs the fee-payer slot of a client-assembled transaction,
// simulates it, submits it, and polls for confirmation. A single
// implementation is shared by every SVM-family network the facilitator
// serves, dialed once per network's RPC endpoint.
type FacilitatorSvmSigner interface {
	GetAddresses() []solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction, feePayer solana.PublicKey) error
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) error
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, signature solana.Signature) error
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// RPCSigner is a FacilitatorSvmSigner backed by one or more Ed25519
// fee-payer keys sharing a single RPC client, adapted from the teacher's
// hand-rolled facilitatorSolanaSigner (services/facilitator/cmd/facilitator/
// solana_signer.go), generalized to hold more than one wallet the way the
// EVM signer round-robins.
type RPCSigner struct {
	client  *rpc.Client
	wallets map[solana.PublicKey]solana.PrivateKey
	order   []solana.PublicKey
}

// NewRPCSigner dials rpcURL and derives one wallet per Ed25519 seed/keypair
// in privateKeys (32-byte seed or 64-byte expanded key, matching the
// teacher's accepted formats).
func NewRPCSigner(rpcURL string, privateKeys [][]byte) (*RPCSigner, error) {
	if len(privateKeys) == 0 {
		return nil, fmt.Errorf("svm signer: at least one private key is required")
	}
	wallets := make(map[solana.PublicKey]solana.PrivateKey, len(privateKeys))
	order := make([]solana.PublicKey, 0, len(privateKeys))
	for _, raw := range privateKeys {
		var pk solana.PrivateKey
		switch len(raw) {
		case 32:
			pk = solana.PrivateKey(ed25519.NewKeyFromSeed(raw))
		case 64:
			pk = solana.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("svm signer: invalid private key length %d (want 32 or 64)", len(raw))
		}
		pub := pk.PublicKey()
		wallets[pub] = pk
		order = append(order, pub)
	}
	return &RPCSigner{client: rpc.New(rpcURL), wallets: wallets, order: order}, nil
}

// GetAddresses returns every managed fee-payer public key, in
// configuration order.
func (s *RPCSigner) GetAddresses() []solana.PublicKey {
	out := make([]solana.PublicKey, len(s.order))
	copy(out, s.order)
	return out
}

// SignTransaction adds the facilitator's signature at feePayer's slot.
// feePayer must be one of the signer's managed wallets.
func (s *RPCSigner) SignTransaction(ctx context.Context, tx *solana.Transaction, feePayer solana.PublicKey) error {
	pk, ok := s.wallets[feePayer]
	if !ok {
		return fmt.Errorf("svm signer: fee payer %s not managed by this signer", feePayer)
	}
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	sig, err := pk.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	idx, err := tx.GetAccountIndex(feePayer)
	if err != nil {
		return fmt.Errorf("fee payer not found in transaction accounts: %w", err)
	}
	if len(tx.Signatures) <= int(idx) {
		grown := make([]solana.Signature, idx+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[idx] = sig
	return nil
}

// SimulateTransaction proves the transaction would succeed, catching
// insufficient balance, invalid accounts, and program errors before the
// facilitator ever submits it.
func (s *RPCSigner) SimulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	result, err := s.client.SimulateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("simulation request failed: %w", err)
	}
	if result.Value.Err != nil {
		return fmt.Errorf("simulation failed: %v", result.Value.Err)
	}
	return nil
}

// SendTransaction submits the fully-signed transaction.
func (s *RPCSigner) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// ConfirmTransaction polls signature status until confirmed, failed, or a
// fixed attempt budget elapses.
func (s *RPCSigner) ConfirmTransaction(ctx context.Context, signature solana.Signature) error {
	const maxAttempts = 30
	const interval = 2 * time.Second

	for i := 0; i < maxAttempts; i++ {
		statuses, err := s.client.GetSignatureStatuses(ctx, false, signature)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("transaction confirmation timeout after %d attempts", maxAttempts)
}

// GetLatestBlockhash reads the current blockhash, used by /health/deep as
// a connectivity probe.
func (s *RPCSigner) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return recent.Value.Blockhash, nil
}
