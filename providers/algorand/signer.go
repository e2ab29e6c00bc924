package algorand

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// FacilitatorAlgorandSigner is everything a Provider needs from chain
// access: suggested params and the current round for preparing and
// validating groups, account-asset reads for opt-in and balance checks,
// signing of the facilitator leg, atomic group submission, and the
// indexer/pending-pool lookups backing the replay checks.
type FacilitatorAlgorandSigner interface {
	GetAddresses() []string
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	// LastRound is the chain head used for round-window validation,
	// replay-cache sweeping, and /health/deep probes.
	LastRound(ctx context.Context) (uint64, error)
	// SignTransaction signs the facilitator's own leg, returning the
	// transaction ID and the raw signed bytes.
	SignTransaction(tx types.Transaction) (string, []byte, error)
	// SubmitGroup submits the concatenated signed transactions as one
	// atomic group and returns the ID of the first transaction.
	SubmitGroup(ctx context.Context, signedTxns [][]byte) (string, error)
	// WaitForConfirmation polls algod until txid is confirmed or ctx ends.
	WaitForConfirmation(ctx context.Context, txid string) (uint64, error)
	// AssetHolding reports a sender's ASA balance and whether the account
	// has opted in to the asset at all.
	AssetHolding(ctx context.Context, address string, assetID uint64) (amount uint64, optedIn bool, err error)
	// InPendingPool reports whether algod's pending pool already holds
	// txid.
	InPendingPool(ctx context.Context, txid string) (bool, error)
	// ConfirmedByIndexer reports whether the indexer has txid as an
	// already-confirmed transaction.
	ConfirmedByIndexer(ctx context.Context, txid string) (bool, error)
}

// RESTSigner is a FacilitatorAlgorandSigner backed by one funded account
// talking to an algod node and an indexer.
type RESTSigner struct {
	algod   *algod.Client
	indexer *indexer.Client
	account crypto.Account
}

// NewRESTSigner dials algod and the indexer and derives the facilitator
// account from its 25-word mnemonic. The mnemonic is held only as the
// derived Ed25519 key and is never logged or serialized.
func NewRESTSigner(algodURL, algodToken, indexerURL, indexerToken, accountMnemonic string) (*RESTSigner, error) {
	sk, err := mnemonic.ToPrivateKey(accountMnemonic)
	if err != nil {
		return nil, fmt.Errorf("algorand signer: derive key from mnemonic: %w", err)
	}
	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("algorand signer: account from key: %w", err)
	}
	algodClient, err := algod.MakeClient(algodURL, algodToken)
	if err != nil {
		return nil, fmt.Errorf("algorand signer: dial algod: %w", err)
	}
	indexerClient, err := indexer.MakeClient(indexerURL, indexerToken)
	if err != nil {
		return nil, fmt.Errorf("algorand signer: dial indexer: %w", err)
	}
	return &RESTSigner{algod: algodClient, indexer: indexerClient, account: account}, nil
}

// GetAddresses returns the facilitator's account address.
func (s *RESTSigner) GetAddresses() []string {
	return []string{s.account.Address.String()}
}

// SuggestedParams reads the node's current transaction parameters.
func (s *RESTSigner) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	params, err := s.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, fmt.Errorf("suggested params: %w", err)
	}
	return params, nil
}

// LastRound reads the current chain head.
func (s *RESTSigner) LastRound(ctx context.Context) (uint64, error) {
	status, err := s.algod.Status().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("node status: %w", err)
	}
	return status.LastRound, nil
}

// SignTransaction signs tx with the facilitator's key.
func (s *RESTSigner) SignTransaction(tx types.Transaction) (string, []byte, error) {
	txid, stx, err := crypto.SignTransaction(s.account.PrivateKey, tx)
	if err != nil {
		return "", nil, fmt.Errorf("sign transaction: %w", err)
	}
	return txid, stx, nil
}

// SubmitGroup concatenates the signed legs and submits them atomically.
func (s *RESTSigner) SubmitGroup(ctx context.Context, signedTxns [][]byte) (string, error) {
	var raw []byte
	for _, stx := range signedTxns {
		raw = append(raw, stx...)
	}
	txid, err := s.algod.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("send group: %w", err)
	}
	return txid, nil
}

// WaitForConfirmation polls algod's pending-transaction endpoint until
// txid lands in a round, errors out of the pool, or ctx expires.
func (s *RESTSigner) WaitForConfirmation(ctx context.Context, txid string) (uint64, error) {
	const interval = 2 * time.Second
	for {
		pending, _, err := s.algod.PendingTransactionInformation(txid).Do(ctx)
		if err == nil {
			if pending.ConfirmedRound > 0 {
				return pending.ConfirmedRound, nil
			}
			if pending.PoolError != "" {
				return 0, fmt.Errorf("transaction rejected: %s", pending.PoolError)
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// AssetHolding reads the sender's ASA position. A lookup error mentioning
// the asset is treated as not-opted-in rather than an RPC failure, since
// algod answers 404 for accounts without the holding.
func (s *RESTSigner) AssetHolding(ctx context.Context, address string, assetID uint64) (uint64, bool, error) {
	info, err := s.algod.AccountAssetInformation(address, assetID).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "no asset") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("account asset information: %w", err)
	}
	return info.AssetHolding.Amount, true, nil
}

// InPendingPool reports whether algod already holds txid unconfirmed.
func (s *RESTSigner) InPendingPool(ctx context.Context, txid string) (bool, error) {
	pending, _, err := s.algod.PendingTransactionInformation(txid).Do(ctx)
	if err != nil {
		// An unknown transaction is the normal case; algod answers 404.
		return false, nil
	}
	return pending.ConfirmedRound == 0 && pending.PoolError == "", nil
}

// ConfirmedByIndexer reports whether the indexer has txid confirmed.
func (s *RESTSigner) ConfirmedByIndexer(ctx context.Context, txid string) (bool, error) {
	_, err := s.indexer.LookupTransaction(txid).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "no transaction found") {
			return false, nil
		}
		return false, fmt.Errorf("indexer lookup: %w", err)
	}
	return true, nil
}

// VerifyTransactionSignature checks a signed transaction's Ed25519
// signature against the sender address, which on Algorand is itself the
// public key. The signed bytes are the domain-separated canonical
// msgpack encoding ("TX" || msgpack(txn)).
func VerifyTransactionSignature(stx types.SignedTxn) bool {
	sender := stx.Txn.Sender
	bytesToSign := rawTransactionBytesToSign(stx.Txn)
	return ed25519.Verify(ed25519.PublicKey(sender[:]), bytesToSign, stx.Sig[:])
}
