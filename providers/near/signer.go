package near

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/eteu-technologies/near-api-go/v2/pkg/client"
	"github.com/eteu-technologies/near-api-go/v2/pkg/client/block"
	"github.com/eteu-technologies/near-api-go/v2/pkg/types"
	"github.com/eteu-technologies/near-api-go/v2/pkg/types/action"
	"github.com/eteu-technologies/near-api-go/v2/pkg/types/signature"
	"github.com/eteu-technologies/near-api-go/v2/pkg/types/transaction"
)

// FacilitatorNearSigner is everything a Provider needs from chain access: it
// relays a client-built DelegateAction wrapped in its own SignedTransaction,
// optionally registering the recipient with the token contract first.
type FacilitatorNearSigner interface {
	GetAddresses() []string
	// RelayDelegateAction wraps action inside a SignedTransaction signed by
	// one of the facilitator's managed accounts and submits it, returning
	// the resulting transaction hash.
	RelayDelegateAction(ctx context.Context, relayer string, action SignedDelegateAction) (string, error)
	// EnsureStorageDeposit registers accountID with the token contract if
	// it isn't already, returning true if a registration transaction was
	// submitted.
	EnsureStorageDeposit(ctx context.Context, relayer, contractID, accountID string) (bool, error)
	// LatestBlockHeight is used by /health/deep as a connectivity probe.
	LatestBlockHeight(ctx context.Context) (uint64, error)
	// AccessKeyNonce reads an account's current nonce for the given
	// Ed25519 public key, used to reject a delegate action whose nonce
	// has already been consumed.
	AccessKeyNonce(ctx context.Context, accountID string, publicKey ed25519.PublicKey) (uint64, error)
	// FTBalance reads a NEP-141 balance, used as a pre-settlement
	// sufficiency check.
	FTBalance(ctx context.Context, contractID, accountID string) (*big.Int, error)
}

// relayerAccount is one managed NEAR account: its Ed25519 key pair and
// account ID, used both to sign relaying transactions and to pay their gas.
type relayerAccount struct {
	accountID  string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// RPCSigner is a FacilitatorNearSigner backed by one or more relayer
// accounts sharing a single JSON-RPC client.
type RPCSigner struct {
	rpc       *client.Client
	relayers  map[string]relayerAccount
	addresses []string
}

// NewRPCSigner dials rpcURL and registers one relayer account per
// (accountID, ed25519 seed) pair.
func NewRPCSigner(rpcURL string, accounts map[string][]byte) (*RPCSigner, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("near signer: at least one relayer account is required")
	}
	relayers := make(map[string]relayerAccount, len(accounts))
	addresses := make([]string, 0, len(accounts))
	for accountID, seed := range accounts {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("near signer: account %s: seed must be %d bytes", accountID, ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		relayers[accountID] = relayerAccount{
			accountID:  accountID,
			publicKey:  priv.Public().(ed25519.PublicKey),
			privateKey: priv,
		}
		addresses = append(addresses, accountID)
	}
	return &RPCSigner{
		rpc:       client.NewClient(rpcURL),
		relayers:  relayers,
		addresses: addresses,
	}, nil
}

// GetAddresses returns every managed relayer account ID, in no fixed
// order (NewRPCSigner receives the accounts as a map).
func (s *RPCSigner) GetAddresses() []string {
	out := make([]string, len(s.addresses))
	copy(out, s.addresses)
	return out
}

func (s *RPCSigner) publicKeyString(relayer relayerAccount) string {
	return "ed25519:" + base64Encode(relayer.publicKey)
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// nextNonceAndBlockHash fetches the relayer's current access key nonce and
// the latest block hash to use for a new transaction.
func (s *RPCSigner) nextNonceAndBlockHash(ctx context.Context, relayer relayerAccount) (uint64, types.CryptoHash, error) {
	akView, err := s.rpc.AccessKeyView(ctx, relayer.accountID, s.publicKeyString(relayer), block.FinalityFinal())
	if err != nil {
		return 0, types.CryptoHash{}, fmt.Errorf("access key view for %s: %w", relayer.accountID, err)
	}
	details, err := s.rpc.BlockDetails(ctx, block.FinalityFinal())
	if err != nil {
		return 0, types.CryptoHash{}, fmt.Errorf("block details: %w", err)
	}
	return akView.Nonce + 1, details.Header.Hash, nil
}

// submitFunctionCall builds, signs and broadcasts a single FunctionCall
// transaction from relayer, waiting for its final execution outcome.
func (s *RPCSigner) submitFunctionCall(ctx context.Context, relayer relayerAccount, receiverID, methodName string, args []byte, gas uint64, deposit types.Balance) (string, error) {
	nonce, blockHash, err := s.nextNonceAndBlockHash(ctx, relayer)
	if err != nil {
		return "", err
	}
	tx := transaction.Transaction{
		SignerID:   relayer.accountID,
		PublicKey:  types.PublicKey{KeyType: types.KeyType(keyTypeED25519), Data: relayer.publicKey},
		Nonce:      types.Nonce(nonce),
		ReceiverID: receiverID,
		BlockHash:  blockHash,
		Actions: []action.Action{
			action.NewFunctionCall(action.FunctionCallAction{
				MethodName: methodName,
				Args:       args,
				Gas:        types.Gas(gas),
				Deposit:    deposit,
			}),
		},
	}
	signed, err := signTransaction(tx, relayer.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	outcome, err := s.rpc.TransactionSendAwait(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	return outcome.Transaction.Hash.String(), nil
}

// signTransaction serializes tx per NEAR's ordinary (non-delegate) signing
// scheme and produces a signature.Signature for it.
func signTransaction(tx transaction.Transaction, priv ed25519.PrivateKey) (transaction.SignedTransaction, error) {
	hash, _, err := transaction.TransactionHash(tx)
	if err != nil {
		return transaction.SignedTransaction{}, err
	}
	sig := ed25519.Sign(priv, hash[:])
	return transaction.SignedTransaction{
		Transaction: tx,
		Signature:   signature.Signature{KeyType: types.KeyType(keyTypeED25519), Data: sig},
	}, nil
}

// RelayDelegateAction wraps sda in a DelegateAction-carrying transaction
// signed by relayer and submits it.
func (s *RPCSigner) RelayDelegateAction(ctx context.Context, relayer string, sda SignedDelegateAction) (string, error) {
	acct, ok := s.relayers[relayer]
	if !ok {
		return "", fmt.Errorf("near signer: relayer %s not managed by this signer", relayer)
	}
	nonce, blockHash, err := s.nextNonceAndBlockHash(ctx, acct)
	if err != nil {
		return "", err
	}
	tx := transaction.Transaction{
		SignerID:   acct.accountID,
		PublicKey:  types.PublicKey{KeyType: types.KeyType(keyTypeED25519), Data: acct.publicKey},
		Nonce:      types.Nonce(nonce),
		ReceiverID: sda.DelegateAction.SenderID,
		BlockHash:  blockHash,
		Actions:    []action.Action{action.NewDelegate(sda.toSDK())},
	}
	signed, err := signTransaction(tx, acct.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign relay transaction: %w", err)
	}
	outcome, err := s.rpc.TransactionSendAwait(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("broadcast relay transaction: %w", err)
	}
	return outcome.Transaction.Hash.String(), nil
}

// EnsureStorageDeposit checks the token contract's storage_balance_of view
// and, if the account isn't registered, submits a storage_deposit call
// funded by relayer before the transfer itself goes out.
func (s *RPCSigner) EnsureStorageDeposit(ctx context.Context, relayer, contractID, accountID string) (bool, error) {
	registered, err := s.isStorageRegistered(ctx, contractID, accountID)
	if err != nil {
		return false, fmt.Errorf("check storage registration: %w", err)
	}
	if registered {
		return false, nil
	}
	acct, ok := s.relayers[relayer]
	if !ok {
		return false, fmt.Errorf("near signer: relayer %s not managed by this signer", relayer)
	}
	args := []byte(fmt.Sprintf(`{"account_id":%q,"registration_only":true}`, accountID))
	deposit, ok := new(types.Balance).SetString(defaultStorageYocto, 10)
	if !ok {
		return false, fmt.Errorf("near signer: invalid storage deposit constant")
	}
	if _, err := s.submitFunctionCall(ctx, acct, contractID, storageDepositMethod, args, storageDepositGas, *deposit); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RPCSigner) isStorageRegistered(ctx context.Context, contractID, accountID string) (bool, error) {
	args := []byte(fmt.Sprintf(`{"account_id":%q}`, accountID))
	result, err := s.rpc.ContractViewCallFunction(ctx, contractID, "storage_balance_of", args, block.FinalityFinal())
	if err != nil {
		return false, err
	}
	return len(result.Result) > 0 && string(result.Result) != "null", nil
}

// LatestBlockHeight is used by /health/deep as a connectivity probe.
func (s *RPCSigner) LatestBlockHeight(ctx context.Context) (uint64, error) {
	details, err := s.rpc.BlockDetails(ctx, block.FinalityFinal())
	if err != nil {
		return 0, err
	}
	return uint64(details.Header.Height), nil
}

// AccessKeyNonce reads accountID's current nonce for publicKey directly,
// without requiring accountID to be a relayer this signer manages.
func (s *RPCSigner) AccessKeyNonce(ctx context.Context, accountID string, publicKey ed25519.PublicKey) (uint64, error) {
	pkString := "ed25519:" + base64Encode(publicKey)
	akView, err := s.rpc.AccessKeyView(ctx, accountID, pkString, block.FinalityFinal())
	if err != nil {
		return 0, fmt.Errorf("access key view for %s: %w", accountID, err)
	}
	return akView.Nonce, nil
}

// ftBalanceResult is the JSON shape NEP-141's ft_balance_of view returns: a
// plain quoted u128 string.
type ftBalanceResult string

// FTBalance calls ft_balance_of on contractID for accountID.
func (s *RPCSigner) FTBalance(ctx context.Context, contractID, accountID string) (*big.Int, error) {
	args := []byte(fmt.Sprintf(`{"account_id":%q}`, accountID))
	result, err := s.rpc.ContractViewCallFunction(ctx, contractID, "ft_balance_of", args, block.FinalityFinal())
	if err != nil {
		return nil, fmt.Errorf("ft_balance_of: %w", err)
	}
	var amount ftBalanceResult
	if err := json.Unmarshal(result.Result, &amount); err != nil {
		return nil, fmt.Errorf("decode ft_balance_of result: %w", err)
	}
	balance, ok := new(big.Int).SetString(string(amount), 10)
	if !ok {
		return nil, fmt.Errorf("invalid ft_balance_of result %q", amount)
	}
	return balance, nil
}

// parseBalance parses a decimal yoctoNEAR/token-unit string into a big-int
// wrapped types.Balance, matching NEAR's JSON convention of stringified
// u128s.
func parseBalance(decimal string) (types.Balance, error) {
	b, ok := new(types.Balance).SetString(decimal, 10)
	if !ok {
		return types.Balance{}, fmt.Errorf("invalid balance %q", decimal)
	}
	return *b, nil
}
