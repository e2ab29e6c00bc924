package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// FacilitatorEvmSigner is everything a Provider needs from chain access: it
// reads and writes contracts, sends raw transactions, and reports on the
// addresses it can sign with. A single implementation is shared by every
// EVM-family network the facilitator serves, dialed once per network's RPC
// endpoint.
type FacilitatorEvmSigner interface {
	GetAddresses() []string
	// NextSigner returns the next wallet address to sign a settlement with,
	// round-robin across every managed wallet.
	NextSigner() string
	ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, fromAddress, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error)
	SendTransaction(ctx context.Context, fromAddress, to string, data []byte) (string, error)
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
	GetBalance(ctx context.Context, address, tokenAddress string) (*big.Int, error)
	GetChainID(ctx context.Context) (*big.Int, error)
	GetCode(ctx context.Context, address string) ([]byte, error)
}

// walletKey is one managed signing key: its ECDSA material plus the derived
// address used for fee-payer selection and SignerAddresses().
type walletKey struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// EthSigner is a FacilitatorEvmSigner backed by a pool of wallets signing
// against a single go-ethereum RPC client. Wallets rotate round-robin across
// writes so throughput scales with the number of configured keys rather than
// being serialized behind one nonce, matching spec §4.3's load-distribution
// requirement.
type EthSigner struct {
	client  *ethclient.Client
	chainID *big.Int
	wallets []walletKey
	next    uint64 // atomic round-robin cursor
}

// NewEthSigner dials rpcURL and derives one wallet per hex-encoded private
// key in privateKeyHexes (0x prefix optional).
func NewEthSigner(ctx context.Context, rpcURL string, privateKeyHexes []string) (*EthSigner, error) {
	if len(privateKeyHexes) == 0 {
		return nil, fmt.Errorf("evm signer: at least one private key is required")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm signer: dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm signer: fetch chain id: %w", err)
	}

	wallets := make([]walletKey, 0, len(privateKeyHexes))
	for _, hexKey := range privateKeyHexes {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("evm signer: parse private key: %w", err)
		}
		wallets = append(wallets, walletKey{
			privateKey: pk,
			address:    crypto.PubkeyToAddress(pk.PublicKey),
		})
	}

	return &EthSigner{client: client, chainID: chainID, wallets: wallets}, nil
}

// GetAddresses returns every managed wallet address, in configuration order.
func (s *EthSigner) GetAddresses() []string {
	addrs := make([]string, len(s.wallets))
	for i, w := range s.wallets {
		addrs[i] = w.address.Hex()
	}
	return addrs
}

// GetChainID returns the network's chain ID as reported at dial time.
func (s *EthSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return s.chainID, nil
}

// nextWallet picks the next wallet round-robin.
func (s *EthSigner) nextWallet() walletKey {
	i := atomic.AddUint64(&s.next, 1)
	return s.wallets[int(i-1)%len(s.wallets)]
}

// NextSigner returns the next wallet address round-robin, for spreading
// settlement load across every configured key.
func (s *EthSigner) NextSigner() string {
	return s.nextWallet().address.Hex()
}

func (s *EthSigner) walletFor(address string) (walletKey, bool) {
	want := common.HexToAddress(address)
	for _, w := range s.wallets {
		if w.address == want {
			return w, true
		}
	}
	return walletKey{}, false
}

// ReadContract calls a view function and unpacks its outputs. A handful of
// view functions (authorizationState, balanceOf) return their zero value
// instead of reverting on a short/empty result from some RPC providers, so
// those are special-cased rather than surfaced as ABI-unpack errors.
func (s *EthSigner) ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error) {
	parsed, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	input, err := parsed.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", functionName, err)
	}

	to := common.HexToAddress(address)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", functionName, err)
	}

	if len(result) == 0 {
		switch functionName {
		case "authorizationState":
			return false, nil
		case "balanceOf", "allowance":
			return big.NewInt(0), nil
		}
	}

	out, err := parsed.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", functionName, err)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// WriteContract signs and submits a contract call from fromAddress, which
// must be one of the signer's managed wallets.
func (s *EthSigner) WriteContract(ctx context.Context, fromAddress, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error) {
	parsed, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("parse abi: %w", err)
	}
	input, err := parsed.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", functionName, err)
	}
	return s.sendRawTx(ctx, fromAddress, address, input)
}

// SendTransaction submits a raw-calldata transaction, used for smart-wallet
// factory deployments where the calldata is already ABI-encoded.
func (s *EthSigner) SendTransaction(ctx context.Context, fromAddress, to string, data []byte) (string, error) {
	return s.sendRawTx(ctx, fromAddress, to, data)
}

func (s *EthSigner) sendRawTx(ctx context.Context, fromAddress, to string, data []byte) (string, error) {
	wallet, ok := s.walletFor(fromAddress)
	if !ok {
		return "", fmt.Errorf("evm signer: no managed wallet for %s", fromAddress)
	}

	nonce, err := s.client.PendingNonceAt(ctx, wallet.address)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTransaction(nonce, toAddr, big.NewInt(0), 300000, gasPrice, data)

	signer := types.LatestSignerForChainID(s.chainID)
	signedTx, err := types.SignTx(tx, signer, wallet.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls for a mined receipt, matching the
// teacher's fixed-interval/fixed-attempt polling loop rather than a
// subscription (most configured RPC endpoints are plain HTTP).
func (s *EthSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	for i := 0; i < 30; i++ {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("timed out waiting for receipt of %s", txHash)
}

// GetBalance returns the native balance when tokenAddress is empty or the
// zero address, otherwise an ERC-20 balanceOf.
func (s *EthSigner) GetBalance(ctx context.Context, address, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || common.HexToAddress(tokenAddress) == (common.Address{}) {
		return s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	result, err := s.ReadContract(ctx, tokenAddress, erc20BalanceOfABI, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", result)
	}
	return balance, nil
}

// GetCode returns the bytecode deployed at address, or nil for an EOA.
func (s *EthSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return s.client.CodeAt(ctx, common.HexToAddress(address), nil)
}
