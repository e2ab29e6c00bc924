package stellar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

// FacilitatorStellarSigner is everything a Provider needs from chain
// access: it builds and submits the InvokeHostFunction transaction
// wrapping a client's authorization entry, after simulating it for the
// resource footprint and fee.
type FacilitatorStellarSigner interface {
	GetAddresses() []string
	// Simulate asks Soroban RPC for the resource footprint and fee an
	// InvokeHostFunction operation would need, without submitting it.
	Simulate(ctx context.Context, sourceAccount string, op txnbuild.InvokeHostFunction) (SimulationResult, error)
	// BuildAndSubmit assembles, signs, and submits the transaction from
	// sourceAccount, returning the resulting transaction hash.
	BuildAndSubmit(ctx context.Context, sourceAccount string, op txnbuild.InvokeHostFunction, sim SimulationResult) (string, error)
	// WaitForTransaction polls Soroban RPC for a transaction's final
	// status.
	WaitForTransaction(ctx context.Context, hash string) error
	// LatestLedger is used by /health/deep as a connectivity probe and
	// by Verify to check an authorization entry's expiration.
	LatestLedger(ctx context.Context) (uint32, error)
	// TokenBalance reads a token contract's balance(account) via a
	// read-only simulation, so Verify can reject underfunded payers
	// before any settlement work.
	TokenBalance(ctx context.Context, contractID, account string) (*big.Int, error)
}

// SimulationResult is the facilitator-relevant subset of a Soroban RPC
// simulateTransaction response.
type SimulationResult struct {
	TransactionData string // base64 XDR SorobanTransactionData (resource footprint + fee)
	MinResourceFee  int64
}

// RPCSigner is a FacilitatorStellarSigner backed by one or more classic
// Stellar accounts sharing a single Soroban RPC + Horizon endpoint pair.
type RPCSigner struct {
	sorobanRPCURL     string
	horizonURL        string
	networkPassphrase string
	httpClient        *http.Client
	wallets           map[string]*keypair.Full
	order             []string
	paddingPercent    int
}

// NewRPCSigner registers one wallet per Ed25519 secret seed (the "S..."
// strkey) and dials the given Soroban RPC / Horizon endpoints.
func NewRPCSigner(sorobanRPCURL, horizonURL, networkPassphrase string, secretSeeds []string, paddingPercent int) (*RPCSigner, error) {
	if len(secretSeeds) == 0 {
		return nil, fmt.Errorf("stellar signer: at least one secret seed is required")
	}
	wallets := make(map[string]*keypair.Full, len(secretSeeds))
	order := make([]string, 0, len(secretSeeds))
	for _, seed := range secretSeeds {
		kp, err := keypair.ParseFull(seed)
		if err != nil {
			return nil, fmt.Errorf("stellar signer: parse secret seed: %w", err)
		}
		wallets[kp.Address()] = kp
		order = append(order, kp.Address())
	}
	return &RPCSigner{
		sorobanRPCURL:     sorobanRPCURL,
		horizonURL:        horizonURL,
		networkPassphrase: networkPassphrase,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		wallets:           wallets,
		order:             order,
		paddingPercent:    paddingPercent,
	}, nil
}

// GetAddresses returns every managed account's G... address, in
// configuration order.
func (s *RPCSigner) GetAddresses() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *RPCSigner) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sorobanRPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}

	var envelope struct {
		Error  *rpcError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode rpc envelope: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s failed: %s", method, envelope.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

// Simulate asks Soroban RPC to simulate an InvokeHostFunction operation
// built from a throwaway source-account sequence, reporting the resource
// footprint and minimum resource fee it will need.
func (s *RPCSigner) Simulate(ctx context.Context, sourceAccount string, op txnbuild.InvokeHostFunction) (SimulationResult, error) {
	account := txnbuild.NewSimpleAccount(sourceAccount, 0)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{&op},
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	if err != nil {
		return SimulationResult{}, fmt.Errorf("build simulation transaction: %w", err)
	}
	envelopeXDR, err := tx.Base64()
	if err != nil {
		return SimulationResult{}, fmt.Errorf("encode simulation transaction: %w", err)
	}

	var simResp struct {
		TransactionData string `json:"transactionData"`
		MinResourceFee  string `json:"minResourceFee"`
		Error           string `json:"error"`
	}
	if err := s.call(ctx, "simulateTransaction", map[string]string{"transaction": envelopeXDR}, &simResp); err != nil {
		return SimulationResult{}, err
	}
	if simResp.Error != "" {
		return SimulationResult{}, fmt.Errorf("simulation rejected: %s", simResp.Error)
	}

	var minFee int64
	fmt.Sscanf(simResp.MinResourceFee, "%d", &minFee)
	padded := minFee + (minFee*int64(s.paddingPercent))/100

	return SimulationResult{TransactionData: simResp.TransactionData, MinResourceFee: padded}, nil
}

// BuildAndSubmit builds the real InvokeHostFunction transaction with the
// padded resource fee, signs it with sourceAccount's managed key, and
// submits it to Soroban RPC.
func (s *RPCSigner) BuildAndSubmit(ctx context.Context, sourceAccount string, op txnbuild.InvokeHostFunction, sim SimulationResult) (string, error) {
	kp, ok := s.wallets[sourceAccount]
	if !ok {
		return "", fmt.Errorf("stellar signer: source account %s not managed by this signer", sourceAccount)
	}

	var sorobanData xdr.SorobanTransactionData
	raw, err := base64.StdEncoding.DecodeString(sim.TransactionData)
	if err != nil {
		return "", fmt.Errorf("decode soroban transaction data: %w", err)
	}
	if err := sorobanData.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("unmarshal soroban transaction data: %w", err)
	}

	account := txnbuild.NewSimpleAccount(sourceAccount, 0)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{&op},
		BaseFee:              txnbuild.MinBaseFee + sim.MinResourceFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
		SorobanData:          &sorobanData,
	})
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	signed, err := tx.Sign(s.networkPassphrase, kp)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	envelopeXDR, err := signed.Base64()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}

	var sendResp struct {
		Hash   string `json:"hash"`
		Status string `json:"status"`
		Error  string `json:"errorResultXdr"`
	}
	if err := s.call(ctx, "sendTransaction", map[string]string{"transaction": envelopeXDR}, &sendResp); err != nil {
		return "", err
	}
	if sendResp.Status == "ERROR" {
		return "", fmt.Errorf("submission rejected: %s", sendResp.Error)
	}
	return sendResp.Hash, nil
}

// WaitForTransaction polls getTransaction until SUCCESS, FAILED, or a
// fixed attempt budget elapses.
func (s *RPCSigner) WaitForTransaction(ctx context.Context, hash string) error {
	const maxAttempts = 30
	const interval = 2 * time.Second

	for i := 0; i < maxAttempts; i++ {
		var resp struct {
			Status string `json:"status"`
		}
		if err := s.call(ctx, "getTransaction", map[string]string{"hash": hash}, &resp); err == nil {
			switch resp.Status {
			case "SUCCESS":
				return nil
			case "FAILED":
				return fmt.Errorf("transaction %s failed", hash)
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

// LatestLedger is used by /health/deep as a connectivity probe and by
// Verify to check an authorization entry's expiration ledger.
func (s *RPCSigner) LatestLedger(ctx context.Context) (uint32, error) {
	var resp struct {
		Sequence uint32 `json:"sequence"`
	}
	if err := s.call(ctx, "getLatestLedger", map[string]string{}, &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// TokenBalance simulates a balance(account) call on the token contract
// and decodes the i128 result. Soroban has no direct balance read for
// contract tokens; a read-only simulation is the standard way.
func (s *RPCSigner) TokenBalance(ctx context.Context, contractID, account string) (*big.Int, error) {
	contractAddr, err := scAddressFromContract(contractID)
	if err != nil {
		return nil, err
	}
	accountVal, err := scAddressFromAccount(account)
	if err != nil {
		return nil, err
	}
	op := txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: contractAddr,
				FunctionName:    "balance",
				Args:            xdr.ScVec{accountVal},
			},
		},
	}

	source := txnbuild.NewSimpleAccount(s.order[0], 0)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{&op},
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	if err != nil {
		return nil, fmt.Errorf("build balance transaction: %w", err)
	}
	envelopeXDR, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("encode balance transaction: %w", err)
	}

	var resp struct {
		Results []struct {
			XDR string `json:"xdr"`
		} `json:"results"`
		Error string `json:"error"`
	}
	if err := s.call(ctx, "simulateTransaction", map[string]string{"transaction": envelopeXDR}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("balance simulation rejected: %s", resp.Error)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("balance simulation returned no result")
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Results[0].XDR)
	if err != nil {
		return nil, fmt.Errorf("decode balance result: %w", err)
	}
	var val xdr.ScVal
	if err := val.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal balance result: %w", err)
	}
	return bigIntFromScI128(val)
}
