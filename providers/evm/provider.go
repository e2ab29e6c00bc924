package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fogoware/x402facilitator/core"
)

// Config tunes one Provider instance.
type Config struct {
	// DeploySmartWallets enables Settle to deploy an undeployed ERC-6492
	// counterfactual wallet via its factory calldata before submitting the
	// transfer. When false, undeployed wallets fail with ErrUndeployedSmartWallet.
	DeploySmartWallets bool
}

// Provider implements core.ChainProvider for one EVM-family network.
type Provider struct {
	network core.Network
	signer  FacilitatorEvmSigner
	cfg     Config

	// inflight guards (from, nonce) pairs between submission and receipt.
	// The token contract's nonce map is the authoritative replay defense;
	// this only stops the facilitator racing itself into burning gas on a
	// transfer the chain will revert.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewProvider builds a Provider for network, backed by signer.
func NewProvider(network core.Network, signer FacilitatorEvmSigner, cfg Config) *Provider {
	return &Provider{network: network, signer: signer, cfg: cfg, inflight: make(map[string]struct{})}
}

// acquireAuthorization claims a (from, nonce) pair for the duration of one
// settlement attempt.
func (p *Provider) acquireAuthorization(from, nonce string) bool {
	key := strings.ToLower(from) + ":" + strings.ToLower(nonce)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Provider) releaseAuthorization(from, nonce string) {
	key := strings.ToLower(from) + ":" + strings.ToLower(nonce)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}

func (p *Provider) Network() core.Network { return p.network }
func (p *Provider) Scheme() string        { return SchemeExact }

// SignerAddresses returns every wallet this provider can sign transfers
// with on its network.
func (p *Provider) SignerAddresses() []string { return p.signer.GetAddresses() }

// Supported reports the single (exact, network) kind this provider accepts.
func (p *Provider) Supported() []core.SupportedKind {
	return []core.SupportedKind{{X402Version: 2, Scheme: SchemeExact, Network: p.network}}
}

// ProbeHealth dials the RPC endpoint's chain ID as a liveness check.
func (p *Provider) ProbeHealth(ctx context.Context) error {
	_, err := p.signer.GetChainID(ctx)
	return err
}

// ExtractAddresses reads From/To out of the EIP-3009 authorization without
// verifying anything, for compliance screening ahead of real verification.
func (p *Provider) ExtractAddresses(payload *core.PaymentPayload) (payer, payee string, err error) {
	evmPayload, err := payload.DecodeEVM()
	if err != nil {
		return "", "", fmt.Errorf("decode evm payload: %w", err)
	}
	return evmPayload.From, evmPayload.To, nil
}

// Verify checks an EIP-3009 authorization's addressing, amount, asset,
// timing, replay state, balance, and signature, without submitting anything
// on-chain.
func (p *Provider) Verify(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.VerifyResponse, error) {
	auth, err := payload.DecodeEVM()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "malformed EVM payload", "", requirements.Network, nil, err)
	}
	if auth.Signature == "" {
		return nil, core.NewVerifyError(core.ErrInvalidSignature, "missing signature", auth.From, requirements.Network, nil, nil)
	}

	netCfg, ok := NetworkConfigFor(string(requirements.Network))
	if !ok {
		return nil, core.NewVerifyError(core.ErrInvalidScheme, fmt.Sprintf("unsupported network %q", requirements.Network), auth.From, requirements.Network, nil, nil)
	}
	asset, ok := AssetInfoFor(string(requirements.Network), requirements.Asset)
	if !ok {
		return nil, core.NewVerifyError(core.ErrAssetMismatch, "unknown asset for network", auth.From, requirements.Network, nil, nil)
	}
	if requirements.Asset != "" && !strings.EqualFold(requirements.Asset, asset.Address) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAssetMismatch), Payer: auth.From}, nil
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReceiverMismatch), Payer: auth.From}, nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid authorization value", auth.From, requirements.Network, nil, nil)
	}
	required, err := requirements.AmountBigInt()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid requirements amount", auth.From, requirements.Network, nil, err)
	}
	if value.Cmp(required) < 0 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAmountMismatch), Payer: auth.From}, nil
	}

	now := time.Now().Unix()
	if now < auth.ValidAfter || now >= auth.ValidBefore {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming), Payer: auth.From}, nil
	}
	maxTimeout := requirements.MaxTimeoutSeconds
	if maxTimeout <= 0 || maxTimeout > MaxAuthorizationTimeoutSeconds {
		maxTimeout = MaxAuthorizationTimeoutSeconds
	}
	if auth.ValidBefore > now+int64(maxTimeout) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming) + ": authorization window exceeds allowed timeout", Payer: auth.From}, nil
	}

	used, err := p.checkNonceUsed(ctx, asset.Address, auth.From, auth.Nonce)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read authorization state", auth.From, requirements.Network, nil, err)
	}
	if used {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReplay), Payer: auth.From}, nil
	}

	balance, err := p.signer.GetBalance(ctx, auth.From, asset.Address)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read balance", auth.From, requirements.Network, nil, err)
	}
	if balance.Cmp(value) < 0 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInsufficientFunds), Payer: auth.From}, nil
	}

	hash, err := HashEIP3009Authorization(auth.From, auth.To, auth.Value, fmt.Sprint(auth.ValidAfter), fmt.Sprint(auth.ValidBefore), auth.Nonce, netCfg.ChainID, asset.Address, asset.Name, asset.Version)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrInternal, "could not hash authorization", auth.From, requirements.Network, nil, err)
	}
	var hashArr [32]byte
	copy(hashArr[:], hash)

	sigBytes, err := HexToBytes(auth.Signature)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrInvalidSignature, "malformed signature encoding", auth.From, requirements.Network, nil, err)
	}
	valid, _, err := VerifyUniversalSignature(ctx, p.signer, auth.From, hashArr, sigBytes, p.cfg.DeploySmartWallets)
	if err != nil {
		return &core.VerifyResponse{IsValid: false, InvalidReason: fmt.Sprintf("%s: %v", core.ErrInvalidSignature, err), Payer: auth.From}, nil
	}
	if !valid {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidSignature), Payer: auth.From}, nil
	}

	return &core.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

// Settle re-verifies, deploys an ERC-6492 counterfactual wallet if
// configured and needed, submits transferWithAuthorization on-chain, and
// waits for the receipt.
func (p *Provider) Settle(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.SettleResponse, error) {
	if auth, err := payload.DecodeEVM(); err == nil {
		if !p.acquireAuthorization(auth.From, auth.Nonce) {
			return nil, core.NewSettleError(core.ErrReplay, "settlement already in flight for this authorization", auth.From, requirements.Network, "", nil, nil)
		}
		defer p.releaseAuthorization(auth.From, auth.Nonce)
	}

	verifyResp, err := p.Verify(ctx, payload, requirements)
	if err != nil {
		if ve, ok := err.(*core.VerifyError); ok {
			return nil, core.SettleErrorFromVerify(ve)
		}
		return nil, core.NewSettleError(core.ErrInternal, "re-verify failed", "", requirements.Network, "", nil, err)
	}
	if !verifyResp.IsValid {
		return &core.SettleResponse{Success: false, ErrorReason: verifyResp.InvalidReason, Payer: verifyResp.Payer, Network: requirements.Network}, nil
	}

	auth, _ := payload.DecodeEVM()
	asset, _ := AssetInfoFor(string(requirements.Network), requirements.Asset)

	sigBytes, err := HexToBytes(auth.Signature)
	if err != nil {
		return nil, core.NewSettleError(core.ErrInvalidSignature, "malformed signature encoding", auth.From, requirements.Network, "", nil, err)
	}
	sigData, err := ParseERC6492Signature(sigBytes)
	if err != nil {
		return nil, core.NewSettleError(core.ErrInvalidSignature, "could not parse signature", auth.From, requirements.Network, "", nil, err)
	}

	var zeroFactory [20]byte
	if sigData.Factory != zeroFactory {
		code, err := p.signer.GetCode(ctx, auth.From)
		if err != nil {
			return nil, core.NewSettleError(core.ErrProviderUnavailable, "could not read wallet code", auth.From, requirements.Network, "", nil, err)
		}
		if len(code) == 0 {
			if !p.cfg.DeploySmartWallets {
				return nil, core.NewSettleError(core.ErrInternal, ErrUndeployedSmartWallet, auth.From, requirements.Network, "", nil, nil)
			}
			if _, err := p.deploySmartWallet(ctx, sigData); err != nil {
				return nil, core.NewSettleError(core.ErrSubmissionFailed, "smart wallet deployment failed", auth.From, requirements.Network, "", nil, err)
			}
		}
	}

	// Wallets rotate per settlement so independent nonce streams run in
	// parallel.
	signerAddr := p.signer.NextSigner()
	var txHash string
	var submitErr error
	if len(sigData.InnerSignature) == 65 {
		var v [1]byte
		copy(v[:], sigData.InnerSignature[64:])
		var r, s [32]byte
		copy(r[:], sigData.InnerSignature[:32])
		copy(s[:], sigData.InnerSignature[32:64])
		txHash, submitErr = p.signer.WriteContract(ctx, signerAddr, asset.Address, transferWithAuthorizationVRSABI, "transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), mustBigInt(auth.Value), big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore), toBytes32(auth.Nonce), v[0], r, s)
	} else {
		txHash, submitErr = p.signer.WriteContract(ctx, signerAddr, asset.Address, transferWithAuthorizationBytesABI, "transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), mustBigInt(auth.Value), big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore), toBytes32(auth.Nonce), sigData.InnerSignature)
	}
	if submitErr != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "transferWithAuthorization submission failed", auth.From, requirements.Network, "", nil, submitErr)
	}

	receipt, err := p.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "transaction not confirmed", auth.From, requirements.Network, txHash, nil, err)
	}
	if receipt.Status != TxStatusSuccess {
		return &core.SettleResponse{Success: false, ErrorReason: string(core.ErrSubmissionFailed), Payer: auth.From, Transaction: txHash, Network: requirements.Network}, nil
	}

	return &core.SettleResponse{Success: true, Payer: auth.From, Transaction: txHash, Network: requirements.Network}, nil
}

func (p *Provider) checkNonceUsed(ctx context.Context, assetAddress, from, nonceHex string) (bool, error) {
	nonceBytes, err := HexToBytes(nonceHex)
	if err != nil {
		return false, fmt.Errorf("invalid nonce %q: %w", nonceHex, err)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	result, err := p.signer.ReadContract(ctx, assetAddress, authorizationStateABI, "authorizationState", common.HexToAddress(from), nonce32)
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState return type %T", result)
	}
	return used, nil
}

func mustBigInt(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func toBytes32(hexStr string) [32]byte {
	var out [32]byte
	b, _ := HexToBytes(hexStr)
	copy(out[:], b)
	return out
}
