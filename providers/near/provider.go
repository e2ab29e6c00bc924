package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/fogoware/x402facilitator/core"
)

// Config tunes one Provider instance.
type Config struct {
	// RegisterRecipients enables Settle to submit a storage_deposit call
	// for an unregistered recipient before the transfer. When false,
	// Settle relays the transfer without checking or creating the
	// recipient's registration.
	RegisterRecipients bool
}

// ftTransferArgs is the NEP-141 ft_transfer argument shape the delegate
// action's single FunctionCall must carry.
type ftTransferArgs struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
}

// Provider implements core.ChainProvider for one NEAR network.
type Provider struct {
	network core.Network
	signer  FacilitatorNearSigner
	asset   AssetInfo
	cfg     Config
}

// NewProvider builds a Provider for network, backed by signer.
func NewProvider(network core.Network, signer FacilitatorNearSigner, asset AssetInfo, cfg Config) *Provider {
	return &Provider{network: network, signer: signer, asset: asset, cfg: cfg}
}

func (p *Provider) Network() core.Network { return p.network }
func (p *Provider) Scheme() string        { return SchemeExact }

// SignerAddresses returns every relayer account this provider can submit
// transactions from.
func (p *Provider) SignerAddresses() []string { return p.signer.GetAddresses() }

// Supported reports the single (exact, network) kind this provider accepts.
func (p *Provider) Supported() []core.SupportedKind {
	return []core.SupportedKind{{X402Version: 2, Scheme: SchemeExact, Network: p.network}}
}

// ProbeHealth reads the latest block height as a liveness check.
func (p *Provider) ProbeHealth(ctx context.Context) error {
	_, err := p.signer.LatestBlockHeight(ctx)
	return err
}

// decodePayload base64-decodes and Borsh-decodes the client's signed
// delegate action, also returning its ft_transfer arguments.
func decodePayload(payload *core.PaymentPayload) (SignedDelegateAction, ftTransferArgs, error) {
	near, err := payload.DecodeNEAR()
	if err != nil {
		return SignedDelegateAction{}, ftTransferArgs{}, fmt.Errorf("decode near payload: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(near.SignedDelegateAction)
	if err != nil {
		return SignedDelegateAction{}, ftTransferArgs{}, fmt.Errorf("decode signed delegate action base64: %w", err)
	}
	sda, err := DecodeSignedDelegateAction(raw)
	if err != nil {
		return SignedDelegateAction{}, ftTransferArgs{}, fmt.Errorf("decode signed delegate action: %w", err)
	}
	var args ftTransferArgs
	if err := json.Unmarshal(sda.DelegateAction.Actions[0].Args, &args); err != nil {
		return SignedDelegateAction{}, ftTransferArgs{}, fmt.Errorf("decode ft_transfer args: %w", err)
	}
	return sda, args, nil
}

// ExtractAddresses reads sender and recipient out of the delegate action
// without verifying anything, for compliance screening ahead of real
// verification.
func (p *Provider) ExtractAddresses(payload *core.PaymentPayload) (payer, payee string, err error) {
	sda, args, err := decodePayload(payload)
	if err != nil {
		return "", "", err
	}
	return sda.DelegateAction.SenderID, args.ReceiverID, nil
}

// Verify checks a delegate action's addressing, amount, asset, action
// shape, signature, nonce freshness, and balance, without submitting
// anything on-chain.
func (p *Provider) Verify(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.VerifyResponse, error) {
	sda, args, err := decodePayload(payload)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "malformed NEAR payload", "", requirements.Network, nil, err)
	}
	payer := sda.DelegateAction.SenderID
	da := sda.DelegateAction

	assetContract := requirements.Asset
	if assetContract == "" {
		assetContract = p.asset.ContractID
	}
	if da.ReceiverID != assetContract {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAssetMismatch), Payer: payer}, nil
	}
	if da.Actions[0].MethodName != ftTransferMethod {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrBadPayload), Payer: payer}, nil
	}
	if args.ReceiverID != requirements.PayTo {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReceiverMismatch), Payer: payer}, nil
	}

	amount, ok := new(big.Int).SetString(args.Amount, 10)
	if !ok {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid transfer amount", payer, requirements.Network, nil, nil)
	}
	required, err := requirements.AmountBigInt()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid requirements amount", payer, requirements.Network, nil, err)
	}
	if amount.Cmp(required) < 0 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAmountMismatch), Payer: payer}, nil
	}

	currentHeight, err := p.signer.LatestBlockHeight(ctx)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read block height", payer, requirements.Network, nil, err)
	}
	if currentHeight >= da.MaxBlockHeight {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming), Payer: payer}, nil
	}

	valid, err := sda.Verify()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrInvalidSignature, "could not verify signature", payer, requirements.Network, nil, err)
	}
	if !valid {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidSignature), Payer: payer}, nil
	}

	currentNonce, err := p.signer.AccessKeyNonce(ctx, payer, da.PublicKey.Data[:])
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read access key nonce", payer, requirements.Network, nil, err)
	}
	if da.Nonce <= currentNonce {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReplay), Payer: payer}, nil
	}

	balance, err := p.signer.FTBalance(ctx, assetContract, payer)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read balance", payer, requirements.Network, nil, err)
	}
	if balance.Cmp(amount) < 0 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInsufficientFunds), Payer: payer}, nil
	}

	return &core.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-verifies, registers the recipient with the token contract if
// needed, then relays the delegate action on-chain.
func (p *Provider) Settle(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.SettleResponse, error) {
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

	sda, args, err := decodePayload(payload)
	if err != nil {
		return nil, core.NewSettleError(core.ErrBadPayload, "malformed NEAR payload", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	relayer := p.signer.GetAddresses()[0]
	assetContract := requirements.Asset
	if assetContract == "" {
		assetContract = p.asset.ContractID
	}

	if !p.cfg.RegisterRecipients {
		return p.relay(ctx, relayer, sda, args, requirements)
	}

	if _, err := p.signer.EnsureStorageDeposit(ctx, relayer, assetContract, args.ReceiverID); err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "storage deposit registration failed", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	return p.relay(ctx, relayer, sda, args, requirements)
}

func (p *Provider) relay(ctx context.Context, relayer string, sda SignedDelegateAction, args ftTransferArgs, requirements *core.PaymentRequirements) (*core.SettleResponse, error) {
	payer := sda.DelegateAction.SenderID
	txHash, err := p.signer.RelayDelegateAction(ctx, relayer, sda)
	if err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "delegate action relay failed", payer, requirements.Network, "", nil, err)
	}
	return &core.SettleResponse{Success: true, Payer: payer, Transaction: txHash, Network: requirements.Network}, nil
}
