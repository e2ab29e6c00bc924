package stellar

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/fogoware/x402facilitator/core"
)

// Config tunes one Provider instance.
type Config struct {
	ResourceFeePaddingPercent int
}

// Provider implements core.ChainProvider for one Stellar network.
type Provider struct {
	network core.Network
	signer  FacilitatorStellarSigner
	netCfg  NetworkConfig
	asset   AssetInfo

	// seenNonces is the belt-and-braces local (from, nonce) record:
	// Soroban enforces nonce uniqueness on submission, this just catches
	// replays without burning a simulation. Entries carry the entry's
	// expiration ledger and are swept lazily once it passes.
	mu         sync.Mutex
	seenNonces map[string]uint32
}

// NewProvider builds a Provider for network, backed by signer.
func NewProvider(network core.Network, signer FacilitatorStellarSigner, netCfg NetworkConfig, asset AssetInfo) *Provider {
	return &Provider{network: network, signer: signer, netCfg: netCfg, asset: asset, seenNonces: make(map[string]uint32)}
}

func nonceKey(from, nonce string) string { return from + ":" + nonce }

// nonceSeen reports whether (from, nonce) was already settled, sweeping
// entries whose expiration ledger has passed.
func (p *Provider) nonceSeen(from, nonce string, currentLedger uint32) bool {
	key := nonceKey(from, nonce)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, exp := range p.seenNonces {
		if exp <= currentLedger {
			delete(p.seenNonces, k)
		}
	}
	_, seen := p.seenNonces[key]
	return seen
}

func (p *Provider) recordNonce(from, nonce string, expirationLedger uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seenNonces[nonceKey(from, nonce)] = expirationLedger
}

func (p *Provider) Network() core.Network { return p.network }
func (p *Provider) Scheme() string        { return SchemeExact }

// SignerAddresses returns every account this provider can submit
// transactions from.
func (p *Provider) SignerAddresses() []string { return p.signer.GetAddresses() }

// Supported reports the single (exact, network) kind this provider accepts.
func (p *Provider) Supported() []core.SupportedKind {
	return []core.SupportedKind{{X402Version: 2, Scheme: SchemeExact, Network: p.network}}
}

// ProbeHealth reads the latest ledger as a liveness check.
func (p *Provider) ProbeHealth(ctx context.Context) error {
	_, err := p.signer.LatestLedger(ctx)
	return err
}

// ExtractAddresses reads from/to directly out of the payload without
// verifying anything, for compliance screening ahead of real verification.
func (p *Provider) ExtractAddresses(payload *core.PaymentPayload) (payer, payee string, err error) {
	sp, err := payload.DecodeStellar()
	if err != nil {
		return "", "", fmt.Errorf("decode stellar payload: %w", err)
	}
	return sp.From, sp.To, nil
}

// Verify checks a Soroban authorization entry's addressing, amount,
// asset, expiration, and signature, without submitting anything on-chain.
func (p *Provider) Verify(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.VerifyResponse, error) {
	sp, err := payload.DecodeStellar()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "malformed Stellar payload", "", requirements.Network, nil, err)
	}

	assetContract := requirements.Asset
	if assetContract == "" {
		assetContract = p.asset.ContractID
	}
	if sp.Asset != assetContract {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAssetMismatch), Payer: sp.From}, nil
	}
	if sp.To != requirements.PayTo {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReceiverMismatch), Payer: sp.From}, nil
	}

	amount, ok := new(big.Int).SetString(sp.Amount, 10)
	if !ok {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid transfer amount", sp.From, requirements.Network, nil, nil)
	}
	required, err := requirements.AmountBigInt()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid requirements amount", sp.From, requirements.Network, nil, err)
	}
	if amount.Cmp(required) < 0 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAmountMismatch), Payer: sp.From}, nil
	}

	entry, err := DecodeAuthEntry(sp.AuthEntry)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "malformed authorization entry", sp.From, requirements.Network, nil, err)
	}

	authAddress, err := AddressFromCredentials(entry)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "authorization entry missing address credentials", sp.From, requirements.Network, nil, err)
	}
	if !strings.EqualFold(authAddress, sp.From) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrPayloadMismatch), Payer: sp.From}, nil
	}

	currentLedger, err := p.signer.LatestLedger(ctx)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read latest ledger", sp.From, requirements.Network, nil, err)
	}
	if currentLedger >= sp.ExpirationLedger {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming), Payer: sp.From}, nil
	}

	if p.nonceSeen(sp.From, sp.Nonce, currentLedger) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReplay), Payer: sp.From}, nil
	}

	balance, err := p.signer.TokenBalance(ctx, assetContract, sp.From)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read token balance", sp.From, requirements.Network, nil, err)
	}
	if balance.Cmp(amount) < 0 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInsufficientFunds), Payer: sp.From}, nil
	}

	valid, err := VerifyAuthEntry(p.netCfg.Passphrase, entry)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrInvalidSignature, "could not verify authorization signature", sp.From, requirements.Network, nil, err)
	}
	if !valid {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidSignature), Payer: sp.From}, nil
	}

	return &core.VerifyResponse{IsValid: true, Payer: sp.From}, nil
}

// Settle re-verifies, simulates the InvokeHostFunction operation carrying
// the client's authorization entry for its resource footprint and fee,
// then submits and waits for confirmation.
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

	sp, _ := payload.DecodeStellar()
	entry, err := DecodeAuthEntry(sp.AuthEntry)
	if err != nil {
		return nil, core.NewSettleError(core.ErrBadPayload, "malformed authorization entry", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	assetContract := requirements.Asset
	if assetContract == "" {
		assetContract = p.asset.ContractID
	}
	op, err := buildTransferInvocation(assetContract, sp.From, sp.To, sp.Amount, entry)
	if err != nil {
		return nil, core.NewSettleError(core.ErrInternal, "could not build invoke host function operation", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	relayer := p.signer.GetAddresses()[0]
	sim, err := p.signer.Simulate(ctx, relayer, op)
	if err != nil {
		return nil, core.NewSettleError(core.ErrProviderUnavailable, "simulation failed", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	txHash, err := p.signer.BuildAndSubmit(ctx, relayer, op, sim)
	if err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "transaction submission failed", verifyResp.Payer, requirements.Network, "", nil, err)
	}
	// Once the signed transaction is on the wire the nonce is spent
	// regardless of what the caller sees.
	p.recordNonce(sp.From, sp.Nonce, sp.ExpirationLedger)

	if err := p.signer.WaitForTransaction(ctx, txHash); err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "transaction not confirmed", verifyResp.Payer, requirements.Network, txHash, nil, err)
	}

	return &core.SettleResponse{Success: true, Payer: verifyResp.Payer, Transaction: txHash, Network: requirements.Network}, nil
}

// buildTransferInvocation builds the InvokeHostFunction operation calling
// the token contract's transfer(from, to, amount), carrying the client's
// authorization entry as its sole Soroban authorization.
func buildTransferInvocation(contractID, from, to, amount string, entry xdr.SorobanAuthorizationEntry) (txnbuild.InvokeHostFunction, error) {
	contractAddr, err := scAddressFromContract(contractID)
	if err != nil {
		return txnbuild.InvokeHostFunction{}, err
	}
	fromVal, err := scAddressFromAccount(from)
	if err != nil {
		return txnbuild.InvokeHostFunction{}, err
	}
	toVal, err := scAddressFromAccount(to)
	if err != nil {
		return txnbuild.InvokeHostFunction{}, err
	}
	amountVal, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return txnbuild.InvokeHostFunction{}, fmt.Errorf("invalid amount %q", amount)
	}
	amountScVal := scI128FromBigInt(amountVal)

	return txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: contractAddr,
				FunctionName:    "transfer",
				Args:            xdr.ScVec{fromVal, toVal, amountScVal},
			},
		},
		Auth: []xdr.SorobanAuthorizationEntry{entry},
	}, nil
}

func scAddressFromContract(contractID string) (xdr.ScAddress, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, contractID)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("decode contract id %q: %w", contractID, err)
	}
	var hash xdr.Hash
	copy(hash[:], raw)
	return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &hash}, nil
}

func scAddressFromAccount(accountID string) (xdr.ScVal, error) {
	var keyID xdr.AccountId
	if err := keyID.SetAddress(accountID); err != nil {
		return xdr.ScVal{}, fmt.Errorf("decode account id %q: %w", accountID, err)
	}
	addr := xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &keyID}
	return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}, nil
}

func scI128FromBigInt(v *big.Int) xdr.ScVal {
	hi := new(big.Int).Rsh(v, 64).Int64()
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0))).Uint64()
	parts := &xdr.Int128Parts{Hi: xdr.Int64(hi), Lo: xdr.Uint64(lo)}
	return xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: parts}
}

// bigIntFromScI128 decodes an i128 (or the small-int forms token
// contracts may answer with) back into a big.Int.
func bigIntFromScI128(v xdr.ScVal) (*big.Int, error) {
	switch v.Type {
	case xdr.ScValTypeScvI128:
		out := new(big.Int).SetInt64(int64(v.I128.Hi))
		out.Lsh(out, 64)
		return out.Add(out, new(big.Int).SetUint64(uint64(v.I128.Lo))), nil
	case xdr.ScValTypeScvU64:
		return new(big.Int).SetUint64(uint64(*v.U64)), nil
	case xdr.ScValTypeScvI64:
		return big.NewInt(int64(*v.I64)), nil
	case xdr.ScValTypeScvU32:
		return new(big.Int).SetUint64(uint64(*v.U32)), nil
	default:
		return nil, fmt.Errorf("unexpected balance value type %v", v.Type)
	}
}
