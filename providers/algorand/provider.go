package algorand

import (
	"context"
	"fmt"
	"strconv"

	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/fogoware/x402facilitator/core"
)

// Provider implements core.ChainProvider for one Algorand network using
// the two-stage atomic group protocol: Prepare builds and remembers the
// group, Verify checks a client-signed leg against the remembered
// preparation, and Settle signs the facilitator leg and submits both
// atomically.
type Provider struct {
	network  core.Network
	signer   FacilitatorAlgorandSigner
	netCfg   NetworkConfig
	asset    AssetInfo
	sessions *sessionStore
}

// NewProvider builds a Provider for network, backed by signer.
func NewProvider(network core.Network, signer FacilitatorAlgorandSigner, netCfg NetworkConfig, asset AssetInfo) *Provider {
	return &Provider{
		network:  network,
		signer:   signer,
		netCfg:   netCfg,
		asset:    asset,
		sessions: newSessionStore(),
	}
}

func (p *Provider) Network() core.Network { return p.network }
func (p *Provider) Scheme() string        { return SchemeExact }

// SignerAddresses returns the facilitator account this provider submits
// groups from.
func (p *Provider) SignerAddresses() []string { return p.signer.GetAddresses() }

// Supported reports the single (exact, network) kind this provider
// accepts, annotated with the facilitator address clients must expect as
// the second group member.
func (p *Provider) Supported() []core.SupportedKind {
	feePayer := ""
	if addrs := p.signer.GetAddresses(); len(addrs) > 0 {
		feePayer = addrs[0]
	}
	return []core.SupportedKind{{
		X402Version: 2,
		Scheme:      SchemeExact,
		Network:     p.network,
		Extra:       map[string]interface{}{"feePayer": feePayer},
	}}
}

// ProbeHealth reads the chain head as a connectivity check.
func (p *Provider) ProbeHealth(ctx context.Context) error {
	_, err := p.signer.LastRound(ctx)
	return err
}

// ExtractAddresses reads from/to directly out of the payload without
// verifying anything, for compliance screening ahead of real verification.
func (p *Provider) ExtractAddresses(payload *core.PaymentPayload) (payer, payee string, err error) {
	ap, err := payload.DecodeAlgorand()
	if err != nil {
		return "", "", fmt.Errorf("decode algorand payload: %w", err)
	}
	return ap.From, ap.To, nil
}

// Prepare is Stage 1 of the protocol: build the client's zero-fee ASA
// transfer and the facilitator's fee-bearing leg, bind them with the
// atomic group ID, remember the group keyed by the client leg's
// transaction ID, and hand the unsigned client leg back for signing.
func (p *Provider) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	if _, err := types.DecodeAddress(req.From); err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid sender address", req.From, p.network, nil, err)
	}
	if _, err := types.DecodeAddress(req.To); err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid receiver address", req.From, p.network, nil, err)
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid transfer amount", req.From, p.network, nil, err)
	}
	assetID := req.AssetID
	if assetID == 0 {
		assetID = p.asset.AssetID
	}

	params, err := p.signer.SuggestedParams(ctx)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not fetch suggested params", req.From, p.network, nil, err)
	}
	params.LastRoundValid = params.FirstRoundValid + PrepareValidityWindow

	minFee := params.MinFee
	if minFee == 0 {
		minFee = transaction.MinTxnFee
	}

	// The client's leg pays no fee at all; the facilitator's leg covers
	// the whole group.
	clientParams := params
	clientParams.FlatFee = true
	clientParams.Fee = 0
	clientTxn, err := transaction.MakeAssetTransferTxn(req.From, req.To, amount, nil, clientParams, "", assetID)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "could not build asset transfer", req.From, p.network, nil, err)
	}

	facilitator := p.signer.GetAddresses()[0]
	facParams := params
	facParams.FlatFee = true
	facParams.Fee = types.MicroAlgos(2 * minFee)
	facTxn, err := transaction.MakePaymentTxn(facilitator, facilitator, 0, nil, "", facParams)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrInternal, "could not build facilitator leg", req.From, p.network, nil, err)
	}

	groupID, err := computeGroupID([]types.Transaction{clientTxn, facTxn})
	if err != nil {
		return nil, core.NewVerifyError(core.ErrInternal, "could not compute group id", req.From, p.network, nil, err)
	}
	clientTxn.Group = groupID
	facTxn.Group = groupID

	prep := PreparedGroup{
		ClientTxn:      clientTxn,
		FacilitatorTxn: facTxn,
		TxID:           txID(clientTxn),
		GroupID:        groupID,
		FirstValid:     uint64(clientTxn.FirstValid),
		LastValid:      uint64(clientTxn.LastValid),
	}
	p.sessions.PutPrepared(prep)

	return &PrepareResponse{
		UnsignedTransaction: EncodeUnsignedTxn(clientTxn),
		TxID:                prep.TxID,
		GroupID:             groupIDBase64(groupID),
		FirstValid:          prep.FirstValid,
		LastValid:           prep.LastValid,
	}, nil
}

// Verify is Stage 2's gate: the signed client leg must match the stored
// preparation field for field, carry a valid Ed25519 signature, sit
// inside an acceptable round window, be funded and opted in, and be
// fresh across the replay cache, the indexer, and the pending pool.
func (p *Provider) Verify(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.VerifyResponse, error) {
	ap, err := payload.DecodeAlgorand()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "malformed Algorand payload", "", requirements.Network, nil, err)
	}

	expectedAsset := p.asset.AssetID
	if requirements.Asset != "" {
		parsed, err := strconv.ParseUint(requirements.Asset, 10, 64)
		if err != nil {
			return nil, core.NewVerifyError(core.ErrBadPayload, "invalid requirements asset id", ap.From, requirements.Network, nil, err)
		}
		expectedAsset = parsed
	}
	if ap.AssetID != expectedAsset {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAssetMismatch), Payer: ap.From}, nil
	}

	stx, err := DecodeSignedTxn(ap.SignedTxn)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "could not decode signed transaction", ap.From, requirements.Network, nil, err)
	}

	// The local settled cache is consulted before the prepared-session
	// lookup, because MarkSettled discards the session of a settled group.
	if p.sessions.IsSettled(ap.TxID) {
		return nil, core.NewVerifyError(core.ErrReplay, "transaction already settled", ap.From, requirements.Network, nil, nil)
	}

	prep, ok := p.sessions.GetPrepared(ap.TxID)
	if !ok {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrBadPayload) + ": unknown or expired prepared group", Payer: ap.From}, nil
	}
	if reason := matchesPreparation(ap, stx, prep); reason != "" {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrPayloadMismatch) + ": " + reason, Payer: ap.From}, nil
	}

	if ap.To != requirements.PayTo {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrReceiverMismatch), Payer: ap.From}, nil
	}
	required, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "invalid requirements amount", ap.From, requirements.Network, nil, err)
	}
	if stx.Txn.AssetAmount < required {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrAmountMismatch), Payer: ap.From}, nil
	}

	if !VerifyTransactionSignature(stx) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidSignature), Payer: ap.From}, nil
	}

	if ap.LastValid-ap.FirstValid > MaxValidityWindow {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming) + ": validity window too wide", Payer: ap.From}, nil
	}
	currentRound, err := p.signer.LastRound(ctx)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read chain head", ap.From, requirements.Network, nil, err)
	}
	if ap.LastValid < currentRound {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming) + ": round window expired", Payer: ap.From}, nil
	}
	if ap.FirstValid > currentRound+1 {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidTiming) + ": round window not yet open", Payer: ap.From}, nil
	}

	balance, optedIn, err := p.signer.AssetHolding(ctx, ap.From, ap.AssetID)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not read sender asset holding", ap.From, requirements.Network, nil, err)
	}
	if !optedIn {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrNotOptedIn), Payer: ap.From}, nil
	}
	if balance < stx.Txn.AssetAmount {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInsufficientFunds), Payer: ap.From}, nil
	}

	// Replay is checked across three layers: the local settled cache
	// (above), the indexer's confirmed history, and algod's pending pool.
	confirmed, err := p.signer.ConfirmedByIndexer(ctx, ap.TxID)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "indexer replay lookup failed", ap.From, requirements.Network, nil, err)
	}
	if confirmed {
		return nil, core.NewVerifyError(core.ErrReplay, "transaction already confirmed on chain", ap.From, requirements.Network, nil, nil)
	}
	pending, err := p.signer.InPendingPool(ctx, ap.TxID)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "pending pool replay lookup failed", ap.From, requirements.Network, nil, err)
	}
	if pending {
		return nil, core.NewVerifyError(core.ErrReplay, "transaction already in pending pool", ap.From, requirements.Network, nil, nil)
	}

	return &core.VerifyResponse{IsValid: true, Payer: ap.From}, nil
}

// Settle re-verifies, signs the facilitator leg, submits the group
// atomically, and records the client transaction ID in the replay cache
// until its LastValid round passes. A rejected submission does not mark
// the transaction as used.
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

	ap, _ := payload.DecodeAlgorand()
	prep, ok := p.sessions.GetPrepared(ap.TxID)
	if !ok {
		return nil, core.NewSettleError(core.ErrInternal, "prepared group vanished between verify and settle", verifyResp.Payer, requirements.Network, "", nil, nil)
	}

	_, facSigned, err := p.signer.SignTransaction(prep.FacilitatorTxn)
	if err != nil {
		return nil, core.NewSettleError(core.ErrInternal, "could not sign facilitator leg", verifyResp.Payer, requirements.Network, "", nil, err)
	}
	clientSigned, err := decodeBase64(ap.SignedTxn)
	if err != nil {
		return nil, core.NewSettleError(core.ErrBadPayload, "could not decode signed client leg", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	if _, err := p.signer.SubmitGroup(ctx, [][]byte{clientSigned, facSigned}); err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "group submission failed", verifyResp.Payer, requirements.Network, "", nil, err)
	}
	p.sessions.MarkSettled(ap.TxID, ap.LastValid)

	if _, err := p.signer.WaitForConfirmation(ctx, ap.TxID); err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "group not confirmed", verifyResp.Payer, requirements.Network, ap.TxID, nil, err)
	}

	return &core.SettleResponse{Success: true, Payer: verifyResp.Payer, Transaction: ap.TxID, Network: requirements.Network}, nil
}

// matchesPreparation cross-checks every binding field of the submitted
// payload and its decoded transaction against the stored Stage-1
// preparation, returning "" on a full match or the first mismatching
// field's name.
func matchesPreparation(ap *core.AlgorandPayload, stx types.SignedTxn, prep PreparedGroup) string {
	if got := txID(stx.Txn); got != prep.TxID || got != ap.TxID {
		return "transaction id"
	}
	if stx.Txn.Sender.String() != ap.From || stx.Txn.Sender != prep.ClientTxn.Sender {
		return "sender"
	}
	if stx.Txn.AssetReceiver.String() != ap.To || stx.Txn.AssetReceiver != prep.ClientTxn.AssetReceiver {
		return "receiver"
	}
	if amt, err := strconv.ParseUint(ap.Amount, 10, 64); err != nil || stx.Txn.AssetAmount != amt || stx.Txn.AssetAmount != prep.ClientTxn.AssetAmount {
		return "amount"
	}
	if uint64(stx.Txn.XferAsset) != ap.AssetID || stx.Txn.XferAsset != prep.ClientTxn.XferAsset {
		return "asset id"
	}
	if stx.Txn.Group != prep.GroupID || !groupIDsEqual(ap.GroupID, prep.GroupID) {
		return "group id"
	}
	if uint64(stx.Txn.FirstValid) != ap.FirstValid || uint64(stx.Txn.FirstValid) != prep.FirstValid {
		return "first valid round"
	}
	if uint64(stx.Txn.LastValid) != ap.LastValid || uint64(stx.Txn.LastValid) != prep.LastValid {
		return "last valid round"
	}
	return ""
}
