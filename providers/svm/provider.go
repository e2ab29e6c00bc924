package svm

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/fogoware/x402facilitator/core"
)

// Provider implements core.ChainProvider for one SVM-family network
// (Solana or Fogo). Verify never submits anything on-chain beyond a
// simulation; Settle co-signs the facilitator's fee-payer slot and
// submits.
type Provider struct {
	network core.Network
	signer  FacilitatorSvmSigner
	asset   AssetInfo
}

// NewProvider builds a Provider for network, backed by signer.
func NewProvider(network core.Network, signer FacilitatorSvmSigner, asset AssetInfo) *Provider {
	return &Provider{network: network, signer: signer, asset: asset}
}

func (p *Provider) Network() core.Network { return p.network }
func (p *Provider) Scheme() string        { return SchemeExact }

// SignerAddresses returns every fee-payer address this provider can
// co-sign with on its network.
func (p *Provider) SignerAddresses() []string {
	addrs := p.signer.GetAddresses()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Supported reports the (exact, network) kind this provider accepts,
// annotated with a randomly selected fee payer to distribute load across
// managed wallets, matching the teacher's GetExtra behavior.
func (p *Provider) Supported() []core.SupportedKind {
	addrs := p.signer.GetAddresses()
	feePayer := ""
	if len(addrs) > 0 {
		feePayer = addrs[rand.Intn(len(addrs))].String()
	}
	return []core.SupportedKind{{
		X402Version: 2,
		Scheme:      SchemeExact,
		Network:     p.network,
		Extra:       map[string]interface{}{"feePayer": feePayer},
	}}
}

// ProbeHealth dials the RPC endpoint's latest blockhash as a liveness
// check.
func (p *Provider) ProbeHealth(ctx context.Context) error {
	_, err := p.signer.GetLatestBlockhash(ctx)
	return err
}

// ExtractAddresses decodes the partially-signed transaction and reads the
// transfer's authority (payer) and destination token account (payee) without
// verifying anything, for compliance screening ahead of real verification.
func (p *Provider) ExtractAddresses(payload *core.PaymentPayload) (payer, payee string, err error) {
	svmPayload, err := payload.DecodeSVM()
	if err != nil {
		return "", "", fmt.Errorf("decode svm payload: %w", err)
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return "", "", fmt.Errorf("decode transaction: %w", err)
	}
	transferIdx := findTokenInstruction(tx)
	if transferIdx < 0 {
		return "", "", fmt.Errorf("transaction has no token transfer instruction")
	}
	accounts, err := tx.Message.Instructions[transferIdx].ResolveInstructionAccounts(&tx.Message)
	if err != nil || len(accounts) < 4 {
		return "", "", fmt.Errorf("could not resolve transfer instruction accounts")
	}
	return accounts[3].PublicKey.String(), accounts[2].PublicKey.String(), nil
}

// findTokenInstruction returns the index of the first token-program
// instruction, or -1.
func findTokenInstruction(tx *solana.Transaction) int {
	for i, inst := range tx.Message.Instructions {
		progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if progID == solana.TokenProgramID || progID == solana.Token2022ProgramID {
			return i
		}
	}
	return -1
}

// Verify checks the client-assembled transaction's instruction layout,
// transfer details, and co-signer correctness, then proves it would
// succeed via simulation. No on-chain submission occurs.
func (p *Provider) Verify(ctx context.Context, payload *core.PaymentPayload, requirements *core.PaymentRequirements) (*core.VerifyResponse, error) {
	svmPayload, err := payload.DecodeSVM()
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "malformed SVM payload", "", requirements.Network, nil, err)
	}

	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return nil, core.NewVerifyError(core.ErrBadPayload, "could not decode transaction", "", requirements.Network, nil, err)
	}

	// The compute-budget instructions are optional; the one token
	// transfer may sit at any position. Anything outside those two
	// programs is rejected — an unknown instruction is how a payload
	// would reach the facilitator's own accounts.
	transferIdx := -1
	for i, inst := range tx.Message.Instructions {
		progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		switch {
		case progID.Equals(solana.ComputeBudget):
			if err := p.verifyComputeBudget(tx, inst); err != nil {
				return nil, core.NewVerifyError(core.ErrBadPayload, err.Error(), "", requirements.Network, nil, err)
			}
		case progID == solana.TokenProgramID || progID == solana.Token2022ProgramID:
			if transferIdx != -1 {
				return nil, core.NewVerifyError(core.ErrBadPayload, "transaction carries more than one token instruction", "", requirements.Network, nil, nil)
			}
			transferIdx = i
		default:
			return nil, core.NewVerifyError(core.ErrBadPayload, fmt.Sprintf("unexpected instruction for program %s", progID), "", requirements.Network, nil, nil)
		}
	}
	if transferIdx == -1 {
		return nil, core.NewVerifyError(core.ErrBadPayload, "transaction carries no token transfer instruction", "", requirements.Network, nil, nil)
	}

	payer, payee, amount, err := p.verifyTransfer(tx, tx.Message.Instructions[transferIdx], requirements)
	if err != nil {
		return &core.VerifyResponse{IsValid: false, InvalidReason: err.Error(), Payer: payer}, nil
	}
	_ = payee
	_ = amount

	feePayer := tx.Message.AccountKeys[0]
	if !p.isManaged(feePayer) {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrBadPayload) + ": fee payer not managed by this facilitator", Payer: payer}, nil
	}

	if err := p.verifyOtherSignatures(tx, feePayer); err != nil {
		return &core.VerifyResponse{IsValid: false, InvalidReason: string(core.ErrInvalidSignature) + ": " + err.Error(), Payer: payer}, nil
	}

	if err := p.signer.SignTransaction(ctx, tx, feePayer); err != nil {
		return nil, core.NewVerifyError(core.ErrProviderUnavailable, "could not co-sign fee-payer slot", payer, requirements.Network, nil, err)
	}
	if err := p.signer.SimulateTransaction(ctx, tx); err != nil {
		return &core.VerifyResponse{IsValid: false, InvalidReason: fmt.Sprintf("%s: %v", core.ErrInsufficientFunds, err), Payer: payer}, nil
	}

	return &core.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-verifies (which also co-signs and simulates), submits, and
// polls for confirmation. No local replay record is kept: the transaction
// is submitted exactly as the client signed it over one recent blockhash,
// so a resubmission is the same transaction the cluster already processed.
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

	svmPayload, _ := payload.DecodeSVM()
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return nil, core.NewSettleError(core.ErrBadPayload, "could not decode transaction", verifyResp.Payer, requirements.Network, "", nil, err)
	}
	feePayer := tx.Message.AccountKeys[0]
	if err := p.signer.SignTransaction(ctx, tx, feePayer); err != nil {
		return nil, core.NewSettleError(core.ErrProviderUnavailable, "could not co-sign fee-payer slot", verifyResp.Payer, requirements.Network, "", nil, err)
	}

	sig, err := p.signer.SendTransaction(ctx, tx)
	if err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "transaction submission failed", verifyResp.Payer, requirements.Network, "", nil, err)
	}
	if err := p.signer.ConfirmTransaction(ctx, sig); err != nil {
		return nil, core.NewSettleError(core.ErrSubmissionFailed, "transaction not confirmed", verifyResp.Payer, requirements.Network, sig.String(), nil, err)
	}

	return &core.SettleResponse{Success: true, Payer: verifyResp.Payer, Transaction: sig.String(), Network: requirements.Network}, nil
}

func (p *Provider) isManaged(addr solana.PublicKey) bool {
	for _, a := range p.signer.GetAddresses() {
		if a.Equals(addr) {
			return true
		}
	}
	return false
}

// verifyOtherSignatures checks every non-fee-payer signature slot is
// present and cryptographically valid over the serialized message. The
// fee-payer slot (index 0) must be empty — filled by anyone else is
// rejected per spec §8 boundary behavior 13.
func (p *Provider) verifyOtherSignatures(tx *solana.Transaction, feePayer solana.PublicKey) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	var zero solana.Signature
	for i, key := range tx.Message.AccountKeys {
		if i >= len(tx.Signatures) {
			return fmt.Errorf("missing signature slot for %s", key)
		}
		if key.Equals(feePayer) {
			if tx.Signatures[i] != zero {
				return fmt.Errorf("fee-payer signature slot must be empty")
			}
			continue
		}
		if i >= int(tx.Message.Header.NumRequiredSignatures) {
			continue
		}
		if tx.Signatures[i] == zero {
			return fmt.Errorf("missing signature for required signer %s", key)
		}
		if !ed25519.Verify(key.Bytes(), messageBytes, tx.Signatures[i][:]) {
			return fmt.Errorf("invalid signature for %s", key)
		}
	}
	return nil
}

// verifyComputeBudget accepts the two compute-budget instructions a
// client may optionally set — SetComputeUnitLimit and SetComputeUnitPrice
// — enforcing the price cap when one is present. Any other compute-budget
// instruction is rejected.
func (p *Provider) verifyComputeBudget(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("could not resolve compute-budget accounts")
	}
	decoded, err := computebudget.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return fmt.Errorf("could not decode compute-budget instruction")
	}
	switch impl := decoded.Impl.(type) {
	case *computebudget.SetComputeUnitLimit:
		return nil
	case *computebudget.SetComputeUnitPrice:
		if impl.MicroLamports > uint64(MaxComputeUnitPriceMicrolamports) {
			return fmt.Errorf("compute unit price exceeds configured cap")
		}
		return nil
	default:
		return fmt.Errorf("unsupported compute-budget instruction")
	}
}

// verifyTransfer validates the SPL transferChecked instruction against
// requirements, returning the payer (transfer authority), payee (the
// destination ATA's address), and the transferred amount.
func (p *Provider) verifyTransfer(tx *solana.Transaction, inst solana.CompiledInstruction, requirements *core.PaymentRequirements) (payer, payee string, amount uint64, err error) {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if progID != solana.TokenProgramID && progID != solana.Token2022ProgramID {
		return "", "", 0, fmt.Errorf("%s: instruction is not a token transfer", core.ErrBadPayload)
	}

	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil || len(accounts) < 4 {
		return "", "", 0, fmt.Errorf("%s: could not resolve transfer accounts", core.ErrBadPayload)
	}

	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return "", "", 0, fmt.Errorf("%s: could not decode transfer instruction", core.ErrBadPayload)
	}
	transferChecked, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return "", "", 0, fmt.Errorf("%s: instruction is not TransferChecked", core.ErrBadPayload)
	}

	authorityAddr := accounts[3].PublicKey
	payer = authorityAddr.String()

	for _, signer := range p.signer.GetAddresses() {
		if signer.Equals(authorityAddr) {
			return payer, "", 0, fmt.Errorf("%s: facilitator account may not be the transfer authority", core.ErrBadPayload)
		}
	}

	mintAddr := accounts[1].PublicKey.String()
	expectedMint := p.asset.Mint
	if requirements.Asset != "" {
		expectedMint = requirements.Asset
	}
	if mintAddr != expectedMint {
		return payer, "", 0, fmt.Errorf("%s", core.ErrAssetMismatch)
	}

	payToPubkey, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return payer, "", 0, fmt.Errorf("%s: invalid payTo address", core.ErrReceiverMismatch)
	}
	mintPubkey, err := solana.PublicKeyFromBase58(mintAddr)
	if err != nil {
		return payer, "", 0, fmt.Errorf("%s: invalid mint address", core.ErrAssetMismatch)
	}
	expectedDestATA, _, err := solana.FindAssociatedTokenAddress(payToPubkey, mintPubkey)
	if err != nil {
		return payer, "", 0, fmt.Errorf("%s: could not derive destination ATA", core.ErrReceiverMismatch)
	}
	destATA := transferChecked.GetDestinationAccount().PublicKey
	if destATA.String() != expectedDestATA.String() {
		return payer, destATA.String(), 0, fmt.Errorf("%s", core.ErrReceiverMismatch)
	}

	requiredAmount, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return payer, destATA.String(), 0, fmt.Errorf("%s: invalid required amount", core.ErrBadPayload)
	}
	if transferChecked.Amount == nil || *transferChecked.Amount < requiredAmount {
		return payer, destATA.String(), 0, fmt.Errorf("%s", core.ErrAmountMismatch)
	}

	return payer, destATA.String(), *transferChecked.Amount, nil
}

// DecodeTransaction decodes a base64-encoded, partially-signed Solana
// transaction following the standard bincode/short-vec wire encoding.
func DecodeTransaction(base64Tx string) (*solana.Transaction, error) {
	return solana.TransactionFromBase64(base64Tx)
}
