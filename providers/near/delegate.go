package near

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	neartypes "github.com/eteu-technologies/near-api-go/v2/pkg/types"
	nearaction "github.com/eteu-technologies/near-api-go/v2/pkg/types/action"
	nearsig "github.com/eteu-technologies/near-api-go/v2/pkg/types/signature"
)

// PublicKey is a Borsh-encoded NEAR public key: a one-byte curve tag
// followed by the raw key bytes. The facilitator only ever deals with the
// Ed25519 client keys spec.md requires.
type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

// FunctionCallAction is the one NEAR action kind a delegate action carries:
// an NEP-141 ft_transfer call into the configured token contract.
type FunctionCallAction struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    *big.Int
}

// DelegateAction is NEP-366's meta-transaction payload: everything the
// sender authorizes the relayer to submit on their behalf, scoped to a
// single action and bounded by MaxBlockHeight so a stale authorization
// can't be replayed indefinitely.
type DelegateAction struct {
	SenderID       string
	ReceiverID     string
	Actions        []FunctionCallAction
	Nonce          uint64
	MaxBlockHeight uint64
	PublicKey      PublicKey
}

// Signature is a Borsh-encoded Ed25519 signature: a one-byte curve tag
// followed by the 64 raw signature bytes.
type Signature struct {
	KeyType uint8
	Data    [64]byte
}

// SignedDelegateAction pairs a DelegateAction with the sender's signature
// over its NEP-366 signing payload.
type SignedDelegateAction struct {
	DelegateAction DelegateAction
	Signature      Signature
}

const functionCallActionTag = 2

// encode serializes da in the exact Borsh layout NEAR signs: a
// length-prefixed account ID, a single-element action vector, and the
// u64/u128 fields in little-endian order.
func (da DelegateAction) encode() ([]byte, error) {
	if len(da.Actions) != 1 {
		return nil, fmt.Errorf("near: delegate action must carry exactly one action, got %d", len(da.Actions))
	}
	fc := da.Actions[0]

	w := &borshWriter{}
	w.str(da.SenderID)
	w.str(da.ReceiverID)
	w.u32(1) // actions vec length
	w.u8(functionCallActionTag)
	w.str(fc.MethodName)
	w.bytes(fc.Args)
	w.u64(fc.Gas)
	w.u128(fc.Deposit)
	w.u64(da.Nonce)
	w.u64(da.MaxBlockHeight)
	w.u8(da.PublicKey.KeyType)
	w.buf = append(w.buf, da.PublicKey.Data[:]...)
	return w.buf, nil
}

// signingHash returns the NEP-366 signing payload: sha256 of the signing
// domain prefix followed by the Borsh-encoded delegate action. This
// prefix is what stops a delegate action from ever validating as an
// ordinary signed transaction or vice versa.
func (da DelegateAction) signingHash() ([32]byte, error) {
	encoded, err := da.encode()
	if err != nil {
		return [32]byte{}, err
	}
	buf := make([]byte, 4, 4+len(encoded))
	binary.LittleEndian.PutUint32(buf, delegateActionSignaturePrefix)
	buf = append(buf, encoded...)
	return sha256.Sum256(buf), nil
}

// Verify checks the sender's Ed25519 signature over the delegate action.
func (sda SignedDelegateAction) Verify() (bool, error) {
	if sda.Signature.KeyType != keyTypeED25519 || sda.DelegateAction.PublicKey.KeyType != keyTypeED25519 {
		return false, fmt.Errorf("near: unsupported key type")
	}
	hash, err := sda.DelegateAction.signingHash()
	if err != nil {
		return false, err
	}
	pub := ed25519.PublicKey(sda.DelegateAction.PublicKey.Data[:])
	return ed25519.Verify(pub, hash[:], sda.Signature.Data[:]), nil
}

// DecodeSignedDelegateAction parses the Borsh bytes a client submits as
// its payload, validating that it carries exactly the one ft_transfer
// action the facilitator knows how to relay.
func DecodeSignedDelegateAction(raw []byte) (SignedDelegateAction, error) {
	r := &borshReader{buf: raw}

	senderID, err := r.str()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("sender_id: %w", err)
	}
	receiverID, err := r.str()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("receiver_id: %w", err)
	}
	actionCount, err := r.u32()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("actions length: %w", err)
	}
	if actionCount != 1 {
		return SignedDelegateAction{}, fmt.Errorf("expected exactly one action, got %d", actionCount)
	}
	tag, err := r.u8()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("action tag: %w", err)
	}
	if tag != functionCallActionTag {
		return SignedDelegateAction{}, fmt.Errorf("expected FunctionCall action (tag %d), got %d", functionCallActionTag, tag)
	}
	methodName, err := r.str()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("method_name: %w", err)
	}
	args, err := r.bytes()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("args: %w", err)
	}
	gas, err := r.u64()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("gas: %w", err)
	}
	deposit, err := r.u128()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("deposit: %w", err)
	}
	nonce, err := r.u64()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("nonce: %w", err)
	}
	maxBlockHeight, err := r.u64()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("max_block_height: %w", err)
	}
	pkType, err := r.u8()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("public_key type: %w", err)
	}
	pkBytes, err := r.fixed(32)
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("public_key data: %w", err)
	}
	sigType, err := r.u8()
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("signature type: %w", err)
	}
	sigBytes, err := r.fixed(64)
	if err != nil {
		return SignedDelegateAction{}, fmt.Errorf("signature data: %w", err)
	}
	if !r.done() {
		return SignedDelegateAction{}, fmt.Errorf("trailing bytes after signed delegate action")
	}

	var pk PublicKey
	pk.KeyType = pkType
	copy(pk.Data[:], pkBytes)

	var sig Signature
	sig.KeyType = sigType
	copy(sig.Data[:], sigBytes)

	return SignedDelegateAction{
		DelegateAction: DelegateAction{
			SenderID:   senderID,
			ReceiverID: receiverID,
			Actions: []FunctionCallAction{{
				MethodName: methodName,
				Args:       append([]byte(nil), args...),
				Gas:        gas,
				Deposit:    deposit,
			}},
			Nonce:          nonce,
			MaxBlockHeight: maxBlockHeight,
			PublicKey:      pk,
		},
		Signature: sig,
	}, nil
}

// toSDK converts the facilitator's own wire types into near-api-go's
// action types, for relaying through its transaction-broadcast path.
func (sda SignedDelegateAction) toSDK() nearaction.SignedDelegateAction {
	fc := sda.DelegateAction.Actions[0]
	return nearaction.SignedDelegateAction{
		DelegateAction: nearaction.DelegateAction{
			SenderID:   sda.DelegateAction.SenderID,
			ReceiverID: sda.DelegateAction.ReceiverID,
			Actions: []nearaction.Action{
				nearaction.NewFunctionCall(nearaction.FunctionCallAction{
					MethodName: fc.MethodName,
					Args:       fc.Args,
					Gas:        neartypes.Gas(fc.Gas),
					Deposit:    neartypes.Balance(*fc.Deposit),
				}),
			},
			Nonce:          neartypes.Nonce(sda.DelegateAction.Nonce),
			MaxBlockHeight: neartypes.BlockHeight(sda.DelegateAction.MaxBlockHeight),
			PublicKey: neartypes.PublicKey{
				KeyType: neartypes.KeyType(sda.DelegateAction.PublicKey.KeyType),
				Data:    sda.DelegateAction.PublicKey.Data[:],
			},
		},
		Signature: nearsig.Signature{
			KeyType: neartypes.KeyType(sda.Signature.KeyType),
			Data:    sda.Signature.Data[:],
		},
	}
}
