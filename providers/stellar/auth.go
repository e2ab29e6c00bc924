package stellar

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/stellar/go/xdr"
)

// DecodeAuthEntry base64-decodes and XDR-unmarshals a client-submitted
// Soroban authorization entry.
func DecodeAuthEntry(b64 string) (xdr.SorobanAuthorizationEntry, error) {
	var entry xdr.SorobanAuthorizationEntry
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return entry, fmt.Errorf("decode auth entry base64: %w", err)
	}
	if err := entry.UnmarshalBinary(raw); err != nil {
		return entry, fmt.Errorf("unmarshal auth entry xdr: %w", err)
	}
	return entry, nil
}

// authorizationHash reproduces the payload a client signs for a single
// Soroban address-credentialed authorization entry: sha256 of the XDR
// HashIDPreimage binding the network ID, nonce, expiration ledger, and
// the exact invocation tree being authorized.
func authorizationHash(networkPassphrase string, entry xdr.SorobanAuthorizationEntry) ([32]byte, error) {
	creds, ok := entry.Credentials.GetAddress()
	if !ok {
		return [32]byte{}, fmt.Errorf("authorization entry does not carry address credentials")
	}
	networkID := xdr.Hash(sha256.Sum256([]byte(networkPassphrase)))

	preimage := xdr.HashIdPreimage{
		Type: xdr.EnvelopeTypeEnvelopeTypeSorobanAuthorization,
		SorobanAuthorization: &xdr.HashIdPreimageSorobanAuthorization{
			NetworkId:                 networkID,
			Nonce:                     creds.Nonce,
			SignatureExpirationLedger: creds.SignatureExpirationLedger,
			Invocation:                entry.RootInvocation,
		},
	}
	raw, err := preimage.MarshalBinary()
	if err != nil {
		return [32]byte{}, fmt.Errorf("marshal hash preimage: %w", err)
	}
	return sha256.Sum256(raw), nil
}

// extractEd25519Signature reads the (public_key, signature) pair a default
// Soroban account-auth entry encodes as a one-element vector of a
// symbol-keyed map, the wire shape the Soroban SDK's default account
// contract expects.
func extractEd25519Signature(sigVal xdr.ScVal) (pubKey, sig []byte, err error) {
	vec, ok := sigVal.GetVec()
	if !ok || vec == nil || len(*vec) == 0 {
		return nil, nil, fmt.Errorf("signature value is not a non-empty vector")
	}
	m, ok := (*vec)[0].GetMap()
	if !ok || m == nil {
		return nil, nil, fmt.Errorf("signature vector element is not a map")
	}
	for _, entry := range *m {
		sym, ok := entry.Key.GetSym()
		if !ok {
			continue
		}
		switch string(sym) {
		case "public_key":
			b, ok := entry.Val.GetBytes()
			if !ok {
				return nil, nil, fmt.Errorf("public_key entry is not bytes")
			}
			pubKey = b
		case "signature":
			b, ok := entry.Val.GetBytes()
			if !ok {
				return nil, nil, fmt.Errorf("signature entry is not bytes")
			}
			sig = b
		}
	}
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return nil, nil, fmt.Errorf("malformed ed25519 signature encoding")
	}
	return pubKey, sig, nil
}

// VerifyAuthEntry checks that entry's signature was produced by the
// address it claims to authorize, over the exact invocation tree it
// carries, on networkPassphrase.
func VerifyAuthEntry(networkPassphrase string, entry xdr.SorobanAuthorizationEntry) (bool, error) {
	creds, ok := entry.Credentials.GetAddress()
	if !ok {
		return false, fmt.Errorf("authorization entry does not carry address credentials")
	}
	pubKey, sig, err := extractEd25519Signature(creds.Signature)
	if err != nil {
		return false, fmt.Errorf("extract signature: %w", err)
	}
	hash, err := authorizationHash(networkPassphrase, entry)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), hash[:], sig), nil
}

// AddressFromCredentials renders a Soroban address credential's account
// address as its G... strkey, for compliance screening and receiver checks.
func AddressFromCredentials(entry xdr.SorobanAuthorizationEntry) (string, error) {
	creds, ok := entry.Credentials.GetAddress()
	if !ok {
		return "", fmt.Errorf("authorization entry does not carry address credentials")
	}
	accountID, ok := creds.Address.GetAccountId()
	if !ok {
		return "", fmt.Errorf("authorized address is not a classic account")
	}
	return accountID.Address(), nil
}
