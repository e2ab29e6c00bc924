package algorand

import (
	"bytes"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// rawTransactionBytesToSign produces the domain-separated canonical
// encoding a transaction signature covers: "TX" || msgpack(txn).
func rawTransactionBytesToSign(tx types.Transaction) []byte {
	encoded := msgpack.Encode(tx)
	return append([]byte("TX"), encoded...)
}

// txID computes a transaction's ID: base32(SHA-512/256("TX" || msgpack(txn))).
func txID(tx types.Transaction) string {
	hash := sha512.Sum512_256(rawTransactionBytesToSign(tx))
	return base32Encode(hash[:])
}

// computeGroupID computes the atomic group ID over the member
// transactions: SHA-512/256("TG" || msgpack(TxGroup{hashes})). Members
// must carry a zero Group field while being hashed.
func computeGroupID(txns []types.Transaction) (types.Digest, error) {
	var group types.TxGroup
	for _, tx := range txns {
		if tx.Group != (types.Digest{}) {
			return types.Digest{}, fmt.Errorf("transaction already carries a group id")
		}
		hash := sha512.Sum512_256(rawTransactionBytesToSign(tx))
		group.TxGroupHashes = append(group.TxGroupHashes, types.Digest(hash))
	}
	encoded := msgpack.Encode(group)
	return sha512.Sum512_256(append([]byte("TG"), encoded...)), nil
}

// DecodeSignedTxn parses a base64 msgpack-encoded signed transaction.
func DecodeSignedTxn(encoded string) (types.SignedTxn, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return types.SignedTxn{}, fmt.Errorf("decode base64: %w", err)
	}
	var stx types.SignedTxn
	if err := msgpack.Decode(raw, &stx); err != nil {
		return types.SignedTxn{}, fmt.Errorf("decode msgpack: %w", err)
	}
	return stx, nil
}

// EncodeUnsignedTxn renders an unsigned transaction as base64 msgpack for
// the prepare response.
func EncodeUnsignedTxn(tx types.Transaction) string {
	return base64.StdEncoding.EncodeToString(msgpack.Encode(tx))
}

// groupIDBase64 renders a group digest as the base64 form payloads carry.
func groupIDBase64(digest types.Digest) string {
	return base64.StdEncoding.EncodeToString(digest[:])
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// groupIDsEqual compares a payload's base64 group ID against a digest.
func groupIDsEqual(encoded string, digest types.Digest) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return bytes.Equal(raw, digest[:])
}

// base32Encode is RFC 4648 base32 without padding, the encoding Algorand
// uses for transaction IDs.
func base32Encode(data []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(data)
}
