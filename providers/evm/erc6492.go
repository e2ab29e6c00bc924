package evm

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc6492MagicBytes is bytes32(uint256(keccak256("erc6492.invalid.signature")) - 1),
// appended as a suffix to mark a signature as ERC-6492-wrapped.
var erc6492MagicBytes = common.Hex2Bytes(
	"6492649264926492649264926492649264926492649264926492649264926492",
)

// IsERC6492Signature reports whether sig carries the ERC-6492 magic suffix.
func IsERC6492Signature(sig []byte) bool {
	if len(sig) < 32 {
		return false
	}
	return bytes.Equal(sig[len(sig)-32:], erc6492MagicBytes)
}

// ParseERC6492Signature unwraps an ERC-6492 signature into its deployment
// factory/calldata and inner signature. Signatures without the magic suffix
// pass through unchanged as InnerSignature with a zero Factory.
func ParseERC6492Signature(sig []byte) (*ERC6492SignatureData, error) {
	if !IsERC6492Signature(sig) {
		return &ERC6492SignatureData{InnerSignature: sig}, nil
	}

	payload := sig[:len(sig)-32]

	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, err
	}
	arguments := abi.Arguments{{Type: addressTy}, {Type: bytesTy}, {Type: bytesTy}}

	unpacked, err := arguments.Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("unpack erc-6492 signature: %w", err)
	}
	if len(unpacked) != 3 {
		return nil, fmt.Errorf("invalid erc-6492 signature: expected 3 fields, got %d", len(unpacked))
	}

	factory, ok := unpacked[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid erc-6492 signature: factory is not an address")
	}
	factoryCalldata, ok := unpacked[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid erc-6492 signature: factoryCalldata is not bytes")
	}
	innerSignature, ok := unpacked[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid erc-6492 signature: signature is not bytes")
	}

	var factoryBytes [20]byte
	copy(factoryBytes[:], factory.Bytes())

	return &ERC6492SignatureData{
		Factory:         factoryBytes,
		FactoryCalldata: factoryCalldata,
		InnerSignature:  innerSignature,
	}, nil
}
