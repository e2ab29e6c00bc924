package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const eip1271ABI = `[{
	"inputs": [
		{"type": "bytes32", "name": "hash"},
		{"type": "bytes", "name": "signature"}
	],
	"name": "isValidSignature",
	"outputs": [{"type": "bytes4", "name": "magicValue"}],
	"stateMutability": "view",
	"type": "function"
}]`

// eip1271MagicValue is bytes4(keccak256("isValidSignature(bytes32,bytes)")).
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// VerifyEOASignature recovers the signer of a 65-byte ECDSA signature and
// compares it against expectedAddress, adjusting Ethereum's v=27/28
// convention to the 0/1 crypto.SigToPub expects.
func VerifyEOASignature(hash []byte, signature []byte, expectedAddress common.Address) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("invalid EOA signature length: expected 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if v := sig[64]; v >= 27 {
		sig[64] = v - 27
	}

	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}
	return crypto.PubkeyToAddress(*pubKey) == expectedAddress, nil
}

// VerifyEIP1271Signature calls isValidSignature(bytes32,bytes) on a deployed
// smart contract wallet and checks the result against the EIP-1271 magic
// value.
func VerifyEIP1271Signature(ctx context.Context, signer FacilitatorEvmSigner, wallet string, hash [32]byte, signature []byte) (bool, error) {
	result, err := signer.ReadContract(ctx, wallet, []byte(eip1271ABI), "isValidSignature", hash, signature)
	if err != nil {
		return false, err
	}

	var resultBytes []byte
	switch v := result.(type) {
	case []byte:
		resultBytes = v
	case [4]byte:
		resultBytes = v[:]
	default:
		return false, fmt.Errorf("invalid return type from isValidSignature: %T", result)
	}
	if len(resultBytes) < 4 {
		return false, fmt.Errorf("invalid return value from isValidSignature: too short")
	}

	var returnedMagic [4]byte
	copy(returnedMagic[:], resultBytes[:4])
	return returnedMagic == eip1271MagicValue, nil
}

// VerifyUniversalSignature verifies a signature that may come from an EOA,
// a deployed EIP-1271 smart wallet, or an undeployed ERC-6492-wrapped
// counterfactual wallet.
//
// 65-byte unwrapped signatures take the EOA fast path, skipping a GetCode
// round trip. Everything else checks deployment: deployed wallets go
// through EIP-1271, undeployed wallets carrying ERC-6492 deployment info are
// accepted when allowUndeployed (actual deployment happens in Settle), and
// undeployed wallets without deployment info fall back to EOA recovery.
func VerifyUniversalSignature(ctx context.Context, facilitatorSigner FacilitatorEvmSigner, signerAddress string, hash [32]byte, signature []byte, allowUndeployed bool) (bool, *ERC6492SignatureData, error) {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return false, nil, err
	}

	var zeroFactory [20]byte
	if len(sigData.InnerSignature) == 65 && sigData.Factory == zeroFactory {
		signerAddr := common.HexToAddress(signerAddress)
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, signerAddr)
		return valid, sigData, err
	}

	code, err := facilitatorSigner.GetCode(ctx, signerAddress)
	if err != nil {
		return false, nil, err
	}

	if len(code) == 0 {
		hasDeploymentInfo := sigData.Factory != zeroFactory && len(sigData.FactoryCalldata) > 0
		if hasDeploymentInfo {
			if !allowUndeployed {
				return false, sigData, fmt.Errorf("%s: undeployed smart wallet not allowed", ErrUndeployedSmartWallet)
			}
			return true, sigData, nil
		}
		signerAddr := common.HexToAddress(signerAddress)
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, signerAddr)
		return valid, sigData, err
	}

	valid, err := VerifyEIP1271Signature(ctx, facilitatorSigner, signerAddress, hash, sigData.InnerSignature)
	return valid, sigData, err
}
