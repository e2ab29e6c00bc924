package evm

import (
	"context"
	"fmt"
)

// deploySmartWallet submits an ERC-6492 signature's embedded factory
// calldata as a raw transaction and waits for it to land, bringing a
// counterfactual smart wallet on-chain immediately before the transfer that
// depends on its code being present.
func (p *Provider) deploySmartWallet(ctx context.Context, sigData *ERC6492SignatureData) (*TransactionReceipt, error) {
	signerAddr := p.signer.GetAddresses()[0]
	factoryAddr := fmt.Sprintf("0x%x", sigData.Factory)

	txHash, err := p.signer.SendTransaction(ctx, signerAddr, factoryAddr, sigData.FactoryCalldata)
	if err != nil {
		return nil, fmt.Errorf("send deployment tx: %w", err)
	}
	receipt, err := p.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("wait for deployment receipt: %w", err)
	}
	if receipt.Status != TxStatusSuccess {
		return nil, fmt.Errorf("smart wallet deployment transaction reverted")
	}
	return receipt, nil
}
