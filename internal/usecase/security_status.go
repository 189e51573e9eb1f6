package usecase

import (
	"context"
	"errors"

	"chainvault/internal/domain"
)

const chainStatusMissing = "missing"

// GetVaultSecurityStatus reports the vault's level and how each chain stands
// on the vault's current operation.
func (c *Coordinator) GetVaultSecurityStatus(ctx context.Context, vaultID string) (domain.VaultSecurityStatus, error) {
	if vaultID == "" {
		return domain.VaultSecurityStatus{}, domain.ErrVaultIDRequired
	}
	vault, err := c.vaults.Get(ctx, vaultID)
	if err != nil {
		return domain.VaultSecurityStatus{}, err
	}
	if vault == nil {
		return domain.VaultSecurityStatus{}, domain.ErrVaultNotFound
	}
	status := domain.VaultSecurityStatus{
		VaultID:            vault.ID,
		State:              vault.State,
		SecurityLevel:      vault.SecurityLevel,
		RequiredQuorum:     domain.RequiredQuorum(vault.SecurityLevel),
		CurrentOperationID: vault.CurrentOperationID,
		PerChainStatus:     []domain.ChainStatus{},
	}
	if vault.CurrentOperationID == "" {
		return status, nil
	}
	op, err := c.operations.Get(ctx, vault.ID, vault.CurrentOperationID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && op == nil) {
		return status, nil
	}
	if err != nil {
		return domain.VaultSecurityStatus{}, err
	}
	verdict, receipts, err := c.snapshot(ctx, *op)
	if err != nil {
		return domain.VaultSecurityStatus{}, err
	}
	status.RequiredQuorum = verdict.RequiredQuorum
	for _, chain := range op.Chains() {
		cs := domain.ChainStatus{Chain: chain, Primary: chain == op.PrimaryChain, Status: chainStatusMissing}
		if receipt, ok := receipts[chain]; ok {
			cs.Status = string(receipt.Status)
			cs.TxRef = receipt.TxRef
		}
		if finding, bad := verdict.Finding(chain); bad {
			cs.Reason = finding.Reason
		} else {
			cs.Verified = verdict.Verified(chain)
		}
		status.PerChainStatus = append(status.PerChainStatus, cs)
	}
	status.CrossChainVerified = verdict.Consistent
	return status, nil
}
