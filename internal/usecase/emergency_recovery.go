package usecase

import (
	"context"
	"errors"
	"fmt"

	"chainvault/internal/domain"
	"chainvault/internal/infra/canonical"
)

var errCoordinatorClosed = errors.New("coordinator is closed")

// InitiateEmergencyRecovery submits a recover operation that supersedes
// whatever the vault is doing. The secondaries are fanned out in parallel
// with the primary submission; the call returns once the vault's primary
// chain has accepted the operation.
func (c *Coordinator) InitiateEmergencyRecovery(ctx context.Context, vaultID, reason string) (domain.EmergencyRecoveryResult, error) {
	result := domain.EmergencyRecoveryResult{}
	if vaultID == "" {
		return result, domain.ErrVaultIDRequired
	}

	unlock, err := c.locker.Lock(ctx, vaultID)
	if err != nil {
		return result, fmt.Errorf("lock vault %s: %w", vaultID, err)
	}
	defer unlock()

	vault, err := c.loadVault(ctx, vaultID)
	if err != nil {
		return result, err
	}
	if err := vault.Admits(domain.OperationRecover, nil); err != nil {
		return result, err
	}
	primary := vault.PrimaryChain
	result.PrimaryChain = primary
	adapter, ok := c.adapters[primary]
	if !ok {
		return result, fmt.Errorf("%w: %s", domain.ErrUnknownChain, primary)
	}
	payload := domain.OperationPayload{
		Type: domain.OperationRecover,
		Recover: &domain.RecoverBody{
			Reason:                reason,
			SupersedesOperationID: vault.CurrentOperationID,
		},
	}
	if err := payload.Validate(); err != nil {
		return result, err
	}
	if err := c.admit(ctx, payload, vaultID, primary, vault); err != nil {
		return result, err
	}
	body, hash, err := canonical.EncodePayload(vaultID, payload)
	if err != nil {
		return result, err
	}

	now := c.now()
	op := domain.Operation{
		ID:               c.newID(),
		VaultID:          vaultID,
		Type:             domain.OperationRecover,
		Payload:          payload,
		CanonicalPayload: body,
		PayloadHash:      hash,
		PrimaryChain:     primary,
		SecondaryChains:  domain.SecondariesOf(primary, c.chains),
		SecurityLevel:    payload.EffectiveSecurityLevel(vault.SecurityLevel),
		Status:           domain.OperationStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.operations.Create(ctx, op); err != nil {
		return result, fmt.Errorf("create operation: %w", err)
	}
	// The hash is anchored before any chain sees the operation so secondary
	// receipts from the fan-out have somewhere to land.
	if err := c.registry.RegisterOperation(ctx, domain.OperationRecord{
		VaultID:       vaultID,
		OperationID:   op.ID,
		PrimaryChain:  primary,
		CanonicalHash: hash,
		CreatedAt:     now,
	}); err != nil {
		return result, c.registryFailure(ctx, op, "register operation", err)
	}
	log := c.opLogger(op).WithField("supersedes", payload.Recover.SupersedesOperationID)

	fanCtx, fanCancel := context.WithCancel(c.baseCtx)
	fanDone := make(chan struct{})
	if !c.spawn(func() {
		defer close(fanDone)
		c.propagate(fanCtx, op)
	}) {
		fanCancel()
		c.markFailed(ctx, op)
		return result, errCoordinatorClosed
	}

	receipt, err := adapter.Submit(ctx, op)
	if err != nil {
		fanCancel()
		c.metrics.SubmissionResult(primary, submissionResultReject)
		log.WithError(err).Warn("primary chain rejected emergency recovery")
		c.markFailed(ctx, op)
		return result, err
	}
	c.metrics.SubmissionResult(primary, submissionResultOK)
	result.PrimaryTxRef = receipt.TxRef
	result.RecoveryID = op.ID
	if err := c.registry.RecordReceipt(ctx, vaultID, op.ID, receipt); err != nil {
		fanCancel()
		return result, c.registryFailure(ctx, op, "record primary receipt", err)
	}
	op.Status = domain.OperationStatusPrimarySubmitted
	op.UpdatedAt = c.now()
	if err := c.operations.Update(ctx, op); err != nil {
		fanCancel()
		return result, fmt.Errorf("update operation: %w", err)
	}
	if err := c.acceptIntoVault(ctx, vault, op); err != nil {
		fanCancel()
		return result, err
	}
	log.WithField("tx_ref", receipt.TxRef).Warn("emergency recovery accepted by primary chain")

	c.startTask(op, func(ctx context.Context, _ domain.Operation) {
		defer fanCancel()
		select {
		case <-fanDone:
		case <-ctx.Done():
			fanCancel()
			<-fanDone
		}
	})
	result.Success = true
	return result, nil
}

// spawn runs fn in the background unless the coordinator is closed.
func (c *Coordinator) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx.Err() != nil {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}
