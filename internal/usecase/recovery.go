package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chainvault/internal/domain"
	"chainvault/pkg/retry"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RecoverChainConsistency re-submits an operation to every chain that holds a
// contradicting or missing receipt, using sourceOfTruth as the reference. The
// source must still hold a confirmed receipt whose payload and proof match
// the canonical hash; otherwise the result is a *domain.RecoveryError and
// nothing is submitted.
func (c *Coordinator) RecoverChainConsistency(ctx context.Context, vaultID, operationID string, sourceOfTruth domain.ChainID) (domain.RecoveryResult, error) {
	result := domain.RecoveryResult{OperationID: operationID, SourceChain: sourceOfTruth, RecoveredChains: []domain.ChainID{}}
	op, err := c.GetOperation(ctx, vaultID, operationID)
	if err != nil {
		return result, err
	}
	source, ok := c.adapters[sourceOfTruth]
	if !ok || !containsChain(op.Chains(), sourceOfTruth) {
		return result, fmt.Errorf("%w: %s", domain.ErrUnknownChain, sourceOfTruth)
	}
	task, ok := c.claim(op.ID)
	if !ok {
		return result, fmt.Errorf("%w: %s", domain.ErrOperationInFlight, op.ID)
	}
	defer c.release(op.ID, task)
	log := c.opLogger(*op).WithField("source_chain", sourceOfTruth)

	hash, err := c.registry.GetCanonicalHash(ctx, op.VaultID, op.ID)
	if err != nil {
		return result, fmt.Errorf("canonical hash: %w", err)
	}
	receipts, err := c.registry.GetReceipts(ctx, op.VaultID, op.ID)
	if err != nil {
		return result, fmt.Errorf("receipts: %w", err)
	}
	byChain := domain.ReceiptByChain(receipts)
	if err := c.checkSource(ctx, *op, source, hash, byChain); err != nil {
		log.WithError(err).Warn("recovery refused")
		return result, err
	}

	targets := make(map[domain.ChainID]bool)
	for _, chain := range op.Chains() {
		if chain == sourceOfTruth {
			continue
		}
		receipt, present := byChain[chain]
		finding, verified := c.engine.Assess(chain, hash, receipt, present)
		if verified {
			continue
		}
		switch finding.Reason {
		case domain.ReasonHashMismatch, domain.ReasonProofInvalid, domain.ReasonMissing:
			targets[chain] = present
		}
	}
	if len(targets) == 0 {
		verdict, _, err := c.snapshot(ctx, *op)
		if err != nil {
			return result, err
		}
		result.Success = true
		result.Verdict = verdict
		return result, nil
	}

	failed := c.resubmit(ctx, *op, targets)
	if err := c.awaitTargets(ctx, *op, targets); err != nil {
		return result, err
	}

	verdict, final, err := c.snapshot(ctx, *op)
	if err != nil {
		return result, err
	}
	c.raiseProofAlerts(ctx, *op, verdict, final)
	for chain := range targets {
		if _, rejected := failed[chain]; rejected {
			result.FailedChains = append(result.FailedChains, failed[chain])
			continue
		}
		receipt, present := final[chain]
		finding, verified := c.engine.Assess(chain, hash, receipt, present)
		if verified {
			result.RecoveredChains = append(result.RecoveredChains, chain)
			continue
		}
		result.FailedChains = append(result.FailedChains, finding)
	}
	sortChains(result.RecoveredChains, op.Chains())
	sortFindings(result.FailedChains, op.Chains())
	result.Success = len(result.FailedChains) == 0
	result.Verdict = verdict

	if verdict.PrimaryConfirmed && !op.Applied {
		c.applyConfirmed(ctx, op)
	}
	op.Status = verdict.Outcome()
	op.Verdict = &verdict
	op.UpdatedAt = c.now()
	if err := c.operations.Update(ctx, *op); err != nil {
		log.WithError(err).Error("record recovered operation")
	}
	task.outcome = domain.OperationOutcome{OperationID: op.ID, Status: op.Status, Verdict: verdict}
	log.WithFields(logrus.Fields{
		"recovered": result.RecoveredChains,
		"failed":    len(result.FailedChains),
		"status":    op.Status,
	}).Info("chain consistency recovery finished")
	return result, nil
}

// checkSource confirms the source chain still attests the canonical payload.
func (c *Coordinator) checkSource(ctx context.Context, op domain.Operation, source ChainAdapter, hash string, receipts map[domain.ChainID]domain.ChainReceipt) error {
	chain := source.Chain()
	current, ok := receipts[chain]
	if !ok {
		return &domain.RecoveryError{Chain: chain, Reason: "no receipt recorded"}
	}
	fresh, err := source.QueryStatus(ctx, current.TxRef)
	if err != nil {
		return &domain.RecoveryError{Chain: chain, Reason: "status query failed: " + err.Error()}
	}
	fresh.Chain = chain
	fresh.TxRef = current.TxRef
	if err := c.registry.RecordReceipt(ctx, op.VaultID, op.ID, fresh); err != nil {
		return &domain.RegistryError{Op: "record source receipt", Err: err}
	}
	switch {
	case fresh.Status != domain.ReceiptConfirmed:
		return &domain.RecoveryError{Chain: chain, Reason: "receipt is " + string(fresh.Status)}
	case fresh.ObservedPayloadHash != hash:
		return &domain.RecoveryError{Chain: chain, Reason: "chain holds a different payload"}
	case !source.VerifyProof(fresh.Proof, hash):
		return &domain.RecoveryError{Chain: chain, Reason: "proof does not attest the canonical hash"}
	}
	return nil
}

// resubmit sends op to every target concurrently. present tells whether a
// receipt already exists and must be replaced. Chains that rejected the
// submission are returned with their finding.
func (c *Coordinator) resubmit(ctx context.Context, op domain.Operation, targets map[domain.ChainID]bool) map[domain.ChainID]domain.ChainFinding {
	var (
		mu     sync.Mutex
		failed = make(map[domain.ChainID]domain.ChainFinding)
		g      errgroup.Group
	)
	fail := func(chain domain.ChainID, reason domain.FindingReason, err error) {
		mu.Lock()
		failed[chain] = domain.ChainFinding{Chain: chain, Reason: reason, Detail: err.Error()}
		mu.Unlock()
	}
	for chain, present := range targets {
		adapter := c.adapters[chain]
		if adapter == nil {
			fail(chain, domain.ReasonMissing, fmt.Errorf("%w: %s", domain.ErrUnknownChain, chain))
			continue
		}
		g.Go(func() error {
			c.metrics.PropagationAttempt(chain)
			receipt, err := adapter.Submit(ctx, op)
			if err != nil {
				c.metrics.SubmissionResult(chain, submissionResultReject)
				fail(chain, domain.ReasonMissing, err)
				return nil
			}
			c.metrics.SubmissionResult(chain, submissionResultOK)
			if present {
				err = c.registry.ReplaceReceipt(ctx, op.VaultID, op.ID, receipt)
			} else {
				err = c.registry.RecordReceipt(ctx, op.VaultID, op.ID, receipt)
			}
			if err != nil {
				fail(chain, domain.ReasonMissing, &domain.RegistryError{Op: "record recovery receipt", Err: err})
				return nil
			}
			c.opLogger(op).WithFields(logrus.Fields{"chain": chain, "tx_ref": receipt.TxRef}).Info("operation re-submitted for recovery")
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// awaitTargets polls the re-submitted chains until each settles or the
// verification window closes.
func (c *Coordinator) awaitTargets(ctx context.Context, op domain.Operation, targets map[domain.ChainID]bool) error {
	only := make(map[domain.ChainID]bool, len(targets))
	for chain := range targets {
		only[chain] = true
	}
	err := retry.Poll(ctx, c.verification, func(ctx context.Context, attempt int) (bool, error) {
		receipts, err := c.refresh(ctx, op, only)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.opLogger(op).WithError(err).WithField("attempt", attempt).Warn("recovery poll failed")
			return false, nil
		}
		for _, receipt := range receipts {
			if only[receipt.Chain] && !receipt.Status.Settled() {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// claim marks an operation as busy for the duration of a synchronous task.
func (c *Coordinator) claim(operationID string) (*operationTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.tasks[operationID]; busy {
		return nil, false
	}
	task := &operationTask{cancel: func() {}, done: make(chan struct{})}
	c.tasks[operationID] = task
	return task, true
}

func (c *Coordinator) release(operationID string, task *operationTask) {
	c.mu.Lock()
	if c.tasks[operationID] == task {
		delete(c.tasks, operationID)
	}
	c.mu.Unlock()
	close(task.done)
}

func containsChain(chains []domain.ChainID, chain domain.ChainID) bool {
	for _, c := range chains {
		if c == chain {
			return true
		}
	}
	return false
}

func chainOrder(order []domain.ChainID) map[domain.ChainID]int {
	idx := make(map[domain.ChainID]int, len(order))
	for i, chain := range order {
		idx[chain] = i
	}
	return idx
}

func sortChains(chains []domain.ChainID, order []domain.ChainID) {
	idx := chainOrder(order)
	sort.Slice(chains, func(i, j int) bool { return idx[chains[i]] < idx[chains[j]] })
}

func sortFindings(findings []domain.ChainFinding, order []domain.ChainID) {
	idx := chainOrder(order)
	sort.Slice(findings, func(i, j int) bool { return idx[findings[i].Chain] < idx[findings[j].Chain] })
}
