package usecase

import (
	"context"
	"errors"

	"chainvault/internal/domain"
	"chainvault/pkg/retry"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type operationTask struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome domain.OperationOutcome
}

type propagateFunc func(ctx context.Context, op domain.Operation)

// startTask runs propagation and bounded verification polling for op in the
// background. The task stops early on Close or StopPolling.
func (c *Coordinator) startTask(op domain.Operation, propagate propagateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx.Err() != nil {
		c.opLogger(op).Warn("coordinator closed; operation left at primary_submitted")
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	task := &operationTask{cancel: cancel, done: make(chan struct{})}
	c.tasks[op.ID] = task
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		task.outcome = c.runTask(ctx, op, propagate)
		c.mu.Lock()
		delete(c.tasks, op.ID)
		c.mu.Unlock()
		close(task.done)
	}()
}

// StopPolling cancels the background task for an operation. The operation is
// finalized with the last verdict observed. It reports whether a task was
// running.
func (c *Coordinator) StopPolling(operationID string) bool {
	c.mu.Lock()
	task := c.tasks[operationID]
	c.mu.Unlock()
	if task == nil {
		return false
	}
	task.cancel()
	return true
}

func (c *Coordinator) inFlight(operationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[operationID]
	return ok
}

// AwaitOutcome blocks until the operation's polling window closes or ctx is
// done, and returns the definite outcome.
func (c *Coordinator) AwaitOutcome(ctx context.Context, vaultID, operationID string) (domain.OperationOutcome, error) {
	if _, err := c.GetOperation(ctx, vaultID, operationID); err != nil {
		return domain.OperationOutcome{}, err
	}
	c.mu.Lock()
	task := c.tasks[operationID]
	c.mu.Unlock()
	if task != nil {
		select {
		case <-task.done:
			return task.outcome, nil
		case <-ctx.Done():
			return domain.OperationOutcome{}, ctx.Err()
		}
	}

	op, err := c.GetOperation(ctx, vaultID, operationID)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	if op.Status.Terminal() && op.Verdict != nil {
		return domain.OperationOutcome{OperationID: op.ID, Status: op.Status, Verdict: *op.Verdict}, nil
	}
	if op.Status == domain.OperationStatusFailed {
		return domain.OperationOutcome{OperationID: op.ID, Status: op.Status}, nil
	}
	// Nothing is tracking the operation any more; answer from the registry.
	verdict, _, err := c.snapshot(ctx, *op)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	return domain.OperationOutcome{OperationID: op.ID, Status: verdict.Outcome(), Verdict: verdict}, nil
}

func (c *Coordinator) runTask(ctx context.Context, op domain.Operation, propagate propagateFunc) domain.OperationOutcome {
	log := c.opLogger(op)
	op.Status = domain.OperationStatusPropagating
	op.UpdatedAt = c.now()
	if err := c.operations.Update(ctx, op); err != nil {
		log.WithError(err).Error("record propagating status")
	}

	propagate(ctx, op)

	var (
		verdict       domain.ConsistencyVerdict
		haveVerdict   bool
		primaryFailed bool
	)
	err := retry.Poll(ctx, c.verification, func(ctx context.Context, attempt int) (bool, error) {
		v, receipts, err := c.pollOnce(ctx, &op)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.WithError(err).WithField("attempt", attempt).Warn("verification poll failed")
			return false, nil
		}
		verdict, haveVerdict = v, true
		primary, ok := receipts[op.PrimaryChain]
		primaryFailed = ok && primary.Status == domain.ReceiptFailed
		return v.Consistent || primaryFailed || allSettled(op, receipts), nil
	})
	if err != nil && !errors.Is(err, retry.ErrExhausted) {
		log.WithError(err).Info("verification polling stopped")
	}
	return c.finalize(ctx, op, verdict, haveVerdict, primaryFailed)
}

// pollOnce refreshes unsettled receipts, evaluates them and applies the
// vault effect the first time the primary confirms.
func (c *Coordinator) pollOnce(ctx context.Context, op *domain.Operation) (domain.ConsistencyVerdict, map[domain.ChainID]domain.ChainReceipt, error) {
	receipts, err := c.refresh(ctx, *op, nil)
	if err != nil {
		return domain.ConsistencyVerdict{}, nil, err
	}
	hash, err := c.registry.GetCanonicalHash(ctx, op.VaultID, op.ID)
	if err != nil {
		return domain.ConsistencyVerdict{}, nil, err
	}
	verdict := c.engine.Evaluate(*op, hash, receipts)
	byChain := domain.ReceiptByChain(receipts)
	c.raiseProofAlerts(ctx, *op, verdict, byChain)
	if verdict.PrimaryConfirmed && !op.Applied {
		c.applyConfirmed(ctx, op)
	}
	return verdict, byChain, nil
}

// refresh queries every unsettled receipt of op (restricted to only when it
// is non-nil) in parallel and records what the chains report.
func (c *Coordinator) refresh(ctx context.Context, op domain.Operation, only map[domain.ChainID]bool) ([]domain.ChainReceipt, error) {
	receipts, err := c.registry.GetReceipts(ctx, op.VaultID, op.ID)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, current := range receipts {
		if current.Status.Settled() || (only != nil && !only[current.Chain]) {
			continue
		}
		adapter, ok := c.adapters[current.Chain]
		if !ok {
			continue
		}
		g.Go(func() error {
			update, qerr := adapter.QueryStatus(gctx, current.TxRef)
			if qerr != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				update = current
				update.QueryError = domain.QueryErrorUnavailable
				var timeout *domain.QueryTimeoutError
				if errors.As(qerr, &timeout) {
					update.QueryError = domain.QueryErrorTimeout
				}
				update.ErrorDetail = qerr.Error()
				update.UpdatedAt = c.now()
				c.opLogger(op).WithFields(logrus.Fields{"chain": current.Chain, "tx_ref": current.TxRef}).WithError(qerr).Debug("status query failed")
			}
			update.Chain = current.Chain
			update.TxRef = current.TxRef
			if err := c.registry.RecordReceipt(gctx, op.VaultID, op.ID, update); err != nil {
				return &domain.RegistryError{Op: "record receipt status", Err: err}
			}
			receipts[i] = domain.MergeReceipt(current, update)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// applyConfirmed folds a primary-confirmed operation into its vault.
func (c *Coordinator) applyConfirmed(ctx context.Context, op *domain.Operation) {
	log := c.opLogger(*op)
	unlock, err := c.locker.Lock(ctx, op.VaultID)
	if err != nil {
		log.WithError(err).Warn("lock vault to apply confirmed operation")
		return
	}
	defer unlock()
	vault, err := c.loadVault(ctx, op.VaultID)
	if err != nil || vault == nil {
		log.WithError(err).Warn("load vault to apply confirmed operation")
		return
	}
	if vault.ShouldApply(*op) {
		updated := *vault
		updated.ApplyConfirmed(*op, c.now())
		if err := c.vaults.Update(ctx, updated); err != nil {
			log.WithError(err).Error("apply confirmed operation to vault")
			return
		}
		log.WithField("vault_state", updated.State).Info("primary chain confirmed operation")
	} else {
		log.WithField("vault_state", vault.State).Info("confirmed operation superseded; vault unchanged")
	}
	op.Applied = true
	op.UpdatedAt = c.now()
	if err := c.operations.Update(ctx, *op); err != nil {
		log.WithError(err).Error("record applied operation")
	}
}

func (c *Coordinator) finalize(ctx context.Context, op domain.Operation, verdict domain.ConsistencyVerdict, haveVerdict, primaryFailed bool) domain.OperationOutcome {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	log := c.opLogger(op)

	if !haveVerdict {
		v, _, err := c.snapshot(writeCtx, op)
		if err != nil {
			log.WithError(err).Error("final verification failed")
		}
		verdict = v
	}
	status := verdict.Outcome()
	if primaryFailed {
		status = domain.OperationStatusFailed
		c.revertVault(writeCtx, op)
	}
	op.Status = status
	op.Verdict = &verdict
	op.UpdatedAt = c.now()
	if err := c.operations.Update(writeCtx, op); err != nil {
		log.WithError(err).Error("record operation outcome")
	}
	c.metrics.Verdict(status)
	log.WithFields(logrus.Fields{
		"status":          status,
		"verified_chains": verdict.VerifiedChains,
		"inconsistent":    len(verdict.Inconsistent),
		"required_quorum": verdict.RequiredQuorum,
	}).Info("operation verification finished")
	return domain.OperationOutcome{OperationID: op.ID, Status: status, Verdict: verdict}
}

func (c *Coordinator) revertVault(ctx context.Context, op domain.Operation) {
	unlock, err := c.locker.Lock(ctx, op.VaultID)
	if err != nil {
		return
	}
	defer unlock()
	vault, err := c.loadVault(ctx, op.VaultID)
	if err != nil || vault == nil {
		return
	}
	updated := *vault
	updated.RevertAccepted(op, c.now())
	if updated.State == vault.State {
		return
	}
	if err := c.vaults.Update(ctx, updated); err != nil {
		c.opLogger(op).WithError(err).Error("revert vault after primary failure")
	}
}

// propagate submits op to every secondary concurrently, each with bounded
// exponential backoff. Exhaustion is reported, never rolled back.
func (c *Coordinator) propagate(ctx context.Context, op domain.Operation) {
	var g errgroup.Group
	for _, chain := range op.SecondaryChains {
		adapter, ok := c.adapters[chain]
		if !ok {
			continue
		}
		g.Go(func() error {
			c.propagateTo(ctx, op, adapter)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) propagateTo(ctx context.Context, op domain.Operation, adapter ChainAdapter) bool {
	chain := adapter.Chain()
	log := c.opLogger(op).WithField("chain", chain)
	err := retry.Do(ctx, c.propagation, func(ctx context.Context, attempt int) error {
		c.metrics.PropagationAttempt(chain)
		receipt, err := adapter.Submit(ctx, op)
		if err != nil {
			c.metrics.SubmissionResult(chain, submissionResultReject)
			log.WithError(err).WithField("attempt", attempt).Warn("secondary submission failed")
			return err
		}
		c.metrics.SubmissionResult(chain, submissionResultOK)
		if err := c.registry.RecordReceipt(ctx, op.VaultID, op.ID, receipt); err != nil {
			return retry.Permanent(&domain.RegistryError{Op: "record secondary receipt", Err: err})
		}
		log.WithFields(logrus.Fields{"tx_ref": receipt.TxRef, "attempt": attempt}).Debug("secondary chain accepted operation")
		return nil
	})
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	kind := domain.AlertKindPropagationExhausted
	if errors.Is(err, domain.ErrRegistry) {
		kind = domain.AlertKindRegistryWrite
	}
	log.WithError(err).Warn("propagation to secondary chain gave up")
	c.alerts.Raise(ctx, domain.Alert{
		Level:       domain.AlertWarning,
		Kind:        kind,
		VaultID:     op.VaultID,
		OperationID: op.ID,
		Chain:       chain,
		Detail:      err.Error(),
	})
	return false
}

// allSettled reports whether no chain of op can still change its answer.
func allSettled(op domain.Operation, receipts map[domain.ChainID]domain.ChainReceipt) bool {
	for _, chain := range op.Chains() {
		receipt, ok := receipts[chain]
		if ok && !receipt.Status.Settled() {
			return false
		}
	}
	return true
}
