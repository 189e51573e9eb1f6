package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chainvault/internal/domain"
	"chainvault/internal/infra/canonical"
	"chainvault/pkg/retry"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollAttempts    = 10
	finalizeTimeout        = 5 * time.Second
	submissionResultOK     = "accepted"
	submissionResultReject = "rejected"
)

// DefaultPropagationPolicy bounds retries of a secondary submission.
var DefaultPropagationPolicy = retry.Policy{
	MaxAttempts: 5,
	Initial:     500 * time.Millisecond,
	Max:         8 * time.Second,
	Multiplier:  2,
}

type CoordinatorDeps struct {
	Adapters   []ChainAdapter
	Registry   domain.ProofRegistry
	Vaults     domain.VaultRepository
	Operations domain.OperationRepository
	Locker     VaultLocker
	Policy     AdmissionPolicy
	Metrics    Metrics
	Alerts     AlertSink
	Logger     logrus.FieldLogger
}

type CoordinatorOptions struct {
	Propagation  retry.Policy
	Verification retry.Policy
	Now          Clock
	NewID        IDGenerator
}

// Coordinator drives vault operations across the primary and secondary
// chains. It is the only component callers talk to.
type Coordinator struct {
	adapters   map[domain.ChainID]ChainAdapter
	chains     []domain.ChainID
	registry   domain.ProofRegistry
	vaults     domain.VaultRepository
	operations domain.OperationRepository
	locker     VaultLocker
	policy     AdmissionPolicy
	engine     *VerificationEngine
	metrics    Metrics
	alerts     AlertSink
	log        logrus.FieldLogger

	propagation  retry.Policy
	verification retry.Policy
	now          Clock
	newID        IDGenerator

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*operationTask

	alerted cmap.ConcurrentMap[string, struct{}]
}

func NewCoordinator(deps CoordinatorDeps, opts CoordinatorOptions) (*Coordinator, error) {
	if len(deps.Adapters) == 0 {
		return nil, errors.New("at least one chain adapter is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("proof registry is required")
	}
	if deps.Vaults == nil || deps.Operations == nil {
		return nil, errors.New("vault and operation repositories are required")
	}
	if deps.Locker == nil {
		return nil, errors.New("vault locker is required")
	}
	adapters := make(map[domain.ChainID]ChainAdapter, len(deps.Adapters))
	chains := make([]domain.ChainID, 0, len(deps.Adapters))
	for _, adapter := range deps.Adapters {
		if adapter == nil {
			return nil, errors.New("chain adapter is nil")
		}
		id := adapter.Chain()
		if !id.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownChain, id)
		}
		if _, exists := adapters[id]; exists {
			return nil, fmt.Errorf("duplicate chain adapter: %s", id)
		}
		adapters[id] = adapter
		chains = append(chains, id)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Alerts == nil {
		deps.Alerts = noopAlerts{}
	}
	if deps.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		deps.Logger = logger
	}
	if opts.Propagation.MaxAttempts <= 0 {
		opts.Propagation = DefaultPropagationPolicy
	}
	if opts.Verification.MaxAttempts <= 0 {
		opts.Verification = retry.Fixed(DefaultPollAttempts, DefaultPollInterval)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		adapters:     adapters,
		chains:       chains,
		registry:     deps.Registry,
		vaults:       deps.Vaults,
		operations:   deps.Operations,
		locker:       deps.Locker,
		policy:       deps.Policy,
		engine:       NewVerificationEngine(deps.Registry, adapters),
		metrics:      deps.Metrics,
		alerts:       deps.Alerts,
		log:          deps.Logger,
		propagation:  opts.Propagation,
		verification: opts.Verification,
		now:          opts.Now,
		newID:        opts.NewID,
		baseCtx:      base,
		stop:         stop,
		tasks:        make(map[string]*operationTask),
		alerted:      cmap.New[struct{}](),
	}, nil
}

// Close stops every background propagation and polling task and waits for
// them to record their final state.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stop()
	c.mu.Unlock()
	c.wg.Wait()
}

// Chains lists the configured chains in configuration order.
func (c *Coordinator) Chains() []domain.ChainID {
	out := make([]domain.ChainID, len(c.chains))
	copy(out, c.chains)
	return out
}

// ExecuteVaultOperation validates the operation, submits it to the primary
// chain, records the canonical hash and primary receipt, and starts
// asynchronous propagation to the secondaries. A primary rejection returns an
// unsuccessful handle together with the *domain.SubmissionError and leaves
// the vault untouched.
func (c *Coordinator) ExecuteVaultOperation(ctx context.Context, vaultID string, primary domain.ChainID, payload domain.OperationPayload) (domain.OperationHandle, error) {
	handle := domain.OperationHandle{VaultID: vaultID, PrimaryChain: primary, Status: domain.OperationStatusFailed}
	if vaultID == "" {
		if payload.Type != domain.OperationCreate {
			return handle, domain.ErrVaultIDRequired
		}
		vaultID = c.newID()
		handle.VaultID = vaultID
	}
	if err := payload.Validate(); err != nil {
		return handle, err
	}
	adapter, ok := c.adapters[primary]
	if !ok {
		return handle, fmt.Errorf("%w: %s", domain.ErrUnknownChain, primary)
	}
	body, hash, err := canonical.EncodePayload(vaultID, payload)
	if err != nil {
		return handle, err
	}

	unlock, err := c.locker.Lock(ctx, vaultID)
	if err != nil {
		return handle, fmt.Errorf("lock vault %s: %w", vaultID, err)
	}
	defer unlock()

	vault, err := c.loadVault(ctx, vaultID)
	if err != nil {
		return handle, err
	}
	current, err := c.currentOperation(ctx, vault)
	if err != nil {
		return handle, err
	}
	if err := vault.Admits(payload.Type, current); err != nil {
		return handle, err
	}
	if err := c.admit(ctx, payload, vaultID, primary, vault); err != nil {
		return handle, err
	}

	now := c.now()
	vaultLevel := 0
	if vault != nil {
		vaultLevel = vault.SecurityLevel
	}
	op := domain.Operation{
		ID:               c.newID(),
		VaultID:          vaultID,
		Type:             payload.Type,
		Payload:          payload,
		CanonicalPayload: body,
		PayloadHash:      hash,
		PrimaryChain:     primary,
		SecondaryChains:  domain.SecondariesOf(primary, c.chains),
		SecurityLevel:    payload.EffectiveSecurityLevel(vaultLevel),
		Status:           domain.OperationStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	handle.OperationID = op.ID
	handle.PayloadHash = hash
	if err := c.operations.Create(ctx, op); err != nil {
		return handle, fmt.Errorf("create operation: %w", err)
	}
	log := c.opLogger(op)

	receipt, err := adapter.Submit(ctx, op)
	if err != nil {
		c.metrics.SubmissionResult(primary, submissionResultReject)
		log.WithError(err).Warn("primary chain rejected operation")
		c.markFailed(ctx, op)
		return handle, err
	}
	c.metrics.SubmissionResult(primary, submissionResultOK)
	handle.PrimaryTxRef = receipt.TxRef

	if err := c.registry.RegisterOperation(ctx, domain.OperationRecord{
		VaultID:       vaultID,
		OperationID:   op.ID,
		PrimaryChain:  primary,
		CanonicalHash: hash,
		CreatedAt:     now,
	}); err != nil {
		return handle, c.registryFailure(ctx, op, "register operation", err)
	}
	if err := c.registry.RecordReceipt(ctx, vaultID, op.ID, receipt); err != nil {
		return handle, c.registryFailure(ctx, op, "record primary receipt", err)
	}

	op.Status = domain.OperationStatusPrimarySubmitted
	op.UpdatedAt = c.now()
	if err := c.operations.Update(ctx, op); err != nil {
		return handle, fmt.Errorf("update operation: %w", err)
	}
	if err := c.acceptIntoVault(ctx, vault, op); err != nil {
		return handle, err
	}
	log.WithField("tx_ref", receipt.TxRef).Info("primary chain accepted operation")

	c.startTask(op, c.propagate)
	handle.Success = true
	handle.Status = domain.OperationStatusPrimarySubmitted
	return handle, nil
}

// VerifyTripleChainConsistency computes the verdict for an operation from the
// registry as it stands. Repeated calls without new receipts return equal
// verdicts. An operation the primary chain rejected never reached the
// registry; its verdict is judged against no receipts at all.
func (c *Coordinator) VerifyTripleChainConsistency(ctx context.Context, vaultID, operationID string) (domain.ConsistencyVerdict, error) {
	op, err := c.GetOperation(ctx, vaultID, operationID)
	if err != nil {
		return domain.ConsistencyVerdict{}, err
	}
	verdict, receipts, err := c.snapshot(ctx, *op)
	if errors.Is(err, domain.ErrNotFound) && op.Status == domain.OperationStatusFailed {
		return c.engine.Evaluate(*op, op.PayloadHash, nil), nil
	}
	if err != nil {
		return domain.ConsistencyVerdict{}, err
	}
	c.raiseProofAlerts(ctx, *op, verdict, receipts)
	return verdict, nil
}

func (c *Coordinator) GetOperation(ctx context.Context, vaultID, operationID string) (*domain.Operation, error) {
	if err := domain.RequireIDs(vaultID, operationID); err != nil {
		return nil, err
	}
	op, err := c.operations.Get(ctx, vaultID, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, domain.ErrOperationNotFound
	}
	return op, nil
}

// Receipts returns the current receipts for an operation, primary first.
func (c *Coordinator) Receipts(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	op, err := c.GetOperation(ctx, vaultID, operationID)
	if err != nil {
		return nil, err
	}
	receipts, err := c.registry.GetReceipts(ctx, vaultID, operationID)
	if err != nil {
		return nil, err
	}
	order := make(map[domain.ChainID]int, len(receipts))
	for i, chain := range op.Chains() {
		order[chain] = i
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return order[receipts[i].Chain] < order[receipts[j].Chain]
	})
	return receipts, nil
}

// snapshot reads the registry once and evaluates it.
func (c *Coordinator) snapshot(ctx context.Context, op domain.Operation) (domain.ConsistencyVerdict, map[domain.ChainID]domain.ChainReceipt, error) {
	hash, err := c.registry.GetCanonicalHash(ctx, op.VaultID, op.ID)
	if err != nil {
		return domain.ConsistencyVerdict{}, nil, fmt.Errorf("canonical hash: %w", err)
	}
	receipts, err := c.registry.GetReceipts(ctx, op.VaultID, op.ID)
	if err != nil {
		return domain.ConsistencyVerdict{}, nil, fmt.Errorf("receipts: %w", err)
	}
	return c.engine.Evaluate(op, hash, receipts), domain.ReceiptByChain(receipts), nil
}

func (c *Coordinator) loadVault(ctx context.Context, vaultID string) (*domain.Vault, error) {
	vault, err := c.vaults.Get(ctx, vaultID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	return vault, nil
}

// currentOperation loads the operation the vault last accepted, if any.
func (c *Coordinator) currentOperation(ctx context.Context, vault *domain.Vault) (*domain.Operation, error) {
	if vault == nil || vault.CurrentOperationID == "" {
		return nil, nil
	}
	op, err := c.operations.Get(ctx, vault.ID, vault.CurrentOperationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current operation: %w", err)
	}
	return op, nil
}

func (c *Coordinator) admit(ctx context.Context, payload domain.OperationPayload, vaultID string, primary domain.ChainID, vault *domain.Vault) error {
	if c.policy == nil {
		return nil
	}
	input := domain.NewAdmissionInput(payload, vaultID, primary, vault, c.now().Unix())
	eval, err := c.policy.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("admission policy: %w", err)
	}
	if eval.Result.Allow {
		return nil
	}
	codes := make([]string, 0, len(eval.Result.Deny))
	for _, deny := range eval.Result.Deny {
		codes = append(codes, deny.Code)
	}
	return fmt.Errorf("%w: %s", domain.ErrPolicyDenied, strings.Join(codes, ","))
}

// acceptIntoVault records the primary's acceptance on the vault. Called with
// the vault lock held.
func (c *Coordinator) acceptIntoVault(ctx context.Context, vault *domain.Vault, op domain.Operation) error {
	now := c.now()
	if vault == nil {
		created := domain.Vault{
			ID:                 op.VaultID,
			PrimaryChain:       op.PrimaryChain,
			State:              domain.VaultStatePending,
			CurrentOperationID: op.ID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if body := op.Payload.Create; body != nil {
			created.OwnerAddress = body.OwnerAddress
			created.SecurityLevel = body.SecurityLevel
		}
		if err := c.vaults.Create(ctx, created); err != nil {
			return fmt.Errorf("create vault: %w", err)
		}
		return nil
	}
	updated := *vault
	updated.State = vault.AcceptedState(op.Type)
	updated.CurrentOperationID = op.ID
	updated.UpdatedAt = now
	if err := c.vaults.Update(ctx, updated); err != nil {
		return fmt.Errorf("update vault: %w", err)
	}
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, op domain.Operation) {
	op.Status = domain.OperationStatusFailed
	op.UpdatedAt = c.now()
	if err := c.operations.Update(ctx, op); err != nil {
		c.opLogger(op).WithError(err).Error("record failed operation")
	}
}

// registryFailure surfaces a registry write error for the current attempt.
func (c *Coordinator) registryFailure(ctx context.Context, op domain.Operation, action string, err error) error {
	regErr := &domain.RegistryError{Op: action, Err: err}
	c.opLogger(op).WithError(err).Error("proof registry write failed")
	c.alerts.Raise(ctx, domain.Alert{
		Level:       domain.AlertWarning,
		Kind:        domain.AlertKindRegistryWrite,
		VaultID:     op.VaultID,
		OperationID: op.ID,
		Detail:      regErr.Error(),
	})
	c.markFailed(ctx, op)
	return regErr
}

// raiseProofAlerts escalates every proof_invalid finding once per receipt.
func (c *Coordinator) raiseProofAlerts(ctx context.Context, op domain.Operation, verdict domain.ConsistencyVerdict, receipts map[domain.ChainID]domain.ChainReceipt) {
	for _, finding := range verdict.Inconsistent {
		if finding.Reason != domain.ReasonProofInvalid {
			continue
		}
		txRef := ""
		if receipt, ok := receipts[finding.Chain]; ok {
			txRef = receipt.TxRef
		}
		key := op.VaultID + "/" + op.ID + "/" + string(finding.Chain) + "/" + txRef
		if !c.alerted.SetIfAbsent(key, struct{}{}) {
			continue
		}
		proofErr := &domain.ProofInvalidError{Chain: finding.Chain, VaultID: op.VaultID, OperationID: op.ID, TxRef: txRef}
		c.metrics.ProofInvalid(finding.Chain)
		c.alerts.Raise(ctx, domain.Alert{
			Level:       domain.AlertCritical,
			Kind:        domain.AlertKindProofInvalid,
			VaultID:     op.VaultID,
			OperationID: op.ID,
			Chain:       finding.Chain,
			TxRef:       txRef,
			Detail:      proofErr.Error(),
		})
	}
}

func (c *Coordinator) opLogger(op domain.Operation) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"vault_id":      op.VaultID,
		"operation_id":  op.ID,
		"operation":     op.Type,
		"primary_chain": op.PrimaryChain,
	})
}
