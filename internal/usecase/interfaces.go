package usecase

import (
	"context"
	"time"

	"chainvault/internal/domain"
)

// ChainAdapter is one ledger as the coordinator sees it. Implementations share
// no mutable state with each other.
type ChainAdapter interface {
	Chain() domain.ChainID
	// Submit sends the operation and returns a Submitted receipt, or a
	// *domain.SubmissionError. It does not retry.
	Submit(ctx context.Context, op domain.Operation) (domain.ChainReceipt, error)
	// QueryStatus returns the chain's current receipt for txRef. A lookup that
	// outlives the adapter timeout is a *domain.QueryTimeoutError.
	QueryStatus(ctx context.Context, txRef string) (domain.ChainReceipt, error)
	VerifyProof(proof []byte, expectedHash string) bool
}

// VaultLocker serializes submissions per vault.
type VaultLocker interface {
	Lock(ctx context.Context, vaultID string) (unlock func(), err error)
}

type AdmissionPolicy interface {
	Evaluate(ctx context.Context, input domain.AdmissionInput) (domain.PolicyEvaluation, error)
}

type Metrics interface {
	SubmissionResult(chain domain.ChainID, result string)
	PropagationAttempt(chain domain.ChainID)
	Verdict(status domain.OperationStatus)
	ProofInvalid(chain domain.ChainID)
}

type AlertSink interface {
	Raise(ctx context.Context, alert domain.Alert)
}

type Clock func() time.Time

type IDGenerator func() string

type noopMetrics struct{}

func (noopMetrics) SubmissionResult(domain.ChainID, string) {}
func (noopMetrics) PropagationAttempt(domain.ChainID)       {}
func (noopMetrics) Verdict(domain.OperationStatus)          {}
func (noopMetrics) ProofInvalid(domain.ChainID)             {}

type noopAlerts struct{}

func (noopAlerts) Raise(context.Context, domain.Alert) {}
