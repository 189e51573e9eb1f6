package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrVaultNotFound         = fmt.Errorf("vault %w", ErrNotFound)
	ErrOperationNotFound     = fmt.Errorf("operation %w", ErrNotFound)
	ErrVaultIDRequired       = errors.New("vault id is required")
	ErrVaultExists           = errors.New("vault already exists")
	ErrVaultState            = errors.New("operation not allowed in vault state")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrPolicyDenied          = errors.New("operation denied by policy")
	ErrOperationInFlight     = errors.New("operation still propagating")
	ErrUnknownChain          = errors.New("chain not configured")
	ErrCanonicalHashConflict = errors.New("canonical hash already recorded with a different value")
	ErrReceiptConflict       = errors.New("receipt already recorded with a different tx ref")

	ErrSubmission   = errors.New("submission rejected")
	ErrQueryTimeout = errors.New("chain query timed out")
	ErrProofInvalid = errors.New("proof invalid")
	ErrRecovery     = errors.New("recovery not possible")
	ErrRegistry     = errors.New("proof registry write failed")
)

// SubmissionError reports a chain rejecting a transaction outright.
type SubmissionError struct {
	Chain   ChainID
	Reason  string
	Timeout bool
	Err     error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s: submission rejected", e.Chain)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSubmission}
	}
	return []error{ErrSubmission, e.Err}
}

// QueryTimeoutError is absence of evidence: the chain did not answer in time.
type QueryTimeoutError struct {
	Chain ChainID
	TxRef string
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("%s: status query for %s timed out", e.Chain, e.TxRef)
}

func (e *QueryTimeoutError) Unwrap() error {
	return ErrQueryTimeout
}

// ProofInvalidError is a security event: a confirmed receipt whose proof does
// not attest the canonical hash.
type ProofInvalidError struct {
	Chain       ChainID
	VaultID     string
	OperationID string
	TxRef       string
}

func (e *ProofInvalidError) Error() string {
	return fmt.Sprintf("%s: proof for operation %s (tx %s) does not attest the canonical hash", e.Chain, e.OperationID, e.TxRef)
}

func (e *ProofInvalidError) Unwrap() error {
	return ErrProofInvalid
}

// RecoveryError means the designated source of truth cannot be trusted.
type RecoveryError struct {
	Chain  ChainID
	Reason string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery from %s: %s", e.Chain, e.Reason)
}

func (e *RecoveryError) Unwrap() error {
	return ErrRecovery
}

// RegistryError wraps a failed proof registry write. It is never retried
// silently.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("proof registry %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() []error {
	return []error{ErrRegistry, e.Err}
}
