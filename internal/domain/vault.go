package domain

import (
	"fmt"
	"time"
)

type VaultState string

const (
	VaultStatePending            VaultState = "pending"
	VaultStateActive             VaultState = "active"
	VaultStateLocked             VaultState = "locked"
	VaultStateUnlocking          VaultState = "unlocking"
	VaultStateRecoveryInProgress VaultState = "recovery_in_progress"
	VaultStateRecovered          VaultState = "recovered"
)

const (
	MinSecurityLevel = 1
	MaxSecurityLevel = 5
)

type Vault struct {
	ID                 string
	OwnerAddress       string
	SecurityLevel      int
	UnlockTime         *time.Time
	PrimaryChain       ChainID
	State              VaultState
	CurrentOperationID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (v Vault) Terminal() bool {
	return v.State == VaultStateRecovered
}

// RequiredQuorum maps a security level to the number of chains (primary
// included) that must hold a matching, verified proof. Levels above 3 need
// every configured chain; there are only three.
func RequiredQuorum(securityLevel int) int {
	switch {
	case securityLevel <= 1:
		return 1
	case securityLevel == 2:
		return 2
	default:
		return 3
	}
}

// Admits reports whether an operation of the given type may be submitted
// against the vault in its current state. current is the operation named by
// CurrentOperationID, or nil. Unlock and update are refused while current is
// still pending on the primary chain; emergency recovery is accepted from any
// non-terminal state because it supersedes whatever is in flight.
func (v *Vault) Admits(opType OperationType, current *Operation) error {
	if opType == OperationCreate {
		if v != nil {
			return fmt.Errorf("%w: vault %s already exists", ErrVaultExists, v.ID)
		}
		return nil
	}
	if v == nil {
		return ErrVaultNotFound
	}
	if v.Terminal() {
		return fmt.Errorf("%w: vault %s is %s", ErrVaultState, v.ID, v.State)
	}
	switch opType {
	case OperationRecover:
		return nil
	case OperationUnlock, OperationUpdate:
		if v.State != VaultStateActive && v.State != VaultStateLocked {
			return fmt.Errorf("%w: %s not allowed while vault is %s", ErrVaultState, opType, v.State)
		}
		if current != nil && current.ID == v.CurrentOperationID && current.Pending() {
			return fmt.Errorf("%w: %s is still pending on vault %s", ErrOperationInFlight, current.ID, v.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, opType)
	}
}

// AcceptedState is the state a vault enters once the primary chain has
// accepted (but not yet finalized) an operation.
func (v Vault) AcceptedState(opType OperationType) VaultState {
	switch opType {
	case OperationCreate:
		return VaultStatePending
	case OperationUnlock:
		return VaultStateUnlocking
	case OperationRecover:
		return VaultStateRecoveryInProgress
	default:
		return v.State
	}
}

// ApplyConfirmed folds a primary-confirmed operation into the vault.
func (v *Vault) ApplyConfirmed(op Operation, now time.Time) {
	switch op.Type {
	case OperationCreate:
		if body := op.Payload.Create; body != nil {
			v.OwnerAddress = body.OwnerAddress
			v.SecurityLevel = body.SecurityLevel
			v.UnlockTime = cloneTime(body.UnlockTime)
		}
		v.State = VaultStateActive
		if v.UnlockTime != nil && v.UnlockTime.After(now) {
			v.State = VaultStateLocked
		}
	case OperationUnlock:
		v.UnlockTime = nil
		v.State = VaultStateActive
	case OperationUpdate:
		if body := op.Payload.Update; body != nil {
			if body.OwnerAddress != "" {
				v.OwnerAddress = body.OwnerAddress
			}
			if body.SecurityLevel != nil {
				v.SecurityLevel = *body.SecurityLevel
			}
			if body.UnlockTime != nil {
				v.UnlockTime = cloneTime(body.UnlockTime)
			}
		}
		if v.State == VaultStateActive || v.State == VaultStateLocked {
			v.State = VaultStateActive
			if v.UnlockTime != nil && v.UnlockTime.After(now) {
				v.State = VaultStateLocked
			}
		}
	case OperationRecover:
		v.State = VaultStateRecovered
	}
	v.UpdatedAt = now
}

// ShouldApply reports whether a primary-confirmed operation still governs the
// vault. Operations superseded by a recovery are not applied.
func (v Vault) ShouldApply(op Operation) bool {
	if v.Terminal() {
		return false
	}
	switch op.Type {
	case OperationRecover:
		return v.CurrentOperationID == op.ID
	case OperationCreate:
		return v.CurrentOperationID == op.ID && v.State == VaultStatePending
	case OperationUnlock:
		return v.CurrentOperationID == op.ID && v.State == VaultStateUnlocking
	default:
		return v.State == VaultStateActive || v.State == VaultStateLocked
	}
}

// RevertAccepted undoes AcceptedState after the primary chain failed the
// operation. A vault whose create failed stays pending.
func (v *Vault) RevertAccepted(op Operation, now time.Time) {
	if v.CurrentOperationID != op.ID || op.Type == OperationCreate {
		return
	}
	if v.State != VaultStateUnlocking && v.State != VaultStateRecoveryInProgress {
		return
	}
	v.State = VaultStateActive
	if v.UnlockTime != nil && v.UnlockTime.After(now) {
		v.State = VaultStateLocked
	}
	v.UpdatedAt = now
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := t.UTC()
	return &out
}
