package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type OperationType string

const (
	OperationCreate  OperationType = "create"
	OperationUnlock  OperationType = "unlock"
	OperationRecover OperationType = "recover"
	OperationUpdate  OperationType = "update"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUnlock, OperationRecover, OperationUpdate:
		return true
	}
	return false
}

// OperationStatus tracks an operation through
// created -> primary_submitted -> propagating -> one of the terminal outcomes.
type OperationStatus string

const (
	OperationStatusCreated           OperationStatus = "created"
	OperationStatusPrimarySubmitted  OperationStatus = "primary_submitted"
	OperationStatusPropagating       OperationStatus = "propagating"
	OperationStatusVerified          OperationStatus = "verified"
	OperationStatusPartiallyVerified OperationStatus = "partially_verified"
	OperationStatusInconsistent      OperationStatus = "inconsistent"
	OperationStatusTimedOut          OperationStatus = "timed_out"
	OperationStatusFailed            OperationStatus = "failed"
)

func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusVerified, OperationStatusPartiallyVerified, OperationStatusInconsistent, OperationStatusTimedOut, OperationStatusFailed:
		return true
	}
	return false
}

// Pending reports whether the operation may still change the vault: the
// primary has not confirmed it and it has not reached a final status.
func (o Operation) Pending() bool {
	return !o.Applied && !o.Status.Terminal()
}

type CreateBody struct {
	OwnerAddress  string     `json:"owner_address" validate:"required,max=128"`
	SecurityLevel int        `json:"security_level" validate:"min=1,max=5"`
	UnlockTime    *time.Time `json:"unlock_time,omitempty"`
}

type UnlockBody struct {
	RequestedBy string `json:"requested_by" validate:"required,max=128"`
}

type RecoverBody struct {
	Reason                string `json:"reason" validate:"required,max=512"`
	SupersedesOperationID string `json:"supersedes_operation_id,omitempty"`
}

type UpdateBody struct {
	OwnerAddress  string     `json:"owner_address,omitempty" validate:"omitempty,max=128"`
	SecurityLevel *int       `json:"security_level,omitempty" validate:"omitempty,min=1,max=5"`
	UnlockTime    *time.Time `json:"unlock_time,omitempty"`
}

// OperationPayload is a tagged union: Type selects exactly one non-nil body.
// SecurityLevel, when set, overrides the vault's level for this operation's
// quorum.
type OperationPayload struct {
	Type          OperationType `json:"type" validate:"required,oneof=create unlock recover update"`
	SecurityLevel *int          `json:"security_level,omitempty" validate:"omitempty,min=1,max=5"`
	Create        *CreateBody   `json:"create,omitempty"`
	Unlock        *UnlockBody   `json:"unlock,omitempty"`
	Recover       *RecoverBody  `json:"recover,omitempty"`
	Update        *UpdateBody   `json:"update,omitempty"`
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

func (p OperationPayload) Validate() error {
	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	set := 0
	for _, present := range []bool{p.Create != nil, p.Unlock != nil, p.Recover != nil, p.Update != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one operation body is required, got %d", ErrInvalidOperation, set)
	}
	if p.Body() == nil {
		return fmt.Errorf("%w: body does not match type %q", ErrInvalidOperation, p.Type)
	}
	if p.Update != nil && p.Update.OwnerAddress == "" && p.Update.SecurityLevel == nil && p.Update.UnlockTime == nil {
		return fmt.Errorf("%w: update changes nothing", ErrInvalidOperation)
	}
	return nil
}

// Body returns the body selected by Type, or nil when it is absent.
func (p OperationPayload) Body() any {
	switch p.Type {
	case OperationCreate:
		if p.Create != nil {
			return p.Create
		}
	case OperationUnlock:
		if p.Unlock != nil {
			return p.Unlock
		}
	case OperationRecover:
		if p.Recover != nil {
			return p.Recover
		}
	case OperationUpdate:
		if p.Update != nil {
			return p.Update
		}
	}
	return nil
}

type Operation struct {
	ID               string
	VaultID          string
	Type             OperationType
	Payload          OperationPayload
	CanonicalPayload []byte
	PayloadHash      string
	PrimaryChain     ChainID
	SecondaryChains  []ChainID
	SecurityLevel    int
	Status           OperationStatus
	Applied          bool
	Verdict          *ConsistencyVerdict
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Chains lists the primary followed by the secondaries.
func (o Operation) Chains() []ChainID {
	out := make([]ChainID, 0, len(o.SecondaryChains)+1)
	out = append(out, o.PrimaryChain)
	return append(out, o.SecondaryChains...)
}

// OperationHandle is what a caller gets back from submitting an operation.
type OperationHandle struct {
	Success      bool            `json:"success"`
	OperationID  string          `json:"operation_id,omitempty"`
	VaultID      string          `json:"vault_id"`
	PrimaryChain ChainID         `json:"primary_chain"`
	Status       OperationStatus `json:"status"`
	PayloadHash  string          `json:"payload_hash,omitempty"`
	PrimaryTxRef string          `json:"primary_tx_ref,omitempty"`
}

// OperationOutcome is the definite answer returned once polling stops.
type OperationOutcome struct {
	OperationID string             `json:"operation_id"`
	Status      OperationStatus    `json:"status"`
	Verdict     ConsistencyVerdict `json:"verdict"`
}

// EffectiveSecurityLevel is the level that sets the quorum for an operation
// against a vault currently at vaultLevel.
func (p OperationPayload) EffectiveSecurityLevel(vaultLevel int) int {
	if p.SecurityLevel != nil {
		return *p.SecurityLevel
	}
	if p.Create != nil {
		return p.Create.SecurityLevel
	}
	level := vaultLevel
	if p.Update != nil && p.Update.SecurityLevel != nil && *p.Update.SecurityLevel > level {
		level = *p.Update.SecurityLevel
	}
	if level < MinSecurityLevel {
		level = MinSecurityLevel
	}
	return level
}

var errEmptyOperationID = errors.New("operation id is required")

func RequireIDs(vaultID, operationID string) error {
	if vaultID == "" {
		return ErrVaultIDRequired
	}
	if operationID == "" {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, errEmptyOperationID)
	}
	return nil
}
