package domain

type RecoveryResult struct {
	Success         bool               `json:"success"`
	OperationID     string             `json:"operation_id"`
	SourceChain     ChainID            `json:"source_chain"`
	RecoveredChains []ChainID          `json:"recovered_chains"`
	FailedChains    []ChainFinding     `json:"failed_chains,omitempty"`
	Verdict         ConsistencyVerdict `json:"verdict"`
}

type EmergencyRecoveryResult struct {
	Success      bool    `json:"success"`
	RecoveryID   string  `json:"recovery_id,omitempty"`
	PrimaryChain ChainID `json:"primary_chain"`
	PrimaryTxRef string  `json:"primary_tx_ref,omitempty"`
}

// ChainStatus is one chain's view of a vault's current operation.
type ChainStatus struct {
	Chain    ChainID       `json:"chain"`
	Primary  bool          `json:"primary"`
	Status   string        `json:"status"`
	TxRef    string        `json:"tx_ref,omitempty"`
	Verified bool          `json:"verified"`
	Reason   FindingReason `json:"reason,omitempty"`
}

type VaultSecurityStatus struct {
	VaultID            string        `json:"vault_id"`
	State              VaultState    `json:"state"`
	SecurityLevel      int           `json:"security_level"`
	RequiredQuorum     int           `json:"required_quorum"`
	CurrentOperationID string        `json:"current_operation_id,omitempty"`
	PerChainStatus     []ChainStatus `json:"per_chain_status"`
	CrossChainVerified bool          `json:"cross_chain_verified"`
}

type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
)

const (
	AlertKindProofInvalid         = "proof_invalid"
	AlertKindPropagationExhausted = "propagation_exhausted"
	AlertKindRegistryWrite        = "registry_write_failed"
)

type Alert struct {
	Level       AlertLevel
	Kind        string
	VaultID     string
	OperationID string
	Chain       ChainID
	TxRef       string
	Detail      string
}
