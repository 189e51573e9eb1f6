package domain

// AdmissionInput is the document evaluated by the admission policy before an
// operation is sent to its primary chain.
type AdmissionInput struct {
	Operation AdmissionOperation `json:"operation"`
	Vault     *AdmissionVault    `json:"vault,omitempty"`
	NowUnix   int64              `json:"now_unix"`
}

type AdmissionOperation struct {
	Type          OperationType `json:"type"`
	VaultID       string        `json:"vault_id"`
	PrimaryChain  ChainID       `json:"primary_chain"`
	SecurityLevel *int          `json:"security_level,omitempty"`
	QuorumLevel   *int          `json:"quorum_level,omitempty"`
	UnlockUnix    *int64        `json:"unlock_time_unix,omitempty"`
}

type AdmissionVault struct {
	State         VaultState `json:"state"`
	SecurityLevel int        `json:"security_level"`
	UnlockUnix    *int64     `json:"unlock_time_unix,omitempty"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type PolicyEvaluation struct {
	BundleID   string       `json:"bundle_id,omitempty"`
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}

// NewAdmissionInput builds the policy document for an operation.
func NewAdmissionInput(payload OperationPayload, vaultID string, primary ChainID, vault *Vault, nowUnix int64) AdmissionInput {
	in := AdmissionInput{
		Operation: AdmissionOperation{
			Type:         payload.Type,
			VaultID:      vaultID,
			PrimaryChain: primary,
			QuorumLevel:  payload.SecurityLevel,
		},
		NowUnix: nowUnix,
	}
	switch {
	case payload.Create != nil:
		level := payload.Create.SecurityLevel
		in.Operation.SecurityLevel = &level
		if payload.Create.UnlockTime != nil {
			unix := payload.Create.UnlockTime.Unix()
			in.Operation.UnlockUnix = &unix
		}
	case payload.Update != nil:
		in.Operation.SecurityLevel = payload.Update.SecurityLevel
		if payload.Update.UnlockTime != nil {
			unix := payload.Update.UnlockTime.Unix()
			in.Operation.UnlockUnix = &unix
		}
	}
	if vault != nil {
		av := &AdmissionVault{State: vault.State, SecurityLevel: vault.SecurityLevel}
		if vault.UnlockTime != nil {
			unix := vault.UnlockTime.Unix()
			av.UnlockUnix = &unix
		}
		in.Vault = av
	}
	return in
}
