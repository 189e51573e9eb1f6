package db

import (
	"encoding/json"
	"errors"
	"strings"

	"chainvault/internal/domain"
)

var errDBUnavailable = errors.New("db unavailable")

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func joinChains(chains []domain.ChainID) string {
	parts := make([]string, len(chains))
	for i, c := range chains {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitChains(value string) []domain.ChainID {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]domain.ChainID, len(parts))
	for i, p := range parts {
		out[i] = domain.ChainID(p)
	}
	return out
}

func vaultToModel(v domain.Vault) VaultModel {
	return VaultModel{
		ID:                 v.ID,
		OwnerAddress:       v.OwnerAddress,
		SecurityLevel:      v.SecurityLevel,
		UnlockTime:         v.UnlockTime,
		PrimaryChain:       string(v.PrimaryChain),
		State:              string(v.State),
		CurrentOperationID: v.CurrentOperationID,
		CreatedAt:          v.CreatedAt,
		UpdatedAt:          v.UpdatedAt,
	}
}

func vaultFromModel(m VaultModel) domain.Vault {
	v := domain.Vault{
		ID:                 m.ID,
		OwnerAddress:       m.OwnerAddress,
		SecurityLevel:      m.SecurityLevel,
		PrimaryChain:       domain.ChainID(m.PrimaryChain),
		State:              domain.VaultState(m.State),
		CurrentOperationID: m.CurrentOperationID,
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
	if m.UnlockTime != nil {
		t := m.UnlockTime.UTC()
		v.UnlockTime = &t
	}
	return v
}

func operationToModel(op domain.Operation) (OperationModel, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return OperationModel{}, err
	}
	m := OperationModel{
		VaultID:          op.VaultID,
		ID:               op.ID,
		Type:             string(op.Type),
		PayloadJSON:      payload,
		CanonicalPayload: copyBytes(op.CanonicalPayload),
		PayloadHash:      op.PayloadHash,
		PrimaryChain:     string(op.PrimaryChain),
		SecondaryChains:  joinChains(op.SecondaryChains),
		SecurityLevel:    op.SecurityLevel,
		Status:           string(op.Status),
		Applied:          op.Applied,
		CreatedAt:        op.CreatedAt,
		UpdatedAt:        op.UpdatedAt,
	}
	if m.CanonicalPayload == nil {
		m.CanonicalPayload = []byte{}
	}
	if op.Verdict != nil {
		verdict, err := json.Marshal(op.Verdict)
		if err != nil {
			return OperationModel{}, err
		}
		m.VerdictJSON = verdict
	}
	return m, nil
}

func operationFromModel(m OperationModel) (domain.Operation, error) {
	op := domain.Operation{
		ID:               m.ID,
		VaultID:          m.VaultID,
		Type:             domain.OperationType(m.Type),
		CanonicalPayload: copyBytes(m.CanonicalPayload),
		PayloadHash:      m.PayloadHash,
		PrimaryChain:     domain.ChainID(m.PrimaryChain),
		SecondaryChains:  splitChains(m.SecondaryChains),
		SecurityLevel:    m.SecurityLevel,
		Status:           domain.OperationStatus(m.Status),
		Applied:          m.Applied,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(m.PayloadJSON, &op.Payload); err != nil {
		return domain.Operation{}, err
	}
	if len(m.VerdictJSON) > 0 {
		var verdict domain.ConsistencyVerdict
		if err := json.Unmarshal(m.VerdictJSON, &verdict); err != nil {
			return domain.Operation{}, err
		}
		op.Verdict = &verdict
	}
	return op, nil
}

func receiptToModel(vaultID, operationID string, r domain.ChainReceipt) ChainReceiptModel {
	return ChainReceiptModel{
		VaultID:             vaultID,
		OperationID:         operationID,
		Chain:               string(r.Chain),
		TxRef:               r.TxRef,
		Status:              string(r.Status),
		Proof:               copyBytes(r.Proof),
		ObservedPayloadHash: r.ObservedPayloadHash,
		QueryError:          r.QueryError,
		ErrorDetail:         r.ErrorDetail,
		SubmittedAt:         r.SubmittedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func receiptFromModel(m ChainReceiptModel) domain.ChainReceipt {
	return domain.ChainReceipt{
		Chain:               domain.ChainID(m.Chain),
		TxRef:               m.TxRef,
		Status:              domain.ReceiptStatus(m.Status),
		Proof:               copyBytes(m.Proof),
		ObservedPayloadHash: m.ObservedPayloadHash,
		QueryError:          m.QueryError,
		ErrorDetail:         m.ErrorDetail,
		SubmittedAt:         m.SubmittedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
	}
}
