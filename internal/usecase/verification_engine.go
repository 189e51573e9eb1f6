package usecase

import (
	"context"
	"errors"
	"fmt"

	"chainvault/internal/domain"
)

// VerificationEngine derives consistency verdicts from registry state. It
// never writes.
type VerificationEngine struct {
	registry domain.ProofRegistry
	adapters map[domain.ChainID]ChainAdapter
}

func NewVerificationEngine(registry domain.ProofRegistry, adapters map[domain.ChainID]ChainAdapter) *VerificationEngine {
	return &VerificationEngine{registry: registry, adapters: adapters}
}

// Verify builds the verdict for op from the registered canonical hash and the
// receipts currently recorded.
func (e *VerificationEngine) Verify(ctx context.Context, op domain.Operation) (domain.ConsistencyVerdict, error) {
	if e == nil || e.registry == nil {
		return domain.ConsistencyVerdict{}, errors.New("verification engine is not configured")
	}
	hash, err := e.registry.GetCanonicalHash(ctx, op.VaultID, op.ID)
	if err != nil {
		return domain.ConsistencyVerdict{}, fmt.Errorf("canonical hash: %w", err)
	}
	receipts, err := e.registry.GetReceipts(ctx, op.VaultID, op.ID)
	if err != nil {
		return domain.ConsistencyVerdict{}, fmt.Errorf("receipts: %w", err)
	}
	return e.Evaluate(op, hash, receipts), nil
}

// Evaluate is the verdict computation over an explicit snapshot.
func (e *VerificationEngine) Evaluate(op domain.Operation, canonicalHash string, receipts []domain.ChainReceipt) domain.ConsistencyVerdict {
	byChain := domain.ReceiptByChain(receipts)
	verdict := domain.ConsistencyVerdict{
		VaultID:        op.VaultID,
		OperationID:    op.ID,
		PrimaryChain:   op.PrimaryChain,
		CanonicalHash:  canonicalHash,
		VerifiedChains: []domain.ChainID{},
		Inconsistent:   []domain.ChainFinding{},
		RequiredQuorum: domain.RequiredQuorum(op.SecurityLevel),
	}

	primary, ok := byChain[op.PrimaryChain]
	verdict.PrimaryConfirmed = ok && primary.Status == domain.ReceiptConfirmed
	primaryFinding, primaryOK := e.Assess(op.PrimaryChain, canonicalHash, primary, ok)
	if !primaryOK {
		verdict.Inconsistent = append(verdict.Inconsistent, primaryFinding)
	}

	for _, chain := range op.SecondaryChains {
		receipt, ok := byChain[chain]
		finding, verified := e.Assess(chain, canonicalHash, receipt, ok)
		if !verdict.PrimaryConfirmed {
			// Without a confirmed primary nothing can be judged.
			detail := "primary chain has not confirmed"
			if !verified {
				detail += "; chain reports " + string(finding.Reason)
			}
			verdict.Inconsistent = append(verdict.Inconsistent, domain.ChainFinding{
				Chain:  chain,
				Reason: domain.ReasonPrimaryUnconfirmed,
				Detail: detail,
			})
			continue
		}
		if verified {
			verdict.VerifiedChains = append(verdict.VerifiedChains, chain)
			continue
		}
		verdict.Inconsistent = append(verdict.Inconsistent, finding)
	}

	verdict.Consistent = primaryOK && len(verdict.VerifiedChains)+1 >= verdict.RequiredQuorum
	return verdict
}

// Assess judges a single chain's receipt against the canonical hash. present
// is false when the registry holds no receipt for the chain.
func (e *VerificationEngine) Assess(chain domain.ChainID, canonicalHash string, receipt domain.ChainReceipt, present bool) (domain.ChainFinding, bool) {
	finding := domain.ChainFinding{Chain: chain}
	switch {
	case !present:
		finding.Reason = domain.ReasonMissing
		finding.Detail = "no receipt recorded"
	case receipt.Status == domain.ReceiptFailed:
		finding.Reason = domain.ReasonMissing
		finding.Detail = "transaction failed"
		if receipt.ErrorDetail != "" {
			finding.Detail += ": " + receipt.ErrorDetail
		}
	case receipt.Status != domain.ReceiptConfirmed && receipt.QueryError == domain.QueryErrorTimeout:
		finding.Reason = domain.ReasonMissing
		finding.Detail = "status query timed out"
	case receipt.Status != domain.ReceiptConfirmed:
		finding.Reason = domain.ReasonNotConfirmed
		finding.Detail = "receipt is " + string(receipt.Status)
	case receipt.ObservedPayloadHash != canonicalHash:
		finding.Reason = domain.ReasonHashMismatch
		finding.Detail = fmt.Sprintf("observed %s", receipt.ObservedPayloadHash)
	case !e.verifyProof(chain, receipt.Proof, canonicalHash):
		finding.Reason = domain.ReasonProofInvalid
		finding.Detail = "proof does not attest the canonical hash"
	default:
		return domain.ChainFinding{}, true
	}
	return finding, false
}

func (e *VerificationEngine) verifyProof(chain domain.ChainID, proof []byte, hash string) bool {
	adapter, ok := e.adapters[chain]
	if !ok || len(proof) == 0 {
		return false
	}
	return adapter.VerifyProof(proof, hash)
}
