package domain

type FindingReason string

const (
	ReasonHashMismatch FindingReason = "hash_mismatch"
	ReasonProofInvalid FindingReason = "proof_invalid"
	ReasonNotConfirmed FindingReason = "not_confirmed"
	ReasonMissing      FindingReason = "missing"
	// ReasonPrimaryUnconfirmed marks secondaries that cannot be judged because
	// the primary chain, the arbiter, has not finalized yet.
	ReasonPrimaryUnconfirmed FindingReason = "primary_unconfirmed"
)

// Contradicting reports whether the reason is positive evidence against the
// canonical hash, as opposed to absence of evidence.
func (r FindingReason) Contradicting() bool {
	return r == ReasonHashMismatch || r == ReasonProofInvalid
}

type ChainFinding struct {
	Chain  ChainID       `json:"chain"`
	Reason FindingReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

type ConsistencyVerdict struct {
	VaultID          string         `json:"vault_id"`
	OperationID      string         `json:"operation_id"`
	PrimaryChain     ChainID        `json:"primary_chain"`
	CanonicalHash    string         `json:"canonical_hash"`
	PrimaryConfirmed bool           `json:"primary_confirmed"`
	Consistent       bool           `json:"consistent"`
	VerifiedChains   []ChainID      `json:"verified_chains"`
	Inconsistent     []ChainFinding `json:"inconsistent_chains"`
	RequiredQuorum   int            `json:"required_quorum"`
}

// Finding returns the recorded finding for chain, if any.
func (v ConsistencyVerdict) Finding(chain ChainID) (ChainFinding, bool) {
	for _, f := range v.Inconsistent {
		if f.Chain == chain {
			return f, true
		}
	}
	return ChainFinding{}, false
}

func (v ConsistencyVerdict) Verified(chain ChainID) bool {
	if chain == v.PrimaryChain {
		return v.PrimaryConfirmed
	}
	for _, c := range v.VerifiedChains {
		if c == chain {
			return true
		}
	}
	return false
}

// HasContradiction reports whether any chain holds evidence against the
// canonical hash.
func (v ConsistencyVerdict) HasContradiction() bool {
	for _, f := range v.Inconsistent {
		if f.Reason.Contradicting() {
			return true
		}
	}
	return false
}

// Outcome classifies a verdict once polling has stopped.
func (v ConsistencyVerdict) Outcome() OperationStatus {
	switch {
	case v.Consistent:
		return OperationStatusVerified
	case v.HasContradiction():
		return OperationStatusInconsistent
	case !v.PrimaryConfirmed:
		return OperationStatusTimedOut
	default:
		return OperationStatusPartiallyVerified
	}
}
