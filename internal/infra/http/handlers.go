package http

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"chainvault/internal/domain"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type executeRequest struct {
	PrimaryChain string                  `json:"primary_chain"`
	Payload      domain.OperationPayload `json:"payload"`
}

type recoverRequest struct {
	SourceChain string `json:"source_chain"`
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

type receiptResponse struct {
	Chain               domain.ChainID       `json:"chain"`
	TxRef               string               `json:"tx_ref"`
	Status              domain.ReceiptStatus `json:"status"`
	Proof               string               `json:"proof,omitempty"`
	ObservedPayloadHash string               `json:"observed_payload_hash,omitempty"`
	QueryError          string               `json:"query_error,omitempty"`
	SubmittedAt         string               `json:"submitted_at,omitempty"`
	UpdatedAt           string               `json:"updated_at,omitempty"`
}

type operationResponse struct {
	OperationID     string                     `json:"operation_id"`
	VaultID         string                     `json:"vault_id"`
	Type            domain.OperationType       `json:"type"`
	PayloadHash     string                     `json:"payload_hash"`
	PrimaryChain    domain.ChainID             `json:"primary_chain"`
	SecondaryChains []domain.ChainID           `json:"secondary_chains"`
	SecurityLevel   int                        `json:"security_level"`
	Status          domain.OperationStatus     `json:"status"`
	Applied         bool                       `json:"applied"`
	Verdict         *domain.ConsistencyVerdict `json:"verdict,omitempty"`
	Receipts        []receiptResponse          `json:"receipts"`
	CreatedAt       string                     `json:"created_at"`
	UpdatedAt       string                     `json:"updated_at"`
}

func (s *Server) handleCreateVault(c *gin.Context) {
	s.execute(c, "")
}

func (s *Server) handleExecuteOperation(c *gin.Context) {
	s.execute(c, c.Param("vault_id"))
}

func (s *Server) execute(c *gin.Context, vaultID string) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	primary, err := domain.ParseChainID(req.PrimaryChain)
	if err != nil {
		writeError(c, err)
		return
	}
	handle, err := s.vaults.ExecuteVaultOperation(c.Request.Context(), vaultID, primary, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

func (s *Server) handleGetOperation(c *gin.Context) {
	ctx := c.Request.Context()
	vaultID, opID := c.Param("vault_id"), c.Param("operation_id")
	op, err := s.vaults.GetOperation(ctx, vaultID, opID)
	if err != nil {
		writeError(c, err)
		return
	}
	receipts, err := s.vaults.Receipts(ctx, vaultID, opID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildOperationResponse(*op, receipts))
}

func (s *Server) handleConsistency(c *gin.Context) {
	verdict, err := s.vaults.VerifyTripleChainConsistency(c.Request.Context(), c.Param("vault_id"), c.Param("operation_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// handleOutcome blocks until polling for the operation stops or the wait
// parameter elapses.
func (s *Server) handleOutcome(c *gin.Context) {
	wait := s.maxAwait
	if raw := c.Query("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "wait must be a positive duration")
			return
		}
		if parsed < wait {
			wait = parsed
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	outcome, err := s.vaults.AwaitOutcome(ctx, c.Param("vault_id"), c.Param("operation_id"))
	if errors.Is(err, context.DeadlineExceeded) {
		writeErrorCode(c, http.StatusAccepted, "PENDING", "operation still propagating")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleRecover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	source, err := domain.ParseChainID(req.SourceChain)
	if err != nil {
		writeError(c, err)
		return
	}
	result, err := s.vaults.RecoverChainConsistency(c.Request.Context(), c.Param("vault_id"), c.Param("operation_id"), source)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEmergencyRecovery(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "reason is required")
		return
	}
	result, err := s.vaults.InitiateEmergencyRecovery(c.Request.Context(), c.Param("vault_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleSecurityStatus(c *gin.Context) {
	status, err := s.vaults.GetVaultSecurityStatus(c.Request.Context(), c.Param("vault_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func buildOperationResponse(op domain.Operation, receipts []domain.ChainReceipt) operationResponse {
	out := operationResponse{
		OperationID:     op.ID,
		VaultID:         op.VaultID,
		Type:            op.Type,
		PayloadHash:     op.PayloadHash,
		PrimaryChain:    op.PrimaryChain,
		SecondaryChains: op.SecondaryChains,
		SecurityLevel:   op.SecurityLevel,
		Status:          op.Status,
		Applied:         op.Applied,
		Verdict:         op.Verdict,
		Receipts:        make([]receiptResponse, 0, len(receipts)),
		CreatedAt:       formatTime(op.CreatedAt),
		UpdatedAt:       formatTime(op.UpdatedAt),
	}
	for _, r := range receipts {
		rr := receiptResponse{
			Chain:               r.Chain,
			TxRef:               r.TxRef,
			Status:              r.Status,
			ObservedPayloadHash: r.ObservedPayloadHash,
			QueryError:          r.QueryError,
			SubmittedAt:         formatTime(r.SubmittedAt),
			UpdatedAt:           formatTime(r.UpdatedAt),
		}
		if len(r.Proof) > 0 {
			rr.Proof = base64.StdEncoding.EncodeToString(r.Proof)
		}
		out.Receipts = append(out.Receipts, rr)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrVaultIDRequired), errors.Is(err, domain.ErrInvalidOperation):
		status, code = http.StatusBadRequest, "INVALID_OPERATION"
	case errors.Is(err, domain.ErrUnknownChain):
		status, code = http.StatusBadRequest, "UNKNOWN_CHAIN"
	case errors.Is(err, domain.ErrPolicyDenied):
		status, code = http.StatusForbidden, "POLICY_DENIED"
	case errors.Is(err, domain.ErrVaultExists):
		status, code = http.StatusConflict, "VAULT_EXISTS"
	case errors.Is(err, domain.ErrVaultState):
		status, code = http.StatusConflict, "VAULT_STATE"
	case errors.Is(err, domain.ErrOperationInFlight):
		status, code = http.StatusConflict, "OPERATION_IN_FLIGHT"
	case errors.Is(err, domain.ErrCanonicalHashConflict), errors.Is(err, domain.ErrReceiptConflict):
		status, code = http.StatusConflict, "REGISTRY_CONFLICT"
	case errors.Is(err, domain.ErrRecovery):
		status, code = http.StatusUnprocessableEntity, "RECOVERY_REFUSED"
	case errors.Is(err, domain.ErrSubmission):
		status, code = http.StatusBadGateway, "SUBMISSION_REJECTED"
	case errors.Is(err, domain.ErrRegistry):
		status, code = http.StatusInternalServerError, "REGISTRY_WRITE_FAILED"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
