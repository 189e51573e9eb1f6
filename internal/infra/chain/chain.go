// Package chain holds the plumbing shared by the per-ledger adapters: call
// timeouts, error classification and receipt construction.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainvault/internal/domain"
	"chainvault/internal/infra/canonical"
	"chainvault/internal/infra/ledger"
)

const DefaultCallTimeout = 5 * time.Second

const (
	CallSubmit = "submit"
	CallQuery  = "query"
)

// Observer receives the latency and outcome of each ledger call.
type Observer interface {
	ObserveChainCall(chain domain.ChainID, call string, elapsed time.Duration, err error)
}

// EnvelopeDecoder extracts the envelope from a chain-encoded transaction body.
type EnvelopeDecoder func(body []byte) (ledger.Envelope, error)

// Caller wraps a ledger client with a per-call timeout.
type Caller struct {
	ID       domain.ChainID
	Client   ledger.Client
	Timeout  time.Duration
	Observer Observer
	Now      func() time.Time
}

func (c Caller) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultCallTimeout
	}
	return c.Timeout
}

func (c Caller) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// Send submits tx and returns a Submitted receipt, or a SubmissionError.
func (c Caller) Send(ctx context.Context, tx ledger.Tx) (domain.ChainReceipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	start := time.Now()
	ref, err := c.Client.Send(callCtx, tx)
	c.observe(CallSubmit, start, err)
	if err != nil {
		subErr := &domain.SubmissionError{Chain: c.ID, Err: err}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			subErr.Timeout = true
			subErr.Reason = "timed out"
		}
		return domain.ChainReceipt{}, subErr
	}
	if ref == "" {
		ref = tx.Ref
	}
	now := c.now()
	return domain.ChainReceipt{
		Chain:       c.ID,
		TxRef:       ref,
		Status:      domain.ReceiptSubmitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	}, nil
}

// Query looks up ref. A lookup that does not finish within the timeout is a
// QueryTimeoutError. Confirmed receipts carry the proof and the payload hash
// recomputed from the recorded body.
func (c Caller) Query(ctx context.Context, ref string, decode EnvelopeDecoder) (domain.ChainReceipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	start := time.Now()
	entry, err := c.Client.Lookup(callCtx, ref)
	c.observe(CallQuery, start, err)
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
			return domain.ChainReceipt{}, &domain.QueryTimeoutError{Chain: c.ID, TxRef: ref}
		}
		return domain.ChainReceipt{}, fmt.Errorf("%s: lookup %s: %w", c.ID, ref, err)
	}
	receipt := domain.ChainReceipt{
		Chain:     c.ID,
		TxRef:     ref,
		UpdatedAt: c.now(),
	}
	switch entry.Status {
	case ledger.StatusConfirmed:
		receipt.Status = domain.ReceiptConfirmed
		receipt.Proof = append([]byte(nil), entry.Proof...)
		env, err := decode(entry.Body)
		if err != nil {
			// The chain holds something we cannot read; leave the hash
			// empty so verification reports a mismatch.
			receipt.ErrorDetail = err.Error()
			return receipt, nil
		}
		receipt.ObservedPayloadHash = canonical.HashBytes(env.Payload)
	case ledger.StatusFailed:
		receipt.Status = domain.ReceiptFailed
		receipt.ErrorDetail = entry.Reason
	default:
		receipt.Status = domain.ReceiptPending
	}
	return receipt, nil
}

// EnvelopeFor builds the chain-neutral envelope for an operation.
func EnvelopeFor(op domain.Operation) (ledger.Envelope, error) {
	if len(op.CanonicalPayload) == 0 {
		return ledger.Envelope{}, fmt.Errorf("%w: operation %s has no canonical payload", domain.ErrInvalidOperation, op.ID)
	}
	return ledger.Envelope{VaultID: op.VaultID, OperationID: op.ID, Payload: op.CanonicalPayload}, nil
}

// PayloadDigest returns the raw digest of the envelope payload carried in a
// body, for attestors.
func PayloadDigest(body []byte, decode EnvelopeDecoder) ([]byte, error) {
	env, err := decode(body)
	if err != nil {
		return nil, err
	}
	return canonical.DigestOf(canonical.HashBytes(env.Payload))
}

func (c Caller) observe(call string, start time.Time, err error) {
	if c.Observer == nil {
		return
	}
	c.Observer.ObserveChainCall(c.ID, call, time.Since(start), err)
}
