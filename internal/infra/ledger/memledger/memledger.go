// Package memledger is an in-process ledger used in development mode and by
// tests. Transactions are sealed into attested blocks after a configurable
// number of status lookups, and faults can be injected per ledger.
package memledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"chainvault/internal/infra/ledger"
)

// Faults alters how the ledger behaves. The zero value is a healthy ledger.
type Faults struct {
	RejectSubmissions bool
	RejectReason      string
	// NeverConfirm keeps every transaction pending.
	NeverConfirm bool
	// FailTransactions seals blocks with every transaction failed.
	FailTransactions bool
	// Tamper rewrites a transaction body as it is stored.
	Tamper func(body []byte) []byte
	// ForgeWith attests blocks with a different attestor than the one
	// verifiers trust.
	ForgeWith ledger.Attestor
	// HangLookups blocks status lookups until the caller gives up.
	HangLookups bool
}

type Config struct {
	Name string
	// ConfirmAfter is the number of lookups after which pending transactions
	// are sealed. Zero seals on submission.
	ConfirmAfter int
	Attestor     ledger.Attestor
}

type Ledger struct {
	mu           sync.Mutex
	name         string
	confirmAfter int
	attestor     ledger.Attestor
	faults       Faults
	txs          map[string]*record
	pending      []string
	height       uint64
	sends        int
}

type record struct {
	entry   ledger.Entry
	lookups int
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Attestor == nil {
		return nil, errors.New("memledger: attestor is required")
	}
	if cfg.ConfirmAfter < 0 {
		cfg.ConfirmAfter = 0
	}
	return &Ledger{
		name:         cfg.Name,
		confirmAfter: cfg.ConfirmAfter,
		attestor:     cfg.Attestor,
		txs:          make(map[string]*record),
	}, nil
}

func (l *Ledger) SetFaults(f Faults) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = f
}

// Send records tx as pending. Re-sending the same ref and body is a no-op.
func (l *Ledger) Send(ctx context.Context, tx ledger.Tx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tx.Ref == "" || len(tx.Body) == 0 {
		return "", fmt.Errorf("%w: empty transaction", ledger.ErrRejected)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends++
	if l.faults.RejectSubmissions {
		reason := l.faults.RejectReason
		if reason == "" {
			reason = l.name + " unavailable"
		}
		return "", fmt.Errorf("%w: %s", ledger.ErrRejected, reason)
	}
	if existing, ok := l.txs[tx.Ref]; ok {
		if l.faults.Tamper == nil && !bytes.Equal(existing.entry.Body, tx.Body) {
			return "", fmt.Errorf("%w: ref %s already used", ledger.ErrRejected, tx.Ref)
		}
		return tx.Ref, nil
	}
	body := append([]byte(nil), tx.Body...)
	if l.faults.Tamper != nil {
		body = l.faults.Tamper(body)
	}
	l.txs[tx.Ref] = &record{entry: ledger.Entry{Ref: tx.Ref, Status: ledger.StatusPending, Body: body}}
	l.pending = append(l.pending, tx.Ref)
	if l.confirmAfter == 0 && !l.faults.NeverConfirm {
		l.sealLocked()
	}
	return tx.Ref, nil
}

func (l *Ledger) Lookup(ctx context.Context, ref string) (ledger.Entry, error) {
	l.mu.Lock()
	hang := l.faults.HangLookups
	l.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ledger.Entry{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[ref]
	if !ok {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrUnknownTx, ref)
	}
	if rec.entry.Status == ledger.StatusPending {
		rec.lookups++
		if !l.faults.NeverConfirm && rec.lookups >= l.confirmAfter {
			l.sealLocked()
		}
	}
	return copyEntry(rec.entry), nil
}

// Seal attests every pending transaction into a new block.
func (l *Ledger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealLocked()
}

// SubmissionCount counts Send calls, rejected ones included.
func (l *Ledger) SubmissionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

func (l *Ledger) Entry(ref string) (ledger.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[ref]
	if !ok {
		return ledger.Entry{}, false
	}
	return copyEntry(rec.entry), true
}

func (l *Ledger) sealLocked() {
	if len(l.pending) == 0 {
		return
	}
	l.height++
	block := ledger.Block{Height: l.height, Bodies: make([][]byte, len(l.pending))}
	hasher := sha256.New()
	hasher.Write(ledger.HeightBytes(l.height))
	for i, ref := range l.pending {
		body := l.txs[ref].entry.Body
		block.Bodies[i] = body
		sum := sha256.Sum256(body)
		hasher.Write(sum[:])
	}
	block.Hash = hasher.Sum(nil)

	var proofs [][]byte
	failure := ""
	if l.faults.FailTransactions {
		failure = "execution reverted"
	} else {
		attestor := l.attestor
		if l.faults.ForgeWith != nil {
			attestor = l.faults.ForgeWith
		}
		var err error
		proofs, err = attestor.Attest(block)
		if err == nil && len(proofs) != len(block.Bodies) {
			err = fmt.Errorf("attestor returned %d proofs for %d transactions", len(proofs), len(block.Bodies))
		}
		if err != nil {
			failure = err.Error()
		}
	}
	for i, ref := range l.pending {
		entry := &l.txs[ref].entry
		entry.Height = l.height
		if failure != "" {
			entry.Status = ledger.StatusFailed
			entry.Reason = failure
			continue
		}
		entry.Status = ledger.StatusConfirmed
		entry.Proof = proofs[i]
	}
	l.pending = nil
}

func copyEntry(e ledger.Entry) ledger.Entry {
	e.Body = append([]byte(nil), e.Body...)
	if e.Proof != nil {
		e.Proof = append([]byte(nil), e.Proof...)
	}
	return e
}
