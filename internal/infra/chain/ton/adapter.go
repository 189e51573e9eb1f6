// Package ton adapts a TON-style ledger. Messages carry the envelope as a
// base64 body signed with ed25519; confirmed messages are proven by merkle
// inclusion in a block whose root is signed by the attestor.
package ton

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"chainvault/internal/domain"
	"chainvault/internal/infra/chain"
	"chainvault/internal/infra/ledger"
)

type message struct {
	Wallet    string `json:"wallet"`
	Seqno     uint64 `json:"seqno"`
	Body      string `json:"body"`
	Signature string `json:"signature"`
}

type Config struct {
	Client   ledger.Client
	Signer   ed25519.PrivateKey
	Attestor ed25519.PublicKey
	Timeout  time.Duration
	Observer chain.Observer
	Now      func() time.Time
}

type Adapter struct {
	caller   chain.Caller
	signer   ed25519.PrivateKey
	attestor ed25519.PublicKey
	seqno    atomic.Uint64
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, errors.New("ton: ledger client is required")
	}
	if len(cfg.Signer) != ed25519.PrivateKeySize {
		return nil, errors.New("ton: signer key is required")
	}
	if len(cfg.Attestor) != ed25519.PublicKeySize {
		return nil, errors.New("ton: attestor key is required")
	}
	return &Adapter{
		caller: chain.Caller{
			ID:       domain.ChainTon,
			Client:   cfg.Client,
			Timeout:  cfg.Timeout,
			Observer: cfg.Observer,
			Now:      cfg.Now,
		},
		signer:   cfg.Signer,
		attestor: cfg.Attestor,
	}, nil
}

func (a *Adapter) Chain() domain.ChainID {
	return domain.ChainTon
}

func (a *Adapter) Submit(ctx context.Context, op domain.Operation) (domain.ChainReceipt, error) {
	env, err := chain.EnvelopeFor(op)
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainTon, Reason: "encode", Err: err}
	}
	payload, err := env.Marshal()
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainTon, Reason: "encode", Err: err}
	}
	seqno := a.seqno.Add(1) - 1
	signed := sha256.Sum256(append(payload, ledger.HeightBytes(seqno)...))
	body, err := json.Marshal(message{
		Wallet:    hex.EncodeToString(a.signer.Public().(ed25519.PublicKey)),
		Seqno:     seqno,
		Body:      base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(a.signer, signed[:])),
	})
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainTon, Reason: "encode", Err: err}
	}
	ref := sha256.Sum256(body)
	return a.caller.Send(ctx, ledger.Tx{Ref: hex.EncodeToString(ref[:]), Body: body})
}

func (a *Adapter) QueryStatus(ctx context.Context, txRef string) (domain.ChainReceipt, error) {
	return a.caller.Query(ctx, txRef, DecodeEnvelope)
}

func (a *Adapter) VerifyProof(proof []byte, expectedHash string) bool {
	return verifyProof(proof, expectedHash, a.attestor)
}

func DecodeEnvelope(body []byte) (ledger.Envelope, error) {
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return ledger.Envelope{}, fmt.Errorf("ton: decode message: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Body)
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("ton: decode body: %w", err)
	}
	return ledger.UnmarshalEnvelope(payload)
}

// ParseSignerKey accepts a 32-byte hex seed.
func ParseSignerKey(value string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errors.New("ton: signer key must be a 32-byte hex seed")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ParseAttestorKey accepts a hex public key.
func ParseAttestorKey(value string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ton: invalid attestor key %q", value)
	}
	return ed25519.PublicKey(raw), nil
}
