// Package solana adapts a Solana-style ledger. The envelope travels as a
// base58 memo signed with ed25519 and the transaction signature is the txRef.
package solana

import (
	"context"
	"crypto/ed25519"
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

	"github.com/mr-tron/base58"
)

type txBody struct {
	FeePayer  string `json:"fee_payer"`
	Nonce     uint64 `json:"nonce"`
	Memo      string `json:"memo"`
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
	nonce    atomic.Uint64
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, errors.New("solana: ledger client is required")
	}
	if len(cfg.Signer) != ed25519.PrivateKeySize {
		return nil, errors.New("solana: signer key is required")
	}
	if len(cfg.Attestor) != ed25519.PublicKeySize {
		return nil, errors.New("solana: attestor key is required")
	}
	return &Adapter{
		caller: chain.Caller{
			ID:       domain.ChainSolana,
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
	return domain.ChainSolana
}

func (a *Adapter) Submit(ctx context.Context, op domain.Operation) (domain.ChainReceipt, error) {
	env, err := chain.EnvelopeFor(op)
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainSolana, Reason: "encode", Err: err}
	}
	memo, err := env.Marshal()
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainSolana, Reason: "encode", Err: err}
	}
	nonce := a.nonce.Add(1) - 1
	message := append(ledger.HeightBytes(nonce), memo...)
	sig := base58.Encode(ed25519.Sign(a.signer, message))
	body, err := json.Marshal(txBody{
		FeePayer:  base58.Encode(a.signer.Public().(ed25519.PublicKey)),
		Nonce:     nonce,
		Memo:      base58.Encode(memo),
		Signature: sig,
	})
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainSolana, Reason: "encode", Err: err}
	}
	return a.caller.Send(ctx, ledger.Tx{Ref: sig, Body: body})
}

func (a *Adapter) QueryStatus(ctx context.Context, txRef string) (domain.ChainReceipt, error) {
	return a.caller.Query(ctx, txRef, DecodeEnvelope)
}

func (a *Adapter) VerifyProof(proof []byte, expectedHash string) bool {
	return verifyProof(proof, expectedHash, a.attestor)
}

func DecodeEnvelope(body []byte) (ledger.Envelope, error) {
	var tx txBody
	if err := json.Unmarshal(body, &tx); err != nil {
		return ledger.Envelope{}, fmt.Errorf("solana: decode tx: %w", err)
	}
	memo, err := base58.Decode(tx.Memo)
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("solana: decode memo: %w", err)
	}
	return ledger.UnmarshalEnvelope(memo)
}

// ParseSignerKey accepts a 32-byte hex seed or a 64-byte base58 keypair.
func ParseSignerKey(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if seed, err := hex.DecodeString(value); err == nil && len(seed) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(seed), nil
	}
	raw, err := base58.Decode(value)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("solana: signer key must be a hex seed or base58 keypair")
	}
	return ed25519.PrivateKey(raw), nil
}

// ParseAttestorKey accepts a base58 public key.
func ParseAttestorKey(value string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(value))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("solana: invalid attestor key %q", value)
	}
	return ed25519.PublicKey(raw), nil
}
