// Package ethereum adapts an EVM-style ledger: transactions carry the
// envelope as hex calldata signed with secp256k1, and confirmed receipts
// carry an attestor signature over the block hash and payload digest.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"chainvault/internal/domain"
	"chainvault/internal/infra/chain"
	"chainvault/internal/infra/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type txBody struct {
	Nonce     uint64 `json:"nonce"`
	From      string `json:"from"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

type Config struct {
	Client   ledger.Client
	Signer   *ecdsa.PrivateKey
	Attestor common.Address
	Timeout  time.Duration
	Observer chain.Observer
	Now      func() time.Time
}

type Adapter struct {
	caller   chain.Caller
	signer   *ecdsa.PrivateKey
	from     common.Address
	attestor common.Address
	nonce    atomic.Uint64
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, errors.New("ethereum: ledger client is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("ethereum: signer key is required")
	}
	if cfg.Attestor == (common.Address{}) {
		return nil, errors.New("ethereum: attestor address is required")
	}
	return &Adapter{
		caller: chain.Caller{
			ID:       domain.ChainEthereum,
			Client:   cfg.Client,
			Timeout:  cfg.Timeout,
			Observer: cfg.Observer,
			Now:      cfg.Now,
		},
		signer:   cfg.Signer,
		from:     crypto.PubkeyToAddress(cfg.Signer.PublicKey),
		attestor: cfg.Attestor,
	}, nil
}

func (a *Adapter) Chain() domain.ChainID {
	return domain.ChainEthereum
}

func (a *Adapter) Submit(ctx context.Context, op domain.Operation) (domain.ChainReceipt, error) {
	env, err := chain.EnvelopeFor(op)
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainEthereum, Reason: "encode", Err: err}
	}
	calldata, err := env.Marshal()
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainEthereum, Reason: "encode", Err: err}
	}
	nonce := a.nonce.Add(1) - 1
	sig, err := crypto.Sign(crypto.Keccak256(ledger.HeightBytes(nonce), calldata), a.signer)
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainEthereum, Reason: "sign", Err: err}
	}
	body, err := json.Marshal(txBody{
		Nonce:     nonce,
		From:      a.from.Hex(),
		Data:      hexutil.Encode(calldata),
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return domain.ChainReceipt{}, &domain.SubmissionError{Chain: domain.ChainEthereum, Reason: "encode", Err: err}
	}
	return a.caller.Send(ctx, ledger.Tx{Ref: hexutil.Encode(crypto.Keccak256(body)), Body: body})
}

func (a *Adapter) QueryStatus(ctx context.Context, txRef string) (domain.ChainReceipt, error) {
	return a.caller.Query(ctx, txRef, DecodeEnvelope)
}

// VerifyProof checks that the proof attests expectedHash and was signed by
// the configured attestor.
func (a *Adapter) VerifyProof(proof []byte, expectedHash string) bool {
	return verifyProof(proof, expectedHash, a.attestor)
}

// DecodeEnvelope reads the envelope out of a stored transaction body.
func DecodeEnvelope(body []byte) (ledger.Envelope, error) {
	var tx txBody
	if err := json.Unmarshal(body, &tx); err != nil {
		return ledger.Envelope{}, fmt.Errorf("ethereum: decode tx: %w", err)
	}
	calldata, err := hexutil.Decode(tx.Data)
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("ethereum: decode calldata: %w", err)
	}
	return ledger.UnmarshalEnvelope(calldata)
}

// ParseSignerKey parses a hex secp256k1 private key, with or without 0x.
func ParseSignerKey(value string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: signer key: %w", err)
	}
	return key, nil
}

// ParseAttestorAddress accepts a hex address.
func ParseAttestorAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("ethereum: invalid attestor address %q", value)
	}
	return common.HexToAddress(value), nil
}
