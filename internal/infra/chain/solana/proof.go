package solana

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"chainvault/internal/infra/canonical"
	"chainvault/internal/infra/chain"
	"chainvault/internal/infra/ledger"

	"github.com/mr-tron/base58"
)

type Proof struct {
	Slot        uint64 `json:"slot"`
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature"`
}

type Attestor struct {
	key ed25519.PrivateKey
}

func NewAttestor(key ed25519.PrivateKey) *Attestor {
	return &Attestor{key: key}
}

func GenerateAttestor() (*Attestor, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Attestor{key: key}, nil
}

func (a *Attestor) PublicKey() ed25519.PublicKey {
	return a.key.Public().(ed25519.PublicKey)
}

func (a *Attestor) Attest(block ledger.Block) ([][]byte, error) {
	proofs := make([][]byte, len(block.Bodies))
	for i, body := range block.Bodies {
		digest, err := chain.PayloadDigest(body, DecodeEnvelope)
		if err != nil {
			sum := sha256.Sum256(body)
			digest = sum[:]
		}
		proof, err := json.Marshal(Proof{
			Slot:        block.Height,
			PayloadHash: hex.EncodeToString(digest),
			Signature:   base58.Encode(ed25519.Sign(a.key, slotMessage(block.Height, digest))),
		})
		if err != nil {
			return nil, err
		}
		proofs[i] = proof
	}
	return proofs, nil
}

func slotMessage(slot uint64, digest []byte) []byte {
	sum := sha256.Sum256(append(ledger.HeightBytes(slot), digest...))
	return sum[:]
}

func verifyProof(raw []byte, expectedHash string, attestor ed25519.PublicKey) bool {
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return false
	}
	expected, err := canonical.DigestOf(expectedHash)
	if err != nil {
		return false
	}
	digest, err := hex.DecodeString(proof.PayloadHash)
	if err != nil || !bytes.Equal(digest, expected) {
		return false
	}
	sig, err := base58.Decode(proof.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(attestor, slotMessage(proof.Slot, digest), sig)
}
