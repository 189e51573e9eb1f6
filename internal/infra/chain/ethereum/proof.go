package ethereum

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"

	"chainvault/internal/infra/canonical"
	"chainvault/internal/infra/chain"
	"chainvault/internal/infra/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Proof is the receipt proof recorded for a confirmed transaction.
type Proof struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature"`
}

// Attestor signs keccak256(block_hash || payload_digest) for each transaction
// in a block.
type Attestor struct {
	key *ecdsa.PrivateKey
}

func NewAttestor(key *ecdsa.PrivateKey) *Attestor {
	return &Attestor{key: key}
}

// GenerateAttestor creates an attestor with a fresh key.
func GenerateAttestor() (*Attestor, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Attestor{key: key}, nil
}

func (a *Attestor) Address() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

func (a *Attestor) Attest(block ledger.Block) ([][]byte, error) {
	proofs := make([][]byte, len(block.Bodies))
	for i, body := range block.Bodies {
		digest, err := chain.PayloadDigest(body, DecodeEnvelope)
		if err != nil {
			// Unreadable calldata is still attested, as whatever it hashes to.
			sum := sha256.Sum256(body)
			digest = sum[:]
		}
		sig, err := crypto.Sign(crypto.Keccak256(block.Hash, digest), a.key)
		if err != nil {
			return nil, err
		}
		proof, err := json.Marshal(Proof{
			BlockNumber: block.Height,
			BlockHash:   hexutil.Encode(block.Hash),
			PayloadHash: hexutil.Encode(digest),
			Signature:   hexutil.Encode(sig),
		})
		if err != nil {
			return nil, err
		}
		proofs[i] = proof
	}
	return proofs, nil
}

func verifyProof(raw []byte, expectedHash string, attestor common.Address) bool {
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return false
	}
	expected, err := canonical.DigestOf(expectedHash)
	if err != nil {
		return false
	}
	digest, err := hexutil.Decode(proof.PayloadHash)
	if err != nil || !bytes.Equal(digest, expected) {
		return false
	}
	blockHash, err := hexutil.Decode(proof.BlockHash)
	if err != nil || len(blockHash) == 0 {
		return false
	}
	sig, err := hexutil.Decode(proof.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(blockHash, digest), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == attestor
}
