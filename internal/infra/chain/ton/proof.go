package ton

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"chainvault/internal/infra/canonical"
	"chainvault/internal/infra/chain"
	"chainvault/internal/infra/ledger"
	"chainvault/internal/infra/merkle"
)

// Proof places a payload digest in a block's message tree.
type Proof struct {
	Seqno         uint64   `json:"seqno"`
	LeafIndex     int      `json:"leaf_index"`
	TreeSize      int      `json:"tree_size"`
	Path          []string `json:"path"`
	RootHash      string   `json:"root_hash"`
	RootSignature string   `json:"root_signature"`
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
	leaves := make([][]byte, len(block.Bodies))
	for i, body := range block.Bodies {
		digest, err := chain.PayloadDigest(body, DecodeEnvelope)
		if err != nil {
			sum := sha256.Sum256(body)
			digest = sum[:]
		}
		leaves[i] = merkle.LeafHash(digest)
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	rootSig := base64.StdEncoding.EncodeToString(ed25519.Sign(a.key, rootMessage(block.Height, root)))

	proofs := make([][]byte, len(leaves))
	for i := range leaves {
		path, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		encoded := make([]string, len(path))
		for j, node := range path {
			encoded[j] = hex.EncodeToString(node)
		}
		proof, err := json.Marshal(Proof{
			Seqno:         block.Height,
			LeafIndex:     i,
			TreeSize:      tree.Size(),
			Path:          encoded,
			RootHash:      hex.EncodeToString(root),
			RootSignature: rootSig,
		})
		if err != nil {
			return nil, err
		}
		proofs[i] = proof
	}
	return proofs, nil
}

func rootMessage(seqno uint64, root []byte) []byte {
	return append(ledger.HeightBytes(seqno), root...)
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
	root, err := hex.DecodeString(proof.RootHash)
	if err != nil {
		return false
	}
	path := make([][]byte, len(proof.Path))
	for i, node := range proof.Path {
		if path[i], err = hex.DecodeString(node); err != nil {
			return false
		}
	}
	included, err := merkle.VerifyInclusion(merkle.LeafHash(expected), proof.LeafIndex, proof.TreeSize, path, root)
	if err != nil || !included {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(proof.RootSignature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(attestor, rootMessage(proof.Seqno, root), sig)
}
