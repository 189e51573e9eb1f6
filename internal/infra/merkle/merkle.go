// Package merkle builds RFC 6962-shaped trees over block entries and checks
// inclusion paths against a signed root.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

const HashSize = sha256.Size

var (
	ErrEmptyTree      = errors.New("empty merkle tree")
	ErrInvalidHashLen = errors.New("invalid hash length")
	ErrInvalidIndex   = errors.New("invalid leaf index")
	ErrInvalidSize    = errors.New("invalid tree size")
)

// LeafHash hashes an entry with the 0x00 domain separator.
func LeafHash(entry []byte) []byte {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(entry)
	return h.Sum(nil)
}

// NodeHash combines two subtree hashes with the 0x01 domain separator.
func NodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Tree is an immutable tree over leaf hashes.
type Tree struct {
	leaves [][]byte
}

func NewTree(leafHashes [][]byte) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, ErrEmptyTree
	}
	leaves := make([][]byte, len(leafHashes))
	for i, leaf := range leafHashes {
		if len(leaf) != HashSize {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrInvalidHashLen)
		}
		leaves[i] = append([]byte(nil), leaf...)
	}
	return &Tree{leaves: leaves}, nil
}

func (t *Tree) Size() int {
	return len(t.leaves)
}

func (t *Tree) Root() []byte {
	return subtreeRoot(t.leaves)
}

// Proof returns the audit path for the leaf at index, ordered leaf to root.
func (t *Tree) Proof(index int) ([][]byte, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, ErrInvalidIndex
	}
	var path [][]byte
	nodes := t.leaves
	for len(nodes) > 1 {
		k := splitPoint(len(nodes))
		if index < k {
			path = append(path, subtreeRoot(nodes[k:]))
			nodes = nodes[:k]
		} else {
			path = append(path, subtreeRoot(nodes[:k]))
			nodes = nodes[k:]
			index -= k
		}
	}
	// collected root to leaf
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// VerifyInclusion reports whether leaf sits at index in a tree of size whose
// root is root.
func VerifyInclusion(leaf []byte, index, size int, path [][]byte, root []byte) (bool, error) {
	if size <= 0 {
		return false, ErrInvalidSize
	}
	if index < 0 || index >= size {
		return false, ErrInvalidIndex
	}
	if len(leaf) != HashSize || len(root) != HashSize {
		return false, ErrInvalidHashLen
	}
	for _, p := range path {
		if len(p) != HashSize {
			return false, ErrInvalidHashLen
		}
	}
	computed, used, err := rootFromPath(leaf, index, size, path)
	if err != nil {
		return false, err
	}
	if used != len(path) {
		return false, ErrInvalidSize
	}
	return bytes.Equal(computed, root), nil
}

func rootFromPath(leaf []byte, index, size int, path [][]byte) ([]byte, int, error) {
	if size == 1 {
		return leaf, 0, nil
	}
	k := splitPoint(size)
	if index < k {
		left, used, err := rootFromPath(leaf, index, k, path)
		if err != nil {
			return nil, 0, err
		}
		if used >= len(path) {
			return nil, 0, ErrInvalidSize
		}
		return NodeHash(left, path[used]), used + 1, nil
	}
	right, used, err := rootFromPath(leaf, index-k, size-k, path)
	if err != nil {
		return nil, 0, err
	}
	if used >= len(path) {
		return nil, 0, ErrInvalidSize
	}
	return NodeHash(path[used], right), used + 1, nil
}

func subtreeRoot(nodes [][]byte) []byte {
	if len(nodes) == 1 {
		return append([]byte(nil), nodes[0]...)
	}
	k := splitPoint(len(nodes))
	return NodeHash(subtreeRoot(nodes[:k]), subtreeRoot(nodes[k:]))
}

// splitPoint is the largest power of two strictly less than n.
func splitPoint(n int) int {
	k := 1
	for k<<1 < n {
		k <<= 1
	}
	return k
}
