package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = LeafHash([]byte(fmt.Sprintf("entry-%d", i)))
	}
	return out
}

func TestProofVerifiesForEveryLeaf(t *testing.T) {
	for size := 1; size <= 9; size++ {
		tree, err := NewTree(leaves(size))
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		root := tree.Root()
		for i := 0; i < size; i++ {
			path, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("size %d leaf %d: %v", size, i, err)
			}
			ok, err := VerifyInclusion(tree.leaves[i], i, size, path, root)
			if err != nil || !ok {
				t.Fatalf("size %d leaf %d: ok=%v err=%v", size, i, ok, err)
			}
		}
	}
}

func TestThreeLeafRoot(t *testing.T) {
	l := leaves(3)
	tree, err := NewTree(l)
	if err != nil {
		t.Fatal(err)
	}
	want := NodeHash(NodeHash(l[0], l[1]), l[2])
	if !bytes.Equal(tree.Root(), want) {
		t.Fatal("unexpected root for three leaves")
	}
}

func TestVerifyRejectsWrongLeaf(t *testing.T) {
	tree, err := NewTree(leaves(5))
	if err != nil {
		t.Fatal(err)
	}
	path, err := tree.Proof(3)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := VerifyInclusion(LeafHash([]byte("other")), 3, 5, path, tree.Root())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected inclusion check to fail for a different leaf")
	}
}

func TestVerifyRejectsTruncatedPath(t *testing.T) {
	tree, err := NewTree(leaves(4))
	if err != nil {
		t.Fatal(err)
	}
	path, _ := tree.Proof(1)
	_, err = VerifyInclusion(tree.leaves[1], 1, 4, path[:1], tree.Root())
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestNewTreeRejectsBadInput(t *testing.T) {
	if _, err := NewTree(nil); !errors.Is(err, ErrEmptyTree) {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
	if _, err := NewTree([][]byte{{1, 2}}); !errors.Is(err, ErrInvalidHashLen) {
		t.Fatalf("expected ErrInvalidHashLen, got %v", err)
	}
}
