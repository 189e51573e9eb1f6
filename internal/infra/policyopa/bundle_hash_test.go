package policyopa

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBundleHashIgnoresNonNormativeFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`package chainvault.admission`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("write data.json: %v", err)
	}
	hashA, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash A: %v", err)
	}

	for name, body := range map[string]string{".DS_Store": "noise", "swap.swp": "noise", "policy.rego~": "noise", "notes.txt": "noise"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "__MACOSX"), 0o755); err != nil {
		t.Fatalf("mkdir __MACOSX: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "__MACOSX", "junk.rego"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write __MACOSX junk: %v", err)
	}
	hashB, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash B: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("non-normative files changed the bundle hash")
	}

	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`package chainvault.other`), 0o644); err != nil {
		t.Fatalf("rewrite rego: %v", err)
	}
	hashC, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash C: %v", err)
	}
	if hashC == hashA {
		t.Fatalf("policy change must change the bundle hash")
	}
}
