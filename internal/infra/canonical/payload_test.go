package canonical

import (
	"strings"
	"testing"
	"time"

	"chainvault/internal/domain"
)

func TestEncodePayloadIsStable(t *testing.T) {
	unlock := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := domain.OperationPayload{
		Type: domain.OperationCreate,
		Create: &domain.CreateBody{
			OwnerAddress:  "0xabc",
			SecurityLevel: 3,
			UnlockTime:    &unlock,
		},
	}
	first, hash1, err := EncodePayload("vault-1", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Same instant, different zone and sub-second noise.
	shifted := unlock.In(time.FixedZone("X", 5*3600)).Add(400 * time.Millisecond)
	payload.Create.UnlockTime = &shifted
	second, hash2, err := EncodePayload("vault-1", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(first) != string(second) || hash1 != hash2 {
		t.Fatalf("encoding not stable:\n%s\n%s", first, second)
	}
	want := `{"body":{"owner_address":"0xabc","security_level":3,"unlock_time":"2030-01-02T03:04:05Z"},"type":"create","v":"chainvault_op_v1","vault_id":"vault-1"}`
	if string(first) != want {
		t.Fatalf("canonical form:\n got %s\nwant %s", first, want)
	}
	if !strings.HasPrefix(hash1, "sha256:") || len(hash1) != len("sha256:")+64 {
		t.Fatalf("unexpected hash format %q", hash1)
	}
}

func TestEncodePayloadDistinguishesVaults(t *testing.T) {
	payload := domain.OperationPayload{Type: domain.OperationUnlock, Unlock: &domain.UnlockBody{RequestedBy: "owner"}}
	_, a, err := EncodePayload("vault-a", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, b, err := EncodePayload("vault-b", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if a == b {
		t.Fatal("expected different hashes for different vaults")
	}
}

func TestEncodePayloadRejectsMissingBody(t *testing.T) {
	_, _, err := EncodePayload("vault-1", domain.OperationPayload{Type: domain.OperationRecover})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDigestOfRoundTrip(t *testing.T) {
	hash := HashBytes([]byte("payload"))
	raw, err := DigestOf(hash)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("digest length %d", len(raw))
	}
	if _, err := DigestOf("md5:00"); err == nil {
		t.Fatal("expected prefix error")
	}
}
