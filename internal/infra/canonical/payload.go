package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"chainvault/internal/domain"
)

// Version tags every canonical operation document.
const Version = "chainvault_op_v1"

const hashPrefix = "sha256:"

// Document returns the JSON-shaped form of an operation payload that is
// canonicalized and hashed. Optional fields are omitted when unset and times
// are RFC 3339 UTC with second precision.
func Document(vaultID string, payload domain.OperationPayload) (map[string]any, error) {
	body := map[string]any{}
	switch payload.Type {
	case domain.OperationCreate:
		if payload.Create == nil {
			return nil, fmt.Errorf("%w: create body missing", domain.ErrInvalidOperation)
		}
		body["owner_address"] = payload.Create.OwnerAddress
		body["security_level"] = payload.Create.SecurityLevel
		putTime(body, "unlock_time", payload.Create.UnlockTime)
	case domain.OperationUnlock:
		if payload.Unlock == nil {
			return nil, fmt.Errorf("%w: unlock body missing", domain.ErrInvalidOperation)
		}
		body["requested_by"] = payload.Unlock.RequestedBy
	case domain.OperationRecover:
		if payload.Recover == nil {
			return nil, fmt.Errorf("%w: recover body missing", domain.ErrInvalidOperation)
		}
		body["reason"] = payload.Recover.Reason
		if payload.Recover.SupersedesOperationID != "" {
			body["supersedes_operation_id"] = payload.Recover.SupersedesOperationID
		}
	case domain.OperationUpdate:
		if payload.Update == nil {
			return nil, fmt.Errorf("%w: update body missing", domain.ErrInvalidOperation)
		}
		if payload.Update.OwnerAddress != "" {
			body["owner_address"] = payload.Update.OwnerAddress
		}
		if payload.Update.SecurityLevel != nil {
			body["security_level"] = *payload.Update.SecurityLevel
		}
		putTime(body, "unlock_time", payload.Update.UnlockTime)
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidOperation, payload.Type)
	}
	doc := map[string]any{
		"v":        Version,
		"type":     string(payload.Type),
		"vault_id": vaultID,
		"body":     body,
	}
	if payload.SecurityLevel != nil {
		doc["security_level"] = *payload.SecurityLevel
	}
	return doc, nil
}

// EncodePayload returns the canonical bytes of an operation payload and their
// hash. Equal payloads always yield byte-identical output.
func EncodePayload(vaultID string, payload domain.OperationPayload) ([]byte, string, error) {
	doc, err := Document(vaultID, payload)
	if err != nil {
		return nil, "", err
	}
	canonical, err := Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	return canonical, HashBytes(canonical), nil
}

// HashBytes formats the SHA-256 digest of data as "sha256:<lowercase hex>".
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// DigestOf parses a hash produced by HashBytes back into its raw digest.
func DigestOf(hash string) ([]byte, error) {
	hexPart, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return nil, fmt.Errorf("canonical: hash %q lacks %s prefix", hash, hashPrefix)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("canonical: malformed hash %q", hash)
	}
	return raw, nil
}

func putTime(body map[string]any, key string, t *time.Time) {
	if t == nil {
		return
	}
	body[key] = t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
