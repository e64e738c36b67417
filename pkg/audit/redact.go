package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactRecord hashes the decision's context payload, keeping only a
// salted sha256 digest of each top-level attribute bag's raw JSON bytes
// (actor, subjects, environment); the JSON is hashed as received, not
// canonicalized.
func redactRecord(rec Record, salt []byte) Record {
	rec.ContextRaw = redactContext(rec.ContextRaw, salt)
	return rec
}

func redactContext(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded struct {
		Actor       json.RawMessage `json:"actor"`
		Subjects    json.RawMessage `json:"subjects"`
		Environment json.RawMessage `json:"environment"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		payload := map[string]any{
			"context_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redacted := map[string]any{
		"actor_hash":       hashBytes(decoded.Actor, salt),
		"subjects_hash":    hashBytes(decoded.Subjects, salt),
		"environment_hash": hashBytes(decoded.Environment, salt),
	}
	b, _ := json.Marshal(redacted)
	return b
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
