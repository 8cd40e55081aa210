package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns the first 16 hex characters of SHA-256 over the
// concatenated parts. Used for prompt and result correlation in audits and
// cache-key debugging, not for security.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ResultFingerprint fingerprints the canonical JSON encoding of a parsed
// result. encoding/json emits map keys in sorted order, which is canonical
// enough for correlation purposes.
func ResultFingerprint(parsed map[string]any) string {
	data, err := json.Marshal(parsed)
	if err != nil {
		return ""
	}
	return Fingerprint(string(data))
}
