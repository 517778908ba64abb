package run

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// NormalizeInputs re-encodes an opaque input payload through a map so that
// key order is canonical (encoding/json sorts map keys). Two payloads that
// differ only in key order or whitespace normalize to identical bytes.
func NormalizeInputs(inputs []byte) ([]byte, error) {
	if len(inputs) == 0 {
		return []byte("{}"), nil
	}
	var m map[string]any
	if err := json.Unmarshal(inputs, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// InputHash computes the dedup key for a run: sha256 over the workflow id
// and the normalized inputs.
func InputHash(workflowID string, normalizedInputs []byte) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write(normalizedInputs)
	return hex.EncodeToString(h.Sum(nil))
}
