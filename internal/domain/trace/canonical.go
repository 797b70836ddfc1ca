package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashArgs returns the hex SHA-256 of the canonical JSON encoding of
// args. encoding/json marshals map keys in sorted order at every level,
// so equal argument trees hash identically regardless of insertion order.
func HashArgs(args map[string]interface{}) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
