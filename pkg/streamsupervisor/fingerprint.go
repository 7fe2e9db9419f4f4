package streamsupervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprint computes a stable hash of a credentials map so the supervisor
// can detect a configuration change that requires restarting a listener,
// independent of Go's randomized map key ordering.
func fingerprint(creds map[string]string) string {
	if len(creds) == 0 {
		return ""
	}

	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}{Key: k, Value: creds[k]})
	}

	b, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
