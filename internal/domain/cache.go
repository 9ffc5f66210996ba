package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// CacheEntry records the outputs of a prior deterministic step execution.
// Liveness of the referenced artifacts is assumed for the entry's TTL; the
// engine does not re-verify them.
type CacheEntry struct {
	Outputs         map[string]string `json:"outputs"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`
	ProducedAt      time.Time         `json:"produced_at"`
}

// CacheKey derives the deterministic key for a step execution: a sha256
// over canonical JSON of the service, program, sorted parameter pairs and
// sorted input content checksums. Any change to parameters or input content
// yields a different key.
func CacheKey(service, program string, parameters map[string]any, inputChecksums []string) string {
	sums := append([]string(nil), inputChecksums...)
	sort.Strings(sums)
	keyData := struct {
		Service    string         `json:"service"`
		Program    string         `json:"program"`
		Parameters map[string]any `json:"parameters"`
		Checksums  []string       `json:"input_checksums"`
	}{
		Service:    service,
		Program:    program,
		Parameters: canonicalParams(parameters),
		Checksums:  sums,
	}
	// encoding/json emits object keys in sorted order for maps, which makes
	// the serialization canonical.
	b, _ := json.Marshal(keyData)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalParams(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

// Checksum returns the sha256 hex digest of a literal input value, used in
// cache keys when an input was supplied inline rather than produced by a
// prior step.
func Checksum(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
