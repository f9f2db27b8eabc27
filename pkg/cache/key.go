package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const keyPrefix = "anvil_"

// Fingerprint creates a deterministic cache key from the full externally
// observable input of a generation call: the system instructions, the user
// instructions, and any injected context. Changing any part, including the
// retrieved context, changes the key.
func Fingerprint(system, user, injected string) string {
	h := sha256.New()
	// Length-prefix each part so ("ab","c") and ("a","bc") cannot collide.
	for _, part := range []string{system, user, injected} {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write([]byte(part))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return keyPrefix + sum[:32]
}

// IsFingerprint reports whether key has the shape produced by Fingerprint.
func IsFingerprint(key string) bool {
	if !strings.HasPrefix(key, keyPrefix) {
		return false
	}
	rest := strings.TrimPrefix(key, keyPrefix)
	if len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
