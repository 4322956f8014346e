package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestMatches reports whether data hashes to want. want is compared in
// constant time after trimming and lowercasing, since SSM values are
// hand-edited often enough.
func DigestMatches(data []byte, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	return subtle.ConstantTimeCompare([]byte(SHA256Hex(data)), []byte(want)) == 1
}

// ValidSHA256Hex reports whether s is 64 lowercase hex characters.
func ValidSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
