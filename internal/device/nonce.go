package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NonceLength is the fixed length of an instance nonce string.
const NonceLength = 32

// NewNonce generates a fresh instance nonce.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateNonce checks that value is NonceLength lowercase hex characters.
func ValidateNonce(value string) error {
	if len(value) != NonceLength {
		return fmt.Errorf("instance nonce must be %d characters, got %d", NonceLength, len(value))
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("instance nonce must be lowercase hex, found %q", r)
		}
	}
	return nil
}
