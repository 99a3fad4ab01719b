package serialization

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// ComputeChecksum returns the hex-encoded SHA-256 of data.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateChecksum checks data against a hex-encoded SHA-256.
func ValidateChecksum(data []byte, want string) error {
	if got := ComputeChecksum(data); got != want {
		return errors.Wrapf(ErrChecksumMismatch, "got %s, want %s", got, want)
	}
	return nil
}
