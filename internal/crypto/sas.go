package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sasInfo   = "mprisbridge-sas-v1"
	tokenInfo = "mprisbridge-token-v1"

	// TokenSize is the length of a derived trust token in bytes.
	TokenSize = 32
)

// sortedSalt concatenates the two ephemeral public keys in lexicographic
// order so both sides derive the same salt regardless of role.
func sortedSalt(pubA, pubB []byte) []byte {
	if bytes.Compare(pubA, pubB) > 0 {
		pubA, pubB = pubB, pubA
	}
	salt := make([]byte, 0, len(pubA)+len(pubB))
	salt = append(salt, pubA...)
	return append(salt, pubB...)
}

// SAS derives the six-digit short authentication string from the shared
// secret and both ephemeral public keys. The same inputs always yield the
// same string, and neither party can steer it alone.
func SAS(secret, pubA, pubB []byte) (string, error) {
	r := hkdf.New(sha256.New, secret, sortedSalt(pubA, pubB), []byte(sasInfo))
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", fmt.Errorf("deriving SAS: %w", err)
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(buf[:])%1000000), nil
}

// TrustToken derives the long-lived trust token for a completed pairing.
// Only this token persists; the ephemeral exchange material is discarded.
func TrustToken(secret, pubA, pubB []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, sortedSalt(pubA, pubB), []byte(tokenInfo))
	token := make([]byte, TokenSize)
	if _, err := io.ReadFull(r, token); err != nil {
		return nil, fmt.Errorf("deriving trust token: %w", err)
	}
	return token, nil
}
