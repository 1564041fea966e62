package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a Curve25519 public or private key.
const KeySize = 32

// KeyPair is an ephemeral Curve25519 key pair used for one pairing exchange.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair returns a fresh Curve25519 key pair with the private key
// clamped per RFC 7748.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generating private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("deriving public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Shared computes the X25519 shared secret with the peer's public key.
func (kp KeyPair) Shared(peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return secret, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of a public key.
// It is the canonical client identity string.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// VerifyIdentitySignature checks that sig is a valid Ed25519 signature by
// identityKey over msg, binding a long-term identity to an ephemeral key.
func VerifyIdentitySignature(identityKey, msg, sig []byte) bool {
	if len(identityKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(identityKey), msg, sig)
}
