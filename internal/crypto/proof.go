package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// ChallengeSize is the length of a relay authentication challenge in bytes.
const ChallengeSize = 32

// NewChallenge returns a random challenge for proof-of-possession checks.
func NewChallenge() ([]byte, error) {
	nonce := make([]byte, ChallengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	return nonce, nil
}

// Proof computes HMAC-SHA256(token, challenge). A client proves possession
// of its trust token without ever sending the token itself.
func Proof(token, challenge []byte) []byte {
	mac := hmac.New(sha256.New, token)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// VerifyProof checks a presented proof in constant time.
func VerifyProof(token, challenge, proof []byte) bool {
	return hmac.Equal(Proof(token, challenge), proof)
}
