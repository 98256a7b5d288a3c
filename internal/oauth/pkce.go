package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// VerifyPKCE checks a code_verifier against the stored challenge.
// S256 compares the base64url-encoded SHA-256 digest of the verifier;
// plain compares directly. Both comparisons are constant time.
func VerifyPKCE(method, challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	expected := challenge
	candidate := verifier
	if method == ChallengeS256 {
		sum := sha256.Sum256([]byte(verifier))
		candidate = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	if len(expected) != len(candidate) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1
}
