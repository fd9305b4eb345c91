package oauth

import (
	"fmt"

	"mcpgate/pkg/crypto"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code
	// verifier. 32 bytes provides 256 bits of entropy.
	pkceVerifierBytes = 32

	// stateBytes is the number of random bytes for the OAuth state
	// parameter. 32 bytes encodes to 43 base64url characters and is well
	// above the 128-bit entropy floor required for CSRF protection.
	stateBytes = 32
)

// PKCEChallenge holds a PKCE code verifier and its derived challenge.
type PKCEChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code verifier is 32 random bytes, base64url-encoded. The code
// challenge is the S256 (SHA-256) hash of the verifier.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes, err := crypto.RandomBytes(pkceVerifierBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	verifier := crypto.Base64URLEncode(verifierBytes)
	challenge := crypto.Base64URLEncode(crypto.Sha256([]byte(verifier)))

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, nil
}

// VerifyPKCE reports whether the verifier hashes to the challenge.
func VerifyPKCE(verifier, challenge string) bool {
	derived := crypto.Base64URLEncode(crypto.Sha256([]byte(verifier)))
	return crypto.ConstantTimeEqual(derived, challenge)
}

// GenerateState generates a random state parameter for OAuth. The state
// binds an authorization request to its callback and prevents CSRF.
func GenerateState() (string, error) {
	raw, err := crypto.RandomBytes(stateBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return crypto.Base64URLEncode(raw), nil
}

// GenerateNonce generates a random nonce for OIDC requests.
func GenerateNonce() (string, error) {
	return GenerateState() // Same implementation, different semantic use
}
