package panflux

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	verifierBytes = 32 // 64 hex characters
	csrfBytes     = 8  // 16 hex characters
)

// Crypto provides the primitives PKCE needs.
type Crypto interface {
	RandomBytes(n int) ([]byte, error)
	SHA256(data []byte) []byte
}

type systemCrypto struct{}

func (systemCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}

	return b, nil
}

func (systemCrypto) SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// PKCEState is generated for each login attempt. CodeVerifier and
// CSRFState are persisted so they survive the redirect.
type PKCEState struct {
	CodeVerifier  string
	CodeChallenge string
	CSRFState     string
}

// NewPKCEState generates a fresh verifier, its S256 challenge, and a CSRF
// state value.
func NewPKCEState(c Crypto) (*PKCEState, error) {
	verifier, err := randomHex(c, verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generating code verifier: %w", err)
	}

	csrf, err := randomHex(c, csrfBytes)
	if err != nil {
		return nil, fmt.Errorf("generating csrf state: %w", err)
	}

	return &PKCEState{
		CodeVerifier:  verifier,
		CodeChallenge: CodeChallenge(c, verifier),
		CSRFState:     csrf,
	}, nil
}

// CodeChallenge derives the S256 challenge: unpadded base64url of the
// SHA-256 of the verifier.
func CodeChallenge(c Crypto, verifier string) string {
	return base64.RawURLEncoding.EncodeToString(c.SHA256([]byte(verifier)))
}

func randomHex(c Crypto, n int) (string, error) {
	b, err := c.RandomBytes(n)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
