// Package signer provides the pluggable challenge/response capability the
// HandshakeMachine uses when validating a client's connectionType message.
// A remote-development platform typically loads a native validator module
// for this; here that becomes an ordinary Go interface with a default
// JWT-backed implementation and a no-op fallback.
package signer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues sign challenges and validates signed responses.
type Signer interface {
	// CreateChallenge returns the blob sent to the client in the "sign"
	// message after a successful auth step.
	CreateChallenge(seed []byte) []byte

	// Validate reports whether signedData is an acceptable response to a
	// previously issued challenge.
	Validate(signedData string) bool
}

// placeholderChallenge is sent when no real signer is configured: a fixed
// string the client can never produce a valid signature for.
const placeholderChallenge = "no-signer-configured"

// NoopSigner never validates signedData on its own; the HandshakeMachine
// falls back to comparing it against the shared connection token instead.
type NoopSigner struct{}

func (NoopSigner) CreateChallenge([]byte) []byte { return []byte(placeholderChallenge) }
func (NoopSigner) Validate(string) bool          { return false }

// jwtClaims carries the challenge nonce inside a short-lived JWT so the
// handshake can verify a response was produced with knowledge of the
// configured secret without ever transmitting the secret itself.
type jwtClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// JWTSigner signs/validates the challenge as a compact HMAC-SHA256 JWT.
type JWTSigner struct {
	secret []byte
}

// NewJWTSigner returns a Signer backed by the given HMAC secret.
func NewJWTSigner(secret string) *JWTSigner {
	return &JWTSigner{secret: []byte(secret)}
}

func (s *JWTSigner) CreateChallenge(seed []byte) []byte {
	nonce := seed
	if len(nonce) == 0 {
		nonce = randomNonce()
	}

	claims := jwtClaims{
		Nonce: hex.EncodeToString(nonce),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "devagent",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return []byte(placeholderChallenge)
	}
	return []byte(signed)
}

func (s *JWTSigner) Validate(signedData string) bool {
	token, err := jwt.ParseWithClaims(signedData, &jwtClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return false
	}
	return token.Valid
}

func randomNonce() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}
