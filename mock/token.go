package mock

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var signingKey = []byte("mock-gateway-signing-key")

// Token returns an HS256-signed JWT carrying claims. The client never verifies the
// signature, so any key does.
func Token(claims map[string]any) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	s, err := tok.SignedString(signingKey)
	if err != nil {
		panic("mock: sign token: " + err.Error())
	}
	return s
}

// TokenExpiringAt returns a token for subject "mock-user" with the given exp claim.
func TokenExpiringAt(exp time.Time) string {
	return Token(map[string]any{
		"sub": "mock-user",
		"iat": exp.Add(-time.Hour).Unix(),
		"exp": exp.Unix(),
	})
}

// TokenWithoutExpiry returns a token with no exp claim.
func TokenWithoutExpiry() string {
	return Token(map[string]any{"sub": "mock-user"})
}
