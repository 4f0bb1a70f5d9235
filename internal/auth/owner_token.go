package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidOwnerToken = errors.New("invalid owner token")

// OwnerTokenParser validates the JWT minted by the account service at login
// and extracts the owner ID. The middleware uses it for the authorization
// cross-check against the credential row's owner.
type OwnerTokenParser struct {
	secret []byte
}

func NewOwnerTokenParser(secret string) *OwnerTokenParser {
	return &OwnerTokenParser{secret: []byte(secret)}
}

// Parse verifies the token signature and returns the owner ID (subject).
func (p *OwnerTokenParser) Parse(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return p.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOwnerToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidOwnerToken
	}

	return claims.Subject, nil
}

// FromAuthorizationHeader strips the Bearer prefix from an Authorization
// header value. Returns empty string when the header is not a bearer token.
func FromAuthorizationHeader(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimSpace(header[len(prefix):])
}
