package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken  = errors.New("malformed token")
	ErrMalformedClaims = errors.New("malformed token claims")
)

// Claims is the decoded, unverified payload of a bearer token.
type Claims jwt.MapClaims

func (c Claims) Email() string {
	email, _ := c["email"].(string)
	return strings.TrimSpace(email)
}

func (c Claims) String(name string) string {
	value, _ := c[name].(string)
	return value
}

var segmentDecoder = jwt.NewParser(jwt.WithPaddingAllowed())

func LooksLikeJWT(value string) bool {
	return strings.Count(value, ".") == 2
}

// DecodeJWT decodes the claims segment of a three-part token. The signature
// is never checked: the token is only read for identity hints.
func DecodeJWT(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, ErrMalformedToken
	}
	payload, err := segmentDecoder.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedClaims, err)
	}
	if claims == nil {
		return nil, ErrMalformedClaims
	}
	return Claims(claims), nil
}
