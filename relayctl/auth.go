package relayctl

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zsiec/moqrelay/moq"
)

// Authorizer validates the AuthorizationInfo version-specific parameter
// as an optional bearer JWT. When no verification key is configured,
// every token (including an absent one) is accepted unchecked, matching
// the "unknown parameters are parsed and ignored" default for relays that
// don't opt into authorization.
type Authorizer struct {
	key *rsa.PublicKey
}

// NewAuthorizer returns an Authorizer that verifies tokens against key. A
// nil key disables verification.
func NewAuthorizer(key *rsa.PublicKey) *Authorizer {
	return &Authorizer{key: key}
}

// Check validates the AuthorizationInfo parameter in params. With no key
// configured it accepts anything; with a key, a missing or invalid token is
// rejected with ErrUnauthorized.
func (a *Authorizer) Check(params moq.ParamList) error {
	if a.key == nil {
		return nil
	}
	tokenBytes, ok := params.GetBytes(moq.ParamAuthorizationInfo)
	if !ok {
		return fmt.Errorf("%w: no authorization_info presented", ErrUnauthorized)
	}
	_, err := jwt.Parse(string(tokenBytes), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return a.key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}
