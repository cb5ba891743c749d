// Package identity turns a bearer token into the participant behind a connection.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/gbrlsnchs/jwt/v3"

	"messaging-service/internal/models"
)

// ErrInvalidToken is returned for any token that does not verify.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is the authenticated viewer.
type Identity struct {
	UserID      string
	Role        models.Role
	DisplayName string
}

// Participant returns the identity as a conversation participant.
func (i Identity) Participant() models.Participant {
	return models.Participant{ID: i.UserID, Role: i.Role}
}

// Validator resolves a raw token to an Identity.
type Validator interface {
	Validate(token string) (Identity, error)
}

type claims struct {
	jwt.Payload
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// TokenValidator verifies HS256 tokens signed with a shared secret.
type TokenValidator struct {
	alg *jwt.HMACSHA
	now func() time.Time
}

var _ Validator = (*TokenValidator)(nil)

// NewTokenValidator builds a validator for secret. now may be nil.
func NewTokenValidator(secret string, now func() time.Time) *TokenValidator {
	if now == nil {
		now = time.Now
	}
	return &TokenValidator{alg: jwt.NewHS256([]byte(secret)), now: now}
}

// Validate checks signature, expiry and the participant claims.
func (v *TokenValidator) Validate(token string) (Identity, error) {
	var pl claims
	expValidator := jwt.ExpirationTimeValidator(v.now())
	if _, err := jwt.Verify([]byte(token), v.alg, &pl, jwt.ValidatePayload(&pl.Payload, expValidator)); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := Identity{UserID: pl.Subject, Role: models.Role(pl.Role), DisplayName: pl.Name}
	if err := id.Participant().Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}

// Issue signs a token for id that expires after ttl.
func Issue(secret string, id Identity, ttl time.Duration, now time.Time) (string, error) {
	pl := claims{
		Payload: jwt.Payload{
			Subject:        id.UserID,
			IssuedAt:       jwt.NumericDate(now),
			ExpirationTime: jwt.NumericDate(now.Add(ttl)),
		},
		Role: string(id.Role),
		Name: id.DisplayName,
	}
	token, err := jwt.Sign(pl, jwt.NewHS256([]byte(secret)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(token), nil
}
