package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const creatorTokenType = "creator"

type creatorClaims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

// CreatorTokens issues and checks the bearer credential handed to a message's
// creator. The subject is the message token it grants control over.
type CreatorTokens struct {
	secret []byte
}

func NewCreatorTokens(secret string) *CreatorTokens {
	return &CreatorTokens{secret: []byte(secret)}
}

// Issue signs a creator token for messageToken. A nil expiresAt yields a
// token without expiry.
func (c *CreatorTokens) Issue(messageToken string, issuedAt time.Time, expiresAt *time.Time) (string, error) {
	claims := creatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  messageToken,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		Type: creatorTokenType,
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign creator token: %w", err)
	}
	return signed, nil
}

// Subject validates tokenString and returns the message token it controls.
func (c *CreatorTokens) Subject(tokenString string) (string, error) {
	claims := &creatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", ErrInvalidCreator)
		}
		return "", ErrInvalidCreator
	}
	if !token.Valid || claims.Type != creatorTokenType || claims.Subject == "" {
		return "", ErrInvalidCreator
	}
	return claims.Subject, nil
}
