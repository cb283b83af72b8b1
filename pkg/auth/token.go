package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type IdentityClaims struct {
	jwt.RegisteredClaims
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// TokenManager issues and validates HS256 identity tokens.
type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewTokenManager(signingKey []byte, ttl time.Duration, issuer string) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

func (m *TokenManager) Generate(actor Actor) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   actor.UserID.String(),
			Issuer:    m.issuer,
		},
		UserID:         actor.UserID.String(),
		OrganizationID: actor.OrganizationID.String(),
		Role:           string(actor.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Actor{}, err
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}

	return claims.Actor()
}

func (c *IdentityClaims) Actor() (Actor, error) {
	userID, err := uuid.Parse(c.UserID)
	if err != nil {
		return Actor{}, ErrInvalidToken
	}
	orgID, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return Actor{}, ErrInvalidToken
	}
	role := Role(c.Role)
	if !role.Valid() {
		return Actor{}, ErrInvalidToken
	}
	return Actor{UserID: userID, OrganizationID: orgID, Role: role}, nil
}
