package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// Claims represents the JWT claims carried by an AccessContext bearer token.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string      `json:"sid"`
	UserID    string      `json:"uid"`
	Role      models.Role `json:"role"`
}

// TokenService signs and parses bearer tokens.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService creates a token service using HS256 with the given secret.
func NewTokenService(secret []byte, issuer string) *TokenService {
	return &TokenService{
		secret: secret,
		issuer: issuer,
		now:    time.Now,
	}
}

// Generate creates a signed token for the access context.
func (s *TokenService) Generate(ac *models.AccessContext) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ac.UserID,
			ID:        ac.SessionID,
			IssuedAt:  jwt.NewNumericDate(ac.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(ac.ExpiresAt),
		},
		SessionID: ac.SessionID,
		UserID:    ac.UserID,
		Role:      ac.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates a token and returns its claims.
func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.SessionID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("token missing session")
	}
	return claims, nil
}
