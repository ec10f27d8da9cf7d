// Package auth issues and validates bearer tokens for location nodes and
// range administrators.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appctx "docnum/internal/core/context"
	"docnum/internal/core/id"
)

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
}

// DefaultJWTConfig returns default JWT configuration.
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret:         secret,
		Issuer:         "docnum",
		AccessTokenTTL: time.Hour,
	}
}

// Claims represents JWT claims.
// A location node carries loc and may only request numbers for it.
type Claims struct {
	jwt.RegisteredClaims
	Location *int64 `json:"loc,omitempty"`
	IsAdmin  bool   `json:"adm,omitempty"`
}

// JWTService handles JWT operations.
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates a new JWT service.
func NewJWTService(config JWTConfig) *JWTService {
	return &JWTService{config: config}
}

// GenerateLocationToken issues a token bound to one location.
func (s *JWTService) GenerateLocationToken(subject string, location int64) (string, time.Time, error) {
	return s.generate(subject, &location, false)
}

// GenerateAdminToken issues a token allowed to administer ranges.
func (s *JWTService) GenerateAdminToken(subject string) (string, time.Time, error) {
	return s.generate(subject, nil, true)
}

func (s *JWTService) generate(subject string, location *int64, isAdmin bool) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	now := time.Now()
	expiresAt := now.Add(s.config.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.New().String(),
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Location: location,
		IsAdmin:  isAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates JWT and returns the caller it describes.
func (s *JWTService) ValidateToken(tokenString string) (*appctx.Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(s.config.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	caller := &appctx.Caller{
		Subject: claims.Subject,
		IsAdmin: claims.IsAdmin,
		TokenID: claims.ID,
	}
	if claims.Location != nil {
		caller.Location = *claims.Location
		caller.HasLocation = true
	}
	return caller, nil
}
