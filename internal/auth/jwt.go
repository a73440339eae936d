package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidRole  = errors.New("invalid role")
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleViewer
}

// GenerateToken signs an HS256 token for subject with the given role.
func GenerateToken(secret, subject, role string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if !ValidRole(role) {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func ValidateToken(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || !ValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
