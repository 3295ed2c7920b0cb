package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims はアクセストークンのクレームです。
type Claims struct {
	Tier int `json:"tier"`
	jwt.RegisteredClaims
}

var (
	errTokenDisabled = errors.New("JWT_SECRET が設定されていません")
	errTokenInvalid  = errors.New("invalid or expired token")
)

// IssueToken は userID とティアを含む HS256 のアクセストークンを発行します。
func (m *Manager) IssueToken(userID string, tier int) (string, time.Time, error) {
	if m.cfg.JWTSecret == "" {
		return "", time.Time{}, errTokenDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := m.now()
	expiresAt := now.Add(m.tokenTTL())
	claims := Claims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseToken はアクセストークンを検証して Identity を返します。
func (m *Manager) ParseToken(tokenString string) (*Identity, error) {
	if m.cfg.JWTSecret == "" {
		return nil, errTokenDisabled
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errTokenInvalid
	}
	return &Identity{UserID: claims.Subject, Tier: claims.Tier, Source: SourceBearer}, nil
}

func (m *Manager) tokenTTL() time.Duration {
	if m.cfg.JWTTTL <= 0 {
		return time.Hour
	}
	return m.cfg.JWTTTL
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
