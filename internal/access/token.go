package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pepeunit/internal/domain"
)

var (
	ErrTokenExpired = errors.New("Token expired")
	ErrTokenInvalid = errors.New("Token is invalid")
)

// Claims is the payload embedded in every issued token. Type selects how the
// token is resolved; Domain is set only for Backend tokens.
type Claims struct {
	jwt.RegisteredClaims
	UUID   string           `json:"uuid,omitempty"`
	Type   domain.AgentType `json:"type"`
	Domain string           `json:"domain,omitempty"`
}

// TokenCodec issues and decodes HS256 tokens.
type TokenCodec struct {
	Secret string
	// UnitTTL bounds Unit tokens when positive. Zero issues non-expiring device credentials.
	UnitTTL time.Duration
	Now     func() time.Time
}

func (c TokenCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c TokenCodec) sign(claims Claims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(c.Secret) == "" {
		return "", errors.New("token secret not configured")
	}
	now := c.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.Secret))
}

func (c TokenCodec) UserToken(id uuid.UUID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("user token ttl must be positive, got %s", ttl)
	}
	return c.sign(Claims{UUID: id.String(), Type: domain.AgentTypeUser}, ttl)
}

func (c TokenCodec) UnitToken(id uuid.UUID) (string, error) {
	return c.sign(Claims{UUID: id.String(), Type: domain.AgentTypeUnit}, c.UnitTTL)
}

// BackendToken identifies a peer instance by its domain.
func (c TokenCodec) BackendToken(backendDomain string, ttl time.Duration) (string, error) {
	return c.sign(Claims{Type: domain.AgentTypeBackend, Domain: backendDomain}, ttl)
}

// Decode verifies the signature and expiry. Failures are ErrTokenExpired or ErrTokenInvalid.
func (c TokenCodec) Decode(token string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(c.Secret), nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrTokenExpired
	}
	if err != nil || !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
