// Package auth turns bearer tokens into the agent a command or feed acts as.
package auth

import (
	"errors"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims represents JWT claims. The subject is the agent id.
type Claims struct {
	AgentType aggregate.AgentType `json:"agent_type"`
	Groups    []string            `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// Agent returns the agent the token was issued to
func (c *Claims) Agent() aggregate.Agent {
	return aggregate.Agent{ID: c.Subject, Type: c.AgentType}
}

// JWTService handles JWT token operations
type JWTService struct {
	secretKey []byte
	expiry    time.Duration
	issuer    string
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey, issuer string, expiry time.Duration) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		expiry:    expiry,
		issuer:    issuer,
	}
}

// GenerateToken creates a token for agent. groups are the permission
// groups the agent belongs to.
func (s *JWTService) GenerateToken(agent aggregate.Agent, groups ...string) (string, time.Time, error) {
	if agent.ID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	now := time.Now()
	expiresAt := now.Add(s.expiry)

	claims := Claims{
		AgentType: agent.Type,
		Groups:    groups,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   agent.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns its claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	switch claims.AgentType {
	case aggregate.AgentUser, aggregate.AgentSystem:
	default:
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Expiry returns the token lifetime
func (s *JWTService) Expiry() time.Duration {
	return s.expiry
}
