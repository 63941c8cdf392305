package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonathan/story-ingest/internal/config"
)

// DefaultTokenTTL is the lifetime of tokens minted without an explicit TTL.
const DefaultTokenTTL = 24 * time.Hour

// JWTService signs and validates HS256 bearer tokens for the job API.
type JWTService struct {
	cfg    config.AuthConfig
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTService creates a JWT service. It fails when auth is not enabled.
func NewJWTService(cfg config.AuthConfig) (*JWTService, error) {
	if !cfg.Enabled() {
		return nil, errors.New("jwt secret is not configured")
	}
	if len(cfg.JWTSecret) < config.MinJWTSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", config.MinJWTSecretLength)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTService{cfg: cfg, parser: jwt.NewParser(opts...), now: time.Now}, nil
}

// GenerateToken mints a token for subject that expires after ttl.
func (s *JWTService) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ValidateToken checks signature, algorithm, expiry, issuer and audience and
// returns the token subject.
func (s *JWTService) ValidateToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("token string is empty")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", fmt.Errorf("invalid token signature: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", fmt.Errorf("malformed token: %w", err)
		}
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
