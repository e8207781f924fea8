package services

import (
	"errors"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenService issues and validates session tokens.
type TokenService interface {
	CreateSession() string
	GenerateToken(sessionID string, opts TokenOptions) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// TokenOptions customize a generated token. Zero values fall back to the
// publisher role and the service's default TTL.
type TokenOptions struct {
	Role           domain.TokenRole `json:"role"`
	ConnectionData string           `json:"data"`
	TTL            time.Duration    `json:"-"`
}

type Claims struct {
	SessionID      string           `json:"session_id"`
	ConnectionData string           `json:"connection_data,omitempty"`
	Role           domain.TokenRole `json:"role"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret     []byte
	issuer     string
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

func NewTokenService(secret, issuer string, defaultTTL, maxTTL time.Duration) TokenService {
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}
	return &tokenService{
		secret:     []byte(secret),
		issuer:     issuer,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		now:        time.Now,
	}
}

func (s *tokenService) CreateSession() string {
	return uuid.NewString()
}

func (s *tokenService) GenerateToken(sessionID string, opts TokenOptions) (string, error) {
	if err := validation.ValidateID(sessionID, "session"); err != nil {
		return "", err
	}
	if opts.Role == "" {
		opts.Role = domain.TokenRolePublisher
	}
	if !opts.Role.Allows(domain.TokenRoleSubscriber) {
		return "", errors.New("unknown token role: " + string(opts.Role))
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	now := s.now()
	claims := &Claims{
		SessionID:      sessionID,
		ConnectionData: opts.ConnectionData,
		Role:           opts.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
