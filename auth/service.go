package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/identity"
)

var (
	// ErrInvalidCredentials signals an unknown identity or a wrong API key.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken signals a bearer token that fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const (
	apiKeyPrefix    = "esk_"
	apiKeyBytes     = 24
	defaultTokenTTL = 24 * time.Hour
)

// Service issues API keys and the bearer tokens exchanged for them.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a new authentication service. A non-positive ttl uses 24h.
func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateCredential generates an API key for id and stores its hash. The
// plaintext key is returned once and never persisted.
func (s *Service) CreateCredential(ctx context.Context, id identity.Key) (string, error) {
	if id.IsZero() {
		return "", fmt.Errorf("auth: identity is required")
	}

	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	apiKey := apiKeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash key: %w", err)
	}
	if _, err := s.repo.CreateCredential(ctx, id, string(hash)); err != nil {
		return "", err
	}
	return apiKey, nil
}

// IssueToken verifies the API key and returns a signed bearer token whose
// subject is the identity.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (TokenResult, error) {
	id, err := identity.ParseKey(req.Identity)
	if err != nil {
		return TokenResult{}, ErrInvalidCredentials
	}

	cred, err := s.repo.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return TokenResult{}, ErrInvalidCredentials
		}
		return TokenResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.KeyHash), []byte(req.APIKey)); err != nil {
		return TokenResult{}, ErrInvalidCredentials
	}

	now := s.now()
	expires := now.Add(s.ttl)
	token, err := s.generateToken(id, now, expires)
	if err != nil {
		return TokenResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return TokenResult{Token: token, Identity: id, ExpiresAt: expires.UTC()}, nil
}

// VerifyToken validates a bearer token and returns the identity it names.
func (s *Service) VerifyToken(tokenString string) (identity.Key, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return identity.Zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return identity.Zero, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return identity.Zero, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id, err := identity.ParseKey(sub)
	if err != nil {
		return identity.Zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}

func (s *Service) generateToken(id identity.Key, issued, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": id.Hex(),
		"exp": expires.Unix(),
		"iat": issued.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
