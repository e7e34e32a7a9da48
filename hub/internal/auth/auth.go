// Package auth provides operator tokens and relay key verification for the
// hub.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mattmo0re/viveye/hub/internal/config"
	"github.com/mattmo0re/viveye/hub/internal/store"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRole    = errors.New("invalid role")
	ErrRelayKeyNeeded = errors.New("relay requires a key")
	ErrBadRelayKey    = errors.New("relay key mismatch")
)

// Claims represents the JWT token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and validates operator tokens and checks relay keys.
// It implements Provider and registry.KeyVerifier.
type Service struct {
	jwtSecret          []byte
	jwtExpiry          time.Duration
	relayTokenLifetime time.Duration
	allowKeyless       bool
	now                func() time.Time
}

// NewService creates a new auth service.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret:          []byte(cfg.JWTSecret),
		jwtExpiry:          cfg.JWTExpiry.Duration,
		relayTokenLifetime: cfg.RelayTokenLifetime.Duration,
		allowKeyless:       cfg.AllowKeylessRelays,
		now:                time.Now,
	}
}

// IssueToken signs an operator token for subject.
func (s *Service) IssueToken(subject, role string) (string, error) {
	if role != RoleAdmin && role != RoleViewer {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	now := s.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// GenerateRelayKey returns a fresh random relay key.
func GenerateRelayKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate relay key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashRelayKey returns the bcrypt hash stored for a relay key.
func HashRelayKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash relay key: %w", err)
	}
	return string(hash), nil
}

// VerifyRelayKey accepts either the relay's static key or an unexpired
// enrollment token issued for that relay. Relays without a key hash accept
// anything only when keyless relays are allowed.
func (s *Service) VerifyRelayKey(relay *store.Relay, key string) error {
	if strings.Count(key, ":") == 2 {
		relayID, err := s.validateRelayToken(key)
		if err == nil && relayID == relay.ID {
			return nil
		}
	}
	if relay.KeyHash == "" {
		if s.allowKeyless {
			return nil
		}
		return ErrRelayKeyNeeded
	}
	if err := bcrypt.CompareHashAndPassword([]byte(relay.KeyHash), []byte(key)); err != nil {
		return ErrBadRelayKey
	}
	return nil
}

// IssueRelayToken creates a time-limited enrollment token for a relay.
// Token format: {relayID}:{timestamp}:{hmac-sha256(relayID+timestamp, secret)}
func (s *Service) IssueRelayToken(relayID string) string {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return relayID + ":" + ts + ":" + s.relayTokenSig(relayID, ts)
}

func (s *Service) relayTokenSig(relayID, ts string) string {
	mac := hmac.New(sha256.New, s.jwtSecret)
	mac.Write([]byte("relay:" + relayID + ":" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) validateRelayToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}
	relayID, tsStr, sig := parts[0], parts[1], parts[2]

	if !hmac.Equal([]byte(sig), []byte(s.relayTokenSig(relayID, tsStr))) {
		return "", errors.New("invalid token signature")
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > s.relayTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}
	return relayID, nil
}
