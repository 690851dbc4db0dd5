package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

var ErrInvalidToken = errors.New("invalid token")

var _ engine.IdentityProvider = (*TokenIdentity)(nil)

// TokenIdentity is an IdentityProvider backed by signed JWTs. The identity
// lapses on its own when the token expires.
type TokenIdentity struct {
	jwtSecret string
	jwtExpiry time.Duration
	log       zerolog.Logger

	mu        sync.Mutex
	current   models.Identity
	ok        bool
	timer     *time.Timer
	listeners listeners[identityChange]
}

type identityChange struct {
	id models.Identity
	ok bool
}

func NewTokenIdentity(jwtSecret string, jwtExpiry time.Duration, log zerolog.Logger) *TokenIdentity {
	return &TokenIdentity{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
		log:       log,
	}
}

// IssueToken signs a token for ownerID. An empty deviceID gets a fresh one.
func (s *TokenIdentity) IssueToken(ownerID, deviceID string) (string, time.Time, error) {
	if ownerID == "" {
		return "", time.Time{}, errors.New("owner id is required")
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	expiresAt := time.Now().Add(s.jwtExpiry)
	claims := jwt.MapClaims{
		"sub":       ownerID,
		"device_id": deviceID,
		"jti":       uuid.NewString(),
		"exp":       expiresAt.Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *TokenIdentity) VerifyToken(tokenString string) (models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, ErrInvalidToken
	}

	ownerID, ok := claims["sub"].(string)
	if !ok || ownerID == "" {
		return models.Identity{}, ErrInvalidToken
	}
	deviceID, _ := claims["device_id"].(string)
	sessionID, _ := claims["jti"].(string)

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return models.Identity{}, ErrInvalidToken
	}

	return models.Identity{
		OwnerID:   ownerID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		ExpiresAt: exp.Time,
	}, nil
}

// SetToken verifies tokenString and makes it the current identity.
func (s *TokenIdentity) SetToken(tokenString string) (models.Identity, error) {
	id, err := s.VerifyToken(tokenString)
	if err != nil {
		return models.Identity{}, err
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.current, s.ok = id, true
	session := id.SessionID
	s.timer = time.AfterFunc(time.Until(id.ExpiresAt), func() { s.expire(session) })
	s.mu.Unlock()

	s.log.Info().Str("owner_id", id.OwnerID).Time("expires_at", id.ExpiresAt).Msg("identity set")
	s.listeners.notify(identityChange{id: id, ok: true})
	return id, nil
}

func (s *TokenIdentity) expire(session string) {
	s.mu.Lock()
	if !s.ok || s.current.SessionID != session {
		s.mu.Unlock()
		return
	}
	owner := s.current.OwnerID
	s.current, s.ok, s.timer = models.Identity{}, false, nil
	s.mu.Unlock()

	s.log.Info().Str("owner_id", owner).Msg("identity expired")
	s.listeners.notify(identityChange{})
}

// Clear signs out. Listeners are notified only if an identity was set.
func (s *TokenIdentity) Clear() {
	s.mu.Lock()
	if !s.ok {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.current, s.ok = models.Identity{}, false
	s.mu.Unlock()

	s.log.Info().Msg("identity cleared")
	s.listeners.notify(identityChange{})
}

func (s *TokenIdentity) Current() (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok || s.current.Expired(time.Now()) {
		return models.Identity{}, false
	}
	return s.current, true
}

func (s *TokenIdentity) Watch(fn func(id models.Identity, ok bool)) func() {
	return s.listeners.add(func(c identityChange) { fn(c.id, c.ok) })
}
