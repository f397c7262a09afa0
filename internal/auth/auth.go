// Package auth issues and validates the JWT bearer tokens internal/spaceapi's HTTP edge
// uses to authenticate a participant's identity.ID before it ever reaches the space
// facade. Grounded on the teacher's auth.go AuthService: the same golang-jwt/jwt/v5
// NewWithClaims/ParseWithClaims idiom and dual-key (current + previous) secret rotation
// for zero-downtime JWT_SECRET rollover, narrowed from the chat application's phone/PIN/
// TOTP/session-blacklist surface (none of which this core's identity model has a use for:
// identity.ID is a long-term key pair, not a phone-verified account) down to pure token
// issuance and validation.
package auth

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jaydenbeard/spacecore/internal/identity"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrJWTSecretEmpty = errors.New("JWT secret is empty or invalid")
	ErrJWTSecretWeak  = errors.New("JWT secret is too weak for security requirements")
)

// AuthService issues and validates JWTs binding a bearer token to one identity.ID.
type AuthService struct {
	jwtSecret         []byte
	previousJWTSecret []byte
	secretLock        sync.RWMutex
}

// Claims is the JWT claim set: the participant's identity.ID plus standard registered
// claims (expiry, issued-at, subject).
type Claims struct {
	ParticipantID identity.ID `json:"participant_id"`
	jwt.RegisteredClaims
}

// NewAuthService validates jwtSecret's strength and returns a ready AuthService.
func NewAuthService(jwtSecret string) (*AuthService, error) {
	if jwtSecret == "" {
		return nil, ErrJWTSecretEmpty
	}
	if len(jwtSecret) < 32 {
		return nil, ErrJWTSecretWeak
	}
	if !validateJWTSecretStrength(jwtSecret) {
		return nil, ErrJWTSecretWeak
	}

	return &AuthService{jwtSecret: []byte(jwtSecret)}, nil
}

// validateJWTSecretStrength requires a minimum Shannon entropy per character so a short,
// low-diversity secret (e.g. a repeated character) is rejected even if it passes the
// length check.
func validateJWTSecretStrength(secret string) bool {
	entropy := 0.0
	charCount := make(map[rune]int)
	for _, char := range secret {
		charCount[char]++
	}
	for _, count := range charCount {
		probability := float64(count) / float64(len(secret))
		entropy -= probability * math.Log2(probability)
	}
	return entropy >= 3.5
}

// GetJWTSecret provides thread-safe access to the current JWT secret.
func (a *AuthService) GetJWTSecret() []byte {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return a.jwtSecret
}

func (a *AuthService) getPreviousJWTSecret() []byte {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return a.previousJWTSecret
}

func (a *AuthService) hasPreviousSecret() bool {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return len(a.previousJWTSecret) > 0
}

// RotateJWTSecret replaces the current secret with newSecret, retaining the old one for a
// transition period during which tokens signed with either validate successfully.
func (a *AuthService) RotateJWTSecret(newSecret string) error {
	if newSecret == "" {
		return ErrJWTSecretEmpty
	}
	if len(newSecret) < 32 {
		return ErrJWTSecretWeak
	}
	if !validateJWTSecretStrength(newSecret) {
		return ErrJWTSecretWeak
	}

	a.secretLock.Lock()
	defer a.secretLock.Unlock()
	a.previousJWTSecret = a.jwtSecret
	a.jwtSecret = []byte(newSecret)
	return nil
}

// GenerateToken issues an access token binding participantID, valid for ttl.
func (a *AuthService) GenerateToken(participantID identity.ID, ttl time.Duration) (token string, expiresAt time.Time, err error) {
	expiresAt = time.Now().Add(ttl)
	claims := &Claims{
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   participantID.String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.GetJWTSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates tokenString against the current secret, falling back to the
// previous secret while a rotation transition is in progress.
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := a.validateWithSecret(tokenString, a.GetJWTSecret())
	if err == nil {
		return claims, nil
	}

	if a.hasPreviousSecret() {
		claims, err = a.validateWithSecret(tokenString, a.getPreviousJWTSecret())
		if err == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	return nil, ErrInvalidToken
}

func (a *AuthService) validateWithSecret(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
