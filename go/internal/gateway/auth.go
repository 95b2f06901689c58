package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrUnauthorized = errors.New("missing or invalid token")
	ErrForbidden    = errors.New("token does not grant this action")
)

// Role is what a token lets its holder do in one session.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Claims identify the holder of a session token.
type Claims struct {
	Role          Role   `json:"role"`
	Code          string `json:"code"`
	ParticipantID string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session tokens with HS256.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewTokenIssuer(secret string, ttl time.Duration, clock clockwork.Clock) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, clock: clock}
}

// IssueHost grants host control over one session.
func (t *TokenIssuer) IssueHost(code string) (string, error) {
	return t.issue(Claims{Role: RoleHost, Code: code})
}

// IssueParticipant lets a participant write its own roster entry.
func (t *TokenIssuer) IssueParticipant(code, participantID string) (string, error) {
	return t.issue(Claims{Role: RoleParticipant, Code: code, ParticipantID: participantID})
}

func (t *TokenIssuer) issue(c Claims) (string, error) {
	now := t.clock.Now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   c.Code,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns its claims.
func (t *TokenIssuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.clock.Now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// Authorize checks that the claims grant role for the session code.
func (c *Claims) Authorize(role Role, code string) error {
	if c.Code != code || c.Role != role {
		return ErrForbidden
	}
	return nil
}

// tokenFromRequest reads a bearer token, falling back to the token query
// parameter for WebSocket clients that cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}
