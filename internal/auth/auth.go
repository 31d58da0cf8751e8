// Package auth verifies the HS256 session tokens issued by the external
// identity provider and maps them to dispatch actors.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/profile"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the session claims. Subject carries the user id.
type Claims struct {
	Email       string `json:"email"`
	Role        string `json:"role"`
	FromAddress string `json:"from_address,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. A non-empty issuer is enforced on every
// token.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Verify parses tokenString and returns the actor it identifies.
func (v *Verifier) Verify(tokenString string) (dispatch.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dispatch.Actor{}, ErrExpiredToken
		}
		return dispatch.Actor{}, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return dispatch.Actor{}, ErrInvalidToken
	}

	return dispatch.Actor{
		ID:          claims.Subject,
		Email:       claims.Email,
		Role:        parseRole(claims.Role),
		FromAddress: claims.FromAddress,
	}, nil
}

// Sign issues a token for claims. It fills Issuer and IssuedAt when unset
// and is used by tooling and tests; production tokens come from the
// identity provider.
func (v *Verifier) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := v.now()
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// parseRole maps unknown roles to the least privileged one.
func parseRole(s string) profile.Role {
	if profile.Role(strings.ToUpper(s)) == profile.RoleSuperAdmin {
		return profile.RoleSuperAdmin
	}
	return profile.RoleUser
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
