// Package auth implements request authentication: token extraction
// and validation producing a principal, or nothing. Only the pass/fail
// contract matters to the router; authentication never hard-fails a
// request, it falls back to the anonymous identity.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tessella/tessella/internal/security"
)

// Well-known principal ids.
const (
	RootUserID      = "root"
	AnonymousUserID = "Anonymous User"
)

// User is an authenticated (or anonymous) principal.
type User struct {
	ID     string
	Groups []string
	Roles  []string
}

// PrincipalID implements security.Principal.
func (u *User) PrincipalID() string { return u.ID }

// PrincipalGroups implements security.Principal.
func (u *User) PrincipalGroups() []string { return u.Groups }

// GlobalRoles implements security.Principal.
func (u *User) GlobalRoles() []string { return u.Roles }

// Anonymous returns the unauthenticated principal.
func Anonymous() *User {
	return &User{ID: AnonymousUserID, Roles: []string{security.RoleAnonymous}}
}

// IsAnonymous reports whether u is the anonymous principal.
func IsAnonymous(u *User) bool { return u == nil || u.ID == AnonymousUserID }

// Root returns the root principal with its manager roles.
func Root() *User {
	return &User{
		ID: RootUserID,
		Roles: []string{
			security.RoleManager,
			security.RoleOwner,
			security.RoleMember,
			security.RoleAuthenticated,
		},
	}
}

// Authenticator validates bearer tokens (HS256 JWT) and basic
// credentials for the root user.
type Authenticator struct {
	secret       []byte
	rootPassword []byte // bcrypt hash; empty disables basic auth
	tokenTTL     time.Duration
}

// New builds an authenticator with the signing secret and the bcrypt
// hash of the root password (may be empty).
func New(secret []byte, rootPasswordHash []byte) *Authenticator {
	return &Authenticator{secret: secret, rootPassword: rootPasswordHash, tokenTTL: time.Hour}
}

// Authenticate extracts and validates credentials from r. It returns
// nil (not an error) when no valid credentials are present; the caller
// substitutes the anonymous identity.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) *User {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok {
		return nil
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		user, err := a.ValidateToken(value)
		if err != nil {
			return nil
		}
		return user
	case "basic":
		return a.validateBasic(value)
	}
	return nil
}

// ValidateToken checks an HS256 JWT and returns its principal.
func (a *Authenticator) ValidateToken(tokenString string) (*User, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	id, _ := claims["id"].(string)
	if id == "" {
		id, _ = claims["sub"].(string)
	}
	if id == "" {
		return nil, errors.New("token has no subject")
	}
	if id == RootUserID {
		return Root(), nil
	}
	user := &User{ID: id, Roles: []string{security.RoleAuthenticated}}
	if raw, ok := claims["groups"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				user.Groups = append(user.Groups, s)
			}
		}
	}
	return user, nil
}

func (a *Authenticator) validateBasic(value string) *User {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	id, password, ok := strings.Cut(string(raw), ":")
	if !ok || id != RootUserID || len(a.rootPassword) == 0 {
		return nil
	}
	if bcrypt.CompareHashAndPassword(a.rootPassword, []byte(password)) != nil {
		return nil
	}
	return Root()
}

// Login validates explicit credentials, as posted to the login
// endpoint. Only the root account has a password today.
func (a *Authenticator) Login(username, password string) *User {
	if username != RootUserID || len(a.rootPassword) == 0 {
		return nil
	}
	if bcrypt.CompareHashAndPassword(a.rootPassword, []byte(password)) != nil {
		return nil
	}
	return Root()
}

// MintToken issues a signed token for userID, valid for the
// authenticator's TTL.
func (a *Authenticator) MintToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(a.tokenTTL).Unix(),
		"id":  userID,
		"sub": userID,
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// HashPassword returns the bcrypt hash used for the root password.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
