package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Scope selects the bucket key for a tier.
type Scope int

const (
	// ScopeIP keys buckets by client address.
	ScopeIP Scope = iota
	// ScopeUser keys buckets by authenticated principal id.
	ScopeUser
)

// Tier is one named limit with its scope.
type Tier struct {
	Name    string
	Limiter *Limiter
	Scope   Scope
}

// Config holds the tiers the middleware routes requests to.
type Config struct {
	// Login covers credential-bearing endpoints, keyed by IP to slow
	// down guessing.
	Login Tier
	// Write covers transaction-committing methods.
	Write Tier
	// ReadAuth and ReadUnauth cover everything else.
	ReadAuth   Tier
	ReadUnauth Tier
}

// DefaultConfig builds the standard tiers.
func DefaultConfig() *Config {
	return NewConfig(0, 0, 0, 0)
}

// NewConfig builds the tiers with per-minute rates; a non-positive rate
// keeps that tier's default.
func NewConfig(loginPerMin, writePerMin, readAuthPerMin, readUnauthPerMin int) *Config {
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	return &Config{
		Login:      Tier{Name: "login", Limiter: newTierLimiter(pick(loginPerMin, 5)), Scope: ScopeIP},
		Write:      Tier{Name: "write", Limiter: newTierLimiter(pick(writePerMin, 120)), Scope: ScopeUser},
		ReadAuth:   Tier{Name: "read", Limiter: newTierLimiter(pick(readAuthPerMin, 6000)), Scope: ScopeUser},
		ReadUnauth: Tier{Name: "read", Limiter: newTierLimiter(pick(readUnauthPerMin, 1200)), Scope: ScopeIP},
	}
}

// newTierLimiter derives the burst from the rate so configured tiers
// keep the same headroom ratio as the defaults.
func newTierLimiter(perMin int) *Limiter {
	burst := max(perMin/6, 5)
	return NewLimiter(perMin, time.Minute, burst)
}

// Match picks the tier for a request, nil when the path is exempt.
// authenticated reflects whether the request carries credentials;
// scoping by user only makes sense when it does.
func (c *Config) Match(method, path string, authenticated bool) *Tier {
	if path == "/healthz" {
		return nil
	}
	if strings.HasSuffix(path, "/@login") && method == http.MethodPost {
		return &c.Login
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return &c.Write
	}
	if authenticated {
		return &c.ReadAuth
	}
	return &c.ReadUnauth
}

// Close stops every tier's cleanup goroutine.
func (c *Config) Close() {
	c.Login.Limiter.Close()
	c.Write.Limiter.Close()
	c.ReadAuth.Limiter.Close()
	c.ReadUnauth.Limiter.Close()
}

// BuildKey forms a bucket key from scope, identifier and tier name.
func BuildKey(scope Scope, identifier, tierName string) string {
	prefix := "ip"
	if scope == ScopeUser {
		prefix = "user"
	}
	return prefix + ":" + identifier + ":" + tierName
}
