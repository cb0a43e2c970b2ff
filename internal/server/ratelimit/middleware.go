package ratelimit

import (
	"net"
	"net/http"
	"strconv"
)

// Middleware enforces the config in front of next. The user id is
// derived lazily by userID so the wrapped handler keeps sole ownership
// of authentication.
func Middleware(cfg *Config, userID func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		tier := cfg.Match(r.Method, r.URL.Path, uid != "")
		if tier == nil {
			next.ServeHTTP(w, r)
			return
		}
		identifier := clientIP(r)
		if tier.Scope == ScopeUser && uid != "" {
			identifier = uid
		}
		result := tier.Limiter.Allow(BuildKey(tier.Scope, identifier, tier.Name))
		WriteHeaders(w, result)
		if !result.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"reason":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteHeaders reports the bucket state on every response; Retry-After
// only accompanies a rejection.
func WriteHeaders(w http.ResponseWriter, result Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
