package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tessella/tessella/internal/server/dto"
)

// CORSPolicy is the configured cross-origin policy. Preflight answers
// merge the configured method list with the methods the matched
// resource actually serves.
type CORSPolicy struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSPolicy mirrors a permissive development setup.
func DefaultCORSPolicy() *CORSPolicy {
	return &CORSPolicy{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost,
			http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "X-Debug", "X-Wait"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           3660,
	}
}

func (c *CORSPolicy) originAllowed(origin string) bool {
	for _, o := range c.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Apply sets the simple-request CORS headers on resp when the request
// carries an allowed Origin.
func (c *CORSPolicy) Apply(r *http.Request, resp *dto.Response) {
	if c == nil {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !c.originAllowed(origin) {
		return
	}
	h := resp.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(c.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(c.ExposeHeaders, ", "))
	}
}

// Preflight answers an OPTIONS preflight. The advertised method set is
// the intersection of the policy's methods and the methods the matched
// resource serves; an empty resource set falls back to the policy's.
func (c *CORSPolicy) Preflight(r *http.Request, resourceMethods []string) *dto.Response {
	resp := dto.NewResponse(http.StatusOK)
	origin := r.Header.Get("Origin")
	if origin == "" || !c.originAllowed(origin) {
		resp.Status = http.StatusUnauthorized
		resp.Body = map[string]any{"reason": "origin not allowed"}
		return resp
	}

	methods := c.AllowMethods
	if len(resourceMethods) > 0 {
		merged := make([]string, 0, len(resourceMethods))
		allowed := map[string]bool{}
		for _, m := range c.AllowMethods {
			allowed[m] = true
		}
		for _, m := range resourceMethods {
			if allowed[m] {
				merged = append(merged, m)
			}
		}
		if len(merged) > 0 {
			methods = merged
		}
	}

	h := resp.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", c.filterHeaders(requested))
	} else if len(c.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowHeaders, ", "))
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if c.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAge))
	}
	resp.Prepared = true
	return resp
}

// filterHeaders keeps only the requested headers the policy allows.
func (c *CORSPolicy) filterHeaders(requested string) string {
	allowed := map[string]bool{}
	for _, h := range c.AllowHeaders {
		allowed[strings.ToLower(h)] = true
	}
	var out []string
	for _, h := range strings.Split(requested, ",") {
		h = strings.TrimSpace(h)
		if h != "" && allowed[strings.ToLower(h)] {
			out = append(out, h)
		}
	}
	return strings.Join(out, ", ")
}
