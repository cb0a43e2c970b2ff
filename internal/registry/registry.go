// Package registry is the component registry: views keyed by resource
// marker, HTTP method and view name, plus renderers and language
// adapters. Registration happens at startup; lookup is read-mostly and
// safe for concurrent use.
package registry

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/server/dto"
)

// methods a view may be registered for. Anything else is rejected at
// registration time.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodConnect: true,
}

// KnownMethod reports whether the router dispatches this HTTP method
// at all.
func KnownMethod(method string) bool { return knownMethods[method] }

// KnownMethods lists every dispatchable method, sorted.
func KnownMethods() []string {
	out := make([]string, 0, len(knownMethods))
	for m := range knownMethods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Handler is the view body. It runs inside the request's transaction;
// the returned value goes through content negotiation unless it is
// already a *dto.Response.
type Handler func(ctx context.Context, r *http.Request, res content.Resource) (any, error)

// View is one registered operation on a kind of resource.
type View struct {
	// Name is the "@name" path segment the view answers to; empty for
	// the default view of the resource itself. A trailing "?" marks a
	// wildcard view that also claims the path segments after its name.
	Name string
	// Method is the HTTP method.
	Method string
	// Permission is checked on the resource before dispatch.
	Permission string
	// AllowAnonymous skips the authenticated-principal requirement for
	// endpoints like @login.
	AllowAnonymous bool
	// Prepare, when set, runs after the permission checks and may
	// substitute another view for dispatch; returning (nil, nil) keeps
	// this one.
	Prepare func(ctx context.Context, r *http.Request, res content.Resource) (*View, error)
	Handler Handler
}

type viewKey struct {
	marker string
	method string
	name   string
}

// Registry holds the registered components.
type Registry struct {
	mu        sync.RWMutex
	views     map[viewKey]*View
	layers    map[string]bool
	renderers map[string]Renderer
	languages map[string]Language
	fallback  Renderer
}

// New returns a registry with the JSON renderer installed as the
// negotiation fallback.
func New() *Registry {
	r := &Registry{
		views:     map[viewKey]*View{},
		layers:    map[string]bool{},
		renderers: map[string]Renderer{},
		languages: map[string]Language{},
		fallback:  JSONRenderer{},
	}
	r.RegisterRenderer(JSONRenderer{})
	return r
}

// RegisterView registers v for every marker in markers. Unknown
// methods and duplicate registrations panic: both are wiring bugs.
func (r *Registry) RegisterView(markers []string, v *View) {
	if !knownMethods[v.Method] {
		panic("registry: unknown method " + v.Method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range markers {
		k := viewKey{marker: m, method: v.Method, name: v.Name}
		if _, dup := r.views[k]; dup {
			panic("registry: duplicate view " + m + " " + v.Method + " " + v.Name)
		}
		r.views[k] = v
	}
}

// LookupView resolves the view for res, walking its markers most
// specific first. Misses return nil.
func (r *Registry) LookupView(res content.Resource, method, name string) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, marker := range res.Markers() {
		if v, ok := r.views[viewKey{marker: marker, method: method, name: name}]; ok {
			return v
		}
	}
	return nil
}

// AllowedMethods lists the methods for which res has a view of the
// given name, sorted. Used for OPTIONS and 405 responses.
func (r *Registry) AllowedMethods(res content.Resource, name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, marker := range res.Markers() {
		for k := range r.views {
			if k.marker == marker && k.name == name {
				seen[k.method] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RegisterLayer declares a layer id so containers may activate it.
func (r *Registry) RegisterLayer(id string) {
	r.mu.Lock()
	r.layers[id] = true
	r.mu.Unlock()
}

// HasLayer reports whether the layer id resolves to a registered
// layer.
func (r *Registry) HasLayer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layers[id]
}

// Renderer serializes a response body for one content type.
type Renderer interface {
	ContentType() string
	Render(resp *dto.Response) ([]byte, error)
}

// RegisterRenderer installs rend under its content type.
func (r *Registry) RegisterRenderer(rend Renderer) {
	r.mu.Lock()
	r.renderers[rend.ContentType()] = rend
	r.mu.Unlock()
}

// NegotiateRenderer picks a renderer from the Accept header, falling
// back to JSON when nothing acceptable is registered.
func (r *Registry) NegotiateRenderer(accept string) Renderer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(part)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if mt == "" || mt == "*/*" {
			break
		}
		if rend, ok := r.renderers[mt]; ok {
			return rend
		}
	}
	return r.fallback
}

// Language adapts a resource for a negotiated language.
type Language interface {
	Translate(ctx context.Context, res content.Resource) content.Resource
}

// RegisterLanguage installs a language adapter under its tag.
func (r *Registry) RegisterLanguage(tag string, l Language) {
	r.mu.Lock()
	r.languages[strings.ToLower(tag)] = l
	r.mu.Unlock()
}

// NegotiateLanguage picks a language adapter from the Accept-Language
// header, nil when no adapter matches.
func (r *Registry) NegotiateLanguage(acceptLanguage string) Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag := strings.TrimSpace(part)
		if i := strings.IndexByte(tag, ';'); i >= 0 {
			tag = strings.TrimSpace(tag[:i])
		}
		if tag == "" {
			continue
		}
		if l, ok := r.languages[strings.ToLower(tag)]; ok {
			return l
		}
		// Region tags fall back to the bare language.
		if i := strings.IndexByte(tag, '-'); i > 0 {
			if l, ok := r.languages[strings.ToLower(tag[:i])]; ok {
				return l
			}
		}
	}
	return nil
}
