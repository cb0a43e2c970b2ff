package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tessella/tessella/internal/auth"
	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/events"
	"github.com/tessella/tessella/internal/registry"
	"github.com/tessella/tessella/internal/security"
	"github.com/tessella/tessella/internal/server/dto"
	"github.com/tessella/tessella/internal/server/reqctx"
)

// writableMethods are the methods that run inside a writable
// transaction and commit on success.
var writableMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Router resolves requests to (resource, view) pairs and executes
// them: authenticate, traverse, gate on permissions, dispatch, settle
// the transaction.
type Router struct {
	app        *content.Application
	components *registry.Registry
	events     *events.Bus
	auth       *auth.Authenticator
	cors       *CORSPolicy
}

// NewRouter wires the router. cors may be nil to disable CORS
// handling.
func NewRouter(app *content.Application, components *registry.Registry, bus *events.Bus, authn *auth.Authenticator, cors *CORSPolicy) *Router {
	return &Router{app: app, components: components, events: bus, auth: authn, cors: cors}
}

// Components exposes the component registry for startup wiring.
func (rt *Router) Components() *registry.Registry { return rt.components }

// Events exposes the notification bus.
func (rt *Router) Events() *events.Bus { return rt.events }

// MatchInfo is a resolved request: the resource the path reached, the
// view to execute and the leftover segments. A resolution failure is
// itself a MatchInfo whose Run renders the error.
type MatchInfo struct {
	rt        *Router
	resource  content.Resource
	view      *registry.View
	viewName  string
	tail      []string
	writable  bool
	fail      *dto.Error
	preflight bool
}

// Resolve maps a request to a MatchInfo. It never returns nil: every
// failure mode resolves to a match that renders the failure.
func (rt *Router) Resolve(ctx context.Context, r *http.Request) *MatchInfo {
	mi, err := rt.realResolve(ctx, r)
	if err != nil {
		var de *dto.Error
		if !errors.As(err, &de) {
			if errors.Is(err, context.Canceled) {
				// The client went away mid-traversal; this is not a
				// request defect.
				return &MatchInfo{rt: rt, fail: dto.ClientClosed(), writable: writableMethods[r.Method]}
			}
			// Traversal blew up on a malformed or unservable path;
			// surface the failure in a structured body.
			de = dto.BadRequest(map[string]any{
				"success":           false,
				"reason":            "unserviceable path",
				"exception_message": err.Error(),
				"exception_type":    fmt.Sprintf("%T", err),
			})
		}
		return &MatchInfo{rt: rt, fail: de, writable: writableMethods[r.Method]}
	}
	return mi
}

func (rt *Router) realResolve(ctx context.Context, r *http.Request) (*MatchInfo, error) {
	if !registry.KnownMethod(r.Method) {
		return nil, dto.MethodNotAllowed(r.Method, registry.KnownMethods())
	}
	state := reqctx.Get(ctx)
	writable := writableMethods[r.Method]

	user := rt.authenticate(ctx, r)
	state.SetUser(user)
	state.SetPolicy(security.NewPolicy(user))
	db.SetUser(ctx, user.ID)
	state.Record("authenticated")

	resource, tail, err := rt.traverse(ctx, splitPath(r.URL.Path), writable)
	if err != nil {
		return nil, err
	}
	state.Record("traversed")

	viewName := ""
	var sub []string
	if len(tail) > 0 {
		viewName = tail[0]
		sub = tail[1:]
	}

	// CORS preflight answers from routing data alone; no content
	// permission is required to discover the allowed methods.
	if r.Method == http.MethodOptions && rt.cors != nil && r.Header.Get("Origin") != "" {
		return &MatchInfo{rt: rt, resource: resource, viewName: viewName, tail: sub, preflight: true}, nil
	}

	policy := state.Policy()
	if !policy.CheckPermission(security.PermissionAccessContent, resource) {
		return nil, dto.Unauthorized("not allowed to access content")
	}

	view := rt.components.LookupView(resource, r.Method, viewName)
	if view == nil {
		// A wildcard view claims the name plus any trailing segments.
		view = rt.components.LookupView(resource, r.Method, viewName+"?")
		if view == nil && viewName != "" {
			view = rt.components.LookupView(resource, r.Method, "?")
		}
		if view != nil {
			sub = tail
		}
	}
	if view == nil {
		rt.events.Notify(ctx, events.TraversalViewMiss{Tail: tail})
		if allowed := rt.components.AllowedMethods(resource, viewName); len(allowed) > 0 {
			return nil, dto.MethodNotAllowed(r.Method, allowed)
		}
		return nil, dto.NotFound("view not found")
	}
	if len(sub) > 0 && !strings.HasSuffix(view.Name, "?") {
		rt.events.Notify(ctx, events.TraversalRouteMiss{Tail: sub})
		return nil, dto.NotFound("route not found")
	}

	if auth.IsAnonymous(user) && !view.AllowAnonymous && view.Permission == "" {
		// Views with no permission of their own still require an
		// authenticated principal unless opened explicitly.
		return nil, dto.Unauthorized("anonymous access not allowed")
	}
	if view.Permission != "" && !policy.CheckPermission(view.Permission, resource) {
		return nil, dto.Unauthorized("not allowed to execute view")
	}
	state.Record("authorized")

	// The resolved resource counts as loaded only once the route
	// matched; traversal itself stays silent while probing children.
	rt.events.Notify(ctx, events.ObjectLoaded{Resource: resource})

	if view.Prepare != nil {
		replacement, err := view.Prepare(ctx, r, resource)
		if err != nil {
			return nil, err
		}
		if replacement != nil {
			view = replacement
		}
	}

	return &MatchInfo{
		rt:       rt,
		resource: resource,
		view:     view,
		viewName: viewName,
		tail:     sub,
		writable: writable,
	}, nil
}

// authenticate extracts the request principal, substituting the
// anonymous identity when no valid credentials are present.
func (rt *Router) authenticate(ctx context.Context, r *http.Request) *auth.User {
	if rt.auth != nil {
		if u := rt.auth.Authenticate(ctx, r); u != nil {
			return u
		}
	}
	return auth.Anonymous()
}

// Run executes the matched view and settles the request transaction:
// commit for writable methods that succeeded, abort otherwise. A
// commit conflict propagates to the caller for the retry layer.
func (mi *MatchInfo) Run(ctx context.Context, r *http.Request) (*dto.Response, error) {
	rt := mi.rt
	state := reqctx.Get(ctx)

	if mi.fail != nil {
		rt.abort(ctx)
		return mi.fail.Response(), nil
	}
	if mi.preflight {
		resp := rt.cors.Preflight(r, rt.components.AllowedMethods(mi.resource, mi.viewName))
		rt.abort(ctx)
		return resp, nil
	}

	rt.events.Notify(ctx, events.BeforeRenderView{View: mi.view})

	resource := mi.resource
	if lang := rt.components.NegotiateLanguage(r.Header.Get("Accept-Language")); lang != nil {
		resource = lang.Translate(ctx, resource)
	}

	result, err := mi.view.Handler(withTail(ctx, mi.tail), r, resource)
	if err != nil {
		var de *dto.Error
		if errors.As(err, &de) {
			rt.abort(ctx)
			return de.Response(), nil
		}
		if errors.Is(err, context.Canceled) {
			rt.abort(ctx)
			return dto.ClientClosed().Response(), nil
		}
		slog.ErrorContext(ctx, "View failed", "path", r.URL.Path, "err", err)
		rt.abort(ctx)
		return dto.InternalServerError().Response(), nil
	}
	state.Record("rendered")

	if mi.writable {
		if mgr := db.CurrentManager(ctx); mgr != nil {
			if cerr := mgr.Commit(ctx, nil); cerr != nil {
				if errors.Is(cerr, db.ErrConflict) {
					return nil, cerr
				}
				slog.ErrorContext(ctx, "Commit failed", "path", r.URL.Path, "err", cerr)
				return dto.InternalServerError().Response(), nil
			}
		}
	} else {
		rt.abort(ctx)
	}
	state.Record("settled")

	switch body := result.(type) {
	case *dto.Response:
		return body, nil
	case *dto.Error:
		return body.Response(), nil
	default:
		resp := dto.NewResponse(http.StatusOK)
		resp.Body = body
		return resp, nil
	}
}

// abort releases the request transaction, if one was begun.
func (rt *Router) abort(ctx context.Context) {
	if mgr := db.CurrentManager(ctx); mgr != nil {
		mgr.Abort(ctx, nil)
	}
}

type tailKey struct{}

func withTail(ctx context.Context, tail []string) context.Context {
	return context.WithValue(ctx, tailKey{}, tail)
}

// Tail returns the path segments left after the view name, for
// wildcard views.
func Tail(ctx context.Context) []string {
	t, _ := ctx.Value(tailKey{}).([]string)
	return t
}
