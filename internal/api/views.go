// Package api registers the built-in views: the default CRUD
// operations on resources plus the named service endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tessella/tessella/internal/auth"
	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/registry"
	"github.com/tessella/tessella/internal/security"
	"github.com/tessella/tessella/internal/server/dto"
	"github.com/tessella/tessella/internal/server/reqctx"
)

// traversableMarkers are the markers the folderish default views bind
// to.
var traversableMarkers = []string{content.MarkerRoot, content.MarkerContainer, content.MarkerFolder}

// allMarkers binds a view to every resource kind.
var allMarkers = []string{
	content.MarkerResource, content.MarkerRoot, content.MarkerContainer,
	content.MarkerFolder, content.MarkerApplication, content.MarkerDatabase,
	content.MarkerAnnotation,
}

// Register installs the built-in views and service endpoints.
func Register(reg *registry.Registry, authn *auth.Authenticator) {
	reg.RegisterView(allMarkers, &registry.View{
		Method:     http.MethodGet,
		Permission: security.PermissionViewContent,
		Handler:    DefaultGET,
	})
	reg.RegisterView(allMarkers, &registry.View{
		Method:         http.MethodOptions,
		AllowAnonymous: true,
		Handler:        optionsFor(reg, ""),
	})
	reg.RegisterView(traversableMarkers, &registry.View{
		Method:     http.MethodPost,
		Permission: security.PermissionAddContent,
		Handler:    DefaultPOST,
	})
	reg.RegisterView(allMarkers, &registry.View{
		Method:     http.MethodPatch,
		Permission: security.PermissionModifyContent,
		Handler:    DefaultPATCH,
	})
	reg.RegisterView(allMarkers, &registry.View{
		Method:     http.MethodDelete,
		Permission: security.PermissionDeleteContent,
		Handler:    DefaultDELETE,
	})

	reg.RegisterView([]string{content.MarkerContainer}, &registry.View{
		Name:       "@addons",
		Method:     http.MethodGet,
		Permission: security.PermissionManageAddons,
		Handler:    AddonsGET,
	})
	reg.RegisterView([]string{content.MarkerContainer}, &registry.View{
		Name:       "@addons",
		Method:     http.MethodPost,
		Permission: security.PermissionManageAddons,
		Handler:    AddonsPOST,
	})
	reg.RegisterView([]string{content.MarkerContainer}, &registry.View{
		Name:       "@addons",
		Method:     http.MethodDelete,
		Permission: security.PermissionManageAddons,
		Handler:    AddonsDELETE,
	})

	reg.RegisterView([]string{content.MarkerContainer}, &registry.View{
		Name:       "@registry",
		Method:     http.MethodGet,
		Permission: security.PermissionViewContent,
		Handler:    RegistryGET,
	})

	reg.RegisterView([]string{content.MarkerRoot}, &registry.View{
		Name:       "@stats",
		Method:     http.MethodGet,
		Permission: security.PermissionViewContent,
		Handler:    StatsGET,
	})

	reg.RegisterView([]string{content.MarkerApplication, content.MarkerRoot}, &registry.View{
		Name:           "@login",
		Method:         http.MethodPost,
		AllowAnonymous: true,
		Handler:        loginView(authn),
	})

	reg.RegisterView(allMarkers, &registry.View{
		Name:       "@types",
		Method:     http.MethodGet,
		Permission: security.PermissionViewContent,
		Handler:    TypesGET,
	})
}

// optionsFor answers a plain (non-preflight) OPTIONS with the allowed
// method set.
func optionsFor(reg *registry.Registry, name string) registry.Handler {
	return func(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
		allowed := reg.AllowedMethods(res, name)
		resp := dto.NewResponse(http.StatusOK)
		resp.Header().Set("Allow", dto.FormatAllow(allowed))
		resp.Body = map[string]any{"methods": allowed}
		return resp, nil
	}
}

// DefaultGET serializes a resource: identity, content fields, and for
// folderish resources the child names.
func DefaultGET(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	out := map[string]any{
		"id":          res.Name(),
		"uuid":        res.UUID(),
		"type":        res.TypeName(),
		"parent_uuid": res.ParentUUID(),
	}
	if b := contentBase(res); b != nil {
		out["data"] = b.Data
		out["tid"] = b.TID
	}
	if c, ok := res.(*content.Container); ok {
		out["layers"] = c.Registry.ActiveLayers
		out["addons"] = c.Registry.Addons
	}
	if app, ok := res.(*content.Application); ok {
		out["databases"] = app.Databases()
		out["static"] = true
	}
	if content.IsTraversable(res) {
		if txn := db.CurrentTransaction(ctx); txn != nil {
			keys, err := txn.Keys(ctx, res.UUID())
			if err != nil {
				return nil, err
			}
			out["items"] = keys
			out["length"] = len(keys)
		}
	}
	return out, nil
}

type createPayload struct {
	Type string         `json:"@type"`
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// DefaultPOST creates a child resource under a folderish parent.
func DefaultPOST(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	var payload createPayload
	if err := decodeBody(r, &payload); err != nil {
		return nil, err
	}
	if payload.Type == "" {
		return nil, dto.BadRequest(map[string]any{"reason": "missing @type"})
	}
	child, err := content.New(payload.Type)
	if err != nil {
		return nil, dto.BadRequest(map[string]any{"reason": "unknown type", "type": payload.Type})
	}
	name := payload.ID
	if name == "" {
		name = uuid.NewString()
	}
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, "@") || name == "." || name == ".." {
		return nil, dto.BadRequest(map[string]any{"reason": "invalid id", "id": name})
	}

	txn := db.CurrentTransaction(ctx)
	if txn == nil {
		return nil, dto.BadRequest(map[string]any{"reason": "no transaction; content lives under a database"})
	}
	if _, err := txn.GetChild(ctx, res, name); err == nil {
		return nil, dto.Conflict("duplicate id").With("id", name)
	}

	child.SetUUID(uuid.NewString())
	child.SetName(name)
	child.SetParent(res)
	for k, v := range payload.Data {
		child.SetValue(k, v)
	}
	// The creator owns what it creates.
	st := reqctx.Get(ctx)
	if u := st.User(); !auth.IsAnonymous(u) {
		child.ACL().AssignRoleToPrincipal(u.ID, security.RoleOwner)
	}

	if err := txn.RegisterAdded(child); err != nil {
		return nil, err
	}
	resp := dto.NewResponse(http.StatusCreated)
	resp.Body = map[string]any{"id": name, "uuid": child.UUID(), "type": child.TypeName()}
	return resp, nil
}

// DefaultPATCH merges content fields into the resource.
func DefaultPATCH(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if strings.HasPrefix(k, "@") {
			continue
		}
		res.SetValue(k, v)
	}
	txn := db.CurrentTransaction(ctx)
	if txn == nil {
		return nil, dto.BadRequest(map[string]any{"reason": "resource is not persistent"})
	}
	if err := txn.RegisterModified(res); err != nil {
		return nil, err
	}
	return dto.NewResponse(http.StatusNoContent), nil
}

// DefaultDELETE removes the resource.
func DefaultDELETE(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	txn := db.CurrentTransaction(ctx)
	if txn == nil {
		return nil, dto.BadRequest(map[string]any{"reason": "resource is not persistent"})
	}
	if res.UUID() == db.RootID {
		return nil, dto.Unauthorized("cannot delete the root")
	}
	if err := txn.RegisterDeleted(res); err != nil {
		return nil, err
	}
	return dto.NewResponse(http.StatusNoContent), nil
}

// TypesGET lists the installable content types.
func TypesGET(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	return map[string]any{"types": content.RegisteredTypes()}, nil
}

// StatsGET reports the database's cumulative cache counters.
func StatsGET(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	mgr := db.CurrentManager(ctx)
	if mgr == nil {
		return nil, dto.BadRequest(map[string]any{"reason": "no database in scope"})
	}
	totals := mgr.CacheTotals()
	body := map[string]any{
		"db":     mgr.DBID(),
		"hits":   totals.Hits(),
		"misses": totals.Misses(),
		"stored": totals.Stored(),
	}
	if txn := db.CurrentTransaction(ctx); txn != nil {
		body["queries"] = txn.QueryCount()
	}
	return body, nil
}

func contentBase(res content.Resource) *content.Base {
	if p, ok := res.(interface{ ContentBase() *content.Base }); ok {
		return p.ContentBase()
	}
	return nil
}

func decodeBody(r *http.Request, into any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return dto.BadRequest(map[string]any{"reason": "unreadable body"})
	}
	if len(raw) == 0 {
		return dto.BadRequest(map[string]any{"reason": "empty body"})
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return dto.BadRequest(map[string]any{"reason": "invalid json", "detail": err.Error()})
	}
	return nil
}
