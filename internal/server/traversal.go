package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/server/dto"
	"github.com/tessella/tessella/internal/server/reqctx"
)

// registryProvider lets container types beyond the built-in one expose
// their configuration registry at the tenant boundary.
type registryProvider interface {
	ContainerRegistry() *content.Registry
}

// splitPath turns a URL path into traversal segments, dropping empty
// ones from doubled or trailing slashes.
func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// traverse walks the content tree from the application root, consuming
// path segments until it cannot or should not continue. It returns the
// deepest resource reached and the unconsumed tail; a non-empty tail
// normally names a view. Crossing a database boundary begins the
// request transaction and continues from the database's persisted
// root; crossing a container boundary binds the container's registry
// and applies its layers.
func (rt *Router) traverse(ctx context.Context, path []string, writable bool) (content.Resource, []string, error) {
	state := reqctx.Get(ctx)
	var node content.Resource = rt.app
	state.SetApplication(rt.app)

	for len(path) > 0 {
		seg := path[0]
		// Reserved names never traverse, whatever the principal.
		if strings.HasPrefix(seg, "_") || seg == "." || seg == ".." {
			return nil, nil, dto.Unauthorized("reserved path segment")
		}
		// A view reference stops traversal; the router dispatches it.
		if strings.HasPrefix(seg, "@") {
			return node, path, nil
		}

		resolver, ok := node.(content.ChildResolver)
		if !ok {
			return node, path, nil
		}
		child, err := resolver.ResolveChild(ctx, seg)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				// A missing child is not an error at this layer; the
				// router decides whether the tail resolves to a view.
				return node, path, nil
			}
			return nil, nil, fmt.Errorf("traverse %q: %w", seg, err)
		}
		path = path[1:]

		if dbh, isDB := content.IsDatabase(child); isDB {
			child, err = rt.enterDatabase(ctx, state, dbh, writable)
			if err != nil {
				return nil, nil, err
			}
		}

		if content.IsContainer(child) {
			rt.enterContainer(ctx, state, child)
		}

		node = child
	}
	return node, path, nil
}

// enterDatabase begins the request transaction on the database's
// manager and swaps the runtime handle for the persisted root object.
func (rt *Router) enterDatabase(ctx context.Context, state *reqctx.State, dbh *content.Database, writable bool) (content.Resource, error) {
	state.SetDatabase(dbh)
	mgr := dbh.TransactionManager()
	db.BindManager(ctx, mgr)
	txn, err := mgr.Begin(ctx, !writable, false)
	if err != nil {
		return nil, fmt.Errorf("enter database %s: %w", dbh.Name(), err)
	}
	ob, err := mgr.GetRoot(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("enter database %s: %w", dbh.Name(), err)
	}
	root, ok := ob.(content.Resource)
	if !ok {
		return nil, fmt.Errorf("enter database %s: root object %T is not a resource", dbh.Name(), ob)
	}
	root.SetParent(dbh)
	return root, nil
}

// enterContainer binds the container's registry into the request and
// applies its active layers. A layer id the component registry does
// not know is logged and skipped, never fatal.
func (rt *Router) enterContainer(ctx context.Context, state *reqctx.State, c content.Resource) {
	state.SetContainer(c, nil)
	var reg *content.Registry
	if p, ok := c.(registryProvider); ok {
		reg = p.ContainerRegistry()
	} else if cc, ok := c.(*content.Container); ok {
		reg = &cc.Registry
	}
	if reg == nil {
		return
	}
	state.SetContainer(c, reg)
	for _, layer := range reg.ActiveLayers {
		if !rt.components.HasLayer(layer) {
			slog.WarnContext(ctx, "Skipping unresolvable layer", "layer", layer, "container", c.Name())
			continue
		}
		state.AddLayer(layer)
	}
}
