package api

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/server/dto"
)

// Addon is an installable feature bundle. Install and Uninstall run
// inside the request transaction against the target container.
type Addon struct {
	ID        string
	Title     string
	Install   func(ctx context.Context, c *content.Container) error
	Uninstall func(ctx context.Context, c *content.Container) error
}

var (
	addonsMu sync.RWMutex
	addons   = map[string]*Addon{}
)

// RegisterAddon makes an addon available for installation.
func RegisterAddon(a *Addon) {
	addonsMu.Lock()
	defer addonsMu.Unlock()
	addons[a.ID] = a
}

func lookupAddon(id string) *Addon {
	addonsMu.RLock()
	defer addonsMu.RUnlock()
	return addons[id]
}

// AddonsGET lists available and installed addons.
func AddonsGET(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	c, err := asContainer(res)
	if err != nil {
		return nil, err
	}
	addonsMu.RLock()
	available := make([]map[string]any, 0, len(addons))
	for _, a := range addons {
		available = append(available, map[string]any{"id": a.ID, "title": a.Title})
	}
	addonsMu.RUnlock()
	slices.SortFunc(available, func(x, y map[string]any) int {
		xs, _ := x["id"].(string)
		ys, _ := y["id"].(string)
		if xs < ys {
			return -1
		}
		if xs > ys {
			return 1
		}
		return 0
	})
	return map[string]any{
		"available": available,
		"installed": c.Registry.Addons,
	}, nil
}

type addonPayload struct {
	ID string `json:"id"`
}

// AddonsPOST installs an addon on the container.
func AddonsPOST(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	c, err := asContainer(res)
	if err != nil {
		return nil, err
	}
	var payload addonPayload
	if err := decodeBody(r, &payload); err != nil {
		return nil, err
	}
	a := lookupAddon(payload.ID)
	if a == nil {
		return nil, dto.NotFound("unknown addon").With("id", payload.ID)
	}
	if slices.Contains(c.Registry.Addons, a.ID) {
		return nil, dto.BadRequest(map[string]any{"reason": "addon already installed", "id": a.ID})
	}
	if a.Install != nil {
		if err := a.Install(ctx, c); err != nil {
			return nil, err
		}
	}
	c.Registry.Addons = append(c.Registry.Addons, a.ID)
	if err := registerContainer(ctx, c); err != nil {
		return nil, err
	}
	return map[string]any{"installed": c.Registry.Addons}, nil
}

// AddonsDELETE uninstalls an addon from the container.
func AddonsDELETE(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	c, err := asContainer(res)
	if err != nil {
		return nil, err
	}
	var payload addonPayload
	if err := decodeBody(r, &payload); err != nil {
		return nil, err
	}
	i := slices.Index(c.Registry.Addons, payload.ID)
	if i < 0 {
		return nil, dto.NotFound("addon not installed").With("id", payload.ID)
	}
	if a := lookupAddon(payload.ID); a != nil && a.Uninstall != nil {
		if err := a.Uninstall(ctx, c); err != nil {
			return nil, err
		}
	}
	c.Registry.Addons = slices.Delete(c.Registry.Addons, i, i+1)
	if err := registerContainer(ctx, c); err != nil {
		return nil, err
	}
	return map[string]any{"installed": c.Registry.Addons}, nil
}

// RegistryGET exposes the container's configuration registry.
func RegistryGET(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
	c, err := asContainer(res)
	if err != nil {
		return nil, err
	}
	return &c.Registry, nil
}

func asContainer(res content.Resource) (*content.Container, error) {
	c, ok := res.(*content.Container)
	if !ok {
		return nil, dto.BadRequest(map[string]any{"reason": "not a container"})
	}
	return c, nil
}

func registerContainer(ctx context.Context, c *content.Container) error {
	txn := db.CurrentTransaction(ctx)
	if txn == nil {
		return dto.BadRequest(map[string]any{"reason": "no transaction"})
	}
	return txn.RegisterModified(c)
}
