package api

import (
	"context"
	"net/http"

	"github.com/tessella/tessella/internal/auth"
	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/registry"
	"github.com/tessella/tessella/internal/server/dto"
	"github.com/tessella/tessella/internal/server/reqctx"
)

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginView exchanges credentials for a bearer token. Registered with
// open access so the anonymous principal can reach it; the credential
// check is the gate.
func loginView(authn *auth.Authenticator) registry.Handler {
	return func(ctx context.Context, r *http.Request, res content.Resource) (any, error) {
		if authn == nil {
			return nil, dto.BadRequest(map[string]any{"reason": "authentication disabled"})
		}
		// Already-authenticated callers just get a fresh token.
		if u := reqctx.Get(ctx).User(); !auth.IsAnonymous(u) {
			return mint(authn, u.ID)
		}
		var payload loginPayload
		if err := decodeBody(r, &payload); err != nil {
			return nil, err
		}
		u := authn.Login(payload.Username, payload.Password)
		if u == nil {
			return nil, dto.Unauthorized("invalid credentials")
		}
		return mint(authn, u.ID)
	}
}

func mint(authn *auth.Authenticator, userID string) (any, error) {
	token, err := authn.MintToken(userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": token}, nil
}
