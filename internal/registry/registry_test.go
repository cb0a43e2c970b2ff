package registry

import (
	"context"
	"net/http"
	"reflect"
	"testing"

	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/server/dto"
)

func nopHandler(context.Context, *http.Request, content.Resource) (any, error) {
	return nil, nil
}

func TestLookupWalksMarkersInOrder(t *testing.T) {
	reg := New()
	generic := &View{Method: http.MethodGet, Handler: nopHandler}
	specific := &View{Method: http.MethodGet, Handler: nopHandler}
	reg.RegisterView([]string{content.MarkerResource}, generic)
	reg.RegisterView([]string{content.MarkerContainer}, specific)

	// Containers list their own marker first; the specific view wins.
	if got := reg.LookupView(&content.Container{}, http.MethodGet, ""); got != specific {
		t.Error("most specific marker must win")
	}
	if got := reg.LookupView(&content.Item{}, http.MethodGet, ""); got != generic {
		t.Error("items fall back to the resource marker")
	}
}

func TestLookupByNameAndMethod(t *testing.T) {
	reg := New()
	v := &View{Name: "@addons", Method: http.MethodPost, Handler: nopHandler}
	reg.RegisterView([]string{content.MarkerContainer}, v)

	if got := reg.LookupView(&content.Container{}, http.MethodPost, "@addons"); got != v {
		t.Error("named view lookup failed")
	}
	if got := reg.LookupView(&content.Container{}, http.MethodGet, "@addons"); got != nil {
		t.Error("method is part of the key")
	}
	if got := reg.LookupView(&content.Folder{}, http.MethodPost, "@addons"); got != nil {
		t.Error("marker is part of the key")
	}
}

func TestAllowedMethods(t *testing.T) {
	reg := New()
	reg.RegisterView([]string{content.MarkerFolder}, &View{Method: http.MethodGet, Handler: nopHandler})
	reg.RegisterView([]string{content.MarkerFolder}, &View{Method: http.MethodPost, Handler: nopHandler})
	reg.RegisterView([]string{content.MarkerResource}, &View{Method: http.MethodDelete, Handler: nopHandler})

	got := reg.AllowedMethods(&content.Folder{}, "")
	want := []string{http.MethodDelete, http.MethodGet, http.MethodPost}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AllowedMethods = %v, want %v", got, want)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := New()
	v := &View{Method: http.MethodGet, Handler: nopHandler}
	reg.RegisterView([]string{content.MarkerResource}, v)
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration must panic")
		}
	}()
	reg.RegisterView([]string{content.MarkerResource}, v)
}

func TestNegotiateRenderer(t *testing.T) {
	reg := New()
	if r := reg.NegotiateRenderer("application/json"); r.ContentType() != "application/json" {
		t.Errorf("json negotiation = %s", r.ContentType())
	}
	// Unknown types fall back to JSON.
	if r := reg.NegotiateRenderer("text/html"); r.ContentType() != "application/json" {
		t.Errorf("fallback = %s", r.ContentType())
	}
	if r := reg.NegotiateRenderer(""); r.ContentType() != "application/json" {
		t.Errorf("empty accept = %s", r.ContentType())
	}
	if r := reg.NegotiateRenderer("application/json; q=0.9, text/html"); r.ContentType() != "application/json" {
		t.Errorf("parameters must be ignored, got %s", r.ContentType())
	}
}

func TestJSONRendererNilBody(t *testing.T) {
	out, err := JSONRenderer{}.Render(dto.NewResponse(http.StatusOK))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("nil body rendered as %q, want empty", out)
	}
}

type staticLang struct{ res content.Resource }

func (s staticLang) Translate(context.Context, content.Resource) content.Resource { return s.res }

func TestNegotiateLanguage(t *testing.T) {
	reg := New()
	translated := &content.Item{}
	reg.RegisterLanguage("fr", staticLang{res: translated})

	if l := reg.NegotiateLanguage("fr"); l == nil {
		t.Fatal("exact tag must match")
	}
	if l := reg.NegotiateLanguage("fr-CA, en;q=0.8"); l == nil {
		t.Fatal("region tags must fall back to the bare language")
	}
	if l := reg.NegotiateLanguage("de"); l != nil {
		t.Error("unregistered language must not match")
	}
}
