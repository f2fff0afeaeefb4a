package generichttp

import (
	"errors"
	"go/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
)

func TestSubMuxSanitize(t *testing.T) {
	cases := map[string]string{
		"":          "/",
		"/":         "/",
		"det":       "/det",
		"/det/":     "/det",
		"/a/b/":     "/a/b",
		"already/b": "/already/b",
	}
	for in, expected := range cases {
		if out := SubMuxSanitize(in); out != expected {
			t.Errorf("SubMuxSanitize(%q) = %q, expected %q", in, out, expected)
		}
	}
}

func TestHumanPayload(t *testing.T) {
	cases := []struct {
		hp   HumanPayload
		json string
		text string
	}{
		{HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`, "1.5"},
		{HumanPayload{T: types.Int, Int: 3}, `{"int":3}`, "3"},
		{HumanPayload{T: types.String, String: "TOA"}, `{"str":"TOA"}`, "TOA"},
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`, "true"},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		c.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if got := strings.TrimSpace(w.Body.String()); got != c.json {
			t.Errorf("expected %s, got %s", c.json, got)
		}
		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/plain")
		c.hp.EncodeAndRespond(w, req)
		if got := w.Body.String(); got != c.text {
			t.Errorf("expected %s, got %s", c.text, got)
		}
	}
	w := httptest.NewRecorder()
	HumanPayload{T: types.Complex64}.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for an unsupported kind, got %d", w.Code)
	}
}

func TestSetters(t *testing.T) {
	var f float64
	h := SetFloat(func(v float64) error { f = v; return nil })
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"f64": 42.5}`)))
	if w.Code != http.StatusOK || f != 42.5 {
		t.Errorf("SetFloat: code %d, value %v", w.Code, f)
	}

	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`nope`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad body, got %d", w.Code)
	}

	fail := SetInt(func(int) error { return errors.New("device busy") })
	w = httptest.NewRecorder()
	fail(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"int": 1}`)))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "busy") {
		t.Errorf("expected the setter error to surface, got %d %q", w.Code, w.Body.String())
	}
}

type table struct{ rt RouteTable }

func (t table) RT() RouteTable { return t.rt }

func TestRouteTableBind(t *testing.T) {
	var h HTTPer = table{RouteTable{
		{http.MethodGet, "/mode"}:  GetString(func() (string, error) { return "TOT_NOTOA", nil }),
		{http.MethodPost, "/mode"}: SetString(func(string) error { return nil }),
	}}
	r := chi.NewRouter()
	h.RT().Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mode", nil))
	if strings.TrimSpace(w.Body.String()) != `{"str":"TOT_NOTOA"}` {
		t.Errorf("unexpected body %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	if strings.TrimSpace(w.Body.String()) != `["GET /mode","POST /mode"]` {
		t.Errorf("unexpected endpoints %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/mode", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
