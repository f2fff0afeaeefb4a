package detector

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pxlab/pxlab/imgrec"
	"github.com/pxlab/pxlab/monitoring"
	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/render"
	"github.com/pxlab/pxlab/server/middleware/locker"
	"github.com/pxlab/pxlab/sim"
)

type fixture struct {
	h    *HTTPDetector
	mux  *chi.Mux
	drv  *sim.Driver
	lock *locker.Locker
	rec  *imgrec.Recorder
}

func setup(t *testing.T, cfg sim.Config) fixture {
	t.Helper()
	drv := sim.New(cfg)
	if err := drv.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { drv.Exit() })
	dev, err := pxcapi.Open(drv, 0)
	if err != nil {
		t.Fatal(err)
	}
	m, err := monitoring.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	fx := fixture{drv: drv, lock: locker.New(), rec: &imgrec.Recorder{Root: t.TempDir(), Format: "pbf"}}
	fx.h = NewHTTPDetector(dev, Options{Recorder: fx.rec, Locker: fx.lock, Metrics: m})
	fx.mux = chi.NewRouter()
	fx.mux.Use(fx.lock.Check)
	fx.h.RT().Bind(fx.mux)
	return fx
}

func (fx fixture) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestInfoAndDevices(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	w := fx.do(http.MethodGet, "/info", "")
	info := pxcapi.Info{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != sim.DefaultConfig().Devices[0].Name || len(info.ChipIDs) != 1 {
		t.Errorf("unexpected info %+v", info)
	}
	w = fx.do(http.MethodGet, "/devices", "")
	if !strings.Contains(w.Body.String(), `"index":0`) {
		t.Errorf("unexpected device list %s", w.Body.String())
	}
}

func TestParams(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	if w := fx.do(http.MethodPost, "/param/DDBlockSize", `{"value": 50}`); w.Code != http.StatusOK {
		t.Fatalf("set param: %d %s", w.Code, w.Body.String())
	}
	w := fx.do(http.MethodGet, "/param/DDBlockSize", "")
	p := paramPayload{}
	json.NewDecoder(w.Body).Decode(&p)
	if p.Type != "int" || p.Value != float64(50) {
		t.Errorf("unexpected param %+v", p)
	}
	if w := fx.do(http.MethodGet, "/param/Nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown parameter, got %d", w.Code)
	}
	if w := fx.do(http.MethodPost, "/param/SerialNumber", `{"value": "x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a read-only parameter, got %d", w.Code)
	}
	w = fx.do(http.MethodGet, "/params", "")
	if !strings.Contains(w.Body.String(), `"SerialNumber":"SIM-0001"`) {
		t.Errorf("params missing the serial number: %s", w.Body.String())
	}
}

func TestModeAndBias(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	fx.do(http.MethodPost, "/mode", `{"str": "toa"}`)
	if w := fx.do(http.MethodGet, "/mode", ""); strings.TrimSpace(w.Body.String()) != `{"str":"TOA"}` {
		t.Errorf("unexpected mode %s", w.Body.String())
	}
	if w := fx.do(http.MethodPost, "/mode", `{"str": "color"}`); w.Code == http.StatusOK {
		t.Error("expected an unknown mode to fail")
	}
	if w := fx.do(http.MethodPost, "/bias", `{"f64": 1000}`); w.Code == http.StatusOK {
		t.Error("expected an out of range bias to fail")
	}
	fx.do(http.MethodPost, "/bias", `{"f64": 42}`)
	if w := fx.do(http.MethodGet, "/bias", ""); strings.TrimSpace(w.Body.String()) != `{"f64":42}` {
		t.Errorf("unexpected bias %s", w.Body.String())
	}
	w := fx.do(http.MethodGet, "/bias/range", "")
	if strings.TrimSpace(w.Body.String()) != `{"min":0,"max":200}` {
		t.Errorf("unexpected range %s", w.Body.String())
	}
	fx.do(http.MethodPost, "/threshold/0", `{"f64": 7.5}`)
	if w := fx.do(http.MethodGet, "/threshold/0", ""); strings.TrimSpace(w.Body.String()) != `{"f64":7.5}` {
		t.Errorf("unexpected threshold %s", w.Body.String())
	}
	if w := fx.do(http.MethodGet, "/threshold/x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad chip, got %d", w.Code)
	}
}

func TestFrameFormats(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	w := fx.do(http.MethodGet, "/frame?time=1ms&fmt=ascii", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ascii frame: %d %s", w.Code, w.Body.String())
	}
	if rows := strings.Count(w.Body.String(), "|\n"); rows != render.Rows {
		t.Errorf("expected %d rendered rows, got %d", render.Rows, rows)
	}

	w = fx.do(http.MethodGet, "/frame?time=0.001&fmt=fits", "")
	if ct := w.Header().Get("Content-Type"); ct != "image/fits" {
		t.Errorf("unexpected content type %q", ct)
	}
	fits, err := fitsio.Open(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	fits.Close()

	if w := fx.do(http.MethodGet, "/frame?fmt=bmp", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown format, got %d", w.Code)
	}
	if w := fx.do(http.MethodGet, "/frame?time=soon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad time, got %d", w.Code)
	}
}

func TestBurst(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	w := fx.do(http.MethodPost, "/frames", `{"count": 3, "time": 0.001}`)
	if w.Code != http.StatusOK {
		t.Fatalf("burst: %d %s", w.Code, w.Body.String())
	}
	fits, err := fitsio.Open(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()
	if axes := fits.HDU(0).Header().Axes(); len(axes) != 3 || axes[2] != 3 {
		t.Errorf("expected a cube of 3 frames, got %v", axes)
	}
	if w := fx.do(http.MethodPost, "/frames", `{"count": 0}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero frames, got %d", w.Code)
	}
}

func TestLocked(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	fx.lock.Lock()
	if w := fx.do(http.MethodGet, "/frame?time=1ms", ""); w.Code != http.StatusLocked {
		t.Errorf("expected 423 while locked, got %d", w.Code)
	}
	fx.do(http.MethodPost, "/lock", `{"bool": false}`)
	if w := fx.do(http.MethodGet, "/frame?time=1ms&fmt=txt", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 after unlocking, got %d", w.Code)
	}
	if fx.lock.Locked() {
		t.Error("the acquisition did not release the lock")
	}
	// a direct call races the middleware and is caught by the handler
	fx.lock.Lock()
	w := httptest.NewRecorder()
	fx.h.GetFrame(w, httptest.NewRequest(http.MethodGet, "/frame", nil))
	if w.Code != http.StatusLocked {
		t.Errorf("expected the handler to refuse while locked, got %d", w.Code)
	}
}

func TestAutowrite(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	if w := fx.do(http.MethodGet, "/autowrite/last", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before recording, got %d", w.Code)
	}
	fx.do(http.MethodPost, "/autowrite/enabled", `{"bool": true}`)
	w := fx.do(http.MethodGet, "/frame?time=1ms&fmt=png", "")
	path := w.Header().Get("X-Autowrite")
	if !strings.HasSuffix(path, "000000.pbf") {
		t.Fatalf("unexpected autowrite path %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	w = fx.do(http.MethodGet, "/autowrite/last", "")
	if w.Code != http.StatusOK || !bytes.HasPrefix(w.Body.Bytes(), []byte("PXF1")) {
		t.Errorf("expected the recorded pbf file, got %d", w.Code)
	}
}

func TestMaskAndBadPixels(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	fx.do(http.MethodPost, "/mask/edge", `{"int": 1}`)
	p := maskPayload{}
	json.NewDecoder(fx.do(http.MethodGet, "/mask", "").Body).Decode(&p)
	if p.Count != 1020 {
		t.Errorf("expected 1020 masked edge pixels, got %d", p.Count)
	}
	fx.do(http.MethodPost, "/mask", `{"pixels": [0, 5, 9]}`)
	json.NewDecoder(fx.do(http.MethodGet, "/mask", "").Body).Decode(&p)
	if p.Count != 3 || p.Pixels[1] != 5 {
		t.Errorf("unexpected mask %+v", p)
	}
	if w := fx.do(http.MethodPost, "/mask", `{"pixels": [70000]}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an out of range pixel, got %d", w.Code)
	}
	json.NewDecoder(fx.do(http.MethodGet, "/badpixels", "").Body).Decode(&p)
	if p.Count != sim.DefaultConfig().Devices[0].BadPixels {
		t.Errorf("unexpected bad pixel count %d", p.Count)
	}
}

func TestRefresh(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	if w := fx.do(http.MethodPost, "/refresh", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a schedule, got %d", w.Code)
	}
	if w := fx.do(http.MethodPost, "/refresh/schedule", `{"str": "5, 1.5; 10,2"}`); w.Code != http.StatusOK {
		t.Fatalf("set schedule: %d %s", w.Code, w.Body.String())
	}
	if w := fx.do(http.MethodGet, "/refresh/schedule", ""); strings.TrimSpace(w.Body.String()) != `{"str":"5,1.5;10,2"}` {
		t.Errorf("unexpected schedule %s", w.Body.String())
	}
	if w := fx.do(http.MethodPost, "/refresh", ""); w.Code != http.StatusOK {
		t.Errorf("refresh: %d %s", w.Code, w.Body.String())
	}
	if fx.drv.Refreshes(0) != 1 {
		t.Errorf("expected one refresh, got %d", fx.drv.Refreshes(0))
	}
}

func TestMetricsRoute(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	fx.do(http.MethodGet, "/frame?time=1ms", "")
	b, _ := io.ReadAll(fx.do(http.MethodGet, "/metrics", "").Body)
	if !strings.Contains(string(b), "pxlab_frames_total 1") {
		t.Errorf("frame not counted:\n%s", b)
	}
}

func dial(t *testing.T, fx fixture, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(fx.mux)
	t.Cleanup(srv.Close)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestStreamFrames(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	ws := dial(t, fx, "time=1ms&count=3")
	for i := 0; i < 3; i++ {
		typ, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if typ != websocket.TextMessage || strings.Count(string(msg), "|\n") != render.Rows {
			t.Errorf("frame %d is not a render", i)
		}
	}
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close after the target, got %v", err)
	}
}

func TestStreamPixels(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.HitRate = 50000
	fx := setup(t, cfg)
	ws := dial(t, fx, "mode=pixels&time=20ms")
	var blk struct {
		Run    string         `json:"run"`
		Pixels []pxcapi.Pixel `json:"pixels"`
	}
	if err := ws.ReadJSON(&blk); err != nil {
		t.Fatal(err)
	}
	if blk.Run == "" || len(blk.Pixels) == 0 {
		t.Errorf("unexpected block %+v", blk)
	}
}

func TestStreamRejectsBadQuery(t *testing.T) {
	fx := setup(t, sim.DefaultConfig())
	if w := fx.do(http.MethodGet, "/stream?mode=video", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := fx.do(http.MethodGet, "/stream?count=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
