// Package detector provides an HTTP interface to a pixel detector
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pxlab/pxlab/acq"
	"github.com/pxlab/pxlab/frameio"
	"github.com/pxlab/pxlab/generichttp"
	"github.com/pxlab/pxlab/imgrec"
	"github.com/pxlab/pxlab/monitoring"
	"github.com/pxlab/pxlab/publish"
	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/render"
	"github.com/pxlab/pxlab/server"
	"github.com/pxlab/pxlab/server/middleware/locker"
	"github.com/pxlab/pxlab/util"
)

var upgrader = websocket.Upgrader{}

// contentTypes maps the fmt query parameter to a Content-Type
var contentTypes = map[string]string{
	"txt":   "text/plain",
	"ascii": "text/plain",
	"png":   "image/png",
	"fits":  "image/fits",
	"pbf":   "application/octet-stream",
}

// Options are the optional collaborators of an HTTPDetector
type Options struct {
	// Recorder, if not nil, saves every frame served while it is enabled
	Recorder *imgrec.Recorder

	// Locker, if not nil, is held for the duration of each acquisition
	Locker *locker.Locker

	// Metrics, if not nil, counts frames, pixels, aborts and errors
	Metrics *monitoring.Metrics

	// Publisher, if not nil, receives a summary of every frame
	Publisher *publish.MQTT

	// Log receives request level failures
	Log zerolog.Logger

	// DefaultTime is the acquisition time when a request does not give one
	DefaultTime time.Duration

	// MaxFrames bounds POST /frames
	MaxFrames int
}

// HTTPDetector wraps a pxcapi.Device in an HTTP route table
type HTTPDetector struct {
	Dev *pxcapi.Device

	opts Options

	// mu guards last
	mu sync.Mutex

	// last is the path of the most recent recorded file
	last string

	RouteTable generichttp.RouteTable
}

// NewHTTPDetector returns a new HTTP wrapper with the route table populated
func NewHTTPDetector(d *pxcapi.Device, opts Options) *HTTPDetector {
	if opts.DefaultTime <= 0 {
		opts.DefaultTime = 100 * time.Millisecond
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = 1000
	}
	h := &HTTPDetector{Dev: d, opts: opts}
	rt := generichttp.RouteTable{
		// identity
		{Method: http.MethodGet, Path: "/devices"}: h.GetDevices,
		{Method: http.MethodGet, Path: "/info"}:    h.GetInfo,

		// parameters
		{Method: http.MethodGet, Path: "/params"}:            h.GetParams,
		{Method: http.MethodGet, Path: "/param/{name}"}:      h.GetParam,
		{Method: http.MethodPost, Path: "/param/{name}"}:     h.SetParam,
		{Method: http.MethodGet, Path: "/mode"}:              generichttp.GetString(h.getMode),
		{Method: http.MethodPost, Path: "/mode"}:             generichttp.SetString(h.setMode),
		{Method: http.MethodGet, Path: "/bias"}:              generichttp.GetFloat(d.Bias),
		{Method: http.MethodPost, Path: "/bias"}:             generichttp.SetFloat(d.SetBiasChecked),
		{Method: http.MethodGet, Path: "/bias/range"}:        h.GetBiasRange,
		{Method: http.MethodGet, Path: "/threshold/{chip}"}:  h.GetThreshold,
		{Method: http.MethodPost, Path: "/threshold/{chip}"}: h.SetThreshold,

		// acquisition
		{Method: http.MethodGet, Path: "/frame"}:   h.GetFrame,
		{Method: http.MethodPost, Path: "/frames"}: h.Burst,
		{Method: http.MethodGet, Path: "/stream"}:  h.Stream,

		// maintenance
		{Method: http.MethodGet, Path: "/mask"}:              h.GetMask,
		{Method: http.MethodPost, Path: "/mask"}:             h.SetMask,
		{Method: http.MethodPost, Path: "/mask/edge"}:        generichttp.SetInt(h.setEdgeMask),
		{Method: http.MethodGet, Path: "/badpixels"}:         h.GetBadPixels,
		{Method: http.MethodPost, Path: "/refresh"}:          h.Refresh,
		{Method: http.MethodGet, Path: "/refresh/schedule"}:  generichttp.GetString(h.getSchedule),
		{Method: http.MethodPost, Path: "/refresh/schedule"}: generichttp.SetString(h.setSchedule),
	}
	h.RouteTable = rt
	if opts.Recorder != nil {
		imgrec.NewHTTPWrapper(opts.Recorder).Inject(h)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/last"}] = h.GetLastRecorded
	}
	if opts.Locker != nil {
		locker.Inject(h, opts.Locker)
	}
	if opts.Metrics != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = opts.Metrics.Handler().ServeHTTP
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPDetector) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPDetector) getMode() (string, error) {
	m, err := h.Dev.Mode()
	return m.String(), err
}

func (h *HTTPDetector) setMode(s string) error {
	m, err := pxcapi.ParseMode(s)
	if err != nil {
		return err
	}
	return h.Dev.SetMode(m)
}

func (h *HTTPDetector) getSchedule() (string, error) {
	s, err := h.Dev.RefreshSchedule()
	return s.String(), err
}

func (h *HTTPDetector) setSchedule(s string) error {
	sched, err := pxcapi.ParseSchedule(s)
	if err != nil {
		return err
	}
	return h.Dev.SetRefreshSchedule(sched)
}

// statusOf maps a driver error to an HTTP status
func statusOf(err error) int {
	var nf pxcapi.ErrParamNotFound
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch pxcapi.CodeOf(err).Kind() {
	case pxcapi.KindArgument:
		return http.StatusBadRequest
	case pxcapi.KindState:
		return http.StatusConflict
	case pxcapi.KindLifecycle:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *HTTPDetector) fail(w http.ResponseWriter, op string, err error) {
	h.opts.Metrics.Error(err)
	h.opts.Log.Error().Str("op", op).Err(err).Msg("request failed")
	generichttp.Error(w, err, statusOf)
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// acquire takes the lock for an acquisition, replying 423 if it is held
func (h *HTTPDetector) acquire(w http.ResponseWriter) bool {
	if h.opts.Locker == nil {
		return true
	}
	if !h.opts.Locker.TryLock() {
		w.WriteHeader(http.StatusLocked)
		return false
	}
	return true
}

func (h *HTTPDetector) release() {
	if h.opts.Locker != nil {
		h.opts.Locker.Unlock()
	}
}

// acqTime parses a duration query parameter.  Bare numbers are seconds.
func acqTime(q string, def time.Duration) (time.Duration, error) {
	if q == "" {
		return def, nil
	}
	d, err := util.ParseDuration(q)
	if err == nil && d < 0 {
		err = fmt.Errorf("negative acquisition time %s", q)
	}
	return d, err
}

// meta collects the metadata of the device for a file header
func (h *HTTPDetector) meta(values bool) frameio.Meta {
	m := frameio.Meta{Device: h.Dev.Name(), Time: time.Now(), Values: values}
	if ids := h.Dev.ChipIDs(); len(ids) > 0 {
		m.Chip = ids[0]
		m.Threshold, _ = h.Dev.Threshold(0)
	}
	m.Bias, _ = h.Dev.Bias()
	return m
}

// observe feeds a delivered frame to the metrics and the publisher
func (h *HTTPDetector) observe(run string, f *pxcapi.Frame) {
	h.opts.Metrics.Frame(f)
	if h.opts.Publisher != nil {
		if err := h.opts.Publisher.Frame(run, f); err != nil {
			h.opts.Log.Warn().Err(err).Msg("publishing frame summary failed")
		}
	}
}

// record saves f with the recorder when it is enabled and returns the path
func (h *HTTPDetector) record(f *pxcapi.Frame, meta frameio.Meta) string {
	rec := h.opts.Recorder
	if rec == nil || !rec.IsEnabled() {
		return ""
	}
	path, err := rec.Record(f, meta)
	if err != nil {
		h.opts.Log.Error().Err(err).Msg("autowrite failed")
		return ""
	}
	h.mu.Lock()
	h.last = path
	h.mu.Unlock()
	return path
}

// GetDevices lists the devices the driver enumerates
func (h *HTTPDetector) GetDevices(w http.ResponseWriter, r *http.Request) {
	drv := h.Dev.Driver()
	n, err := drv.DeviceCount()
	if err != nil {
		h.fail(w, "DeviceCount", err)
		return
	}
	type entry struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
		Error string `json:"error,omitempty"`
	}
	out := make([]entry, n)
	for i := range out {
		out[i].Index = i
		if name, err := drv.DeviceName(i); err != nil {
			out[i].Error = err.Error()
		} else {
			out[i].Name = name
		}
	}
	respondJSON(w, out)
}

// GetInfo returns the device identity and live readings
func (h *HTTPDetector) GetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.Dev.Info()
	if err != nil {
		h.opts.Log.Warn().Err(err).Msg("incomplete device info")
	}
	respondJSON(w, info)
}

// GetParams returns every readable parameter, and the reasons the others could not be read
func (h *HTTPDetector) GetParams(w http.ResponseWriter, r *http.Request) {
	vals, errs := h.Dev.Params()
	msgs := make(map[string]string, len(errs))
	for k, err := range errs {
		msgs[k] = err.Error()
	}
	respondJSON(w, struct {
		Values map[string]interface{} `json:"values"`
		Errors map[string]string      `json:"errors,omitempty"`
	}{vals, msgs})
}

type paramPayload struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	ReadOnly bool        `json:"readonly"`
	Value    interface{} `json:"value"`
}

// GetParam returns a parameter by name
func (h *HTTPDetector) GetParam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, err := h.Dev.Param(name)
	if err != nil {
		h.fail(w, "Param", err)
		return
	}
	info := pxcapi.Parameters[name]
	respondJSON(w, paramPayload{Name: name, Type: info.Type.String(), ReadOnly: info.ReadOnly, Value: v})
}

// SetParam sets a parameter from a {"value": v} body
func (h *HTTPDetector) SetParam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p := paramPayload{}
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.Dev.SetParam(name, p.Value); err != nil {
		h.fail(w, "SetParam", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBiasRange returns the allowed bias as {"min", "max"}
func (h *HTTPDetector) GetBiasRange(w http.ResponseWriter, r *http.Request) {
	rng, err := h.Dev.BiasRange()
	if err != nil {
		h.fail(w, "BiasRange", err)
		return
	}
	respondJSON(w, rng)
}

func chipParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "chip"))
}

// GetThreshold returns the threshold of a chip in keV
func (h *HTTPDetector) GetThreshold(w http.ResponseWriter, r *http.Request) {
	chip, err := chipParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	generichttp.GetFloat(func() (float64, error) { return h.Dev.Threshold(chip) })(w, r)
}

// SetThreshold sets the threshold of a chip in keV
func (h *HTTPDetector) SetThreshold(w http.ResponseWriter, r *http.Request) {
	chip, err := chipParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	generichttp.SetFloat(func(kev float64) error { return h.Dev.SetThreshold(chip, kev) })(w, r)
}

// GetFrame takes a frame and returns it on a GET request.
//
// the acquisition time may be specified in the time query parameter in any
// format time.ParseDuration accepts; if no unit is appended, s is added.
//
// the format is given by the fmt query parameter, one of txt, ascii, png,
// fits or pbf; default png.  values=true makes txt and ascii use the
// per-pixel values instead of the counts.
func (h *HTTPDetector) GetFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := acqTime(q.Get("time"), h.opts.DefaultTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := q.Get("fmt")
	if format == "" {
		format = "png"
	}
	ctype, ok := contentTypes[format]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
		return
	}
	values := q.Get("values") == "true"

	if !h.acquire(w) {
		return
	}
	f, err := h.Dev.Frame(r.Context(), t)
	h.release()
	if err != nil {
		h.fail(w, "Frame", err)
		return
	}
	h.observe("", f)
	meta := h.meta(values)
	hdr := w.Header()
	if path := h.record(f, meta); path != "" {
		hdr.Set("X-Autowrite", path)
	}
	hdr.Set("Content-Type", ctype)
	if format == "ascii" {
		w.Write([]byte(render.Frame(f, values)))
		return
	}
	if format == "fits" || format == "pbf" {
		hdr.Set("Content-Disposition", "attachment; filename=frame."+format)
	}
	if err = frameio.Encode(w, format, f, meta); err != nil {
		h.opts.Log.Error().Err(err).Msg("encoding frame")
	}
}

// BurstRequest is the body of POST /frames
type BurstRequest struct {
	Count int `json:"count"`

	// Time is the acquisition time per frame in seconds
	Time float64 `json:"time"`
}

// Burst takes Count frames and returns them as a fits image cube
func (h *HTTPDetector) Burst(w http.ResponseWriter, r *http.Request) {
	req := BurstRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Count < 1 || req.Count > h.opts.MaxFrames || req.Time < 0 {
		http.Error(w, fmt.Sprintf("count must be 1..%d and time non-negative", h.opts.MaxFrames), http.StatusBadRequest)
		return
	}
	t := h.opts.DefaultTime
	if req.Time > 0 {
		t = util.SecsToDuration(req.Time)
	}
	if !h.acquire(w) {
		return
	}
	frames, err := h.Dev.Frames(r.Context(), req.Count, t)
	h.release()
	if err != nil {
		h.fail(w, "Frames", err)
		return
	}
	for _, f := range frames {
		h.observe("", f)
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "image/fits")
	hdr.Set("Content-Disposition", "attachment; filename=burst.fits")
	if err = frameio.WriteFits(w, h.meta(false), frames); err != nil {
		h.opts.Log.Error().Err(err).Msg("encoding burst")
	}
}

// Stream upgrades to a websocket and streams a continuous acquisition.
//
// mode=frames (default) sends one ASCII render per frame as a text message;
// count stops after that many frames, 0 runs until the client goes away.
// mode=pixels runs a data-driven measurement of length time and sends each
// block of pixels as JSON.
func (h *HTTPDetector) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := acqTime(q.Get("time"), h.opts.DefaultTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count := 0
	if s := q.Get("count"); s != "" {
		if count, err = strconv.Atoi(s); err != nil || count < 0 {
			http.Error(w, "count must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	mode := q.Get("mode")
	if mode != "" && mode != "frames" && mode != "pixels" {
		http.Error(w, fmt.Sprintf("unknown stream mode %q", mode), http.StatusBadRequest)
		return
	}
	values := q.Get("values") == "true"

	if !h.acquire(w) {
		return
	}
	defer h.release()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		return
	}
	defer conn.Close()

	// the read loop notices the client going away
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	var run *acq.Run
	if mode == "pixels" {
		block := 0
		run, err = h.Dev.DataDriven(ctx, t, func(r *acq.Run, px []pxcapi.Pixel) {
			h.opts.Metrics.Pixels(len(px))
			msg := publish.PixelBlock{Run: r.ID.String(), Block: block, Pixels: px}
			if h.opts.Publisher != nil {
				if err := h.opts.Publisher.Pixels(msg.Run, block, px); err != nil {
					h.opts.Log.Warn().Err(err).Msg("publishing pixels failed")
				}
			}
			block++
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
			}
		})
	} else {
		run, err = h.Dev.Continuous(ctx, t, count, func(r *acq.Run, f *pxcapi.Frame) {
			h.observe(r.ID.String(), f)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(render.Frame(f, values))); err != nil {
				r.RequestAbort()
			}
		})
	}
	if run != nil && run.Aborts() > 0 {
		h.opts.Metrics.Abort()
	}
	reason := ""
	if err != nil && ctx.Err() == nil {
		h.opts.Metrics.Error(err)
		h.opts.Log.Error().Err(err).Msg("stream acquisition failed")
		reason = err.Error()
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
}

// maskPayload lists the excluded pixels of a matrix
type maskPayload struct {
	Count  int   `json:"count"`
	Pixels []int `json:"pixels"`
}

func excluded(m *pxcapi.Matrix, kind pxcapi.MatrixKind) maskPayload {
	p := maskPayload{Pixels: []int{}}
	for i := range m {
		if m.Excluded(kind, i) {
			p.Pixels = append(p.Pixels, i)
		}
	}
	p.Count = len(p.Pixels)
	return p
}

// GetMask returns the masked pixel indices
func (h *HTTPDetector) GetMask(w http.ResponseWriter, r *http.Request) {
	m, err := h.Dev.Mask()
	if err != nil {
		h.fail(w, "Mask", err)
		return
	}
	respondJSON(w, excluded(&m, pxcapi.KindMask))
}

// SetMask masks exactly the pixels listed in a {"pixels": [...]} body
func (h *HTTPDetector) SetMask(w http.ResponseWriter, r *http.Request) {
	p := maskPayload{}
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m := pxcapi.FullMask()
	for _, idx := range p.Pixels {
		if idx < 0 || idx >= pxcapi.FrameSize {
			http.Error(w, fmt.Sprintf("pixel %d out of range", idx), http.StatusBadRequest)
			return
		}
		m[idx] = 0
	}
	if err = h.Dev.SetMask(m); err != nil {
		h.fail(w, "SetMask", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// setEdgeMask replaces the mask with one that excludes the outer width pixels
func (h *HTTPDetector) setEdgeMask(width int) error {
	m := pxcapi.FullMask()
	m.EdgeMask(width)
	return h.Dev.SetMask(m)
}

// GetBadPixels returns the bad pixel indices
func (h *HTTPDetector) GetBadPixels(w http.ResponseWriter, r *http.Request) {
	m, err := h.Dev.BadPixels()
	if err != nil {
		h.fail(w, "BadPixels", err)
		return
	}
	respondJSON(w, excluded(&m, pxcapi.KindBadPixel))
}

// Refresh runs the sensor refresh schedule once
func (h *HTTPDetector) Refresh(w http.ResponseWriter, r *http.Request) {
	if !h.acquire(w) {
		return
	}
	err := h.Dev.Refresh()
	h.release()
	if err != nil {
		h.fail(w, "Refresh", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetLastRecorded serves the most recent file written by the recorder
func (h *HTTPDetector) GetLastRecorded(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last == "" {
		http.Error(w, "nothing recorded yet", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, last)
}

var _ generichttp.HTTPer = (*HTTPDetector)(nil)
