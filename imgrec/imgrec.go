// Package imgrec contains a frame recorder used to automatically save frames to disk.
package imgrec

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pxlab/pxlab/frameio"
	"github.com/pxlab/pxlab/generichttp"
	"github.com/pxlab/pxlab/pxcapi"
)

// Recorder records frame sequences with incrementing filenames in yyyy-mm-dd subfolders.
type Recorder struct {
	mu sync.Mutex

	// counter is the number of the next file
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Format is the file extension and encoding, one of fits, pbf, txt, png.  Empty means fits.
	Format string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// now is swapped in tests
	now func() time.Time
}

func (r *Recorder) format() string {
	if r.Format == "" {
		return "fits"
	}
	return r.Format
}

// updateFolder checks the current time and updates the dated subfolder
func (r *Recorder) updateFolder() {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	y, m, d := now().Date()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

func (r *Recorder) filename(fldr, ext string) string {
	return filepath.Join(fldr, fmt.Sprintf("%s%06d.%s", r.Prefix, r.counter, ext))
}

// Write implements io.Writer and appends to the current file.  Use it to tee
// an encoded frame to disk, then call Incr.
func (r *Recorder) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return 0, err
	}
	fid, err := os.OpenFile(r.filename(fldr, r.format()), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return 0, err
	}
	defer fid.Close()
	return fid.Write(p)
}

// scan returns one past the highest counter of the files matching the prefix and ext in fldr
func (r *Recorder) scan(fldr, ext string) (int, error) {
	files, err := os.ReadDir(fldr)
	if err != nil {
		return 0, err
	}
	next := 0
	suffix := "." + ext
	for _, file := range files {
		fn := file.Name()
		if file.IsDir() || !strings.HasSuffix(fn, suffix) || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), suffix))
		if err != nil {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// Incr updates the filename counter by scanning the folder.  If there is an
// error, the counter is not changed.
func (r *Recorder) Incr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	dn, err := r.mkDir()
	if err != nil {
		return
	}
	if n, err := r.scan(dn, r.format()); err == nil {
		r.counter = n
	}
}

// next prepares the folder and returns the path of the next file with ext
func (r *Recorder) next(ext string) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	n, err := r.scan(fldr, ext)
	if err != nil {
		return "", err
	}
	if n > r.counter {
		r.counter = n
	}
	return r.filename(fldr, ext), nil
}

// Record writes f to the next file and returns its path
func (r *Recorder) Record(f *pxcapi.Frame, meta frameio.Meta) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.next(r.format())
	if err != nil {
		return "", err
	}
	if err = frameio.Save(path, f, meta); err != nil {
		return "", err
	}
	r.counter++
	return path, nil
}

// RecordPixels writes a data-driven pixel list to the next .t3pa file and returns its path
func (r *Recorder) RecordPixels(px []pxcapi.Pixel) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.next("t3pa")
	if err != nil {
		return "", err
	}
	if err = frameio.SavePixels(path, px); err != nil {
		return "", err
	}
	r.counter++
	return path, nil
}

// HTTPWrapper is an HTTP wrapper around a recorder that allows the folder,
// prefix and format to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

func decodeStr(w http.ResponseWriter, r *http.Request) (string, bool) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return str.Str, true
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	root, ok := decodeStr(w, r)
	if !ok {
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Root = root
	rec.counter = 0
	rec.updateFolder()
	if _, err := rec.mkDir(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Root}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	prefix, ok := decodeStr(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = prefix
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetFormat updates the file format of the recorder
func (h HTTPWrapper) SetFormat(w http.ResponseWriter, r *http.Request) {
	format, ok := decodeStr(w, r)
	if !ok {
		return
	}
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if !frameio.Supported(format) {
		http.Error(w, fmt.Sprintf("%s: %q", frameio.ErrUnknownFormat, format), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Format = format
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetFormat gets the recorder's file format and sends it back as JSON
func (h HTTPWrapper) GetFormat(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.format()}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Recorder.Enabled}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	bT := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&bT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Enabled = bT.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Configure replaces the settings of the recorder under its lock.  The
// counter restarts from a scan of the folder when root, prefix or format change.
func (r *Recorder) Configure(root, prefix, format string, enabled bool) error {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format != "" && !frameio.Supported(format) {
		return fmt.Errorf("%w: %q", frameio.ErrUnknownFormat, format)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if root != r.Root || prefix != r.Prefix || format != r.Format {
		r.counter = 0
	}
	r.Root, r.Prefix, r.Format, r.Enabled = root, prefix, format, enabled
	return nil
}

// IsEnabled returns the Enabled field under the recorder's lock
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// Inject adds GET and POST routes for /autowrite/{root,prefix,format,enabled}
// to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/format"}] = h.SetFormat
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/format"}] = h.GetFormat
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
}
