/*Package acq holds the bookkeeping shared by every callback-driven acquisition.

A Run is created by the scheduling layer (pxcapi.Device) for each acquisition
and handed to every callback invocation.  It carries the run identity, the
number of units delivered so far, and the state machine

	Idle -> Acquiring -> AbortRequested -> Stopped

The transition out of Acquiring is driven either by the caller (RequestAbort,
e.g. from inside a callback, or on context cancellation) or by the target
count: when Target > 0 the Target-th delivery requests exactly one abort.  A
Target of zero never aborts on its own.

Abort is asynchronous at the driver, so a Run may see one more delivery after
AbortRequested.  Deliveries in that window are counted but never re-request.
*/
package acq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// State is the lifecycle state of a Run
type State int32

const (
	// Idle is a run that has not been started
	Idle State = iota

	// Acquiring is a run the driver is delivering data for
	Acquiring

	// AbortRequested is a run for which an abort has been sent to the driver
	// but the driver has not yet reported that it stopped
	AbortRequested

	// Stopped is a finished run
	Stopped
)

var (
	// ErrNotIdle is generated when Start is called twice
	ErrNotIdle = errors.New("acquisition run already started")

	stateNames = map[State]string{
		Idle:           "IDLE",
		Acquiring:      "ACQUIRING",
		AbortRequested: "ABORT_REQUESTED",
		Stopped:        "STOPPED",
	}
)

func (s State) String() string {
	if str, ok := stateNames[s]; ok {
		return str
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// AbortFunc asks the driver to stop delivering data.  It must not block on
// the acquisition it stops, since it is commonly called from inside a callback
type AbortFunc func() error

// Run is the typed context of one acquisition.  It is safe for concurrent use.
type Run struct {
	// ID uniquely identifies the run in logs and published data
	ID uuid.UUID

	// Target is the number of deliveries after which an abort is requested.
	// Zero means never.
	Target int

	mu        sync.Mutex
	state     State
	delivered int
	aborts    int
	abort     AbortFunc
	abortErr  error
	started   time.Time
	stopped   time.Time
}

// NewRun returns an Idle run.  abort may be nil for acquisitions that cannot
// be stopped early
func NewRun(target int, abort AbortFunc) *Run {
	return &Run{ID: uuid.Must(uuid.NewV4()), Target: target, abort: abort}
}

// Start moves the run from Idle to Acquiring
func (r *Run) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Idle {
		return ErrNotIdle
	}
	r.state = Acquiring
	r.started = time.Now()
	return nil
}

// Deliver records one delivered unit (a frame or a data-driven block).  It
// returns true if this delivery reached Target and requested the abort.
func (r *Run) Deliver() bool {
	r.mu.Lock()
	r.delivered++
	hit := r.Target > 0 && r.delivered == r.Target && r.state == Acquiring
	r.mu.Unlock()
	if !hit {
		return false
	}
	return r.RequestAbort()
}

// RequestAbort moves an Acquiring run to AbortRequested and calls the abort
// function once.  It returns true only for the call that made the transition.
func (r *Run) RequestAbort() bool {
	r.mu.Lock()
	if r.state != Acquiring {
		r.mu.Unlock()
		return false
	}
	r.state = AbortRequested
	r.aborts++
	fn := r.abort
	r.mu.Unlock()

	if fn == nil {
		return true
	}
	err := fn()
	r.mu.Lock()
	r.abortErr = err
	r.mu.Unlock()
	return true
}

// Stop marks the run finished
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Stopped {
		return
	}
	r.state = Stopped
	r.stopped = time.Now()
}

// State returns the current state
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Delivered returns the number of units delivered so far
func (r *Run) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Aborts returns how many abort requests the run has issued, 0 or 1
func (r *Run) Aborts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborts
}

// AbortErr returns the error from the abort function, if it was called
func (r *Run) AbortErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortErr
}

// Elapsed is the time between Start and Stop, or Start and now if the run is
// still going
func (r *Run) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return 0
	}
	if r.stopped.IsZero() {
		return time.Since(r.started)
	}
	return r.stopped.Sub(r.started)
}
