package sim

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pxlab/pxlab/pxcapi"
)

// totUnit is the ToT clock period
const totUnit = 25 * time.Nanosecond

// snapshot is what frame generation needs from a device, copied under the
// lock so that generation and callbacks run without it
type snapshot struct {
	mode      pxcapi.Mode
	masking   bool
	mask      pxcapi.Matrix
	bad       []int
	threshold float64
	maxRate   float64
	block     int
}

func (d *device) snapshot() *snapshot {
	sn := &snapshot{
		mode:      d.mode,
		masking:   d.ints["PixelMasking"] != 0,
		mask:      d.mask,
		threshold: d.thresholds[0],
		maxRate:   d.floats["DDMaxHitRate"],
		block:     int(d.ints["DDBlockSize"]) / pxcapi.PixelRecordSize,
	}
	if sn.block < 1 {
		sn.block = 1
	}
	for _, t := range d.thresholds[1:] {
		sn.threshold = math.Min(sn.threshold, t)
	}
	for i, b := range d.bad {
		if b != 0 {
			sn.bad = append(sn.bad, i)
		}
	}
	return sn
}

func (sn *snapshot) active(idx int) bool {
	return !sn.masking || sn.mask[idx] != 0
}

// begin claims device idx for an acquisition
func (s *Driver) begin(op string, idx int) (*device, context.Context, *snapshot, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return nil, nil, nil, err
	}
	if d.busy {
		return nil, nil, nil, pxcapi.NewError(pxcapi.CodeBusy, op, "acquisition in progress on device %d", idx)
	}
	d.refreshDue(true)
	d.meta = nil
	ctx, cancel := context.WithCancel(context.Background())
	d.busy, d.cancel, d.done = true, cancel, make(chan struct{})
	return d, ctx, d.snapshot(), nil
}

// refreshDue runs the refresh schedule if automatic refresh is on and due.
// A zero period is due at the start of every measurement only.  The caller
// holds the lock.
func (d *device) refreshDue(start bool) {
	if !d.refreshEnabled || len(d.refresh) == 0 {
		return
	}
	if d.refreshPeriod == 0 && !start {
		return
	}
	if d.refreshPeriod == 0 || time.Since(d.lastRefresh) >= d.refreshPeriod {
		d.refreshes++
		d.lastRefresh = time.Now()
	}
}

// end releases a device claimed by begin
func (s *Driver) end(d *device) {
	s.Lock()
	d.busy = false
	d.cancel()
	done := d.done
	s.Unlock()
	close(done)
}

// frameMeta is the timing of one measured frame
type frameMeta struct {
	index   int
	acqTime time.Duration
	start   time.Time
	shutter time.Duration
}

// expose waits out one frame on lim and returns its timing
func expose(ctx context.Context, lim *rate.Limiter, index int, acqTime time.Duration) (frameMeta, error) {
	start := time.Now()
	err := lim.Wait(ctx)
	return frameMeta{index: index, acqTime: acqTime, start: start, shutter: time.Since(start)}, err
}

// record stores the timing of a frame.  With latest only the newest frame is
// kept.
func (s *Driver) record(d *device, m frameMeta, latest bool) {
	s.Lock()
	defer s.Unlock()
	if latest {
		d.meta = append(d.meta[:0], m)
		return
	}
	d.meta = append(d.meta, m)
}

func secs(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// MetaDataValue returns a timing value of frame fidx of the last acquisition
// as text: pxcapi.MetaAcqTime, MetaStartTime or MetaShutterOpenTime.
// Continuous acquisitions only keep the latest frame.
func (s *Driver) MetaDataValue(idx, fidx int, name string) (string, error) {
	const op = "MetaDataValue"
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return "", err
	}
	var m *frameMeta
	for i := range d.meta {
		if d.meta[i].index == fidx {
			m = &d.meta[i]
			break
		}
	}
	if m == nil {
		return "", pxcapi.NewError(pxcapi.CodeNoData, op, "frame index %d exceeds the measured frames", fidx)
	}
	switch name {
	case pxcapi.MetaAcqTime:
		return secs(m.acqTime), nil
	case pxcapi.MetaStartTime:
		return strconv.FormatFloat(float64(m.start.UnixNano())/1e9, 'f', 6, 64), nil
	case pxcapi.MetaShutterOpenTime:
		return secs(m.shutter), nil
	}
	return "", pxcapi.NewError(pxcapi.CodeUnknownParameter, op, "no metadata named %q", name)
}

// pacer returns a limiter admitting one frame per acqTime, with the initial
// token spent so the first frame also waits a full acquisition time
func pacer(acqTime time.Duration) *rate.Limiter {
	lim := rate.NewLimiter(rate.Every(acqTime), 1)
	lim.Allow()
	return lim
}

func aborted(op string) error {
	return pxcapi.NewError(pxcapi.CodeAborted, op, "acquisition aborted")
}

// Abort stops the running acquisition of a device.  It does not wait: the
// acquisition notices before its next frame or block.
func (s *Driver) Abort(idx int) error {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("Abort", idx)
	if err != nil {
		return err
	}
	if !d.busy {
		return pxcapi.NewError(pxcapi.CodeNotAcquiring, "Abort", "no acquisition running on device %d", idx)
	}
	d.cancel()
	return nil
}

// Acquiring reports whether an acquisition is running on a device
func (s *Driver) Acquiring(idx int) (bool, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("Acquiring", idx)
	if err != nil {
		return false, err
	}
	return d.busy, nil
}

// MeasureSingleFrame measures one frame into f
func (s *Driver) MeasureSingleFrame(idx int, acqTime time.Duration, f *pxcapi.Frame) error {
	const op = "MeasureSingleFrame"
	if f == nil {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "nil frame")
	}
	d, ctx, sn, err := s.begin(op, idx)
	if err != nil {
		return err
	}
	defer s.end(d)
	m, err := expose(ctx, pacer(acqTime), 0, acqTime)
	if err != nil {
		return aborted(op)
	}
	s.record(d, m, false)
	s.fill(f, sn, acqTime, 0)
	s.Lock()
	d.measured = []*pxcapi.Frame{f.Copy()}
	s.Unlock()
	return nil
}

// MeasureMultipleFrames measures count frames and keeps them for MeasuredFrame
func (s *Driver) MeasureMultipleFrames(idx, count int, acqTime time.Duration) error {
	const op = "MeasureMultipleFrames"
	if count < 1 {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "frame count must be positive, got %d", count)
	}
	d, ctx, sn, err := s.begin(op, idx)
	if err != nil {
		return err
	}
	defer s.end(d)
	s.Lock()
	d.measured = nil
	s.Unlock()
	lim := pacer(acqTime)
	for i := 0; i < count; i++ {
		m, err := expose(ctx, lim, i, acqTime)
		if err != nil {
			return aborted(op)
		}
		s.record(d, m, false)
		f := new(pxcapi.Frame)
		s.fill(f, sn, acqTime, i)
		s.Lock()
		d.measured = append(d.measured, f)
		s.Unlock()
	}
	return nil
}

// MeasuredFrame copies frame fidx of the last synchronous acquisition into f
func (s *Driver) MeasuredFrame(idx, fidx int, f *pxcapi.Frame) error {
	const op = "MeasuredFrame"
	if f == nil {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "nil frame")
	}
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	if fidx < 0 || fidx >= len(d.measured) {
		return pxcapi.NewError(pxcapi.CodeNoData, op, "frame %d not measured, %d available", fidx, len(d.measured))
	}
	*f = *d.measured[fidx]
	return nil
}

// MeasureMultipleFramesWithCallback measures count frames, calling cb after
// each with a frame buffer reused for the whole acquisition
func (s *Driver) MeasureMultipleFramesWithCallback(idx, count int, acqTime time.Duration, cb pxcapi.FrameCallback) error {
	const op = "MeasureMultipleFramesWithCallback"
	if count < 1 {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "frame count must be positive, got %d", count)
	}
	if cb == nil {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "nil callback")
	}
	d, ctx, sn, err := s.begin(op, idx)
	if err != nil {
		return err
	}
	defer s.end(d)
	lim := pacer(acqTime)
	buf := new(pxcapi.Frame)
	for i := 0; i < count; i++ {
		m, err := expose(ctx, lim, i, acqTime)
		if err != nil {
			return aborted(op)
		}
		s.record(d, m, false)
		s.fill(buf, sn, acqTime, i)
		cb(buf)
	}
	return nil
}

// RegisterEvent sets the handler of an event, replacing any previous one
func (s *Driver) RegisterEvent(idx int, ev pxcapi.Event, cb pxcapi.FrameCallback) error {
	const op = "RegisterEvent"
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	if ev != pxcapi.EventFrameAcquired && ev != pxcapi.EventAcqStopped {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "unknown event %d", int(ev))
	}
	if cb == nil {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "nil callback")
	}
	d.events[ev] = cb
	return nil
}

// UnregisterEvent removes the handler of an event
func (s *Driver) UnregisterEvent(idx int, ev pxcapi.Event) error {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("UnregisterEvent", idx)
	if err != nil {
		return err
	}
	delete(d.events, ev)
	return nil
}

func (s *Driver) handler(d *device, ev pxcapi.Event) pxcapi.FrameCallback {
	s.Lock()
	defer s.Unlock()
	return d.events[ev]
}

// StartContinuous starts acquiring frames until Abort.  For each frame cb (if
// not nil) is called, then the EventFrameAcquired handler.  When the
// acquisition ends the EventAcqStopped handler is called with a nil frame.
func (s *Driver) StartContinuous(idx int, acqTime time.Duration, cb pxcapi.FrameCallback) error {
	d, ctx, sn, err := s.begin("StartContinuous", idx)
	if err != nil {
		return err
	}
	go func() {
		lim := pacer(acqTime)
		buf := new(pxcapi.Frame)
		for i := 0; ; i++ {
			m, err := expose(ctx, lim, i, acqTime)
			if err != nil {
				break
			}
			s.record(d, m, true)
			s.autoRefresh(d)
			s.fill(buf, sn, acqTime, i)
			if cb != nil {
				cb(buf)
			}
			if h := s.handler(d, pxcapi.EventFrameAcquired); h != nil {
				h(buf)
			}
		}
		s.end(d)
		if h := s.handler(d, pxcapi.EventAcqStopped); h != nil {
			h(nil)
		}
	}()
	return nil
}

// autoRefresh runs the refresh schedule between frames when it is enabled and due
func (s *Driver) autoRefresh(d *device) {
	s.Lock()
	defer s.Unlock()
	d.refreshDue(false)
}

// MeasureDataDriven measures pixels for measTime.  Pixels are released in
// blocks of DDBlockSize bytes in time of arrival order, each block at the wall time
// its last pixel arrived; cb is called once per block.
func (s *Driver) MeasureDataDriven(idx int, measTime time.Duration, cb pxcapi.BlockCallback) error {
	const op = "MeasureDataDriven"
	if cb == nil {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "nil callback")
	}
	d, ctx, sn, err := s.begin(op, idx)
	if err != nil {
		return err
	}
	defer s.end(d)
	px := s.pixels(sn, measTime)
	start := time.Now()
	for len(px) > 0 {
		n := sn.block
		if n > len(px) {
			n = len(px)
		}
		blk := px[:n]
		px = px[n:]
		due := start.Add(time.Duration(blk[n-1].ToA))
		if !sleepUntil(ctx, due) {
			return aborted(op)
		}
		s.Lock()
		d.block = blk
		s.Unlock()
		cb()
	}
	s.Lock()
	d.block = nil
	s.Unlock()
	if !sleepUntil(ctx, start.Add(measTime)) {
		return aborted(op)
	}
	return nil
}

// sleepUntil waits for t and returns false if ctx ended first
func sleepUntil(ctx context.Context, t time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	dt := time.Until(t)
	if dt <= 0 {
		return true
	}
	tm := time.NewTimer(dt)
	defer tm.Stop()
	select {
	case <-tm.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// MeasuredPixelCount is the size of the block the current callback may read
func (s *Driver) MeasuredPixelCount(idx int) (int, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("MeasuredPixelCount", idx)
	if err != nil {
		return 0, err
	}
	return len(d.block), nil
}

// MeasuredPixels copies the current block into buf
func (s *Driver) MeasuredPixels(idx int, buf []pxcapi.Pixel) (int, error) {
	const op = "MeasuredPixels"
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return 0, err
	}
	if len(d.block) == 0 {
		return 0, pxcapi.NewError(pxcapi.CodeNoData, op, "no pixel block available")
	}
	if len(buf) < len(d.block) {
		return 0, pxcapi.NewError(pxcapi.CodeBufferSize, op, "buffer holds %d pixels, block has %d", len(buf), len(d.block))
	}
	return copy(buf, d.block), nil
}

// poisson draws a Poisson distributed count with the given mean
func poisson(rng *rand.Rand, mean float64) int {
	if mean <= 0 {
		return 0
	}
	if mean > 30 {
		n := int(math.Round(mean + math.Sqrt(mean)*rng.NormFloat64()))
		if n < 0 {
			return 0
		}
		return n
	}
	l := math.Exp(-mean)
	k, p := 0, 1.
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

// noiseHits is the number of pixels that fire on noise at a threshold
func (s *Driver) noiseHits(threshold float64) int {
	floor := s.cfg.NoiseFloor
	if floor <= 0 || threshold >= floor {
		return 0
	}
	x := (floor - threshold) / floor
	return 1 + int(float64(pxcapi.FrameSize)*0.05*x*x)
}

func addSat(a uint16, b int) uint16 {
	v := int(a) + b
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// hit records one pixel hit in f according to the mode
func hit(f *pxcapi.Frame, sn *snapshot, idx int, toa float64, tot int) {
	if !sn.active(idx) {
		return
	}
	switch sn.mode {
	case pxcapi.ModeToaTot:
		if f.Counts[idx] == 0 || toa < f.Values[idx] {
			f.Values[idx] = toa
		}
		f.Counts[idx] = addSat(f.Counts[idx], tot)
	case pxcapi.ModeToa:
		if f.Counts[idx] == 0 || toa < f.Values[idx] {
			f.Values[idx] = toa
		}
		f.Counts[idx] = addSat(f.Counts[idx], 1)
	case pxcapi.ModeEventITot:
		f.Counts[idx] = addSat(f.Counts[idx], 1)
		f.Values[idx] += float64(tot)
	default:
		f.Counts[idx] = addSat(f.Counts[idx], tot)
	}
}

// fill overwrites f with a synthetic frame
func (s *Driver) fill(f *pxcapi.Frame, sn *snapshot, acqTime time.Duration, index int) {
	f.Reset()
	f.Mode, f.AcqTime, f.Index = sn.mode, acqTime, index

	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	span := float64(acqTime)
	for _, p := range s.clusters(sn, acqTime) {
		hit(f, sn, int(p.Index), p.ToA, int(float64(p.ToT)/float64(totUnit)))
	}
	for i, n := 0, s.noiseHits(sn.threshold); i < n; i++ {
		hit(f, sn, s.rng.Intn(pxcapi.FrameSize), s.rng.Float64()*span, 1)
	}
	for _, idx := range sn.bad {
		hit(f, sn, idx, s.rng.Float64()*span, 1+s.rng.Intn(4))
	}
}

// clusters draws the particle clusters of one acquisition window as pixels.
// The caller holds rngMu.
func (s *Driver) clusters(sn *snapshot, window time.Duration) []pxcapi.Pixel {
	var out []pxcapi.Pixel
	n := poisson(s.rng, s.cfg.HitRate*window.Seconds())
	for i := 0; i < n; i++ {
		x, y := s.rng.Intn(pxcapi.Width), s.rng.Intn(pxcapi.Height)
		size := 1 + s.rng.Intn(s.cfg.ClusterSize)
		toa := s.rng.Float64() * float64(window)
		for dy := 0; dy < size; dy++ {
			for dx := 0; dx < size; dx++ {
				px, py := x+dx, y+dy
				if px >= pxcapi.Width || py >= pxcapi.Height {
					continue
				}
				// charge sharing: the seed pixel collects the most
				tot := 1 + s.rng.Intn(60)/(1+dx+dy)
				out = append(out, pxcapi.Pixel{
					Index: uint32(pxcapi.PixelAt(px, py)),
					ToA:   toa + float64(s.rng.Intn(8))*1.5625,
					ToT:   float32(time.Duration(tot) * totUnit),
				})
			}
		}
	}
	return out
}

// pixels draws a data-driven measurement, sorted by time of arrival and
// limited to DDMaxHitRate
func (s *Driver) pixels(sn *snapshot, measTime time.Duration) []pxcapi.Pixel {
	s.rngMu.Lock()
	all := s.clusters(sn, measTime)
	for i, n := 0, s.noiseHits(sn.threshold)*int(1+measTime/time.Second); i < n; i++ {
		all = append(all, pxcapi.Pixel{
			Index: uint32(s.rng.Intn(pxcapi.FrameSize)),
			ToA:   s.rng.Float64() * float64(measTime),
			ToT:   float32(totUnit),
		})
	}
	s.rngMu.Unlock()

	out := all[:0]
	for _, p := range all {
		if sn.active(int(p.Index)) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToA < out[j].ToA })
	if sn.maxRate > 0 {
		limit := int(sn.maxRate * 1e6 * measTime.Seconds())
		if len(out) > limit {
			out = out[:limit]
		}
	}
	return out
}
