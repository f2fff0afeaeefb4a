package pxcapi

import (
	"strconv"
	"strings"
	"time"
)

// RefreshStep is one step of a sensor refresh: the bias is set to BiasCoef
// times its nominal value (limited to the bias range) and held for Time
type RefreshStep struct {
	Time     time.Duration `json:"time"`
	BiasCoef float64       `json:"biasCoef"`
}

// Schedule is an ordered bias refresh sequence, run step after step.  On the
// wire it is the driver's string form "time,coef;time,coef" with time in
// seconds, e.g. "5, 2; 3, 1.5; 1, 1.2; 1, 1".
type Schedule []RefreshStep

// ParseSchedule parses the "time,coef;time,coef" form.  Whitespace around
// fields and empty segments are ignored.  Each time is the hold time of its
// step in seconds and must not be negative; coefficients must be positive.
func ParseSchedule(s string) (Schedule, error) {
	const op = "ParseSchedule"
	out := Schedule{}
	for i, seg := range strings.Split(s, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parts := strings.Split(seg, ",")
		if len(parts) != 2 {
			return nil, NewError(CodeInvalidArgument, op, "segment %d %q is not time,coef", i, seg)
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil || secs < 0 {
			return nil, NewError(CodeInvalidArgument, op, "segment %d: bad time %q", i, parts[0])
		}
		coef, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || coef <= 0 {
			return nil, NewError(CodeInvalidArgument, op, "segment %d: bad bias coefficient %q", i, parts[1])
		}
		out = append(out, RefreshStep{Time: time.Duration(secs * float64(time.Second)), BiasCoef: coef})
	}
	return out, nil
}

// String formats the schedule in the driver's form
func (s Schedule) String() string {
	segs := make([]string, len(s))
	for i, st := range s {
		segs[i] = strconv.FormatFloat(st.Time.Seconds(), 'f', -1, 64) + "," +
			strconv.FormatFloat(st.BiasCoef, 'f', -1, 64)
	}
	return strings.Join(segs, ";")
}

// Duration is the total length of the refresh, the sum of the step times
func (s Schedule) Duration() time.Duration {
	var d time.Duration
	for _, st := range s {
		d += st.Time
	}
	return d
}
