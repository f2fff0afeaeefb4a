// Package util contains misc internal utilities.
package util

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// AllElementsNumbers returns true if every rune in s is a digit or a decimal
// point.  "25" and "1.5" are true, "25ms" is false.
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// ParseDuration is time.ParseDuration that treats a bare number as seconds
func ParseDuration(s string) (time.Duration, error) {
	if AllElementsNumbers(s) {
		s = s + "s"
	}
	return time.ParseDuration(s)
}

// Errors is a list of errors reported as one.  errors.Is and errors.As
// search every member.
type Errors []error

func (e Errors) Error() string {
	strs := make([]string, len(e))
	for i, err := range e {
		strs[i] = err.Error()
	}
	return strings.Join(strs, "\n")
}

// Is reports whether any member matches target
func (e Errors) Is(target error) bool {
	for _, err := range e {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// As finds the first member assignable to target
func (e Errors) As(target interface{}) bool {
	for _, err := range e {
		if errors.As(err, target) {
			return true
		}
	}
	return false
}

// MergeErrors collects the non-nil errors in errs into an Errors, which
// prints one per line.  nil is returned if there are none
func MergeErrors(errs []error) error {
	out := Errors{}
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clamp limits input to [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}

// SecsToDuration converts a float64 number of seconds to a time.Duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Round rounds x to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on)
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}
