package pxcapi

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func ExampleParseSchedule() {
	s, _ := ParseSchedule(" 5, 1.5 ; 10,2;")
	fmt.Println(s.String(), s.Duration())
	// Output: 5,1.5;10,2 15s
}

func TestParseScheduleSteps(t *testing.T) {
	s, err := ParseSchedule("0.5,1.2;1,3")
	if err != nil {
		t.Fatal(err)
	}
	expected := Schedule{{500 * time.Millisecond, 1.2}, {time.Second, 3}}
	if len(s) != len(expected) {
		t.Fatalf("expected %d steps, got %d", len(expected), len(s))
	}
	for i := range s {
		if s[i] != expected[i] {
			t.Errorf("step %d: expected %+v, got %+v", i, expected[i], s[i])
		}
	}
}

func TestParseScheduleVendorSequence(t *testing.T) {
	const vendor = "5, 2; 3, 1.5; 1, 1.2; 1, 1"
	s, err := ParseSchedule(vendor)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 4 || s[1] != (RefreshStep{3 * time.Second, 1.5}) {
		t.Errorf("unexpected steps %+v", s)
	}
	if s.Duration() != 10*time.Second {
		t.Errorf("expected the steps to add up to 10s, got %v", s.Duration())
	}
	back, err := ParseSchedule(s.String())
	if err != nil {
		t.Fatal(err)
	}
	if back.String() != "5,2;3,1.5;1,1.2;1,1" || back.Duration() != s.Duration() {
		t.Errorf("round trip changed the schedule: %q", back.String())
	}
}

func TestParseScheduleEmpty(t *testing.T) {
	s, err := ParseSchedule(" ; ")
	if err != nil || len(s) != 0 {
		t.Errorf("expected an empty schedule, got %v, %v", s, err)
	}
	if s.String() != "" {
		t.Errorf("expected empty string form, got %q", s.String())
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, in := range []string{
		"5",     // no coefficient
		"5,1,2", // too many fields
		"a,1",   // bad time
		"-1,1",  // negative time
		"5,0",   // zero coefficient
		"5,-2",  // negative coefficient
	} {
		_, err := ParseSchedule(in)
		if !errors.Is(err, &Error{Code: CodeInvalidArgument}) {
			t.Errorf("ParseSchedule(%q): expected invalid argument, got %v", in, err)
		}
	}
}
