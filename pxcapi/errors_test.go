package pxcapi

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrorOKIsNil(t *testing.T) {
	if err := NewError(OK, "SetMode", "fine"); err != nil {
		t.Errorf("expected nil for OK, got %v", err)
	}
}

func TestErrorFormat(t *testing.T) {
	err := NewError(CodeBusy, "MeasureSingleFrame", "device %d busy", 0)
	expected := "MeasureSingleFrame: -8 - PXC_ERR_BUSY: device 0 busy"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestErrorsIsComparesCodes(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(CodeBusy, "StartContinuous", "x"))
	if !errors.Is(err, ErrBusy) {
		t.Error("expected wrapped busy error to match ErrBusy")
	}
	if errors.Is(err, ErrAborted) {
		t.Error("busy error matched ErrAborted")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{nil, OK},
		{NewError(CodeReadOnly, "SetFloat", ""), CodeReadOnly},
		{fmt.Errorf("ctx: %w", NewError(CodeNoData, "MeasuredFrame", "")), CodeNoData},
		{errors.New("disk full"), CodeIO},
	}
	for _, c := range cases {
		if got := CodeOf(c.err); got != c.code {
			t.Errorf("CodeOf(%v) = %s, expected %s", c.err, got, c.code)
		}
	}
}

func TestKinds(t *testing.T) {
	if CodeNotInitialized.Kind() != KindLifecycle {
		t.Error("not initialized should be a lifecycle error")
	}
	if CodeOutOfRange.Kind() != KindArgument {
		t.Error("out of range should be an argument error")
	}
	if CodeBusy.Kind() != KindState {
		t.Error("busy should be a state error")
	}
	if Code(-999).Kind() != KindIO || Code(-999).String() != "PXC_ERR_UNKNOWN" {
		t.Error("unknown codes should be io errors named PXC_ERR_UNKNOWN")
	}
}

func TestEnrichAddsOpOnce(t *testing.T) {
	bare := &Error{Code: CodeIO, Msg: "x"}
	err := enrich(bare, "SaveMeasuredFrame")
	var e *Error
	if !errors.As(err, &e) || e.Op != "SaveMeasuredFrame" {
		t.Fatalf("expected op to be set, got %v", err)
	}
	if bare.Op != "" {
		t.Error("enrich modified its argument")
	}
	if enrich(err, "Other").(*Error).Op != "SaveMeasuredFrame" {
		t.Error("enrich replaced an existing op")
	}
	if enrich(nil, "Other") != nil {
		t.Error("enrich of nil should be nil")
	}
}
