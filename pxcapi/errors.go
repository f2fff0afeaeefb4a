package pxcapi

import (
	"errors"
	"fmt"
)

// Code is a driver status code.  Zero is success, anything else is a failure.
type Code int

// Kind groups codes by what the caller can do about them
type Kind int

const (
	// KindNone is the kind of OK
	KindNone Kind = iota

	// KindLifecycle errors mean the library or device is not in a usable state
	KindLifecycle

	// KindArgument errors mean the call was malformed and retrying it unchanged will fail again
	KindArgument

	// KindState errors mean the call conflicts with what the device is doing right now
	KindState

	// KindData errors mean there was nothing (or not enough room) to return
	KindData

	// KindIO errors come from files, the bus, or anything below the driver
	KindIO
)

const (
	OK                   Code = 0
	CodeNotInitialized   Code = -1
	CodeInvalidDevice    Code = -2
	CodeInvalidArgument  Code = -3
	CodeUnknownParameter Code = -4
	CodeParameterType    Code = -5
	CodeReadOnly         Code = -6
	CodeOutOfRange       Code = -7
	CodeBusy             Code = -8
	CodeNotAcquiring     Code = -9
	CodeAborted          Code = -10
	CodeBufferSize       Code = -11
	CodeNoData           Code = -12
	CodeIO               Code = -13
	CodeUnsupported      Code = -14
	CodeTimeout          Code = -15
)

var (
	// ErrCodes maps codes to their names
	ErrCodes = map[Code]string{
		OK:                   "PXC_OK",
		CodeNotInitialized:   "PXC_ERR_NOT_INITIALIZED",
		CodeInvalidDevice:    "PXC_ERR_INVALID_DEVICE",
		CodeInvalidArgument:  "PXC_ERR_INVALID_ARGUMENT",
		CodeUnknownParameter: "PXC_ERR_UNKNOWN_PARAMETER",
		CodeParameterType:    "PXC_ERR_PARAMETER_TYPE",
		CodeReadOnly:         "PXC_ERR_READONLY",
		CodeOutOfRange:       "PXC_ERR_OUT_OF_RANGE",
		CodeBusy:             "PXC_ERR_BUSY",
		CodeNotAcquiring:     "PXC_ERR_NOT_ACQUIRING",
		CodeAborted:          "PXC_ERR_ABORTED",
		CodeBufferSize:       "PXC_ERR_BUFFER_SIZE",
		CodeNoData:           "PXC_ERR_NO_DATA",
		CodeIO:               "PXC_ERR_IO",
		CodeUnsupported:      "PXC_ERR_UNSUPPORTED",
		CodeTimeout:          "PXC_ERR_TIMEOUT",
	}

	codeKinds = map[Code]Kind{
		OK:                   KindNone,
		CodeNotInitialized:   KindLifecycle,
		CodeInvalidDevice:    KindArgument,
		CodeInvalidArgument:  KindArgument,
		CodeUnknownParameter: KindArgument,
		CodeParameterType:    KindArgument,
		CodeReadOnly:         KindArgument,
		CodeOutOfRange:       KindArgument,
		CodeBusy:             KindState,
		CodeNotAcquiring:     KindState,
		CodeAborted:          KindState,
		CodeBufferSize:       KindData,
		CodeNoData:           KindData,
		CodeIO:               KindIO,
		CodeUnsupported:      KindArgument,
		CodeTimeout:          KindIO,
	}

	kindNames = map[Kind]string{
		KindNone:      "none",
		KindLifecycle: "lifecycle",
		KindArgument:  "argument",
		KindState:     "state",
		KindData:      "data",
		KindIO:        "io",
	}

	// sentinels for errors.Is; only the code is compared
	ErrNotInitialized   = &Error{Code: CodeNotInitialized}
	ErrInvalidDevice    = &Error{Code: CodeInvalidDevice}
	ErrUnknownParameter = &Error{Code: CodeUnknownParameter}
	ErrReadOnly         = &Error{Code: CodeReadOnly}
	ErrOutOfRange       = &Error{Code: CodeOutOfRange}
	ErrBusy             = &Error{Code: CodeBusy}
	ErrAborted          = &Error{Code: CodeAborted}
	ErrBufferSize       = &Error{Code: CodeBufferSize}
	ErrNoData           = &Error{Code: CodeNoData}
	ErrUnsupported      = &Error{Code: CodeUnsupported}
)

func (c Code) String() string {
	if s, ok := ErrCodes[c]; ok {
		return s
	}
	return "PXC_ERR_UNKNOWN"
}

// Kind classifies the code.  Unknown codes are KindIO, the driver's catch-all.
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindIO
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a failed driver call.  It replaces the status code + "last error
// text" pair with one value that cannot be overwritten by a later call.
type Error struct {
	// Code is the driver status code, never OK
	Code Code

	// Op is the driver function that failed
	Op string

	// Msg is the driver's human readable explanation
	Msg string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%d - %s", int(e.Code), e.Code)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is makes errors.Is(err, ErrBusy) and friends compare codes only
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind is shorthand for e.Code.Kind()
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// NewError returns nil for OK, otherwise an *Error.  It is the Go side of
// "call, check status, fetch message if nonzero".
func NewError(code Code, op, format string, args ...interface{}) error {
	if code == OK {
		return nil
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Op: op, Msg: msg}
}

// CodeOf extracts the driver code from err.  nil is OK and errors that did
// not come from the driver are CodeIO.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeIO
}

// enrich adds the op to a driver error which does not have one yet
func enrich(err error, op string) error {
	var e *Error
	if errors.As(err, &e) && e.Op == "" {
		cp := *e
		cp.Op = op
		return &cp
	}
	return err
}
