package hv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the unified error taxonomy shared by all backends. Native
// error codes are folded into one of these kinds; the raw code is preserved
// on the Error for troubleshooting.
type ErrorKind int

const (
	// KindUnsupported: no usable backend, or the requested operation,
	// register, or exit reason has no mapping on the active backend.
	KindUnsupported ErrorKind = iota + 1

	// KindPermissionDenied: the caller lacks OS-level rights to the
	// virtualization device or handle.
	KindPermissionDenied

	// KindInvalidState: the operation is forbidden in the current
	// lifecycle state (region mutation while a vCPU runs, double destroy,
	// concurrent run).
	KindInvalidState

	// KindInvalidArgument: malformed request (overlapping region, unknown
	// handle, out-of-range register, unaligned address or length).
	KindInvalidArgument

	// KindResourceExhausted: an OS-imposed limit was reached.
	KindResourceExhausted

	// KindBackend: a native failure with no more specific mapping.
	KindBackend
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidState:
		return "invalid state"
	case KindInvalidArgument:
		return "invalid argument"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindBackend:
		return "backend error"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is the error type returned by every operation in this package and
// its backends.
type Error struct {
	Kind ErrorKind

	// Op names the failed operation, e.g. "kvm: create vm".
	Op string

	// Code is the raw native diagnostic (errno, HRESULT, hv_return_t)
	// when one exists, otherwise zero.
	Code int64

	// Reasons carries the human-diagnosable prerequisite findings of a
	// failed probe, e.g. "kvm kernel module not loaded".
	Reasons []string

	msg string
	err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.msg != "" {
		b.WriteString(e.msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (native code %#x)", uint64(e.Code))
	}
	if len(e.Reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Reasons, "; "))
	}
	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.err }

// Is reports kind equality, so callers can match with
// errors.Is(err, &hv.Error{Kind: hv.KindInvalidState}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf extracts the taxonomy kind of err, or zero if err does not wrap
// an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Errorf builds a taxonomy error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, msg: fmt.Sprintf(format, args...)}
}

// WrapError folds a native error into the taxonomy, preserving it for
// errors.Is/As chains and carrying the raw code when known.
func WrapError(kind ErrorKind, op string, code int64, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, err: err}
}

// ProbeError reports that no usable backend exists on this host, with one
// reason per failed prerequisite check.
func ProbeError(op string, reasons ...string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Reasons: reasons}
}
