package hv

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	err := Errorf(KindInvalidState, "close vm", "vcpus still attached")

	if !errors.Is(err, &Error{Kind: KindInvalidState}) {
		t.Error("errors.Is should match on kind alone")
	}
	if errors.Is(err, &Error{Kind: KindInvalidArgument}) {
		t.Error("errors.Is matched the wrong kind")
	}
	if !errors.Is(err, &Error{Kind: KindInvalidState, Op: "close vm"}) {
		t.Error("errors.Is should match kind plus op")
	}
	if errors.Is(err, &Error{Kind: KindInvalidState, Op: "close hypervisor"}) {
		t.Error("errors.Is matched the wrong op")
	}

	if got := KindOf(err); got != KindInvalidState {
		t.Errorf("KindOf = %v, want invalid state", got)
	}
	if got := KindOf(errors.New("plain")); got != 0 {
		t.Errorf("KindOf(plain error) = %v, want zero", got)
	}
}

func TestErrorWrappingPreservesCause(t *testing.T) {
	cause := errors.New("device busy")
	err := WrapError(KindBackend, "kvm: create vm", 16, cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	if got := KindOf(fmt.Errorf("outer: %w", err)); got != KindBackend {
		t.Errorf("KindOf through wrapping = %v, want backend", got)
	}

	msg := err.Error()
	for _, want := range []string{"kvm: create vm", "0x10", "device busy"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestProbeErrorCarriesReasons(t *testing.T) {
	err := ProbeError("kvm: open /dev/kvm",
		"/dev/kvm does not exist",
		"kvm kernel module not loaded")

	if got := KindOf(err); got != KindUnsupported {
		t.Fatalf("KindOf = %v, want unsupported", got)
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("not an *Error")
	}
	if len(e.Reasons) != 2 {
		t.Fatalf("reasons = %v, want 2 entries", e.Reasons)
	}
	if !strings.Contains(err.Error(), "kernel module not loaded") {
		t.Errorf("message %q does not surface the reasons", err.Error())
	}
}
