package hv

import "fmt"

// AccessDirection tells whether the guest was reading from or writing to a
// port or memory location when it exited.
type AccessDirection int

const (
	AccessRead AccessDirection = iota
	AccessWrite
)

func (d AccessDirection) String() string {
	if d == AccessWrite {
		return "write"
	}
	return "read"
}

// Exit is the classified reason a vCPU stopped running guest code. Every
// backend folds its native exit signal into one of the variants below;
// reasons a backend cannot classify become ExitUnsupported rather than a
// failed Run call.
type Exit interface {
	isExit()
	String() string
}

// ExitHalt: the guest executed its architectural halt instruction (hlt on
// x86-64, a trapped wfi/wfe on arm64).
type ExitHalt struct{}

func (ExitHalt) isExit()        {}
func (ExitHalt) String() string { return "halt" }

// ExitIO: an x86 port I/O access. Data is the transferred bytes: for a
// write it holds what the guest sent, for a read the caller fills it in
// before resuming.
type ExitIO struct {
	Port      uint16
	Direction AccessDirection
	Data      []byte
}

func (ExitIO) isExit() {}
func (e ExitIO) String() string {
	return fmt.Sprintf("io %s port %#x len %d", e.Direction, e.Port, len(e.Data))
}

// ExitMmio: an access to unmapped guest-physical memory. Data follows the
// same fill-in convention as ExitIO.
type ExitMmio struct {
	Addr      uint64
	Direction AccessDirection
	Data      []byte
}

func (ExitMmio) isExit() {}
func (e ExitMmio) String() string {
	return fmt.Sprintf("mmio %s %#x len %d", e.Direction, e.Addr, len(e.Data))
}

// ExitShutdown: the guest requested an orderly stop (triple fault on
// x86-64, PSCI SYSTEM_OFF on arm64).
type ExitShutdown struct{}

func (ExitShutdown) isExit()        {}
func (ExitShutdown) String() string { return "shutdown" }

// ExitCanceled: the run was interrupted from the host side, by Kick or by
// cancellation of the Run context. The vCPU resumes where it left off.
type ExitCanceled struct{}

func (ExitCanceled) isExit()        {}
func (ExitCanceled) String() string { return "canceled" }

// ExitInternalError: the native run operation itself failed, or the
// hypervisor reported an unrecoverable guest condition. The vCPU remains
// in its exited state and may be resumed after the caller intervenes.
type ExitInternalError struct {
	Code    int64
	Message string
}

func (ExitInternalError) isExit() {}
func (e ExitInternalError) String() string {
	return fmt.Sprintf("internal error %#x: %s", uint64(e.Code), e.Message)
}

// ExitUnsupported: the backend delivered an exit reason this layer has no
// mapping for. Reason carries the native identifier for diagnostics.
type ExitUnsupported struct {
	Reason string
}

func (ExitUnsupported) isExit()          {}
func (e ExitUnsupported) String() string { return "unsupported exit: " + e.Reason }
