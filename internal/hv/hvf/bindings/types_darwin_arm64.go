//go:build darwin && arm64

// Package bindings holds the raw Hypervisor.framework surface used by
// the hvf backend. Types mirror the arm64 hv headers; only the subset
// the backend calls is bound.
package bindings

import "fmt"

// Return is Hypervisor.framework's return type (hv_return_t). On
// Darwin this is a 32-bit mach error value, so the 0xfae940xx codes
// come out negative.
type Return int32

const (
	HV_SUCCESS             Return = 0
	HV_ERROR               Return = -0x0516bfff // 0xfae94001
	HV_BUSY                Return = -0x0516bffe // 0xfae94002
	HV_BAD_ARGUMENT        Return = -0x0516bffd // 0xfae94003
	HV_ILLEGAL_GUEST_STATE Return = -0x0516bffc // 0xfae94004
	HV_NO_RESOURCES        Return = -0x0516bffb // 0xfae94005
	HV_NO_DEVICE           Return = -0x0516bffa // 0xfae94006
	HV_DENIED              Return = -0x0516bff9 // 0xfae94007
	HV_UNSUPPORTED         Return = -0x0516bff1 // 0xfae9400f
)

func (r Return) Error() string {
	switch r {
	case HV_SUCCESS:
		return "success"
	case HV_ERROR:
		return "error"
	case HV_BUSY:
		return "busy"
	case HV_BAD_ARGUMENT:
		return "bad argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "illegal guest state"
	case HV_NO_RESOURCES:
		return "no resources"
	case HV_NO_DEVICE:
		return "no device"
	case HV_DENIED:
		return "denied"
	case HV_UNSUPPORTED:
		return "unsupported"
	default:
		return fmt.Sprintf("unknown error: %d", r)
	}
}

// VMConfig is an opaque configuration object used by hv_vm_create().
type VMConfig uintptr

// VcpuConfig is an opaque configuration object used by hv_vcpu_create().
type VcpuConfig uintptr

// IPA is a guest Intermediate Physical Address (hv_ipa_t).
type IPA uint64

// VCPU is a vCPU instance ID (hv_vcpu_t).
type VCPU uint64

// MemoryFlags is a guest memory permission bitmask (hv_memory_flags_t).
type MemoryFlags uint64

const (
	HV_MEMORY_READ  MemoryFlags = 1 << 0
	HV_MEMORY_WRITE MemoryFlags = 1 << 1
	HV_MEMORY_EXEC  MemoryFlags = 1 << 2
)

// AllocateFlags are flags for hv_vm_allocate (hv_allocate_flags_t).
type AllocateFlags uint64

const HV_ALLOCATE_DEFAULT AllocateFlags = 0

// ExitReason is an exit reason from hv_vcpu_run (hv_exit_reason_t).
type ExitReason uint32

const (
	HV_EXIT_REASON_CANCELED         ExitReason = 0
	HV_EXIT_REASON_EXCEPTION        ExitReason = 1
	HV_EXIT_REASON_VTIMER_ACTIVATED ExitReason = 2
	HV_EXIT_REASON_UNKNOWN          ExitReason = 3
)

func (r ExitReason) String() string {
	switch r {
	case HV_EXIT_REASON_CANCELED:
		return "canceled"
	case HV_EXIT_REASON_EXCEPTION:
		return "exception"
	case HV_EXIT_REASON_VTIMER_ACTIVATED:
		return "vtimer activated"
	case HV_EXIT_REASON_UNKNOWN:
		return "unknown"
	default:
		return fmt.Sprintf("unknown exit reason: %d", uint32(r))
	}
}

// ExceptionSyndrome corresponds to ESR_ELx.
type ExceptionSyndrome uint64

// ExceptionAddress corresponds to FAR_ELx.
type ExceptionAddress uint64

// VcpuExitException corresponds to hv_vcpu_exit_exception_t.
type VcpuExitException struct {
	Syndrome        ExceptionSyndrome
	VirtualAddress  ExceptionAddress
	PhysicalAddress IPA
}

// VcpuExit corresponds to hv_vcpu_exit_t.
//
// Note: this mirrors the C layout, including padding after the 32-bit
// reason.
type VcpuExit struct {
	Reason    ExitReason
	_         uint32
	Exception VcpuExitException
}

// Reg is an ARM general purpose register selector (hv_reg_t).
type Reg uint32

const (
	HV_REG_X0 Reg = iota
	HV_REG_X1
	HV_REG_X2
	HV_REG_X3
	HV_REG_X4
	HV_REG_X5
	HV_REG_X6
	HV_REG_X7
	HV_REG_X8
	HV_REG_X9
	HV_REG_X10
	HV_REG_X11
	HV_REG_X12
	HV_REG_X13
	HV_REG_X14
	HV_REG_X15
	HV_REG_X16
	HV_REG_X17
	HV_REG_X18
	HV_REG_X19
	HV_REG_X20
	HV_REG_X21
	HV_REG_X22
	HV_REG_X23
	HV_REG_X24
	HV_REG_X25
	HV_REG_X26
	HV_REG_X27
	HV_REG_X28
	HV_REG_X29
	HV_REG_X30
	HV_REG_PC
	HV_REG_FPCR
	HV_REG_FPSR
	HV_REG_CPSR
)

// SysReg is an ARM system register selector (hv_sys_reg_t). Values are
// the MSR encoding (op0:op1:CRn:CRm:op2).
type SysReg uint16

const (
	HV_SYS_REG_MPIDR_EL1 SysReg = 0xc005
	HV_SYS_REG_SP_EL0    SysReg = 0xc208
	HV_SYS_REG_SP_EL1    SysReg = 0xe208
	HV_SYS_REG_VBAR_EL1  SysReg = 0xc600
)
