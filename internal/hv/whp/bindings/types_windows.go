//go:build windows

// Package bindings holds the raw winhvplatform.dll surface used by the
// whp backend. Types mirror the WinHvPlatform headers; only the subset
// the backend calls is bound.
package bindings

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"
)

// HRESULT represents a Windows error/success code returned from WinHv APIs.
type HRESULT int32

func (hr HRESULT) Failed() bool    { return hr < 0 }
func (hr HRESULT) Succeeded() bool { return hr >= 0 }

// Err converts the HRESULT into a Go error, nil on success.
func (hr HRESULT) Err() error {
	if hr.Succeeded() {
		return nil
	}
	return HRESULTError(hr)
}

// HRESULTError wraps a failing HRESULT value.
type HRESULTError HRESULT

func (e HRESULTError) Error() string {
	return fmt.Sprintf("HRESULT %#08x: %s", uint32(e), syscall.Errno(e&0xffff).Error())
}

// AsHRESULT attempts to extract an HRESULT from the provided error.
func AsHRESULT(err error) (HRESULT, bool) {
	var hErr HRESULTError
	if errors.As(err, &hErr) {
		return HRESULT(hErr), true
	}
	return 0, false
}

// Well-known HRESULTs the backend classifies.
const (
	EAccessDenied HRESULT = -0x7FF8FFFB // 0x80070005
	EInvalidArg   HRESULT = -0x7FF8FFA9 // 0x80070057
	EOutOfMemory  HRESULT = -0x7FF8FFF2 // 0x8007000E
)

// CapabilityCode mirrors WHV_CAPABILITY_CODE.
type CapabilityCode uint32

const (
	CapabilityCodeHypervisorPresent CapabilityCode = 0x00000000
)

// PartitionHandle mirrors WHV_PARTITION_HANDLE.
type PartitionHandle syscall.Handle

// GuestPhysicalAddress mirrors WHV_GUEST_PHYSICAL_ADDRESS.
type GuestPhysicalAddress uint64

// MapGPARangeFlags mirrors WHV_MAP_GPA_RANGE_FLAGS.
type MapGPARangeFlags uint32

const (
	MapGPARangeFlagNone    MapGPARangeFlags = 0
	MapGPARangeFlagRead    MapGPARangeFlags = 0x00000001
	MapGPARangeFlagWrite   MapGPARangeFlags = 0x00000002
	MapGPARangeFlagExecute MapGPARangeFlags = 0x00000004
)

// PartitionPropertyCode mirrors WHV_PARTITION_PROPERTY_CODE.
type PartitionPropertyCode uint32

const (
	PartitionPropertyCodeProcessorCount PartitionPropertyCode = 0x00001fff
)

// RegisterName mirrors WHV_REGISTER_NAME.
type RegisterName uint32

const (
	RegisterRax    RegisterName = 0x00000000
	RegisterRcx    RegisterName = 0x00000001
	RegisterRdx    RegisterName = 0x00000002
	RegisterRbx    RegisterName = 0x00000003
	RegisterRsp    RegisterName = 0x00000004
	RegisterRbp    RegisterName = 0x00000005
	RegisterRsi    RegisterName = 0x00000006
	RegisterRdi    RegisterName = 0x00000007
	RegisterR8     RegisterName = 0x00000008
	RegisterR9     RegisterName = 0x00000009
	RegisterR10    RegisterName = 0x0000000A
	RegisterR11    RegisterName = 0x0000000B
	RegisterR12    RegisterName = 0x0000000C
	RegisterR13    RegisterName = 0x0000000D
	RegisterR14    RegisterName = 0x0000000E
	RegisterR15    RegisterName = 0x0000000F
	RegisterRip    RegisterName = 0x00000010
	RegisterRflags RegisterName = 0x00000011

	RegisterEs   RegisterName = 0x00000012
	RegisterCs   RegisterName = 0x00000013
	RegisterSs   RegisterName = 0x00000014
	RegisterDs   RegisterName = 0x00000015
	RegisterFs   RegisterName = 0x00000016
	RegisterGs   RegisterName = 0x00000017
	RegisterLdtr RegisterName = 0x00000018
	RegisterTr   RegisterName = 0x00000019
	RegisterIdtr RegisterName = 0x0000001A
	RegisterGdtr RegisterName = 0x0000001B

	RegisterCr0 RegisterName = 0x0000001C
	RegisterCr2 RegisterName = 0x0000001D
	RegisterCr3 RegisterName = 0x0000001E
	RegisterCr4 RegisterName = 0x0000001F
	RegisterCr8 RegisterName = 0x00000020

	RegisterEfer         RegisterName = 0x00002001
	RegisterKernelGsBase RegisterName = 0x00002002
	RegisterApicBase     RegisterName = 0x00002003
	RegisterStar         RegisterName = 0x00002008
	RegisterLstar        RegisterName = 0x00002009
	RegisterCstar        RegisterName = 0x0000200A
	RegisterSfmask       RegisterName = 0x0000200B
)

// Uint128 mirrors WHV_UINT128.
type Uint128 struct {
	Low64  uint64
	High64 uint64
}

// RegisterValue mirrors WHV_REGISTER_VALUE.
type RegisterValue struct {
	Raw Uint128
}

// SetUint64 sets the union to a 64-bit register.
func (v *RegisterValue) SetUint64(val uint64) {
	*v = RegisterValue{}
	*(*uint64)(unsafe.Pointer(v)) = val
}

// AsUint64 interprets the union as a 64-bit register.
func (v *RegisterValue) AsUint64() *uint64 {
	return (*uint64)(unsafe.Pointer(v))
}

// AsSegment interprets the union as a WHV_X64_SEGMENT_REGISTER.
func (v *RegisterValue) AsSegment() *X64SegmentRegister {
	return (*X64SegmentRegister)(unsafe.Pointer(v))
}

// AsTable interprets the union as a WHV_X64_TABLE_REGISTER.
func (v *RegisterValue) AsTable() *X64TableRegister {
	return (*X64TableRegister)(unsafe.Pointer(v))
}

// RunVPExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type RunVPExitReason uint32

const (
	RunVPExitReasonNone                   RunVPExitReason = 0x00000000
	RunVPExitReasonMemoryAccess           RunVPExitReason = 0x00000001
	RunVPExitReasonX64IoPortAccess        RunVPExitReason = 0x00000002
	RunVPExitReasonUnrecoverableException RunVPExitReason = 0x00000004
	RunVPExitReasonInvalidVpRegisterValue RunVPExitReason = 0x00000005
	RunVPExitReasonUnsupportedFeature     RunVPExitReason = 0x00000006
	RunVPExitReasonX64InterruptWindow     RunVPExitReason = 0x00000007
	RunVPExitReasonX64Halt                RunVPExitReason = 0x00000008
	RunVPExitReasonX64ApicEoi             RunVPExitReason = 0x00000009
	RunVPExitReasonX64MsrAccess           RunVPExitReason = 0x00001000
	RunVPExitReasonX64Cpuid               RunVPExitReason = 0x00001001
	RunVPExitReasonException              RunVPExitReason = 0x00001002
	RunVPExitReasonHypercall              RunVPExitReason = 0x00001005
	RunVPExitReasonCanceled               RunVPExitReason = 0x00002001
)

func (r RunVPExitReason) String() string {
	switch r {
	case RunVPExitReasonNone:
		return "None"
	case RunVPExitReasonMemoryAccess:
		return "MemoryAccess"
	case RunVPExitReasonX64IoPortAccess:
		return "X64IoPortAccess"
	case RunVPExitReasonUnrecoverableException:
		return "UnrecoverableException"
	case RunVPExitReasonInvalidVpRegisterValue:
		return "InvalidVpRegisterValue"
	case RunVPExitReasonUnsupportedFeature:
		return "UnsupportedFeature"
	case RunVPExitReasonX64InterruptWindow:
		return "X64InterruptWindow"
	case RunVPExitReasonX64Halt:
		return "X64Halt"
	case RunVPExitReasonX64ApicEoi:
		return "X64ApicEoi"
	case RunVPExitReasonX64MsrAccess:
		return "X64MsrAccess"
	case RunVPExitReasonX64Cpuid:
		return "X64Cpuid"
	case RunVPExitReasonException:
		return "Exception"
	case RunVPExitReasonHypercall:
		return "Hypercall"
	case RunVPExitReasonCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint32(r))
	}
}

// X64SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER. Attributes packs
// SegmentType:4, NonSystemSegment:1, Dpl:2, Present:1, reserved:4,
// Available:1, Long:1, Default:1, Granularity:1.
type X64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// X64TableRegister mirrors WHV_X64_TABLE_REGISTER.
type X64TableRegister struct {
	Pad   [3]uint16
	Limit uint16
	Base  uint64
}

// X64VPExecutionState mirrors WHV_X64_VP_EXECUTION_STATE.
type X64VPExecutionState struct {
	AsUINT16 uint16
}

// VPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type VPExitContext struct {
	ExecutionState       X64VPExecutionState
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   X64SegmentRegister
	Rip                  uint64
	Rflags               uint64
}

// MemoryAccessInfo mirrors WHV_MEMORY_ACCESS_INFO. Bits 0-1 hold the
// WHV_MEMORY_ACCESS_TYPE (0 read, 1 write, 2 execute).
type MemoryAccessInfo struct {
	AsUINT32 uint32
}

func (i MemoryAccessInfo) AccessType() uint32 { return i.AsUINT32 & 0x3 }

// MemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type MemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           MemoryAccessInfo
	Gpa                  GuestPhysicalAddress
	Gva                  uint64
}

// X64IOPortAccessInfo mirrors WHV_X64_IO_PORT_ACCESS_INFO: IsWrite bit 0,
// AccessSize bits 1-3.
type X64IOPortAccessInfo struct {
	AsUINT32 uint32
}

func (i X64IOPortAccessInfo) IsWrite() bool      { return i.AsUINT32&1 != 0 }
func (i X64IOPortAccessInfo) AccessSize() uint32 { return (i.AsUINT32 >> 1) & 0x7 }

// X64IOPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type X64IOPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           X64IOPortAccessInfo
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   X64SegmentRegister
	Es                   X64SegmentRegister
}

// RunVPCanceledContext mirrors WHV_RUN_VP_CANCELED_CONTEXT.
type RunVPCanceledContext struct {
	CancelReason uint32
}

// RunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT.
type RunVPExitContext struct {
	ExitReason RunVPExitReason
	Reserved   uint32
	VpContext  VPExitContext
	payload    [176]byte
}

// MemoryAccess returns the WHV_MEMORY_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) MemoryAccess() *MemoryAccessContext {
	return (*MemoryAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// IoPortAccess returns the WHV_X64_IO_PORT_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) IoPortAccess() *X64IOPortAccessContext {
	return (*X64IOPortAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// CancelReason returns the WHV_RUN_VP_CANCELED_CONTEXT view.
func (c *RunVPExitContext) CancelReason() *RunVPCanceledContext {
	return (*RunVPCanceledContext)(unsafe.Pointer(&c.payload[0]))
}
