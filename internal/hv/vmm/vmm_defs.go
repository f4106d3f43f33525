//go:build freebsd && amd64

package vmm

import (
	"fmt"
	"unsafe"
)

// BSD ioctl encoding (sys/ioccom.h).
const (
	iocParmMask = 0x1fff
	iocVoid     = 0x20000000
	iocOut      = 0x40000000
	iocIn       = 0x80000000
	iocInOut    = iocIn | iocOut
)

func ioc(inout uint32, group byte, num uint32, size uintptr) uint64 {
	return uint64(inout | (uint32(size)&iocParmMask)<<16 | uint32(group)<<8 | num)
}

// ioctl numbers from sys/amd64/include/vmm_dev.h, group 'v'.
const (
	iocnumRun          = 1
	iocnumAllocMemseg  = 14
	iocnumMmapMemseg   = 16
	iocnumMunmapMemseg = 19
	iocnumSetRegister  = 20
	iocnumGetRegister  = 21
	iocnumSetSegDesc   = 22
	iocnumGetSegDesc   = 23
	iocnumActivateCpu  = 90
)

var (
	vmRunIoctl          = ioc(iocInOut, 'v', iocnumRun, unsafe.Sizeof(vmRunArg{}))
	vmAllocMemsegIoctl  = ioc(iocIn, 'v', iocnumAllocMemseg, unsafe.Sizeof(vmMemseg{}))
	vmMmapMemsegIoctl   = ioc(iocIn, 'v', iocnumMmapMemseg, unsafe.Sizeof(vmMemmap{}))
	vmMunmapMemsegIoctl = ioc(iocIn, 'v', iocnumMunmapMemseg, unsafe.Sizeof(vmMunmap{}))
	vmSetRegisterIoctl  = ioc(iocIn, 'v', iocnumSetRegister, unsafe.Sizeof(vmRegister{}))
	vmGetRegisterIoctl  = ioc(iocInOut, 'v', iocnumGetRegister, unsafe.Sizeof(vmRegister{}))
	vmSetSegDescIoctl   = ioc(iocIn, 'v', iocnumSetSegDesc, unsafe.Sizeof(vmSegDesc{}))
	vmGetSegDescIoctl   = ioc(iocInOut, 'v', iocnumGetSegDesc, unsafe.Sizeof(vmSegDesc{}))
	vmActivateCpuIoctl  = ioc(iocIn, 'v', iocnumActivateCpu, unsafe.Sizeof(vmActivateCpu{}))
)

// vm_memseg. Suffix length per VM_MAX_SUFFIXLEN.
type vmMemseg struct {
	Segid int32
	_     int32
	Len   uint64
	Name  [16]byte
}

// vm_memmap.
type vmMemmap struct {
	Gpa    uint64
	Segid  int32
	_      int32
	Segoff uint64
	Len    uint64
	Prot   int32
	Flags  int32
}

// vm_munmap.
type vmMunmap struct {
	Gpa uint64
	Len uint64
}

// vm_register.
type vmRegister struct {
	CPUID  int32
	Regnum int32
	Regval uint64
}

// seg_desc. Access holds the VMCS-format access word: type in bits
// 0-3, S bit 4, DPL bits 5-6, P bit 7, AVL bit 12, L bit 13, D/B bit
// 14, G bit 15, unusable bit 16.
type vmSegDescriptor struct {
	Base   uint64
	Limit  uint32
	Access uint32
}

// vm_seg_desc.
type vmSegDesc struct {
	CPUID  int32
	Regnum int32
	Desc   vmSegDescriptor
}

// vm_activate_cpu.
type vmActivateCpu struct {
	Vcpuid int32
}

// Guest memory protection bits (vm_prot_t).
const (
	vmProtRead    = 0x01
	vmProtWrite   = 0x02
	vmProtExecute = 0x04
)

// vm_reg_name values for the registers the adapter exposes.
const (
	vmRegGuestRax    = 0
	vmRegGuestRbx    = 1
	vmRegGuestRcx    = 2
	vmRegGuestRdx    = 3
	vmRegGuestRsi    = 4
	vmRegGuestRdi    = 5
	vmRegGuestRbp    = 6
	vmRegGuestR8     = 7
	vmRegGuestR9     = 8
	vmRegGuestR10    = 9
	vmRegGuestR11    = 10
	vmRegGuestR12    = 11
	vmRegGuestR13    = 12
	vmRegGuestR14    = 13
	vmRegGuestR15    = 14
	vmRegGuestCr0    = 15
	vmRegGuestCr3    = 16
	vmRegGuestCr4    = 17
	vmRegGuestRsp    = 19
	vmRegGuestRip    = 20
	vmRegGuestRflags = 21
	vmRegGuestEs     = 22
	vmRegGuestCs     = 23
	vmRegGuestSs     = 24
	vmRegGuestDs     = 25
	vmRegGuestFs     = 26
	vmRegGuestGs     = 27
	vmRegGuestLdtr   = 28
	vmRegGuestTr     = 29
	vmRegGuestIdtr   = 30
	vmRegGuestGdtr   = 31
	vmRegGuestEfer   = 32
	vmRegGuestCr2    = 33
)

// vm_exitcode.
type vmExitcode int32

const (
	vmExitcodeInout     vmExitcode = 0
	vmExitcodeVmx       vmExitcode = 1
	vmExitcodeBogus     vmExitcode = 2
	vmExitcodeRdmsr     vmExitcode = 3
	vmExitcodeWrmsr     vmExitcode = 4
	vmExitcodeHlt       vmExitcode = 5
	vmExitcodeMtrap     vmExitcode = 6
	vmExitcodePause     vmExitcode = 7
	vmExitcodePaging    vmExitcode = 8
	vmExitcodeInstEmul  vmExitcode = 9
	vmExitcodeSuspended vmExitcode = 14
	vmExitcodeDebug     vmExitcode = 21
)

func (c vmExitcode) String() string {
	switch c {
	case vmExitcodeInout:
		return "INOUT"
	case vmExitcodeVmx:
		return "VMX"
	case vmExitcodeBogus:
		return "BOGUS"
	case vmExitcodeRdmsr:
		return "RDMSR"
	case vmExitcodeWrmsr:
		return "WRMSR"
	case vmExitcodeHlt:
		return "HLT"
	case vmExitcodeMtrap:
		return "MTRAP"
	case vmExitcodePause:
		return "PAUSE"
	case vmExitcodePaging:
		return "PAGING"
	case vmExitcodeInstEmul:
		return "INST_EMUL"
	case vmExitcodeSuspended:
		return "SUSPENDED"
	case vmExitcodeDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(c))
	}
}

// vm_exit union payload size, matching sys/amd64/include/vmm.h. The
// largest member is inst_emul (gpa, gla, cs_base, cs_d, paging state
// and the instruction decode buffer).
const vmExitUnionSize = 112

// vm_exit.
type vmExitData struct {
	Exitcode   vmExitcode
	InstLength int32
	Rip        uint64
	payload    [vmExitUnionSize]byte
}

// vmExitInout is the vm_inout view of the payload. The first word packs
// bytes:3, in:1, string:1, rep:1.
type vmExitInout struct {
	Flags uint16
	Port  uint16
	Eax   uint32
}

func (io *vmExitInout) Bytes() int { return int(io.Flags & 0x7) }
func (io *vmExitInout) In() bool   { return io.Flags&(1<<3) != 0 }

// vmExitPaging is the paging view of the payload.
type vmExitPaging struct {
	Gpa       uint64
	FaultType int32
}

func (e *vmExitData) Inout() *vmExitInout {
	return (*vmExitInout)(unsafe.Pointer(&e.payload[0]))
}

func (e *vmExitData) Paging() *vmExitPaging {
	return (*vmExitPaging)(unsafe.Pointer(&e.payload[0]))
}

// InstEmulGpa reads the faulting address from the inst_emul view, whose
// first field is the gpa.
func (e *vmExitData) InstEmulGpa() uint64 {
	return *(*uint64)(unsafe.Pointer(&e.payload[0]))
}

// vm_run.
type vmRunArg struct {
	CPUID int32
	_     int32
	Exit  vmExitData
}
