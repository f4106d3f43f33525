package hv

import "context"

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// RegisterValue is a fixed-width value held by a guest register. Today all
// supported registers are 64 bits wide.
type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// RegisterSegment is the full state of an x86 segment register,
// including the hidden descriptor cache. Programming Cs/Ss/Ds with one
// of these is how a caller moves a guest out of real mode.
type RegisterSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Dpl      uint8
	Present  bool
	S        bool
	L        bool
	Db       bool
	G        bool
	Avl      bool
}

func (s RegisterSegment) isRegisterValue() {}

// RegisterTable is an x86 descriptor table register (GDTR, IDTR).
type RegisterTable struct {
	Base  uint64
	Limit uint16
}

func (t RegisterTable) isRegisterValue() {}

// Register identifies a guest register. The set is architecture-defined; a
// backend rejects registers that do not exist on its architecture with
// KindInvalidArgument.
type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 general-purpose registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 system registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8
	RegisterAMD64Efer

	// AMD64 segment registers, valued as RegisterSegment
	RegisterAMD64Cs
	RegisterAMD64Ss
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Tr
	RegisterAMD64Ldtr

	// AMD64 descriptor table registers, valued as RegisterTable
	RegisterAMD64Gdtr
	RegisterAMD64Idtr

	// AMD64 model-specific registers
	RegisterAMD64Star
	RegisterAMD64Lstar
	RegisterAMD64Cstar
	RegisterAMD64Sfmask
	RegisterAMD64KernelGsBase
	RegisterAMD64ApicBase

	// ARM64 general-purpose registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Xzr
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Vbar
)

// Protection is the guest-visible permission set of a mapped memory region.
type Protection uint32

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// ProtRWX is the common case of fully accessible guest RAM.
const ProtRWX = ProtRead | ProtWrite | ProtExec

func (p Protection) String() string {
	buf := [3]byte{'-', '-', '-'}
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf[:])
}

// Backend is the capability surface one native hypervisor API has to
// provide. Exactly one implementation is compiled in per host OS and
// selected by the probe at process start. All lifecycle ordering, region
// bookkeeping, and concurrency guards live above this surface; a backend
// only translates calls, errors, and exit signals.
type Backend interface {
	// Name identifies the native API, e.g. "kvm" or "whp".
	Name() string

	Architecture() CpuArchitecture

	// PageSize is the mapping granularity the native API requires for
	// guest-physical base addresses and region lengths.
	PageSize() uint64

	CreateVM(cfg Config) (BackendVM, error)

	Close() error
}

// BackendVM is one native virtual machine object. Close releases the
// native VM resource; the caller guarantees all vCPUs and mappings are
// gone first.
type BackendVM interface {
	// MapRegion allocates page-aligned host backing for [gpa, gpa+size)
	// and maps it into the guest with the given protection. The returned
	// slice is the host view of the region.
	MapRegion(gpa, size uint64, prot Protection) ([]byte, error)

	// UnmapRegion undoes a MapRegion with the same gpa and size.
	UnmapRegion(gpa, size uint64) error

	// ProtectRegion changes the guest-visible protection of an existing
	// mapping in place; the backing contents are preserved.
	ProtectRegion(gpa, size uint64, prot Protection) error

	CreateVCPU(id int) (BackendVCPU, error)

	Close() error
}

// BackendVCPU is one native virtual CPU. CreateVCPU, Run, register access,
// and Close are always invoked from the same OS thread (the vCPU service
// thread); Kick is the one call that must be safe from any thread.
type BackendVCPU interface {
	GetRegisters(regs map[Register]RegisterValue) error
	SetRegisters(regs map[Register]RegisterValue) error

	// Run enters the guest and blocks until it exits. Native exit signals
	// are classified into an Exit; a failure of the run syscall itself is
	// reported as ExitInternalError, not as an error.
	Run(ctx context.Context) (Exit, error)

	// Kick forces an in-progress or imminent Run to return ExitCanceled.
	Kick() error

	Close() error
}
