package highrise

import (
	"io"

	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/probe"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/hv
// -----------------------------------------------------------------------------

// Hypervisor owns the selected native backend and the VMs created on it.
type Hypervisor = hv.Hypervisor

// VirtualMachine is one guest instance: memory regions plus vCPUs.
type VirtualMachine = hv.VirtualMachine

// VirtualCpu is a single guest processor owned by a VirtualMachine.
type VirtualCpu = hv.VirtualCpu

// Config carries VM construction parameters.
type Config = hv.Config

// RegionHandle identifies a mapped guest memory region. Handles are
// stable and never reused within a VM.
type RegionHandle = hv.RegionHandle

// Error is the unified error type for all operations.
type Error = hv.Error

// ErrorKind classifies an Error.
type ErrorKind = hv.ErrorKind

// CpuArchitecture is the guest architecture of a backend.
type CpuArchitecture = hv.CpuArchitecture

// Register names a guest register.
type Register = hv.Register

// RegisterValue is the value of a guest register.
type RegisterValue = hv.RegisterValue

// Register64 is a 64-bit register value.
type Register64 = hv.Register64

// RegisterSegment is the value of an x86-64 segment register.
type RegisterSegment = hv.RegisterSegment

// RegisterTable is the value of an x86-64 descriptor table register.
type RegisterTable = hv.RegisterTable

// Protection is a guest memory permission bitmask.
type Protection = hv.Protection

// AccessDirection distinguishes guest reads from guest writes.
type AccessDirection = hv.AccessDirection

// Exit describes why a vCPU stopped running.
type Exit = hv.Exit

// Exit variants.
type (
	ExitHalt          = hv.ExitHalt
	ExitIO            = hv.ExitIO
	ExitMmio          = hv.ExitMmio
	ExitShutdown      = hv.ExitShutdown
	ExitCanceled      = hv.ExitCanceled
	ExitInternalError = hv.ExitInternalError
	ExitUnsupported   = hv.ExitUnsupported
)

// Error kinds.
const (
	KindUnsupported       = hv.KindUnsupported
	KindPermissionDenied  = hv.KindPermissionDenied
	KindInvalidState      = hv.KindInvalidState
	KindInvalidArgument   = hv.KindInvalidArgument
	KindResourceExhausted = hv.KindResourceExhausted
	KindBackend           = hv.KindBackend
)

// Architectures.
const (
	ArchitectureX86_64 = hv.ArchitectureX86_64
	ArchitectureARM64  = hv.ArchitectureARM64
)

// Memory protections.
const (
	ProtRead  = hv.ProtRead
	ProtWrite = hv.ProtWrite
	ProtExec  = hv.ProtExec
	ProtRWX   = hv.ProtRWX
)

// Access directions.
const (
	AccessRead  = hv.AccessRead
	AccessWrite = hv.AccessWrite
)

// x86-64 registers.
const (
	RegisterAMD64Rax    = hv.RegisterAMD64Rax
	RegisterAMD64Rbx    = hv.RegisterAMD64Rbx
	RegisterAMD64Rcx    = hv.RegisterAMD64Rcx
	RegisterAMD64Rdx    = hv.RegisterAMD64Rdx
	RegisterAMD64Rsi    = hv.RegisterAMD64Rsi
	RegisterAMD64Rdi    = hv.RegisterAMD64Rdi
	RegisterAMD64Rsp    = hv.RegisterAMD64Rsp
	RegisterAMD64Rbp    = hv.RegisterAMD64Rbp
	RegisterAMD64R8     = hv.RegisterAMD64R8
	RegisterAMD64R9     = hv.RegisterAMD64R9
	RegisterAMD64R10    = hv.RegisterAMD64R10
	RegisterAMD64R11    = hv.RegisterAMD64R11
	RegisterAMD64R12    = hv.RegisterAMD64R12
	RegisterAMD64R13    = hv.RegisterAMD64R13
	RegisterAMD64R14    = hv.RegisterAMD64R14
	RegisterAMD64R15    = hv.RegisterAMD64R15
	RegisterAMD64Rip    = hv.RegisterAMD64Rip
	RegisterAMD64Rflags = hv.RegisterAMD64Rflags
	RegisterAMD64Cr0    = hv.RegisterAMD64Cr0
	RegisterAMD64Cr2    = hv.RegisterAMD64Cr2
	RegisterAMD64Cr3    = hv.RegisterAMD64Cr3
	RegisterAMD64Cr4    = hv.RegisterAMD64Cr4
	RegisterAMD64Cr8    = hv.RegisterAMD64Cr8
	RegisterAMD64Efer   = hv.RegisterAMD64Efer

	RegisterAMD64Cs   = hv.RegisterAMD64Cs
	RegisterAMD64Ss   = hv.RegisterAMD64Ss
	RegisterAMD64Ds   = hv.RegisterAMD64Ds
	RegisterAMD64Es   = hv.RegisterAMD64Es
	RegisterAMD64Fs   = hv.RegisterAMD64Fs
	RegisterAMD64Gs   = hv.RegisterAMD64Gs
	RegisterAMD64Tr   = hv.RegisterAMD64Tr
	RegisterAMD64Ldtr = hv.RegisterAMD64Ldtr
	RegisterAMD64Gdtr = hv.RegisterAMD64Gdtr
	RegisterAMD64Idtr = hv.RegisterAMD64Idtr

	RegisterAMD64Star         = hv.RegisterAMD64Star
	RegisterAMD64Lstar        = hv.RegisterAMD64Lstar
	RegisterAMD64Cstar        = hv.RegisterAMD64Cstar
	RegisterAMD64Sfmask       = hv.RegisterAMD64Sfmask
	RegisterAMD64KernelGsBase = hv.RegisterAMD64KernelGsBase
	RegisterAMD64ApicBase     = hv.RegisterAMD64ApicBase
)

// arm64 registers.
const (
	RegisterARM64X0     = hv.RegisterARM64X0
	RegisterARM64X1     = hv.RegisterARM64X1
	RegisterARM64X2     = hv.RegisterARM64X2
	RegisterARM64X3     = hv.RegisterARM64X3
	RegisterARM64X4     = hv.RegisterARM64X4
	RegisterARM64X5     = hv.RegisterARM64X5
	RegisterARM64X6     = hv.RegisterARM64X6
	RegisterARM64X7     = hv.RegisterARM64X7
	RegisterARM64X8     = hv.RegisterARM64X8
	RegisterARM64X9     = hv.RegisterARM64X9
	RegisterARM64X10    = hv.RegisterARM64X10
	RegisterARM64X11    = hv.RegisterARM64X11
	RegisterARM64X12    = hv.RegisterARM64X12
	RegisterARM64X13    = hv.RegisterARM64X13
	RegisterARM64X14    = hv.RegisterARM64X14
	RegisterARM64X15    = hv.RegisterARM64X15
	RegisterARM64X16    = hv.RegisterARM64X16
	RegisterARM64X17    = hv.RegisterARM64X17
	RegisterARM64X18    = hv.RegisterARM64X18
	RegisterARM64X19    = hv.RegisterARM64X19
	RegisterARM64X20    = hv.RegisterARM64X20
	RegisterARM64X21    = hv.RegisterARM64X21
	RegisterARM64X22    = hv.RegisterARM64X22
	RegisterARM64X23    = hv.RegisterARM64X23
	RegisterARM64X24    = hv.RegisterARM64X24
	RegisterARM64X25    = hv.RegisterARM64X25
	RegisterARM64X26    = hv.RegisterARM64X26
	RegisterARM64X27    = hv.RegisterARM64X27
	RegisterARM64X28    = hv.RegisterARM64X28
	RegisterARM64X29    = hv.RegisterARM64X29
	RegisterARM64X30    = hv.RegisterARM64X30
	RegisterARM64Xzr    = hv.RegisterARM64Xzr
	RegisterARM64Sp     = hv.RegisterARM64Sp
	RegisterARM64Pc     = hv.RegisterARM64Pc
	RegisterARM64Pstate = hv.RegisterARM64Pstate
	RegisterARM64Vbar   = hv.RegisterARM64Vbar
)

// KindOf reports the ErrorKind of err, or zero if err does not wrap an
// Error from this package.
func KindOf(err error) ErrorKind { return hv.KindOf(err) }

// ParseConfig reads a YAML VM configuration.
func ParseConfig(r io.Reader) (Config, error) { return hv.ParseConfig(r) }

// LoadConfig reads a YAML VM configuration from a file.
func LoadConfig(path string) (Config, error) { return hv.LoadConfig(path) }

// Probe selects the host's native hypervisor backend and verifies its
// prerequisites. On failure the returned error is of kind Unsupported or
// PermissionDenied and names the concrete missing prerequisite, e.g. a
// kernel module that is not loaded or a missing entitlement.
func Probe() (*Hypervisor, error) {
	return probe.Open()
}
