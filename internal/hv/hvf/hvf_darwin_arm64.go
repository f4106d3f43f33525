//go:build darwin && arm64

// Package hvf adapts Apple's Hypervisor.framework to the common backend
// surface. The framework allows one VM per process and binds each vCPU
// to the thread that created it, which the core vCPU service loop
// guarantees.
package hvf

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/hvf/bindings"
)

// Apple Silicon hosts use 16 KiB pages; hv_vm_map requires this
// granularity.
const pageSize = 0x4000

// wrapReturn folds an hv_return_t failure into the unified taxonomy.
func wrapReturn(op string, r bindings.Return) *hv.Error {
	kind := hv.KindBackend
	switch r {
	case bindings.HV_DENIED:
		kind = hv.KindPermissionDenied
	case bindings.HV_UNSUPPORTED, bindings.HV_NO_DEVICE:
		kind = hv.KindUnsupported
	case bindings.HV_BAD_ARGUMENT:
		kind = hv.KindInvalidArgument
	case bindings.HV_NO_RESOURCES:
		kind = hv.KindResourceExhausted
	}
	return hv.WrapError(kind, op, int64(r), r)
}

type backend struct {
	// The framework supports a single VM per process.
	vmActive atomic.Bool
}

var _ hv.Backend = &backend{}

// Open probes Hypervisor.framework. HV_DENIED on the first call means
// the binary lacks the hypervisor entitlement; HV_UNSUPPORTED means the
// hardware or OS has no virtualization support.
func Open() (hv.Backend, error) {
	if err := bindings.Load(); err != nil {
		return nil, hv.ProbeError("hvf: load Hypervisor.framework",
			"Hypervisor.framework could not be loaded",
			"macOS 11 or later on Apple Silicon required")
	}

	var maxVCPUs uint32
	switch r := bindings.HvVmGetMaxVcpuCount(&maxVCPUs); r {
	case bindings.HV_SUCCESS:
	case bindings.HV_DENIED:
		return nil, hv.ProbeError("hvf: probe",
			"access to Hypervisor.framework denied",
			"binary not signed with the com.apple.security.hypervisor entitlement")
	case bindings.HV_UNSUPPORTED:
		return nil, hv.ProbeError("hvf: probe",
			"virtualization not supported on this machine")
	default:
		return nil, wrapReturn("hvf: probe", r)
	}

	return &backend{}, nil
}

func (b *backend) Name() string { return "hvf" }

func (b *backend) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (b *backend) PageSize() uint64 { return pageSize }

func (b *backend) CreateVM(cfg hv.Config) (hv.BackendVM, error) {
	if !b.vmActive.CompareAndSwap(false, true) {
		return nil, hv.Errorf(hv.KindResourceExhausted, "hvf: create vm",
			"Hypervisor.framework allows one virtual machine per process")
	}

	if r := bindings.HvVmCreate(bindings.HvVmConfigCreate()); r != bindings.HV_SUCCESS {
		b.vmActive.Store(false)
		return nil, wrapReturn("hvf: create vm", r)
	}

	return &virtualMachine{
		backend:  b,
		mappings: make(map[uint64]*mapping),
	}, nil
}

func (b *backend) Close() error { return nil }

type mapping struct {
	size uint64
	host unsafe.Pointer
}

type virtualMachine struct {
	backend  *backend
	mappings map[uint64]*mapping
}

var _ hv.BackendVM = &virtualMachine{}

func memoryFlags(prot hv.Protection) bindings.MemoryFlags {
	var flags bindings.MemoryFlags
	if prot&hv.ProtRead != 0 {
		flags |= bindings.HV_MEMORY_READ
	}
	if prot&hv.ProtWrite != 0 {
		flags |= bindings.HV_MEMORY_WRITE
	}
	if prot&hv.ProtExec != 0 {
		flags |= bindings.HV_MEMORY_EXEC
	}
	return flags
}

func (v *virtualMachine) MapRegion(gpa, size uint64, prot hv.Protection) ([]byte, error) {
	var host unsafe.Pointer
	if r := bindings.HvVmAllocate(&host, uintptr(size), bindings.HV_ALLOCATE_DEFAULT); r != bindings.HV_SUCCESS {
		return nil, wrapReturn("hvf: allocate region backing", r)
	}

	if r := bindings.HvVmMap(host, bindings.IPA(gpa), uintptr(size), memoryFlags(prot)); r != bindings.HV_SUCCESS {
		bindings.HvVmDeallocate(host, uintptr(size))
		return nil, wrapReturn("hvf: map region", r)
	}

	v.mappings[gpa] = &mapping{size: size, host: host}

	return unsafe.Slice((*byte)(host), size), nil
}

func (v *virtualMachine) UnmapRegion(gpa, size uint64) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "hvf: unmap region",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if r := bindings.HvVmUnmap(bindings.IPA(gpa), uintptr(size)); r != bindings.HV_SUCCESS {
		return wrapReturn("hvf: unmap region", r)
	}

	delete(v.mappings, gpa)

	if r := bindings.HvVmDeallocate(m.host, uintptr(size)); r != bindings.HV_SUCCESS {
		return wrapReturn("hvf: deallocate region backing", r)
	}

	return nil
}

// ProtectRegion changes the stage-2 permissions in place; the framework
// keeps the host allocation mapped, so the contents are untouched.
func (v *virtualMachine) ProtectRegion(gpa, size uint64, prot hv.Protection) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "hvf: protect region",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if r := bindings.HvVmProtect(bindings.IPA(gpa), uintptr(size), memoryFlags(prot)); r != bindings.HV_SUCCESS {
		return wrapReturn("hvf: protect region", r)
	}

	return nil
}

// CreateVCPU runs on the vCPU service thread, satisfying the
// framework's requirement that a vCPU is driven by its creating thread.
func (v *virtualMachine) CreateVCPU(id int) (hv.BackendVCPU, error) {
	var vcpu bindings.VCPU
	exit := new(bindings.VcpuExit)

	if r := bindings.HvVcpuCreate(&vcpu, &exit, bindings.HvVcpuConfigCreate()); r != bindings.HV_SUCCESS {
		return nil, wrapReturn("hvf: create vcpu", r)
	}

	// MPIDR_EL1 carries the CPU's affinity; expose the caller's id there
	// so the guest sees stable numbering.
	if r := bindings.HvVcpuSetSysReg(vcpu, bindings.HV_SYS_REG_MPIDR_EL1, uint64(id)); r != bindings.HV_SUCCESS {
		bindings.HvVcpuDestroy(vcpu)
		return nil, wrapReturn("hvf: set MPIDR_EL1", r)
	}

	return &virtualCPU{id: vcpu, exit: exit}, nil
}

func (v *virtualMachine) Close() error {
	if r := bindings.HvVmDestroy(); r != bindings.HV_SUCCESS {
		return wrapReturn("hvf: destroy vm", r)
	}
	v.backend.vmActive.Store(false)
	return nil
}

type virtualCPU struct {
	id   bindings.VCPU
	exit *bindings.VcpuExit
}

var _ hv.BackendVCPU = &virtualCPU{}

// Exception classes from ESR_ELx.EC.
type exceptionClass uint64

const (
	exceptionClassWFx              exceptionClass = 0x01
	exceptionClassHvc              exceptionClass = 0x16
	exceptionClassSmc              exceptionClass = 0x17
	exceptionClassDataAbortLowerEL exceptionClass = 0x24
)

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26
)

// PSCI function IDs (SMC32 calling convention).
const (
	psciSystemOff   uint64 = 0x84000008
	psciSystemReset uint64 = 0x84000009
)

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if ctx.Err() != nil {
		return hv.ExitCanceled{}, nil
	}

	if r := bindings.HvVcpuRun(v.id); r != bindings.HV_SUCCESS {
		return hv.ExitInternalError{
			Code:    int64(r),
			Message: fmt.Sprintf("hv_vcpu_run failed: %v", r),
		}, nil
	}

	switch v.exit.Reason {
	case bindings.HV_EXIT_REASON_CANCELED:
		return hv.ExitCanceled{}, nil

	case bindings.HV_EXIT_REASON_EXCEPTION:
		return v.decodeException()

	default:
		return hv.ExitUnsupported{Reason: v.exit.Reason.String()}, nil
	}
}

func (v *virtualCPU) decodeException() (hv.Exit, error) {
	syndrome := v.exit.Exception.Syndrome
	ec := exceptionClass((uint64(syndrome) >> exceptionClassShift) & exceptionClassMask)

	switch ec {
	case exceptionClassWFx:
		return hv.ExitHalt{}, nil

	case exceptionClassHvc:
		var x0 uint64
		if r := bindings.HvVcpuGetReg(v.id, bindings.HV_REG_X0, &x0); r != bindings.HV_SUCCESS {
			return nil, wrapReturn("hvf: get x0", r)
		}
		switch x0 {
		case psciSystemOff, psciSystemReset:
			return hv.ExitShutdown{}, nil
		default:
			return hv.ExitUnsupported{Reason: fmt.Sprintf("HVC %#x", x0)}, nil
		}

	case exceptionClassDataAbortLowerEL:
		return v.decodeDataAbort(syndrome)

	default:
		return hv.ExitUnsupported{
			Reason: fmt.Sprintf("exception class %#x (syndrome %#x)", uint64(ec), uint64(syndrome)),
		}, nil
	}
}

// decodeDataAbort turns an ISV-valid data abort into an MMIO exit. For
// writes the payload is filled from the source register; reads leave
// the payload zeroed for the caller to complete via SetRegisters.
func (v *virtualCPU) decodeDataAbort(syndrome bindings.ExceptionSyndrome) (hv.Exit, error) {
	const (
		issMask  uint64 = (1 << 25) - 1
		isvBit          = 24
		sasShift        = 22
		sasMask  uint64 = 0x3
		srtShift        = 16
		srtMask  uint64 = 0x1F
		wnrBit          = 6
	)

	iss := uint64(syndrome) & issMask
	if (iss>>isvBit)&0x1 == 0 {
		return hv.ExitUnsupported{
			Reason: fmt.Sprintf("data abort without ISV (syndrome %#x)", uint64(syndrome)),
		}, nil
	}

	size := 1 << ((iss >> sasShift) & sasMask)
	srt := int((iss >> srtShift) & srtMask)
	write := (iss>>wnrBit)&0x1 == 1

	data := make([]byte, size)
	if write {
		// Register 31 in the syndrome is XZR, which always reads zero.
		var value uint64
		if srt < 31 {
			if r := bindings.HvVcpuGetReg(v.id, bindings.HV_REG_X0+bindings.Reg(srt), &value); r != bindings.HV_SUCCESS {
				return nil, wrapReturn("hvf: get abort source register", r)
			}
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		copy(data, buf[:size])
	}

	dir := hv.AccessRead
	if write {
		dir = hv.AccessWrite
	}

	return hv.ExitMmio{
		Addr:      uint64(v.exit.Exception.PhysicalAddress),
		Direction: dir,
		Data:      data,
	}, nil
}

// Kick may be called from any thread; hv_vcpus_exit is the only entry
// point the framework exempts from thread affinity. A kick delivered
// while the vCPU is not running forces the next hv_vcpu_run to return
// immediately.
func (v *virtualCPU) Kick() error {
	id := v.id
	if r := bindings.HvVcpusExit(&id, 1); r != bindings.HV_SUCCESS {
		return wrapReturn("hvf: cancel run", r)
	}
	return nil
}

func (v *virtualCPU) Close() error {
	if r := bindings.HvVcpuDestroy(v.id); r != bindings.HV_SUCCESS {
		return wrapReturn("hvf: destroy vcpu", r)
	}
	return nil
}
