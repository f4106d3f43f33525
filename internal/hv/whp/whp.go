//go:build windows && amd64

// Package whp adapts the Windows Hypervisor Platform to the common
// backend surface. One partition backs each VM; GPA ranges are backed by
// VirtualAlloc'd host pages mapped with WHvMapGpaRange.
package whp

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/whp/bindings"
	"golang.org/x/sys/windows"
)

const pageSize = 0x1000

// wrapHRESULT folds a WinHv failure into the unified taxonomy.
func wrapHRESULT(op string, err error) *hv.Error {
	kind := hv.KindBackend
	var code int64

	if hr, ok := bindings.AsHRESULT(err); ok {
		code = int64(uint32(hr))
		switch hr {
		case bindings.EAccessDenied:
			kind = hv.KindPermissionDenied
		case bindings.EInvalidArg:
			kind = hv.KindInvalidArgument
		case bindings.EOutOfMemory:
			kind = hv.KindResourceExhausted
		}
	}

	return hv.WrapError(kind, op, code, err)
}

type backend struct{}

var _ hv.Backend = &backend{}

// Open probes the Windows Hypervisor Platform. A missing DLL means the
// optional Windows feature is not enabled; a present DLL with
// HypervisorPresent false means Hyper-V is not running under the guest.
func Open() (hv.Backend, error) {
	if err := bindings.Load(); err != nil {
		return nil, hv.ProbeError("whp: load winhvplatform.dll",
			"winhvplatform.dll not found",
			"Windows Hypervisor Platform feature not enabled")
	}

	present, err := bindings.IsHypervisorPresent()
	if err != nil {
		return nil, wrapHRESULT("whp: get capability", err)
	}
	if !present {
		return nil, hv.ProbeError("whp: probe",
			"hypervisor not present",
			"virtualization disabled in firmware, or Hyper-V hypervisor not running")
	}

	return &backend{}, nil
}

func (b *backend) Name() string { return "whp" }

func (b *backend) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (b *backend) PageSize() uint64 { return pageSize }

// CreateVM creates and sets up a partition. WHP fixes the processor
// count before setup, so the configured maximum binds here.
func (b *backend) CreateVM(cfg hv.Config) (hv.BackendVM, error) {
	partition, err := bindings.CreatePartition()
	if err != nil {
		return nil, wrapHRESULT("whp: create partition", err)
	}

	if err := bindings.SetPartitionPropertyUnsafe(partition,
		bindings.PartitionPropertyCodeProcessorCount, uint32(cfg.MaxVCPUs)); err != nil {
		bindings.DeletePartition(partition)
		return nil, wrapHRESULT("whp: set processor count", err)
	}

	if err := bindings.SetupPartition(partition); err != nil {
		bindings.DeletePartition(partition)
		return nil, wrapHRESULT("whp: setup partition", err)
	}

	return &virtualMachine{
		partition: partition,
		mappings:  make(map[uint64]*mapping),
	}, nil
}

func (b *backend) Close() error { return nil }

type mapping struct {
	size uint64
	base uintptr
}

type virtualMachine struct {
	partition bindings.PartitionHandle
	mappings  map[uint64]*mapping
}

var _ hv.BackendVM = &virtualMachine{}

func mapFlags(prot hv.Protection) bindings.MapGPARangeFlags {
	var flags bindings.MapGPARangeFlags
	if prot&hv.ProtRead != 0 {
		flags |= bindings.MapGPARangeFlagRead
	}
	if prot&hv.ProtWrite != 0 {
		flags |= bindings.MapGPARangeFlagWrite
	}
	if prot&hv.ProtExec != 0 {
		flags |= bindings.MapGPARangeFlagExecute
	}
	return flags
}

func (v *virtualMachine) MapRegion(gpa, size uint64, prot hv.Protection) ([]byte, error) {
	base, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, hv.WrapError(hv.KindResourceExhausted, "whp: allocate region backing", 0, err)
	}

	if err := bindings.MapGPARange(v.partition, unsafe.Pointer(base),
		bindings.GuestPhysicalAddress(gpa), size, mapFlags(prot)); err != nil {
		windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return nil, wrapHRESULT("whp: map gpa range", err)
	}

	v.mappings[gpa] = &mapping{size: size, base: base}

	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size), nil
}

func (v *virtualMachine) UnmapRegion(gpa, size uint64) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "whp: unmap gpa range",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if err := bindings.UnmapGPARange(v.partition, bindings.GuestPhysicalAddress(gpa), size); err != nil {
		return wrapHRESULT("whp: unmap gpa range", err)
	}

	delete(v.mappings, gpa)

	if err := windows.VirtualFree(m.base, 0, windows.MEM_RELEASE); err != nil {
		return hv.WrapError(hv.KindBackend, "whp: free region backing", 0, err)
	}

	return nil
}

// ProtectRegion remaps the range with new access flags. The host pages
// from VirtualAlloc stay put, so the guest-visible contents carry over.
func (v *virtualMachine) ProtectRegion(gpa, size uint64, prot hv.Protection) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "whp: protect gpa range",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if err := bindings.UnmapGPARange(v.partition, bindings.GuestPhysicalAddress(gpa), size); err != nil {
		return wrapHRESULT("whp: protect gpa range", err)
	}

	if err := bindings.MapGPARange(v.partition, unsafe.Pointer(m.base),
		bindings.GuestPhysicalAddress(gpa), size, mapFlags(prot)); err != nil {
		return wrapHRESULT("whp: protect gpa range", err)
	}

	return nil
}

func (v *virtualMachine) CreateVCPU(id int) (hv.BackendVCPU, error) {
	if err := bindings.CreateVirtualProcessor(v.partition, uint32(id), 0); err != nil {
		return nil, wrapHRESULT("whp: create virtual processor", err)
	}

	return &virtualCPU{partition: v.partition, index: uint32(id)}, nil
}

func (v *virtualMachine) Close() error {
	if err := bindings.DeletePartition(v.partition); err != nil {
		return wrapHRESULT("whp: delete partition", err)
	}
	return nil
}

type virtualCPU struct {
	partition bindings.PartitionHandle
	index     uint32
}

var _ hv.BackendVCPU = &virtualCPU{}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if ctx.Err() != nil {
		return hv.ExitCanceled{}, nil
	}

	var exitCtx bindings.RunVPExitContext
	if err := bindings.RunVirtualProcessorContext(v.partition, v.index, &exitCtx); err != nil {
		var code int64
		if hr, ok := bindings.AsHRESULT(err); ok {
			code = int64(uint32(hr))
		}
		return hv.ExitInternalError{
			Code:    code,
			Message: fmt.Sprintf("WHvRunVirtualProcessor failed: %v", err),
		}, nil
	}

	switch exitCtx.ExitReason {
	case bindings.RunVPExitReasonX64Halt:
		return hv.ExitHalt{}, nil

	case bindings.RunVPExitReasonX64IoPortAccess:
		ioCtx := exitCtx.IoPortAccess()

		size := ioCtx.AccessInfo.AccessSize()
		if size == 0 || size > 8 {
			size = 1
		}
		data := make([]byte, size)

		dir := hv.AccessRead
		if ioCtx.AccessInfo.IsWrite() {
			dir = hv.AccessWrite
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], ioCtx.Rax)
			copy(data, buf[:size])
		}

		return hv.ExitIO{Port: ioCtx.Port, Direction: dir, Data: data}, nil

	case bindings.RunVPExitReasonMemoryAccess:
		memCtx := exitCtx.MemoryAccess()

		dir := hv.AccessRead
		if memCtx.AccessInfo.AccessType() == 1 {
			dir = hv.AccessWrite
		}

		// WHP does not decode the access width without the emulator
		// DLL; the instruction bytes are all the context there is.
		return hv.ExitMmio{Addr: uint64(memCtx.Gpa), Direction: dir}, nil

	case bindings.RunVPExitReasonUnrecoverableException:
		// Triple faults surface here; the closest unified meaning is a
		// guest-initiated stop.
		return hv.ExitShutdown{}, nil

	case bindings.RunVPExitReasonCanceled:
		return hv.ExitCanceled{}, nil

	case bindings.RunVPExitReasonInvalidVpRegisterValue:
		return hv.ExitInternalError{
			Code:    int64(exitCtx.ExitReason),
			Message: exitCtx.ExitReason.String(),
		}, nil

	default:
		return hv.ExitUnsupported{Reason: exitCtx.ExitReason.String()}, nil
	}
}

func (v *virtualCPU) Kick() error {
	if err := bindings.CancelRunVirtualProcessor(v.partition, v.index, 0); err != nil {
		return wrapHRESULT("whp: cancel run", err)
	}
	return nil
}

func (v *virtualCPU) Close() error {
	if err := bindings.DeleteVirtualProcessor(v.partition, v.index); err != nil {
		return wrapHRESULT("whp: delete virtual processor", err)
	}
	return nil
}
