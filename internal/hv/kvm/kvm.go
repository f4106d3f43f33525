//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/highrise-vm/highrise/internal/hv"
	"golang.org/x/sys/unix"
)

const pageSize = 0x1000

// wrapErrno folds a KVM errno into the unified taxonomy, keeping the raw
// value for troubleshooting.
func wrapErrno(op string, err error) *hv.Error {
	kind := hv.KindBackend
	var code int64

	var errno unix.Errno
	if errors.As(err, &errno) {
		code = int64(errno)
		switch errno {
		case unix.EPERM, unix.EACCES:
			kind = hv.KindPermissionDenied
		case unix.EINVAL, unix.EEXIST, unix.ENXIO, unix.EFAULT:
			kind = hv.KindInvalidArgument
		case unix.ENOMEM, unix.ENOSPC, unix.EMFILE, unix.ENFILE:
			kind = hv.KindResourceExhausted
		case unix.ENOSYS, unix.ENOTTY, unix.ENODEV:
			kind = hv.KindUnsupported
		}
	}

	return hv.WrapError(kind, op, code, err)
}

type backend struct {
	fd int
}

var _ hv.Backend = &backend{}

// Open probes /dev/kvm and validates the stable KVM API version. Failures
// carry the concrete missing prerequisite so a caller can tell a missing
// kernel module from a permissions problem.
func Open() (hv.Backend, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT):
			return nil, hv.ProbeError("kvm: open /dev/kvm",
				"/dev/kvm does not exist",
				"kvm kernel module not loaded, or virtualization disabled in firmware")
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return nil, hv.WrapError(hv.KindPermissionDenied, "kvm: open /dev/kvm", 0,
				fmt.Errorf("no access to /dev/kvm (missing kvm group membership?): %w", err))
		default:
			return nil, wrapErrno("kvm: open /dev/kvm", err)
		}
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, wrapErrno("kvm: get api version", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, hv.Errorf(hv.KindUnsupported, "kvm",
			"unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &backend{fd: fd}, nil
}

func (b *backend) Name() string { return "kvm" }

func (b *backend) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (b *backend) PageSize() uint64 { return pageSize }

func (b *backend) CreateVM(cfg hv.Config) (hv.BackendVM, error) {
	vmFd, err := createVm(b.fd)
	if err != nil {
		return nil, wrapErrno("kvm: create vm", err)
	}

	mmapSize, err := getVcpuMmapSize(b.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, wrapErrno("kvm: get vcpu mmap size", err)
	}

	maxSlots := 32
	if n, err := checkExtension(b.fd, kvmCapNrMemslots); err == nil && n > 0 {
		maxSlots = n
	}

	return &virtualMachine{
		fd:       vmFd,
		mmapSize: mmapSize,
		maxSlots: uint32(maxSlots),
		mappings: make(map[uint64]*mapping),
	}, nil
}

func (b *backend) Close() error {
	if err := unix.Close(b.fd); err != nil {
		return wrapErrno("kvm: close", err)
	}
	return nil
}

type mapping struct {
	slot uint32
	size uint64
	mem  []byte
}

type virtualMachine struct {
	fd       int
	mmapSize int
	maxSlots uint32

	nextSlot  uint32
	freeSlots []uint32
	mappings  map[uint64]*mapping
}

var _ hv.BackendVM = &virtualMachine{}

func (v *virtualMachine) allocSlot() (uint32, error) {
	if n := len(v.freeSlots); n > 0 {
		slot := v.freeSlots[n-1]
		v.freeSlots = v.freeSlots[:n-1]
		return slot, nil
	}
	if v.nextSlot >= v.maxSlots {
		return 0, hv.Errorf(hv.KindResourceExhausted, "kvm: map region",
			"all %d memory slots in use", v.maxSlots)
	}
	slot := v.nextSlot
	v.nextSlot++
	return slot, nil
}

func (v *virtualMachine) MapRegion(gpa, size uint64, prot hv.Protection) ([]byte, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, wrapErrno("kvm: mmap region backing", err)
	}

	slot, err := v.allocSlot()
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	// KVM only distinguishes writable from read-only slots; execute
	// permission is implied by the mapping.
	var flags uint32
	if prot&hv.ProtWrite == 0 {
		flags |= kvmMemReadonly
	}

	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		v.freeSlots = append(v.freeSlots, slot)
		unix.Munmap(mem)
		return nil, wrapErrno("kvm: set user memory region", err)
	}

	v.mappings[gpa] = &mapping{slot: slot, size: size, mem: mem}

	return mem, nil
}

func (v *virtualMachine) UnmapRegion(gpa, size uint64) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "kvm: unmap region",
			"no mapping at %#x of size %#x", gpa, size)
	}

	// A zero memory_size deletes the slot.
	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          m.slot,
		GuestPhysAddr: gpa,
	}); err != nil {
		return wrapErrno("kvm: delete user memory region", err)
	}

	delete(v.mappings, gpa)
	v.freeSlots = append(v.freeSlots, m.slot)

	if err := unix.Munmap(m.mem); err != nil {
		return wrapErrno("kvm: munmap region backing", err)
	}

	return nil
}

// ProtectRegion re-creates the memory slot with the new flags. KVM does
// not allow changing the read-only flag of a live slot, but the backing
// pages stay mapped in the host, so the contents survive.
func (v *virtualMachine) ProtectRegion(gpa, size uint64, prot hv.Protection) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "kvm: protect region",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          m.slot,
		GuestPhysAddr: gpa,
	}); err != nil {
		return wrapErrno("kvm: delete user memory region", err)
	}

	var flags uint32
	if prot&hv.ProtWrite == 0 {
		flags |= kvmMemReadonly
	}

	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          m.slot,
		Flags:         flags,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	}); err != nil {
		return wrapErrno("kvm: set user memory region", err)
	}

	return nil
}

func (v *virtualMachine) CreateVCPU(id int) (hv.BackendVCPU, error) {
	fd, err := createVCPU(v.fd, id)
	if err != nil {
		return nil, wrapErrno("kvm: create vcpu", err)
	}

	run, err := unix.Mmap(
		fd,
		0,
		v.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(fd)
		return nil, wrapErrno("kvm: mmap kvm_run", err)
	}

	// Called on the OS-locked service thread, which stays the vCPU's
	// thread for its whole life; tgkill targets it directly.
	return &virtualCPU{
		id:  id,
		fd:  fd,
		run: run,
		tid: unix.Gettid(),
	}, nil
}

func (v *virtualMachine) Close() error {
	if err := unix.Close(v.fd); err != nil {
		return wrapErrno("kvm: close vm", err)
	}
	return nil
}

type virtualCPU struct {
	id  int
	fd  int
	run []byte
	tid int

	kicked atomic.Bool
}

var _ hv.BackendVCPU = &virtualCPU{}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))
	run.immediate_exit = 0

	if v.kicked.Swap(false) || ctx.Err() != nil {
		return hv.ExitCanceled{}, nil
	}

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if v.kicked.Swap(false) || ctx.Err() != nil {
				run.immediate_exit = 0
				return hv.ExitCanceled{}, nil
			}

			continue
		} else if err != nil {
			var code int64
			var errno unix.Errno
			if errors.As(err, &errno) {
				code = int64(errno)
			}
			return hv.ExitInternalError{
				Code:    code,
				Message: fmt.Sprintf("KVM_RUN failed: %v", err),
			}, nil
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitHlt:
		return hv.ExitHalt{}, nil

	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

		dir := hv.AccessRead
		if ioData.direction == 1 {
			dir = hv.AccessWrite
		}

		// data aliases the shared run page: writes land in the slice a
		// caller fills before resuming.
		return hv.ExitIO{Port: ioData.port, Direction: dir, Data: data}, nil

	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		dir := hv.AccessRead
		if mmioData.isWrite != 0 {
			dir = hv.AccessWrite
		}

		return hv.ExitMmio{
			Addr:      mmioData.physAddr,
			Direction: dir,
			Data:      mmioData.data[:mmioData.len],
		}, nil

	case kvmExitShutdown:
		return hv.ExitShutdown{}, nil

	case kvmExitSystemEvent:
		event := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if event.typ == kvmSystemEventShutdown {
			return hv.ExitShutdown{}, nil
		}
		return hv.ExitUnsupported{
			Reason: fmt.Sprintf("KVM_EXIT_SYSTEM_EVENT type %d", event.typ),
		}, nil

	case kvmExitIntr:
		return hv.ExitCanceled{}, nil

	case kvmExitFailEntry:
		return hv.ExitInternalError{Message: reason.String()}, nil

	case kvmExitInternalError:
		ie := (*kvmInternalError)(unsafe.Pointer(&run.anon0[0]))
		return hv.ExitInternalError{
			Code:    int64(ie.suberror),
			Message: fmt.Sprintf("%s suberror %d", reason, ie.suberror),
		}, nil

	default:
		return hv.ExitUnsupported{Reason: reason.String()}, nil
	}
}

// Kick flags the run page for immediate exit, then interrupts the vCPU
// thread so a guest already executing leaves the kernel with EINTR. The
// runtime's SIGUSR1 handler makes the signal otherwise a no-op.
func (v *virtualCPU) Kick() error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))
	run.immediate_exit = 1
	v.kicked.Store(true)

	if err := unix.Tgkill(unix.Getpid(), v.tid, unix.SIGUSR1); err != nil {
		return wrapErrno("kvm: kick vcpu", err)
	}

	return nil
}

func (v *virtualCPU) Close() error {
	if err := unix.Munmap(v.run); err != nil {
		return wrapErrno("kvm: munmap kvm_run", err)
	}
	if err := unix.Close(v.fd); err != nil {
		return wrapErrno("kvm: close vcpu", err)
	}
	return nil
}
