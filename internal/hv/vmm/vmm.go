//go:build freebsd && amd64

// Package vmm adapts FreeBSD's vmm(4) to the common backend surface.
// VMs are created through the hw.vmm.create sysctl and driven through
// ioctls on /dev/vmm/<name>; guest memory segments become visible to
// the host by mmapping the device at the guest-physical offset.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/highrise-vm/highrise/internal/hv"
	"golang.org/x/sys/unix"
)

const pageSize = 0x1000

// wrapErrno folds a vmm errno into the unified taxonomy, keeping the
// raw value for troubleshooting.
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

type backend struct{}

var _ hv.Backend = &backend{}

// Open probes for vmm.ko by resolving the hw.vmm.create sysctl. A
// missing node means the module is not loaded; actual device access is
// checked when a VM is created.
func Open() (hv.Backend, error) {
	if _, err := nametomib("hw.vmm.create"); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, hv.ProbeError("vmm: probe",
				"hw.vmm.create sysctl does not exist",
				"vmm kernel module not loaded (kldload vmm), or CPU lacks virtualization support")
		}
		return nil, wrapErrno("vmm: probe", err)
	}

	return &backend{}, nil
}

func (b *backend) Name() string { return "vmm" }

func (b *backend) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (b *backend) PageSize() uint64 { return pageSize }

func (b *backend) CreateVM(cfg hv.Config) (hv.BackendVM, error) {
	if err := sysctlSetString("hw.vmm.create", cfg.Name); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, hv.Errorf(hv.KindInvalidArgument, "vmm: create vm",
				"vm %q already exists", cfg.Name)
		}
		return nil, wrapErrno("vmm: create vm", err)
	}

	fd, err := unix.Open("/dev/vmm/"+cfg.Name, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		if derr := sysctlSetString("hw.vmm.destroy", cfg.Name); derr != nil {
			slog.Warn("leaked vmm vm after failed device open",
				"vm", cfg.Name, "error", derr)
		}
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, hv.WrapError(hv.KindPermissionDenied, "vmm: open vm device", 0,
				fmt.Errorf("no access to /dev/vmm/%s: %w", cfg.Name, err))
		}
		return nil, wrapErrno("vmm: open vm device", err)
	}

	return &virtualMachine{
		name:     cfg.Name,
		fd:       fd,
		mappings: make(map[uint64]*mapping),
	}, nil
}

func (b *backend) Close() error { return nil }

type mapping struct {
	segid int32
	size  uint64
	mem   []byte
}

type virtualMachine struct {
	name string
	fd   int

	nextSegid int32
	mappings  map[uint64]*mapping
}

var _ hv.BackendVM = &virtualMachine{}

func vmProt(prot hv.Protection) int32 {
	var p int32
	if prot&hv.ProtRead != 0 {
		p |= vmProtRead
	}
	if prot&hv.ProtWrite != 0 {
		p |= vmProtWrite
	}
	if prot&hv.ProtExec != 0 {
		p |= vmProtExecute
	}
	return p
}

func (v *virtualMachine) MapRegion(gpa, size uint64, prot hv.Protection) ([]byte, error) {
	segid := v.nextSegid
	v.nextSegid++

	if err := allocMemseg(v.fd, &vmMemseg{Segid: segid, Len: size}); err != nil {
		v.nextSegid--
		return nil, wrapErrno("vmm: alloc memseg", err)
	}

	if err := mmapMemseg(v.fd, &vmMemmap{
		Gpa:   gpa,
		Segid: segid,
		Len:   size,
		Prot:  vmProt(prot),
	}); err != nil {
		return nil, wrapErrno("vmm: map memseg", err)
	}

	// The device exposes mapped guest memory at the gpa offset.
	mem, err := unix.Mmap(v.fd, int64(gpa), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		munmapMemseg(v.fd, &vmMunmap{Gpa: gpa, Len: size})
		return nil, wrapErrno("vmm: mmap guest memory", err)
	}

	v.mappings[gpa] = &mapping{segid: segid, size: size, mem: mem}

	return mem, nil
}

func (v *virtualMachine) UnmapRegion(gpa, size uint64) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "vmm: unmap region",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if err := munmapMemseg(v.fd, &vmMunmap{Gpa: gpa, Len: size}); err != nil {
		return wrapErrno("vmm: unmap memseg", err)
	}

	delete(v.mappings, gpa)

	if err := unix.Munmap(m.mem); err != nil {
		return wrapErrno("vmm: munmap guest memory", err)
	}

	return nil
}

// ProtectRegion replaces the gpa mapping of the memseg with one
// carrying the new protection. The memseg object itself is untouched,
// so its contents and the host view both survive.
func (v *virtualMachine) ProtectRegion(gpa, size uint64, prot hv.Protection) error {
	m, ok := v.mappings[gpa]
	if !ok || m.size != size {
		return hv.Errorf(hv.KindInvalidArgument, "vmm: protect region",
			"no mapping at %#x of size %#x", gpa, size)
	}

	if err := munmapMemseg(v.fd, &vmMunmap{Gpa: gpa, Len: size}); err != nil {
		return wrapErrno("vmm: protect region", err)
	}

	if err := mmapMemseg(v.fd, &vmMemmap{
		Gpa:   gpa,
		Segid: m.segid,
		Len:   size,
		Prot:  vmProt(prot),
	}); err != nil {
		return wrapErrno("vmm: protect region", err)
	}

	return nil
}

func (v *virtualMachine) CreateVCPU(id int) (hv.BackendVCPU, error) {
	if err := activateCpu(v.fd, int32(id)); err != nil {
		return nil, wrapErrno("vmm: activate vcpu", err)
	}

	// Called on the OS-locked service thread, which stays the vCPU's
	// thread for its whole life; thr_kill targets it directly.
	return &virtualCPU{
		fd:    v.fd,
		cpuid: int32(id),
		tid:   threadID(),
	}, nil
}

func (v *virtualMachine) Close() error {
	if err := unix.Close(v.fd); err != nil {
		return wrapErrno("vmm: close vm device", err)
	}
	if err := sysctlSetString("hw.vmm.destroy", v.name); err != nil {
		return wrapErrno("vmm: destroy vm", err)
	}
	return nil
}

type virtualCPU struct {
	fd    int
	cpuid int32
	tid   int64

	kicked atomic.Bool
}

var _ hv.BackendVCPU = &virtualCPU{}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if v.kicked.Swap(false) || ctx.Err() != nil {
		return hv.ExitCanceled{}, nil
	}

	arg := vmRunArg{CPUID: v.cpuid}

	for {
		err := runVcpu(v.fd, &arg)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if v.kicked.Swap(false) || ctx.Err() != nil {
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
				Message: fmt.Sprintf("VM_RUN failed: %v", err),
			}, nil
		}

		exit := &arg.Exit

		switch exit.Exitcode {
		case vmExitcodeBogus:
			// Spurious exit; run again.
			continue

		case vmExitcodeHlt:
			return hv.ExitHalt{}, nil

		case vmExitcodeInout:
			inout := exit.Inout()

			size := inout.Bytes()
			if size == 0 || size > 4 {
				size = 1
			}
			data := make([]byte, size)

			dir := hv.AccessWrite
			if inout.In() {
				dir = hv.AccessRead
			} else {
				eax := inout.Eax
				for i := 0; i < size; i++ {
					data[i] = byte(eax >> (8 * i))
				}
			}

			return hv.ExitIO{Port: inout.Port, Direction: dir, Data: data}, nil

		case vmExitcodePaging:
			paging := exit.Paging()

			dir := hv.AccessRead
			if paging.FaultType&vmProtWrite != 0 {
				dir = hv.AccessWrite
			}

			return hv.ExitMmio{Addr: paging.Gpa, Direction: dir}, nil

		case vmExitcodeInstEmul:
			// vmm leaves instruction emulation to userspace; without
			// running the decoder only the faulting address is known.
			return hv.ExitMmio{Addr: exit.InstEmulGpa(), Direction: hv.AccessRead}, nil

		case vmExitcodeSuspended:
			return hv.ExitShutdown{}, nil

		default:
			return hv.ExitUnsupported{Reason: exit.Exitcode.String()}, nil
		}
	}
}

// Kick interrupts the vCPU thread so an in-flight VM_RUN returns with
// EINTR; the runtime's SIGUSR1 handler makes the signal otherwise a
// no-op. A single signal is not enough: one landing between the run
// loop's flag check and ioctl entry is consumed in userspace, and a
// spinning guest would then never exit. The signal is re-delivered
// until the run loop (or the next Run's admission check) clears the
// flag.
func (v *virtualCPU) Kick() error {
	v.kicked.Store(true)

	if err := threadKill(v.tid, unix.SIGUSR1); err != nil {
		return wrapErrno("vmm: kick vcpu", err)
	}

	go func() {
		for v.kicked.Load() {
			time.Sleep(50 * time.Microsecond)
			if v.kicked.Load() {
				// ESRCH after the thread exits ends the vCPU anyway.
				threadKill(v.tid, unix.SIGUSR1)
			}
		}
	}()

	return nil
}

func (v *virtualCPU) Close() error {
	// No per-CPU kernel handle to release; clearing the flag stops any
	// re-delivery loop left over from an unconsumed kick.
	v.kicked.Store(false)
	return nil
}
