//go:build freebsd && amd64

package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func allocMemseg(fd int, seg *vmMemseg) error {
	_, err := ioctlWithRetry(uintptr(fd), vmAllocMemsegIoctl, uintptr(unsafe.Pointer(seg)))
	return err
}

func mmapMemseg(fd int, m *vmMemmap) error {
	_, err := ioctlWithRetry(uintptr(fd), vmMmapMemsegIoctl, uintptr(unsafe.Pointer(m)))
	return err
}

func munmapMemseg(fd int, m *vmMunmap) error {
	_, err := ioctlWithRetry(uintptr(fd), vmMunmapMemsegIoctl, uintptr(unsafe.Pointer(m)))
	return err
}

// runVcpu issues VM_RUN without the EINTR retry: the caller decides
// whether an interruption was a kick.
func runVcpu(fd int, arg *vmRunArg) error {
	_, err := ioctl(uintptr(fd), vmRunIoctl, uintptr(unsafe.Pointer(arg)))
	return err
}

func getRegister(fd int, cpuid int32, regnum int32) (uint64, error) {
	reg := vmRegister{CPUID: cpuid, Regnum: regnum}
	if _, err := ioctlWithRetry(uintptr(fd), vmGetRegisterIoctl, uintptr(unsafe.Pointer(&reg))); err != nil {
		return 0, err
	}
	return reg.Regval, nil
}

func setRegister(fd int, cpuid int32, regnum int32, val uint64) error {
	reg := vmRegister{CPUID: cpuid, Regnum: regnum, Regval: val}
	_, err := ioctlWithRetry(uintptr(fd), vmSetRegisterIoctl, uintptr(unsafe.Pointer(&reg)))
	return err
}

func getSegDesc(fd int, cpuid int32, regnum int32) (vmSegDescriptor, error) {
	arg := vmSegDesc{CPUID: cpuid, Regnum: regnum}
	if _, err := ioctlWithRetry(uintptr(fd), vmGetSegDescIoctl, uintptr(unsafe.Pointer(&arg))); err != nil {
		return vmSegDescriptor{}, err
	}
	return arg.Desc, nil
}

func setSegDesc(fd int, cpuid int32, regnum int32, desc vmSegDescriptor) error {
	arg := vmSegDesc{CPUID: cpuid, Regnum: regnum, Desc: desc}
	_, err := ioctlWithRetry(uintptr(fd), vmSetSegDescIoctl, uintptr(unsafe.Pointer(&arg)))
	return err
}

func activateCpu(fd int, cpuid int32) error {
	arg := vmActivateCpu{Vcpuid: cpuid}
	_, err := ioctlWithRetry(uintptr(fd), vmActivateCpuIoctl, uintptr(unsafe.Pointer(&arg)))
	return err
}

// nametomib resolves a sysctl name through sysctl.name2oid (mib {0,3}),
// which x/sys/unix does not expose for writable sysctls.
func nametomib(name string) ([]int32, error) {
	oid := [2]int32{0, 3}
	buf := make([]int32, unix.CTL_MAXNAME)
	n := uintptr(len(buf)) * unsafe.Sizeof(buf[0])
	namep := []byte(name)

	_, _, errno := unix.Syscall6(unix.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&oid[0])), uintptr(len(oid)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&n)),
		uintptr(unsafe.Pointer(&namep[0])), uintptr(len(namep)))
	if errno != 0 {
		return nil, errno
	}

	return buf[:n/unsafe.Sizeof(buf[0])], nil
}

// sysctlSetString writes value to a string sysctl, the interface
// vmm.ko exposes for hw.vmm.create and hw.vmm.destroy.
func sysctlSetString(name, value string) error {
	mib, err := nametomib(name)
	if err != nil {
		return err
	}

	buf := []byte(value)
	_, _, errno := unix.Syscall6(unix.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&mib[0])), uintptr(len(mib)),
		0, 0,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if errno != 0 {
		return errno
	}

	return nil
}

// threadID returns the kernel thread id of the calling thread.
func threadID() int64 {
	var tid int64
	unix.Syscall(unix.SYS_THR_SELF, uintptr(unsafe.Pointer(&tid)), 0, 0)
	return tid
}

// threadKill delivers sig to the thread identified by tid.
func threadKill(tid int64, sig unix.Signal) error {
	_, _, errno := unix.Syscall(unix.SYS_THR_KILL, uintptr(tid), uintptr(sig), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
