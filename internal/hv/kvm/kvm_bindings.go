//go:build linux && amd64

package kvm

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

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVm        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func checkExtension(fd int, cap uint64) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), uint64(kvmCheckExtension), uintptr(cap))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func getRegisters(fd int) (*kvmRegs, error) {
	regs := &kvmRegs{}
	if _, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(regs))); err != nil {
		return nil, err
	}
	return regs, nil
}

func setRegisters(fd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getMsr(fd int, index uint32) (uint64, error) {
	msrs := &kvmMsrs{Nmsrs: 1, Entry: kvmMsrEntry{Index: index}}
	if _, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetMsrs), uintptr(unsafe.Pointer(msrs))); err != nil {
		return 0, err
	}
	return msrs.Entry.Data, nil
}

func setMsr(fd int, index uint32, value uint64) error {
	msrs := &kvmMsrs{Nmsrs: 1, Entry: kvmMsrEntry{Index: index, Data: value}}
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetMsrs), uintptr(unsafe.Pointer(msrs)))
	return err
}

func getSRegs(fd int) (*kvmSRegs, error) {
	sregs := &kvmSRegs{}
	if _, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(sregs))); err != nil {
		return nil, err
	}
	return sregs, nil
}

func setSRegs(fd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}
