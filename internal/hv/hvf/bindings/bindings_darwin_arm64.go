//go:build darwin && arm64

package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	loadOnce sync.Once
	loadErr  error

	hypervisorLib uintptr
)

var (
	hv_vm_create     func(config VMConfig) Return
	hv_vm_destroy    func() Return
	hv_vm_map        func(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return
	hv_vm_unmap      func(ipa IPA, size uintptr) Return
	hv_vm_protect    func(ipa IPA, size uintptr, flags MemoryFlags) Return
	hv_vm_allocate   func(uvap *unsafe.Pointer, size uintptr, flags AllocateFlags) Return
	hv_vm_deallocate func(uva unsafe.Pointer, size uintptr) Return

	hv_vm_get_max_vcpu_count func(maxVCPUCount *uint32) Return

	hv_vm_config_create   func() VMConfig
	hv_vcpu_config_create func() VcpuConfig

	hv_vcpu_create      func(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return
	hv_vcpu_destroy     func(vcpu VCPU) Return
	hv_vcpu_get_reg     func(vcpu VCPU, reg Reg, value *uint64) Return
	hv_vcpu_set_reg     func(vcpu VCPU, reg Reg, value uint64) Return
	hv_vcpu_get_sys_reg func(vcpu VCPU, reg SysReg, value *uint64) Return
	hv_vcpu_set_sys_reg func(vcpu VCPU, reg SysReg, value uint64) Return
	hv_vcpu_run         func(vcpu VCPU) Return
	hv_vcpus_exit       func(vcpus *VCPU, vcpuCount uint32) Return
)

// Load loads Hypervisor.framework and binds the arm64 entry points the
// backend calls. Higher-level safety and ergonomics belong in
// `internal/hv/hvf`.
func Load() error {
	loadOnce.Do(func() {
		var err error
		hypervisorLib, err = purego.Dlopen(
			"/System/Library/Frameworks/Hypervisor.framework/Hypervisor",
			purego.RTLD_GLOBAL|purego.RTLD_LAZY,
		)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen Hypervisor.framework: %w", err)
			return
		}

		// VM
		purego.RegisterLibFunc(&hv_vm_create, hypervisorLib, "hv_vm_create")
		purego.RegisterLibFunc(&hv_vm_destroy, hypervisorLib, "hv_vm_destroy")
		purego.RegisterLibFunc(&hv_vm_map, hypervisorLib, "hv_vm_map")
		purego.RegisterLibFunc(&hv_vm_unmap, hypervisorLib, "hv_vm_unmap")
			purego.RegisterLibFunc(&hv_vm_protect, hypervisorLib, "hv_vm_protect")
		purego.RegisterLibFunc(&hv_vm_allocate, hypervisorLib, "hv_vm_allocate")
		purego.RegisterLibFunc(&hv_vm_deallocate, hypervisorLib, "hv_vm_deallocate")
		purego.RegisterLibFunc(&hv_vm_get_max_vcpu_count, hypervisorLib, "hv_vm_get_max_vcpu_count")

		// Config objects
		purego.RegisterLibFunc(&hv_vm_config_create, hypervisorLib, "hv_vm_config_create")
		purego.RegisterLibFunc(&hv_vcpu_config_create, hypervisorLib, "hv_vcpu_config_create")

		// vCPU
		purego.RegisterLibFunc(&hv_vcpu_create, hypervisorLib, "hv_vcpu_create")
		purego.RegisterLibFunc(&hv_vcpu_destroy, hypervisorLib, "hv_vcpu_destroy")
		purego.RegisterLibFunc(&hv_vcpu_get_reg, hypervisorLib, "hv_vcpu_get_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_reg, hypervisorLib, "hv_vcpu_set_reg")
		purego.RegisterLibFunc(&hv_vcpu_get_sys_reg, hypervisorLib, "hv_vcpu_get_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_sys_reg, hypervisorLib, "hv_vcpu_set_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_run, hypervisorLib, "hv_vcpu_run")
		purego.RegisterLibFunc(&hv_vcpus_exit, hypervisorLib, "hv_vcpus_exit")
	})

	return loadErr
}

// HvVmCreate wraps hv_vm_create.
func HvVmCreate(config VMConfig) Return {
	return hv_vm_create(config)
}

// HvVmDestroy wraps hv_vm_destroy.
func HvVmDestroy() Return {
	return hv_vm_destroy()
}

// HvVmMap wraps hv_vm_map.
func HvVmMap(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return {
	return hv_vm_map(addr, ipa, size, flags)
}

// HvVmUnmap wraps hv_vm_unmap.
func HvVmUnmap(ipa IPA, size uintptr) Return {
	return hv_vm_unmap(ipa, size)
}

// HvVmProtect wraps hv_vm_protect.
func HvVmProtect(ipa IPA, size uintptr, flags MemoryFlags) Return {
	return hv_vm_protect(ipa, size, flags)
}

// HvVmAllocate wraps hv_vm_allocate.
func HvVmAllocate(uvap *unsafe.Pointer, size uintptr, flags AllocateFlags) Return {
	return hv_vm_allocate(uvap, size, flags)
}

// HvVmDeallocate wraps hv_vm_deallocate.
func HvVmDeallocate(uva unsafe.Pointer, size uintptr) Return {
	return hv_vm_deallocate(uva, size)
}

// HvVmGetMaxVcpuCount wraps hv_vm_get_max_vcpu_count.
func HvVmGetMaxVcpuCount(maxVCPUCount *uint32) Return {
	return hv_vm_get_max_vcpu_count(maxVCPUCount)
}

// HvVmConfigCreate wraps hv_vm_config_create.
func HvVmConfigCreate() VMConfig {
	return hv_vm_config_create()
}

// HvVcpuConfigCreate wraps hv_vcpu_config_create.
func HvVcpuConfigCreate() VcpuConfig {
	return hv_vcpu_config_create()
}

// HvVcpuCreate wraps hv_vcpu_create. The vCPU is bound to the calling
// thread; all later calls except hv_vcpus_exit must come from it.
func HvVcpuCreate(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return {
	return hv_vcpu_create(vcpu, exit, config)
}

// HvVcpuDestroy wraps hv_vcpu_destroy.
func HvVcpuDestroy(vcpu VCPU) Return {
	return hv_vcpu_destroy(vcpu)
}

// HvVcpuGetReg wraps hv_vcpu_get_reg.
func HvVcpuGetReg(vcpu VCPU, reg Reg, value *uint64) Return {
	return hv_vcpu_get_reg(vcpu, reg, value)
}

// HvVcpuSetReg wraps hv_vcpu_set_reg.
func HvVcpuSetReg(vcpu VCPU, reg Reg, value uint64) Return {
	return hv_vcpu_set_reg(vcpu, reg, value)
}

// HvVcpuGetSysReg wraps hv_vcpu_get_sys_reg.
func HvVcpuGetSysReg(vcpu VCPU, reg SysReg, value *uint64) Return {
	return hv_vcpu_get_sys_reg(vcpu, reg, value)
}

// HvVcpuSetSysReg wraps hv_vcpu_set_sys_reg.
func HvVcpuSetSysReg(vcpu VCPU, reg SysReg, value uint64) Return {
	return hv_vcpu_set_sys_reg(vcpu, reg, value)
}

// HvVcpuRun wraps hv_vcpu_run.
func HvVcpuRun(vcpu VCPU) Return {
	return hv_vcpu_run(vcpu)
}

// HvVcpusExit wraps hv_vcpus_exit. Unlike the rest of the vCPU API this
// may be called from any thread.
func HvVcpusExit(vcpus *VCPU, vcpuCount uint32) Return {
	return hv_vcpus_exit(vcpus, vcpuCount)
}
