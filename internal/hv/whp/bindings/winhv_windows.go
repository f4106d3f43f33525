//go:build windows

package bindings

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modWinHvPlatform = syscall.NewLazyDLL("winhvplatform.dll")

	procWHvGetCapability = modWinHvPlatform.NewProc("WHvGetCapability")

	procWHvCreatePartition      = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition       = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition      = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty = modWinHvPlatform.NewProc("WHvSetPartitionProperty")

	procWHvMapGpaRange   = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange = modWinHvPlatform.NewProc("WHvUnmapGpaRange")

	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
)

// Load forces winhvplatform.dll to resolve, reporting whether the
// Windows Hypervisor Platform feature is installed at all.
func Load() error {
	return modWinHvPlatform.Load()
}

func toHRESULT(r uintptr) HRESULT {
	return HRESULT(int32(r))
}

func callHRESULT(proc *syscall.LazyProc, args ...uintptr) (HRESULT, error) {
	r1, _, callErr := proc.Call(args...)
	if callErr != syscall.Errno(0) && r1 == 0 {
		return 0, callErr
	}
	hr := toHRESULT(r1)
	if err := hr.Err(); err != nil {
		return hr, err
	}
	return hr, nil
}

// GetCapability wraps WHvGetCapability.
func GetCapability(code CapabilityCode, buffer unsafe.Pointer, bufferSize uint32) (uint32, error) {
	var written uint32
	_, err := callHRESULT(procWHvGetCapability,
		uintptr(code),
		uintptr(buffer),
		uintptr(bufferSize),
		uintptr(unsafe.Pointer(&written)),
	)
	return written, err
}

func IsHypervisorPresent() (bool, error) {
	var present uint32 // BOOL
	written, err := GetCapability(
		CapabilityCodeHypervisorPresent,
		unsafe.Pointer(&present),
		uint32(unsafe.Sizeof(present)),
	)
	if err != nil {
		return false, fmt.Errorf("WHvGetCapability failed: %w", err)
	}
	if written < uint32(unsafe.Sizeof(present)) {
		return false, fmt.Errorf("expected at least %d bytes, got %d", unsafe.Sizeof(present), written)
	}
	return present != 0, nil
}

// CreatePartition wraps WHvCreatePartition.
func CreatePartition() (PartitionHandle, error) {
	var handle PartitionHandle
	_, err := callHRESULT(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

// SetupPartition wraps WHvSetupPartition.
func SetupPartition(partition PartitionHandle) error {
	_, err := callHRESULT(procWHvSetupPartition, uintptr(partition))
	return err
}

// DeletePartition wraps WHvDeletePartition.
func DeletePartition(partition PartitionHandle) error {
	_, err := callHRESULT(procWHvDeletePartition, uintptr(partition))
	return err
}

// SetPartitionPropertyUnsafe wraps WHvSetPartitionProperty for a
// fixed-size property value.
func SetPartitionPropertyUnsafe[T any](partition PartitionHandle, code PartitionPropertyCode, value T) error {
	size := uint32(unsafe.Sizeof(value))
	_, err := callHRESULT(procWHvSetPartitionProperty,
		uintptr(partition),
		uintptr(code),
		uintptr(unsafe.Pointer(&value)),
		uintptr(size),
	)
	return err
}

// MapGPARange wraps WHvMapGpaRange.
func MapGPARange(partition PartitionHandle, source unsafe.Pointer, guestAddress GuestPhysicalAddress, sizeInBytes uint64, flags MapGPARangeFlags) error {
	_, err := callHRESULT(procWHvMapGpaRange,
		uintptr(partition),
		uintptr(source),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
		uintptr(flags),
	)
	return err
}

// UnmapGPARange wraps WHvUnmapGpaRange.
func UnmapGPARange(partition PartitionHandle, guestAddress GuestPhysicalAddress, sizeInBytes uint64) error {
	_, err := callHRESULT(procWHvUnmapGpaRange,
		uintptr(partition),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
	)
	return err
}

// CreateVirtualProcessor wraps WHvCreateVirtualProcessor.
func CreateVirtualProcessor(partition PartitionHandle, vpIndex uint32, flags uint32) error {
	_, err := callHRESULT(procWHvCreateVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(flags),
	)
	return err
}

// DeleteVirtualProcessor wraps WHvDeleteVirtualProcessor.
func DeleteVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	_, err := callHRESULT(procWHvDeleteVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
	)
	return err
}

// RunVirtualProcessorContext wraps WHvRunVirtualProcessor.
func RunVirtualProcessorContext(partition PartitionHandle, vpIndex uint32, exitContext *RunVPExitContext) error {
	_, err := callHRESULT(procWHvRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exitContext)),
		uintptr(unsafe.Sizeof(*exitContext)),
	)
	return err
}

// CancelRunVirtualProcessor wraps WHvCancelRunVirtualProcessor.
func CancelRunVirtualProcessor(partition PartitionHandle, vpIndex uint32, flags uint32) error {
	_, err := callHRESULT(procWHvCancelRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(flags),
	)
	return err
}

// GetVirtualProcessorRegisters wraps WHvGetVirtualProcessorRegisters.
func GetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if len(names) == 0 || len(names) != len(values) {
		return fmt.Errorf("names/values length mismatch: %d vs %d", len(names), len(values))
	}
	_, err := callHRESULT(procWHvGetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(uint32(len(names))),
		uintptr(unsafe.Pointer(&values[0])),
	)
	return err
}

// SetVirtualProcessorRegisters wraps WHvSetVirtualProcessorRegisters.
func SetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if len(names) == 0 || len(names) != len(values) {
		return fmt.Errorf("names/values length mismatch: %d vs %d", len(names), len(values))
	}
	_, err := callHRESULT(procWHvSetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(uint32(len(names))),
		uintptr(unsafe.Pointer(&values[0])),
	)
	return err
}
