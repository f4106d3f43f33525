package hv

import (
	"io"
	"sync"
)

type VMState int

const (
	VMStateCreated VMState = iota
	VMStateConfigured
	VMStateRunning
	VMStateDestroyed
)

func (s VMState) String() string {
	switch s {
	case VMStateCreated:
		return "created"
	case VMStateConfigured:
		return "configured"
	case VMStateRunning:
		return "running"
	case VMStateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// RegionHandle is the stable identifier of one mapped memory region.
// Handles are never reused within a VM, so a stale handle is detected
// rather than silently aliasing a newer region.
type RegionHandle uint64

type region struct {
	gpa  uint64
	size uint64
	prot Protection
	mem  []byte
}

// VirtualMachine owns a backend VM object, a set of memory regions, and a
// set of vCPUs. All lifecycle ordering and region bookkeeping is enforced
// here, once, above the backends.
type VirtualMachine struct {
	hv       *Hypervisor
	backend  BackendVM
	cfg      Config
	pageSize uint64

	mu         sync.Mutex
	state      VMState
	regions    map[RegionHandle]*region
	nextRegion RegionHandle
	vcpus      map[int]*VirtualCpu
	nextVCPU   int
	running    int // vCPUs currently in guest execution
}

var (
	_ io.ReaderAt = &VirtualMachine{}
	_ io.WriterAt = &VirtualMachine{}
)

func (vm *VirtualMachine) Name() string { return vm.cfg.Name }

func (vm *VirtualMachine) State() VMState {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.state
}

// AddRegion allocates host backing for size bytes, maps it into the guest
// at gpa with the given protection, and returns a handle for later
// removal. Base and length must be multiples of the backend page size and
// the range must not overlap any existing region.
func (vm *VirtualMachine) AddRegion(gpa, size uint64, prot Protection) (RegionHandle, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state == VMStateDestroyed {
		return 0, Errorf(KindInvalidState, "add region", "vm is destroyed")
	}
	if vm.running > 0 {
		return 0, Errorf(KindInvalidState, "add region", "%d vcpu(s) running", vm.running)
	}
	if size == 0 {
		return 0, Errorf(KindInvalidArgument, "add region", "zero-length region")
	}
	if gpa%vm.pageSize != 0 || size%vm.pageSize != 0 {
		return 0, Errorf(KindInvalidArgument, "add region",
			"base %#x / length %#x not aligned to page size %#x", gpa, size, vm.pageSize)
	}
	if gpa+size < gpa {
		return 0, Errorf(KindInvalidArgument, "add region", "region [%#x, %#x+%#x) wraps the address space", gpa, gpa, size)
	}
	for _, r := range vm.regions {
		if gpa < r.gpa+r.size && r.gpa < gpa+size {
			return 0, Errorf(KindInvalidArgument, "add region",
				"[%#x, %#x) overlaps existing region [%#x, %#x)", gpa, gpa+size, r.gpa, r.gpa+r.size)
		}
	}

	mem, err := vm.backend.MapRegion(gpa, size, prot)
	if err != nil {
		return 0, err
	}

	vm.nextRegion++
	h := vm.nextRegion
	vm.regions[h] = &region{gpa: gpa, size: size, prot: prot, mem: mem}
	if vm.state == VMStateCreated {
		vm.state = VMStateConfigured
	}

	return h, nil
}

// RemoveRegion unmaps a region. It is not idempotent: an unknown or
// already-removed handle fails with KindInvalidArgument.
func (vm *VirtualMachine) RemoveRegion(h RegionHandle) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state == VMStateDestroyed {
		return Errorf(KindInvalidState, "remove region", "vm is destroyed")
	}
	if vm.running > 0 {
		return Errorf(KindInvalidState, "remove region", "%d vcpu(s) running", vm.running)
	}

	r, ok := vm.regions[h]
	if !ok {
		return Errorf(KindInvalidArgument, "remove region", "unknown region handle %d", h)
	}

	if err := vm.backend.UnmapRegion(r.gpa, r.size); err != nil {
		return err
	}
	delete(vm.regions, h)
	if len(vm.regions) == 0 && vm.state == VMStateConfigured {
		vm.state = VMStateCreated
	}

	return nil
}

// ProtectRegion changes the protection of a mapped region in place. The
// backing contents survive, unlike a remove-and-re-add round trip.
func (vm *VirtualMachine) ProtectRegion(h RegionHandle, prot Protection) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state == VMStateDestroyed {
		return Errorf(KindInvalidState, "protect region", "vm is destroyed")
	}
	if vm.running > 0 {
		return Errorf(KindInvalidState, "protect region", "%d vcpu(s) running", vm.running)
	}

	r, ok := vm.regions[h]
	if !ok {
		return Errorf(KindInvalidArgument, "protect region", "unknown region handle %d", h)
	}

	if err := vm.backend.ProtectRegion(r.gpa, r.size, prot); err != nil {
		return err
	}
	r.prot = prot

	return nil
}

// RegionBytes is the host view of a mapped region, valid until the region
// is removed.
func (vm *VirtualMachine) RegionBytes(h RegionHandle) ([]byte, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r, ok := vm.regions[h]
	if !ok {
		return nil, Errorf(KindInvalidArgument, "region bytes", "unknown region handle %d", h)
	}

	return r.mem, nil
}

// ReadAt copies guest memory starting at guest-physical address off. A
// read that touches an unmapped address returns the bytes copied so far
// and a KindInvalidArgument error.
func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return vm.copyAt(p, off, false)
}

// WriteAt copies p into guest memory starting at guest-physical address
// off, with the same partial-transfer behavior as ReadAt.
func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	return vm.copyAt(p, off, true)
}

func (vm *VirtualMachine) copyAt(p []byte, off int64, write bool) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if off < 0 {
		return 0, Errorf(KindInvalidArgument, "guest memory", "negative address %d", off)
	}

	gpa := uint64(off)
	n := 0
	for n < len(p) {
		r := vm.regionAt(gpa)
		if r == nil {
			return n, Errorf(KindInvalidArgument, "guest memory", "address %#x is not mapped", gpa)
		}
		chunk := r.mem[gpa-r.gpa:]
		var copied int
		if write {
			copied = copy(chunk, p[n:])
		} else {
			copied = copy(p[n:], chunk)
		}
		n += copied
		gpa += uint64(copied)
	}

	return n, nil
}

func (vm *VirtualMachine) regionAt(gpa uint64) *region {
	for _, r := range vm.regions {
		if gpa >= r.gpa && gpa < r.gpa+r.size {
			return r
		}
	}
	return nil
}

// NewVirtualCpu creates the next vCPU. The VM must have at least one
// mapped region; the configured MaxVCPUs bound is enforced here because
// some backends (WHP) fix the processor count at partition setup.
func (vm *VirtualMachine) NewVirtualCpu() (*VirtualCpu, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	switch vm.state {
	case VMStateConfigured, VMStateRunning:
	case VMStateDestroyed:
		return nil, Errorf(KindInvalidState, "create vcpu", "vm is destroyed")
	default:
		return nil, Errorf(KindInvalidState, "create vcpu", "vm has no mapped regions")
	}
	if len(vm.vcpus) >= vm.cfg.MaxVCPUs {
		return nil, Errorf(KindResourceExhausted, "create vcpu", "vm is limited to %d vcpu(s)", vm.cfg.MaxVCPUs)
	}

	id := vm.nextVCPU

	cpu, err := newVirtualCpu(vm, id)
	if err != nil {
		return nil, err
	}

	vm.nextVCPU++
	vm.vcpus[id] = cpu

	return cpu, nil
}

// Close destroys the VM. It fails with KindInvalidState while any vCPU or
// region is still attached; callers tear down bottom-up explicitly.
func (vm *VirtualMachine) Close() error {
	vm.mu.Lock()

	if vm.state == VMStateDestroyed {
		vm.mu.Unlock()
		return Errorf(KindInvalidState, "close vm", "already destroyed")
	}
	if n := len(vm.vcpus); n > 0 {
		vm.mu.Unlock()
		return Errorf(KindInvalidState, "close vm", "%d vcpu(s) still attached", n)
	}
	if n := len(vm.regions); n > 0 {
		vm.mu.Unlock()
		return Errorf(KindInvalidState, "close vm", "%d region(s) still mapped", n)
	}

	vm.state = VMStateDestroyed
	vm.mu.Unlock()

	vm.hv.removeVM(vm)

	return vm.backend.Close()
}

// beginRun admits one vCPU into guest execution and moves the VM to
// Running. Region mutation is excluded for the duration.
func (vm *VirtualMachine) beginRun() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	switch vm.state {
	case VMStateConfigured, VMStateRunning:
	default:
		return Errorf(KindInvalidState, "run vcpu", "vm is %s, need at least one mapped region", vm.state)
	}

	vm.running++
	vm.state = VMStateRunning

	return nil
}

func (vm *VirtualMachine) endRun() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.running--
	if vm.running == 0 && vm.state == VMStateRunning {
		vm.state = VMStateConfigured
	}
}

func (vm *VirtualMachine) removeVCPU(id int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	delete(vm.vcpus, id)
}
