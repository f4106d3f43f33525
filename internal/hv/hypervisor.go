package hv

import "sync"

// Hypervisor is the process-scoped handle to the one backend the probe
// selected. It is immutable after creation; its only mutable state is the
// set of live VMs, tracked so teardown ordering can be enforced.
type Hypervisor struct {
	backend Backend

	mu     sync.Mutex
	vms    map[*VirtualMachine]struct{}
	closed bool
}

// NewHypervisor wraps an opened backend. Callers normally go through the
// probe package instead of constructing one directly.
func NewHypervisor(backend Backend) *Hypervisor {
	return &Hypervisor{
		backend: backend,
		vms:     make(map[*VirtualMachine]struct{}),
	}
}

func (h *Hypervisor) Name() string { return h.backend.Name() }

func (h *Hypervisor) Architecture() CpuArchitecture { return h.backend.Architecture() }

// PageSize is the alignment granularity for guest-physical region bases
// and lengths.
func (h *Hypervisor) PageSize() uint64 { return h.backend.PageSize() }

// NewVirtualMachine creates a VM in the Created state.
func (h *Hypervisor) NewVirtualMachine(cfg Config) (*VirtualMachine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, Errorf(KindInvalidState, "create vm", "hypervisor is closed")
	}

	bvm, err := h.backend.CreateVM(cfg)
	if err != nil {
		return nil, err
	}

	vm := &VirtualMachine{
		hv:       h,
		backend:  bvm,
		cfg:      cfg,
		pageSize: h.backend.PageSize(),
		state:    VMStateCreated,
		regions:  make(map[RegionHandle]*region),
		vcpus:    make(map[int]*VirtualCpu),
	}
	h.vms[vm] = struct{}{}

	return vm, nil
}

// Close releases the backend. It fails with KindInvalidState while any VM
// is still alive; teardown is strictly bottom-up.
func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Errorf(KindInvalidState, "close hypervisor", "already closed")
	}
	if n := len(h.vms); n > 0 {
		return Errorf(KindInvalidState, "close hypervisor", "%d virtual machine(s) still alive", n)
	}

	h.closed = true

	return h.backend.Close()
}

func (h *Hypervisor) removeVM(vm *VirtualMachine) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.vms, vm)
}
