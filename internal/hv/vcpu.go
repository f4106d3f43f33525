package hv

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

type VCPUState int32

const (
	VCPUStateIdle VCPUState = iota
	VCPUStateRunning
	VCPUStateExited
	VCPUStateDestroyed
)

func (s VCPUState) String() string {
	switch s {
	case VCPUStateIdle:
		return "idle"
	case VCPUStateRunning:
		return "running"
	case VCPUStateExited:
		return "exited"
	case VCPUStateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// VirtualCpu owns one backend vCPU. All backend calls except Kick happen
// on a dedicated OS-locked service goroutine, because the Hypervisor
// framework requires create, run, and destroy of a vCPU to come from the
// same thread; funneling every backend through the same shape keeps the
// adapters symmetric.
//
// opMu serializes run admission, register access, and destroy. Run does
// not hold it while the guest executes, so a competing Run or register
// call observes the Running state and fails immediately instead of
// blocking.
type VirtualCpu struct {
	vm *VirtualMachine
	id int

	opMu  sync.Mutex
	state atomic.Int32

	backend  BackendVCPU
	runQueue chan func()
	quit     chan struct{}
}

func newVirtualCpu(vm *VirtualMachine, id int) (*VirtualCpu, error) {
	cpu := &VirtualCpu{
		vm:       vm,
		id:       id,
		runQueue: make(chan func()),
		quit:     make(chan struct{}),
	}

	created := make(chan error)
	go cpu.serve(created)
	if err := <-created; err != nil {
		return nil, err
	}

	return cpu, nil
}

// serve is the vCPU service loop, pinned to one OS thread for its whole
// life. The backend vCPU is created here so that even its construction
// happens on the thread that will later run it.
func (cpu *VirtualCpu) serve(created chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	backend, err := cpu.vm.backend.CreateVCPU(cpu.id)
	if err != nil {
		created <- err
		return
	}
	cpu.backend = backend
	created <- nil

	for {
		select {
		case fn := <-cpu.runQueue:
			fn()
		case <-cpu.quit:
			return
		}
	}
}

// do executes fn on the service thread and waits for it.
func (cpu *VirtualCpu) do(fn func()) error {
	done := make(chan struct{})

	select {
	case cpu.runQueue <- func() {
		fn()
		close(done)
	}:
	case <-cpu.quit:
		return Errorf(KindInvalidState, "vcpu", "vcpu is destroyed")
	}

	<-done
	return nil
}

func (cpu *VirtualCpu) Id() int { return cpu.id }

func (cpu *VirtualCpu) State() VCPUState {
	return VCPUState(cpu.state.Load())
}

// GetRegisters fills in the values for every register key present in
// regs. Valid only while the vCPU is not running.
func (cpu *VirtualCpu) GetRegisters(regs map[Register]RegisterValue) error {
	return cpu.registerOp("get registers", func() error {
		return cpu.backend.GetRegisters(regs)
	})
}

// SetRegisters writes every register in regs. Valid only while the vCPU
// is not running.
func (cpu *VirtualCpu) SetRegisters(regs map[Register]RegisterValue) error {
	return cpu.registerOp("set registers", func() error {
		return cpu.backend.SetRegisters(regs)
	})
}

func (cpu *VirtualCpu) registerOp(op string, fn func() error) error {
	cpu.opMu.Lock()
	defer cpu.opMu.Unlock()

	switch cpu.State() {
	case VCPUStateDestroyed:
		return Errorf(KindInvalidState, op, "vcpu is destroyed")
	case VCPUStateRunning:
		return Errorf(KindInvalidState, op, "vcpu is running")
	}

	var err error
	if derr := cpu.do(func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

// Run enters guest execution and blocks the calling goroutine until the
// guest exits, the vCPU is kicked, or ctx is canceled. A second Run while
// one is in flight fails immediately with KindInvalidState. The vCPU is
// left in Exited and may be resumed by calling Run again.
func (cpu *VirtualCpu) Run(ctx context.Context) (Exit, error) {
	cpu.opMu.Lock()
	switch cpu.State() {
	case VCPUStateDestroyed:
		cpu.opMu.Unlock()
		return nil, Errorf(KindInvalidState, "run vcpu", "vcpu is destroyed")
	case VCPUStateRunning:
		cpu.opMu.Unlock()
		return nil, Errorf(KindInvalidState, "run vcpu", "vcpu is already running")
	}
	if err := cpu.vm.beginRun(); err != nil {
		cpu.opMu.Unlock()
		return nil, err
	}
	cpu.state.Store(int32(VCPUStateRunning))
	cpu.opMu.Unlock()

	var (
		exit Exit
		err  error
	)
	derr := cpu.do(func() {
		stop := context.AfterFunc(ctx, func() {
			// Best effort: the run either observes the kick or has
			// already left the guest.
			if kerr := cpu.backend.Kick(); kerr != nil {
				slog.Debug("vcpu kick on context cancellation failed",
					"vcpu", cpu.id, "error", kerr)
			}
		})
		defer stop()

		exit, err = cpu.backend.Run(ctx)
	})

	cpu.state.Store(int32(VCPUStateExited))
	cpu.vm.endRun()

	if derr != nil {
		return nil, derr
	}
	return exit, err
}

// Kick forces an in-progress or imminent Run on this vCPU to return
// ExitCanceled. Safe to call from any thread; a kick with no run in
// flight is absorbed by the next run.
func (cpu *VirtualCpu) Kick() error {
	if cpu.State() == VCPUStateDestroyed {
		return Errorf(KindInvalidState, "kick vcpu", "vcpu is destroyed")
	}
	return cpu.backend.Kick()
}

// Close destroys the vCPU. Fails with KindInvalidState while a run is in
// flight, and on the second call.
func (cpu *VirtualCpu) Close() error {
	cpu.opMu.Lock()
	defer cpu.opMu.Unlock()

	switch cpu.State() {
	case VCPUStateDestroyed:
		return Errorf(KindInvalidState, "close vcpu", "already destroyed")
	case VCPUStateRunning:
		return Errorf(KindInvalidState, "close vcpu", "vcpu is running")
	}

	var err error
	if derr := cpu.do(func() { err = cpu.backend.Close() }); derr != nil {
		return derr
	}

	close(cpu.quit)
	cpu.state.Store(int32(VCPUStateDestroyed))
	cpu.vm.removeVCPU(cpu.id)

	return err
}
