package hv

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeBackend is a pure-Go backend so the lifecycle, region, and
// concurrency rules can be tested on any host.
type fakeBackend struct{}

func (b *fakeBackend) Name() string                  { return "fake" }
func (b *fakeBackend) Architecture() CpuArchitecture { return ArchitectureX86_64 }
func (b *fakeBackend) PageSize() uint64              { return 0x1000 }
func (b *fakeBackend) Close() error                  { return nil }

func (b *fakeBackend) CreateVM(cfg Config) (BackendVM, error) {
	return &fakeVM{
		mapped: make(map[uint64]uint64),
		prots:  make(map[uint64]Protection),
	}, nil
}

type fakeVM struct {
	mapped map[uint64]uint64
	prots  map[uint64]Protection
	// exits are handed to every vCPU created afterwards.
	exits []Exit
}

func (v *fakeVM) MapRegion(gpa, size uint64, prot Protection) ([]byte, error) {
	v.mapped[gpa] = size
	v.prots[gpa] = prot
	return make([]byte, size), nil
}

func (v *fakeVM) UnmapRegion(gpa, size uint64) error {
	if v.mapped[gpa] != size {
		return Errorf(KindInvalidArgument, "fake: unmap", "no mapping at %#x", gpa)
	}
	delete(v.mapped, gpa)
	delete(v.prots, gpa)
	return nil
}

func (v *fakeVM) ProtectRegion(gpa, size uint64, prot Protection) error {
	if v.mapped[gpa] != size {
		return Errorf(KindInvalidArgument, "fake: protect", "no mapping at %#x", gpa)
	}
	v.prots[gpa] = prot
	return nil
}

func (v *fakeVM) CreateVCPU(id int) (BackendVCPU, error) {
	return &fakeVCPU{
		exits: append([]Exit(nil), v.exits...),
		regs:  make(map[Register]RegisterValue),
		kick:  make(chan struct{}, 1),
	}, nil
}

func (v *fakeVM) Close() error { return nil }

type fakeVCPU struct {
	mu    sync.Mutex
	exits []Exit
	regs  map[Register]RegisterValue
	kick  chan struct{}
}

func (c *fakeVCPU) GetRegisters(regs map[Register]RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg := range regs {
		if v, ok := c.regs[reg]; ok {
			regs[reg] = v
		} else {
			regs[reg] = Register64(0)
		}
	}
	return nil
}

func (c *fakeVCPU) SetRegisters(regs map[Register]RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg, v := range regs {
		c.regs[reg] = v
	}
	return nil
}

// Run pops the next scripted exit, or blocks like a real guest until it
// is kicked.
func (c *fakeVCPU) Run(ctx context.Context) (Exit, error) {
	if ctx.Err() != nil {
		return ExitCanceled{}, nil
	}

	c.mu.Lock()
	if len(c.exits) > 0 {
		exit := c.exits[0]
		c.exits = c.exits[1:]
		c.mu.Unlock()
		return exit, nil
	}
	c.mu.Unlock()

	select {
	case <-c.kick:
		return ExitCanceled{}, nil
	case <-ctx.Done():
		return ExitCanceled{}, nil
	}
}

func (c *fakeVCPU) Kick() error {
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeVCPU) Close() error { return nil }

func newTestVM(t *testing.T, exits ...Exit) (*Hypervisor, *VirtualMachine) {
	t.Helper()

	h := NewHypervisor(&fakeBackend{})
	vm, err := h.NewVirtualMachine(Config{Name: "test", MaxVCPUs: 2})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	vm.backend.(*fakeVM).exits = exits

	return h, vm
}

func wantKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected %v error, got %v (%v)", kind, got, err)
	}
}

func TestAddRegionValidation(t *testing.T) {
	_, vm := newTestVM(t)

	if _, err := vm.AddRegion(0x1000, 0x2000, ProtRWX); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	_, err := vm.AddRegion(0x2000, 0x1000, ProtRWX)
	wantKind(t, err, KindInvalidArgument) // overlap

	_, err = vm.AddRegion(0x4001, 0x1000, ProtRWX)
	wantKind(t, err, KindInvalidArgument) // unaligned base

	_, err = vm.AddRegion(0x4000, 0x1234, ProtRWX)
	wantKind(t, err, KindInvalidArgument) // unaligned length

	_, err = vm.AddRegion(0x4000, 0, ProtRWX)
	wantKind(t, err, KindInvalidArgument) // zero length

	if _, err := vm.AddRegion(0x3000, 0x1000, ProtRead); err != nil {
		t.Fatalf("adjacent region should not overlap: %v", err)
	}
}

func TestRegionHandlesAreNeverReused(t *testing.T) {
	_, vm := newTestVM(t)

	h1, err := vm.AddRegion(0x1000, 0x1000, ProtRWX)
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.RemoveRegion(h1); err != nil {
		t.Fatal(err)
	}

	h2, err := vm.AddRegion(0x1000, 0x1000, ProtRWX)
	if err != nil {
		t.Fatal(err)
	}
	if h2 == h1 {
		t.Fatalf("handle %d reused after removal", h1)
	}

	// Remove is not idempotent.
	wantKind(t, vm.RemoveRegion(h1), KindInvalidArgument)
}

func TestProtectRegionKeepsBackingContents(t *testing.T) {
	_, vm := newTestVM(t)

	h, err := vm.AddRegion(0x1000, 0x1000, ProtRWX)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vm.WriteAt([]byte("persists"), 0x1000); err != nil {
		t.Fatal(err)
	}

	if err := vm.ProtectRegion(h, ProtRead); err != nil {
		t.Fatalf("ProtectRegion: %v", err)
	}
	if got := vm.backend.(*fakeVM).prots[0x1000]; got != ProtRead {
		t.Fatalf("backend protection = %v, want %v", got, ProtRead)
	}

	// The contents survive the protection change.
	got := make([]byte, 8)
	if _, err := vm.ReadAt(got, 0x1000); err != nil {
		t.Fatal(err)
	}
	if string(got) != "persists" {
		t.Fatalf("read %q after protect, want %q", got, "persists")
	}

	// Unknown and stale handles fail.
	wantKind(t, vm.ProtectRegion(h+100, ProtRead), KindInvalidArgument)
	if err := vm.RemoveRegion(h); err != nil {
		t.Fatal(err)
	}
	wantKind(t, vm.ProtectRegion(h, ProtRWX), KindInvalidArgument)
}

func TestVMStateFollowsRegions(t *testing.T) {
	_, vm := newTestVM(t)

	if got := vm.State(); got != VMStateCreated {
		t.Fatalf("state = %v, want created", got)
	}

	// No vCPUs before the first region.
	_, err := vm.NewVirtualCpu()
	wantKind(t, err, KindInvalidState)

	h, err := vm.AddRegion(0x1000, 0x1000, ProtRWX)
	if err != nil {
		t.Fatal(err)
	}
	if got := vm.State(); got != VMStateConfigured {
		t.Fatalf("state = %v, want configured", got)
	}

	if err := vm.RemoveRegion(h); err != nil {
		t.Fatal(err)
	}
	if got := vm.State(); got != VMStateCreated {
		t.Fatalf("state = %v, want created after last region removed", got)
	}
}

func TestStrictTeardownOrder(t *testing.T) {
	h, vm := newTestVM(t)

	region, err := vm.AddRegion(0x1000, 0x1000, ProtRWX)
	if err != nil {
		t.Fatal(err)
	}
	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatal(err)
	}

	wantKind(t, h.Close(), KindInvalidState)  // VM still alive
	wantKind(t, vm.Close(), KindInvalidState) // vCPU still attached

	if err := cpu.Close(); err != nil {
		t.Fatal(err)
	}
	wantKind(t, cpu.Close(), KindInvalidState) // second close

	wantKind(t, vm.Close(), KindInvalidState) // region still mapped

	if err := vm.RemoveRegion(region); err != nil {
		t.Fatal(err)
	}
	if err := vm.Close(); err != nil {
		t.Fatal(err)
	}
	wantKind(t, vm.Close(), KindInvalidState) // second close

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	wantKind(t, h.Close(), KindInvalidState) // second close
}

func TestMaxVCPUs(t *testing.T) {
	_, vm := newTestVM(t)

	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}

	if _, err := vm.NewVirtualCpu(); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.NewVirtualCpu(); err != nil {
		t.Fatal(err)
	}

	_, err := vm.NewVirtualCpu()
	wantKind(t, err, KindResourceExhausted)
}

func TestRegisterRoundTrip(t *testing.T) {
	_, vm := newTestVM(t)

	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}
	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatal(err)
	}

	in := map[Register]RegisterValue{
		RegisterAMD64Rbx: Register64(0x1234),
		RegisterAMD64Rip: Register64(0xfff0),
		RegisterAMD64Cs: RegisterSegment{
			Base: 0, Limit: 0xffffffff, Selector: 0x08,
			Type: 0xb, Present: true, S: true, Db: true, G: true,
		},
		RegisterAMD64Gdtr: RegisterTable{Base: 0x2000, Limit: 0x1f},
	}
	if err := cpu.SetRegisters(in); err != nil {
		t.Fatal(err)
	}

	out := map[Register]RegisterValue{
		RegisterAMD64Rbx:  Register64(0),
		RegisterAMD64Rip:  Register64(0),
		RegisterAMD64Cs:   RegisterSegment{},
		RegisterAMD64Gdtr: RegisterTable{},
	}
	if err := cpu.GetRegisters(out); err != nil {
		t.Fatal(err)
	}

	for reg, want := range in {
		if out[reg] != want {
			t.Errorf("register %d = %#x, want %#x", reg, out[reg], want)
		}
	}
}

func TestRunToHaltAndResume(t *testing.T) {
	_, vm := newTestVM(t, ExitHalt{}, ExitIO{Port: 0x3f8, Direction: AccessWrite, Data: []byte{'x'}})

	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}
	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatal(err)
	}

	exit, err := cpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := exit.(ExitHalt); !ok {
		t.Fatalf("exit = %v, want halt", exit)
	}
	if got := cpu.State(); got != VCPUStateExited {
		t.Fatalf("state = %v, want exited", got)
	}

	// A vCPU in Exited resumes with another Run.
	exit, err = cpu.Run(context.Background())
	if err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	io, ok := exit.(ExitIO)
	if !ok {
		t.Fatalf("exit = %v, want io", exit)
	}
	if io.Port != 0x3f8 || io.Direction != AccessWrite || string(io.Data) != "x" {
		t.Fatalf("unexpected io exit: %+v", io)
	}
}

func TestInternalErrorExitLeavesVcpuResumable(t *testing.T) {
	_, vm := newTestVM(t, ExitInternalError{Code: 4, Message: "run failed"}, ExitHalt{})

	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}
	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatal(err)
	}

	exit, err := cpu.Run(context.Background())
	if err != nil {
		t.Fatalf("an internal error is an exit, not a failed call: %v", err)
	}
	if _, ok := exit.(ExitInternalError); !ok {
		t.Fatalf("exit = %v, want internal error", exit)
	}
	if got := cpu.State(); got != VCPUStateExited {
		t.Fatalf("state = %v, want exited", got)
	}

	exit, err = cpu.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := exit.(ExitHalt); !ok {
		t.Fatalf("exit after resume = %v, want halt", exit)
	}
}

func TestConcurrentRunRejectedImmediately(t *testing.T) {
	_, vm := newTestVM(t) // no scripted exits: Run blocks until kicked

	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}
	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		exit Exit
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exit, err := cpu.Run(context.Background())
		done <- result{exit, err}
	}()

	waitForState(t, cpu, VCPUStateRunning)

	// The competing Run fails without blocking.
	_, err = cpu.Run(context.Background())
	wantKind(t, err, KindInvalidState)

	// So do register access and Close.
	wantKind(t, cpu.GetRegisters(map[Register]RegisterValue{RegisterAMD64Rax: Register64(0)}), KindInvalidState)
	wantKind(t, cpu.Close(), KindInvalidState)

	// And region mutation.
	_, err = vm.AddRegion(0x3000, 0x1000, ProtRWX)
	wantKind(t, err, KindInvalidState)
	wantKind(t, vm.ProtectRegion(1, ProtRead), KindInvalidState)

	if err := cpu.Kick(); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run after kick: %v", r.err)
		}
		if _, ok := r.exit.(ExitCanceled); !ok {
			t.Fatalf("exit = %v, want canceled", r.exit)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("kicked Run did not return")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	_, vm := newTestVM(t)

	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}
	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exit, err := cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := exit.(ExitCanceled); !ok {
		t.Fatalf("exit = %v, want canceled", exit)
	}
}

func TestGuestMemoryIO(t *testing.T) {
	_, vm := newTestVM(t)

	// Two adjacent regions; a transfer may span the seam.
	if _, err := vm.AddRegion(0x1000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.AddRegion(0x2000, 0x1000, ProtRWX); err != nil {
		t.Fatal(err)
	}

	payload := []byte("spanning the region boundary")
	if _, err := vm.WriteAt(payload, 0x1ff0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := vm.ReadAt(got, 0x1ff0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}

	// Touching unmapped memory reports the partial transfer.
	n, err := vm.ReadAt(make([]byte, 0x20), 0x2ff0)
	wantKind(t, err, KindInvalidArgument)
	if n != 0x10 {
		t.Fatalf("partial read = %#x bytes, want 0x10", n)
	}

	_, err = vm.ReadAt(make([]byte, 1), 0x8000)
	wantKind(t, err, KindInvalidArgument)
}

func waitForState(t *testing.T, cpu *VirtualCpu, want VCPUState) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for cpu.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("vcpu never reached state %v", want)
		}
		time.Sleep(time.Millisecond)
	}
}
