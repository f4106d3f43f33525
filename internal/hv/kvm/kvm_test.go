//go:build linux && amd64

package kvm

import (
	"context"
	"testing"
	"time"

	"github.com/highrise-vm/highrise/internal/hv"
)

// The x86 reset vector: CS base 0xffff0000 with IP 0xfff0. Mapping a
// region over the top 64 KiB lets a test run real-mode code without
// touching segment state.
const (
	resetBase   = 0xffff0000
	resetSize   = 0x10000
	resetTarget = 0xfffffff0
)

func openTestHypervisor(t *testing.T) *hv.Hypervisor {
	t.Helper()

	b, err := Open()
	if err != nil {
		t.Skipf("kvm not available: %v", err)
	}

	h := hv.NewHypervisor(b)
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("close hypervisor: %v", err)
		}
	})

	return h
}

func newTestVM(t *testing.T, h *hv.Hypervisor, code []byte) (*hv.VirtualMachine, *hv.VirtualCpu, hv.RegionHandle) {
	t.Helper()

	vm, err := h.NewVirtualMachine(hv.Config{Name: "kvmtest", MaxVCPUs: 1})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}

	region, err := vm.AddRegion(resetBase, resetSize, hv.ProtRWX)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	if _, err := vm.WriteAt(code, resetTarget); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	cpu, err := vm.NewVirtualCpu()
	if err != nil {
		t.Fatalf("NewVirtualCpu: %v", err)
	}

	t.Cleanup(func() {
		if err := cpu.Close(); err != nil {
			t.Errorf("close vcpu: %v", err)
		}
		if err := vm.RemoveRegion(region); err != nil {
			t.Errorf("remove region: %v", err)
		}
		if err := vm.Close(); err != nil {
			t.Errorf("close vm: %v", err)
		}
	})

	return vm, cpu, region
}

func TestRunHaltInstruction(t *testing.T) {
	h := openTestHypervisor(t)
	_, cpu, _ := newTestVM(t, h, []byte{0xf4}) // hlt

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exit, err := cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := exit.(hv.ExitHalt); !ok {
		t.Fatalf("exit = %v, want halt", exit)
	}
	if got := cpu.State(); got != hv.VCPUStateExited {
		t.Fatalf("state = %v, want exited", got)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	h := openTestHypervisor(t)
	_, cpu, _ := newTestVM(t, h, []byte{0xf4})

	in := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rbx: hv.Register64(0xdeadbeef),
		hv.RegisterAMD64R12: hv.Register64(0x1122334455667788),
	}
	if err := cpu.SetRegisters(in); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	out := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rbx: hv.Register64(0),
		hv.RegisterAMD64R12: hv.Register64(0),
		hv.RegisterAMD64Rip: hv.Register64(0),
	}
	if err := cpu.GetRegisters(out); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}

	for reg, want := range in {
		if out[reg] != want {
			t.Errorf("register %d = %#x, want %#x", reg, out[reg], want)
		}
	}
	if out[hv.RegisterAMD64Rip] != hv.Register64(0xfff0) {
		t.Errorf("rip = %#x, want reset value 0xfff0", out[hv.RegisterAMD64Rip])
	}
}

func TestSegmentRegisterRoundTrip(t *testing.T) {
	h := openTestHypervisor(t)
	_, cpu, _ := newTestVM(t, h, []byte{0xf4})

	// The architectural reset state puts CS at the top of the address
	// space, which is what lets these tests run code there.
	cs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cs: hv.RegisterSegment{}}
	if err := cpu.GetRegisters(cs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if got := cs[hv.RegisterAMD64Cs].(hv.RegisterSegment); got.Base != resetBase {
		t.Fatalf("reset CS base = %#x, want %#x", got.Base, resetBase)
	}

	in := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Ds: hv.RegisterSegment{
			Base: 0x1000, Limit: 0xffff, Selector: 0x10,
			Type: 0x3, Present: true, S: true,
		},
		hv.RegisterAMD64Gdtr:         hv.RegisterTable{Base: 0x2000, Limit: 0x1f},
		hv.RegisterAMD64KernelGsBase: hv.Register64(0x1122334455667788),
	}
	if err := cpu.SetRegisters(in); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	out := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Ds:           hv.RegisterSegment{},
		hv.RegisterAMD64Gdtr:         hv.RegisterTable{},
		hv.RegisterAMD64KernelGsBase: hv.Register64(0),
	}
	if err := cpu.GetRegisters(out); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}

	ds := out[hv.RegisterAMD64Ds].(hv.RegisterSegment)
	if ds.Base != 0x1000 || ds.Limit != 0xffff || ds.Selector != 0x10 || !ds.Present {
		t.Errorf("ds = %+v", ds)
	}
	if gdt := out[hv.RegisterAMD64Gdtr].(hv.RegisterTable); gdt != (hv.RegisterTable{Base: 0x2000, Limit: 0x1f}) {
		t.Errorf("gdtr = %+v", gdt)
	}
	if got := out[hv.RegisterAMD64KernelGsBase]; got != hv.Register64(0x1122334455667788) {
		t.Errorf("kernel gs base = %#x", got)
	}
}

func TestProtectRegionLive(t *testing.T) {
	h := openTestHypervisor(t)
	vm, cpu, handle := newTestVM(t, h, []byte{0xf4})

	// Code keeps executing from a region the guest can no longer write.
	if err := vm.ProtectRegion(handle, hv.ProtRead|hv.ProtExec); err != nil {
		t.Fatalf("ProtectRegion: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exit, err := cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := exit.(hv.ExitHalt); !ok {
		t.Fatalf("exit = %v, want halt", exit)
	}

	// The contents survived the slot re-creation.
	got := make([]byte, 1)
	if _, err := vm.ReadAt(got, resetTarget); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xf4 {
		t.Fatalf("memory byte = %#x after protect, want 0xf4", got[0])
	}

	if err := vm.ProtectRegion(handle, hv.ProtRWX); err != nil {
		t.Fatalf("restore protection: %v", err)
	}
}

func TestKickInterruptsSpinningGuest(t *testing.T) {
	h := openTestHypervisor(t)
	_, cpu, _ := newTestVM(t, h, []byte{0xeb, 0xfe}) // jmp $

	type result struct {
		exit hv.Exit
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exit, err := cpu.Run(context.Background())
		done <- result{exit, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for cpu.State() != hv.VCPUStateRunning {
		if time.Now().After(deadline) {
			t.Fatal("vcpu never entered the guest")
		}
		time.Sleep(time.Millisecond)
	}

	if err := cpu.Kick(); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run after kick: %v", r.err)
		}
		if _, ok := r.exit.(hv.ExitCanceled); !ok {
			t.Fatalf("exit = %v, want canceled", r.exit)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("kicked guest did not stop")
	}
}
