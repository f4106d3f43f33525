//go:build freebsd && amd64

package vmm

import (
	"context"
	"testing"
	"time"

	"github.com/highrise-vm/highrise/internal/hv"
)

// The x86 reset vector: CS base 0xffff0000 with IP 0xfff0. vmm
// initializes vCPUs to the architectural reset state, so mapping a
// region over the top 64 KiB lets a test run real-mode code there.
const (
	resetBase   = 0xffff0000
	resetSize   = 0x10000
	resetTarget = 0xfffffff0
)

func openTestHypervisor(t *testing.T) *hv.Hypervisor {
	t.Helper()

	b, err := Open()
	if err != nil {
		t.Skipf("vmm not available: %v", err)
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

	vm, err := h.NewVirtualMachine(hv.Config{Name: "vmmtest", MaxVCPUs: 1})
	if err != nil {
		t.Skipf("NewVirtualMachine: %v", err)
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
}

func TestSegmentRegisterRoundTrip(t *testing.T) {
	h := openTestHypervisor(t)
	_, cpu, _ := newTestVM(t, h, []byte{0xf4})

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
		hv.RegisterAMD64Gdtr: hv.RegisterTable{Base: 0x2000, Limit: 0x1f},
	}
	if err := cpu.SetRegisters(in); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	out := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Ds:   hv.RegisterSegment{},
		hv.RegisterAMD64Gdtr: hv.RegisterTable{},
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
}

func TestMsrRegistersReportUnsupported(t *testing.T) {
	h := openTestHypervisor(t)
	_, cpu, _ := newTestVM(t, h, []byte{0xf4})

	err := cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Lstar: hv.Register64(0xffff800000000000),
	})
	if hv.KindOf(err) != hv.KindUnsupported {
		t.Fatalf("set LSTAR: %v, want unsupported", err)
	}
}

func TestProtectRegionKeepsContents(t *testing.T) {
	h := openTestHypervisor(t)
	vm, cpu, handle := newTestVM(t, h, []byte{0xf4})

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

	got := make([]byte, 1)
	if _, err := vm.ReadAt(got, resetTarget); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xf4 {
		t.Fatalf("memory byte = %#x after protect, want 0xf4", got[0])
	}
}

// A guest in a tight loop never leaves VM_RUN on its own, which makes
// this the case where a kick whose signal fired before the ioctl
// entered the kernel must still stop the vCPU.
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
