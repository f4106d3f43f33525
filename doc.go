// Package highrise is a portable abstraction layer over the native
// type-2 hypervisor APIs: KVM on Linux, the Windows Hypervisor
// Platform, Apple's Hypervisor.framework, and FreeBSD's vmm(4).
//
// Probe selects the host's native backend and reports concrete,
// human-diagnosable reasons when virtualization is unavailable. On top
// of the selected backend the package provides uniform VM and vCPU
// lifecycles, a guest memory region manager, blocking vCPU execution
// with any-thread cancellation, and a unified error taxonomy.
//
// The package deliberately stops below device emulation: callers get
// raw port I/O, MMIO, and halt exits and decide what they mean.
package highrise
