//go:build linux && amd64

package kvm

import "github.com/highrise-vm/highrise/internal/hv"

func isGeneralRegister(reg hv.Register) bool {
	switch reg {
	case hv.RegisterAMD64Rax, hv.RegisterAMD64Rbx, hv.RegisterAMD64Rcx,
		hv.RegisterAMD64Rdx, hv.RegisterAMD64Rsi, hv.RegisterAMD64Rdi,
		hv.RegisterAMD64Rsp, hv.RegisterAMD64Rbp,
		hv.RegisterAMD64R8, hv.RegisterAMD64R9, hv.RegisterAMD64R10,
		hv.RegisterAMD64R11, hv.RegisterAMD64R12, hv.RegisterAMD64R13,
		hv.RegisterAMD64R14, hv.RegisterAMD64R15,
		hv.RegisterAMD64Rip, hv.RegisterAMD64Rflags:
		return true
	}
	return false
}

// isSystemRegister covers everything that lives in kvm_sregs: control
// registers, EFER, the APIC base, segments, and descriptor tables.
func isSystemRegister(reg hv.Register) bool {
	switch reg {
	case hv.RegisterAMD64Cr0, hv.RegisterAMD64Cr2, hv.RegisterAMD64Cr3,
		hv.RegisterAMD64Cr4, hv.RegisterAMD64Cr8, hv.RegisterAMD64Efer,
		hv.RegisterAMD64ApicBase,
		hv.RegisterAMD64Gdtr, hv.RegisterAMD64Idtr:
		return true
	}
	return sregSegment(&kvmSRegs{}, reg) != nil
}

// sregSegment returns the kvm_sregs field holding reg, or nil if reg is
// not a segment register.
func sregSegment(sregs *kvmSRegs, reg hv.Register) *kvmSegment {
	switch reg {
	case hv.RegisterAMD64Cs:
		return &sregs.Cs
	case hv.RegisterAMD64Ss:
		return &sregs.Ss
	case hv.RegisterAMD64Ds:
		return &sregs.Ds
	case hv.RegisterAMD64Es:
		return &sregs.Es
	case hv.RegisterAMD64Fs:
		return &sregs.Fs
	case hv.RegisterAMD64Gs:
		return &sregs.Gs
	case hv.RegisterAMD64Tr:
		return &sregs.Tr
	case hv.RegisterAMD64Ldtr:
		return &sregs.Ldt
	}
	return nil
}

func sregTable(sregs *kvmSRegs, reg hv.Register) *kvmDTable {
	switch reg {
	case hv.RegisterAMD64Gdtr:
		return &sregs.Gdt
	case hv.RegisterAMD64Idtr:
		return &sregs.Idt
	}
	return nil
}

var msrIndex = map[hv.Register]uint32{
	hv.RegisterAMD64Star:         msrStar,
	hv.RegisterAMD64Lstar:        msrLstar,
	hv.RegisterAMD64Cstar:        msrCstar,
	hv.RegisterAMD64Sfmask:       msrSfmask,
	hv.RegisterAMD64KernelGsBase: msrKernelGsBase,
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func segmentFromKvm(s kvmSegment) hv.RegisterSegment {
	return hv.RegisterSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Dpl:      s.Dpl,
		Present:  s.Present != 0,
		S:        s.S != 0,
		L:        s.L != 0,
		Db:       s.Db != 0,
		G:        s.G != 0,
		Avl:      s.Avl != 0,
	}
}

func segmentToKvm(s hv.RegisterSegment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Dpl:      s.Dpl,
		Present:  b2u8(s.Present),
		S:        b2u8(s.S),
		L:        b2u8(s.L),
		Db:       b2u8(s.Db),
		G:        b2u8(s.G),
		Avl:      b2u8(s.Avl),
		Unusable: b2u8(!s.Present),
	}
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasGeneral := false
	hasSystem := false

	for reg := range regs {
		switch {
		case isGeneralRegister(reg):
			hasGeneral = true
		case isSystemRegister(reg):
			hasSystem = true
		default:
			if _, ok := msrIndex[reg]; !ok {
				return hv.Errorf(hv.KindInvalidArgument, "kvm: get registers",
					"register %d has no x86-64 mapping", reg)
			}
		}
	}

	if hasGeneral {
		gp, err := getRegisters(v.fd)
		if err != nil {
			return wrapErrno("kvm: get registers", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Rax:
				regs[reg] = hv.Register64(gp.Rax)
			case hv.RegisterAMD64Rbx:
				regs[reg] = hv.Register64(gp.Rbx)
			case hv.RegisterAMD64Rcx:
				regs[reg] = hv.Register64(gp.Rcx)
			case hv.RegisterAMD64Rdx:
				regs[reg] = hv.Register64(gp.Rdx)
			case hv.RegisterAMD64Rsi:
				regs[reg] = hv.Register64(gp.Rsi)
			case hv.RegisterAMD64Rdi:
				regs[reg] = hv.Register64(gp.Rdi)
			case hv.RegisterAMD64Rsp:
				regs[reg] = hv.Register64(gp.Rsp)
			case hv.RegisterAMD64Rbp:
				regs[reg] = hv.Register64(gp.Rbp)
			case hv.RegisterAMD64R8:
				regs[reg] = hv.Register64(gp.R8)
			case hv.RegisterAMD64R9:
				regs[reg] = hv.Register64(gp.R9)
			case hv.RegisterAMD64R10:
				regs[reg] = hv.Register64(gp.R10)
			case hv.RegisterAMD64R11:
				regs[reg] = hv.Register64(gp.R11)
			case hv.RegisterAMD64R12:
				regs[reg] = hv.Register64(gp.R12)
			case hv.RegisterAMD64R13:
				regs[reg] = hv.Register64(gp.R13)
			case hv.RegisterAMD64R14:
				regs[reg] = hv.Register64(gp.R14)
			case hv.RegisterAMD64R15:
				regs[reg] = hv.Register64(gp.R15)
			case hv.RegisterAMD64Rip:
				regs[reg] = hv.Register64(gp.Rip)
			case hv.RegisterAMD64Rflags:
				regs[reg] = hv.Register64(gp.Rflags)
			}
		}
	}

	if hasSystem {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return wrapErrno("kvm: get special registers", err)
		}

		for reg := range regs {
			if seg := sregSegment(sregs, reg); seg != nil {
				regs[reg] = segmentFromKvm(*seg)
				continue
			}
			if dt := sregTable(sregs, reg); dt != nil {
				regs[reg] = hv.RegisterTable{Base: dt.Base, Limit: dt.Limit}
				continue
			}
			switch reg {
			case hv.RegisterAMD64Cr0:
				regs[reg] = hv.Register64(sregs.Cr0)
			case hv.RegisterAMD64Cr2:
				regs[reg] = hv.Register64(sregs.Cr2)
			case hv.RegisterAMD64Cr3:
				regs[reg] = hv.Register64(sregs.Cr3)
			case hv.RegisterAMD64Cr4:
				regs[reg] = hv.Register64(sregs.Cr4)
			case hv.RegisterAMD64Cr8:
				regs[reg] = hv.Register64(sregs.Cr8)
			case hv.RegisterAMD64Efer:
				regs[reg] = hv.Register64(sregs.Efer)
			case hv.RegisterAMD64ApicBase:
				regs[reg] = hv.Register64(sregs.ApicBase)
			}
		}
	}

	for reg := range regs {
		index, ok := msrIndex[reg]
		if !ok {
			continue
		}
		value, err := getMsr(v.fd, index)
		if err != nil {
			return wrapErrno("kvm: get msr", err)
		}
		regs[reg] = hv.Register64(value)
	}

	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasGeneral := false
	hasSystem := false

	for reg, val := range regs {
		switch {
		case isGeneralRegister(reg):
			hasGeneral = true
		case isSystemRegister(reg):
			hasSystem = true
		default:
			if _, ok := msrIndex[reg]; !ok {
				return hv.Errorf(hv.KindInvalidArgument, "kvm: set registers",
					"register %d has no x86-64 mapping", reg)
			}
		}

		switch val.(type) {
		case hv.Register64:
			if sregSegment(&kvmSRegs{}, reg) != nil || sregTable(&kvmSRegs{}, reg) != nil {
				return hv.Errorf(hv.KindInvalidArgument, "kvm: set registers",
					"register %d takes a segment or table value", reg)
			}
		case hv.RegisterSegment:
			if sregSegment(&kvmSRegs{}, reg) == nil {
				return hv.Errorf(hv.KindInvalidArgument, "kvm: set registers",
					"register %d is not a segment register", reg)
			}
		case hv.RegisterTable:
			if sregTable(&kvmSRegs{}, reg) == nil {
				return hv.Errorf(hv.KindInvalidArgument, "kvm: set registers",
					"register %d is not a descriptor table register", reg)
			}
		default:
			return hv.Errorf(hv.KindInvalidArgument, "kvm: set registers",
				"register %d: unsupported value width", reg)
		}
	}

	// Read-modify-write so registers not named in regs keep their values.
	if hasGeneral {
		gp, err := getRegisters(v.fd)
		if err != nil {
			return wrapErrno("kvm: get registers", err)
		}

		for reg, val := range regs {
			if !isGeneralRegister(reg) {
				continue
			}
			v64 := uint64(val.(hv.Register64))
			switch reg {
			case hv.RegisterAMD64Rax:
				gp.Rax = v64
			case hv.RegisterAMD64Rbx:
				gp.Rbx = v64
			case hv.RegisterAMD64Rcx:
				gp.Rcx = v64
			case hv.RegisterAMD64Rdx:
				gp.Rdx = v64
			case hv.RegisterAMD64Rsi:
				gp.Rsi = v64
			case hv.RegisterAMD64Rdi:
				gp.Rdi = v64
			case hv.RegisterAMD64Rsp:
				gp.Rsp = v64
			case hv.RegisterAMD64Rbp:
				gp.Rbp = v64
			case hv.RegisterAMD64R8:
				gp.R8 = v64
			case hv.RegisterAMD64R9:
				gp.R9 = v64
			case hv.RegisterAMD64R10:
				gp.R10 = v64
			case hv.RegisterAMD64R11:
				gp.R11 = v64
			case hv.RegisterAMD64R12:
				gp.R12 = v64
			case hv.RegisterAMD64R13:
				gp.R13 = v64
			case hv.RegisterAMD64R14:
				gp.R14 = v64
			case hv.RegisterAMD64R15:
				gp.R15 = v64
			case hv.RegisterAMD64Rip:
				gp.Rip = v64
			case hv.RegisterAMD64Rflags:
				gp.Rflags = v64
			}
		}

		if err := setRegisters(v.fd, gp); err != nil {
			return wrapErrno("kvm: set registers", err)
		}
	}

	if hasSystem {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return wrapErrno("kvm: get special registers", err)
		}

		for reg, val := range regs {
			if seg := sregSegment(sregs, reg); seg != nil {
				*seg = segmentToKvm(val.(hv.RegisterSegment))
				continue
			}
			if dt := sregTable(sregs, reg); dt != nil {
				t := val.(hv.RegisterTable)
				dt.Base = t.Base
				dt.Limit = t.Limit
				continue
			}
			switch reg {
			case hv.RegisterAMD64Cr0:
				sregs.Cr0 = uint64(val.(hv.Register64))
			case hv.RegisterAMD64Cr2:
				sregs.Cr2 = uint64(val.(hv.Register64))
			case hv.RegisterAMD64Cr3:
				sregs.Cr3 = uint64(val.(hv.Register64))
			case hv.RegisterAMD64Cr4:
				sregs.Cr4 = uint64(val.(hv.Register64))
			case hv.RegisterAMD64Cr8:
				sregs.Cr8 = uint64(val.(hv.Register64))
			case hv.RegisterAMD64Efer:
				sregs.Efer = uint64(val.(hv.Register64))
			case hv.RegisterAMD64ApicBase:
				sregs.ApicBase = uint64(val.(hv.Register64))
			}
		}

		if err := setSRegs(v.fd, sregs); err != nil {
			return wrapErrno("kvm: set special registers", err)
		}
	}

	for reg, val := range regs {
		index, ok := msrIndex[reg]
		if !ok {
			continue
		}
		if err := setMsr(v.fd, index, uint64(val.(hv.Register64))); err != nil {
			return wrapErrno("kvm: set msr", err)
		}
	}

	return nil
}
