//go:build freebsd && amd64

package vmm

import "github.com/highrise-vm/highrise/internal/hv"

// CR8 has no vm_reg_name on FreeBSD, so it is absent here.
var registerNumbers = map[hv.Register]int32{
	hv.RegisterAMD64Rax:    vmRegGuestRax,
	hv.RegisterAMD64Rbx:    vmRegGuestRbx,
	hv.RegisterAMD64Rcx:    vmRegGuestRcx,
	hv.RegisterAMD64Rdx:    vmRegGuestRdx,
	hv.RegisterAMD64Rsi:    vmRegGuestRsi,
	hv.RegisterAMD64Rdi:    vmRegGuestRdi,
	hv.RegisterAMD64Rsp:    vmRegGuestRsp,
	hv.RegisterAMD64Rbp:    vmRegGuestRbp,
	hv.RegisterAMD64R8:     vmRegGuestR8,
	hv.RegisterAMD64R9:     vmRegGuestR9,
	hv.RegisterAMD64R10:    vmRegGuestR10,
	hv.RegisterAMD64R11:    vmRegGuestR11,
	hv.RegisterAMD64R12:    vmRegGuestR12,
	hv.RegisterAMD64R13:    vmRegGuestR13,
	hv.RegisterAMD64R14:    vmRegGuestR14,
	hv.RegisterAMD64R15:    vmRegGuestR15,
	hv.RegisterAMD64Rip:    vmRegGuestRip,
	hv.RegisterAMD64Rflags: vmRegGuestRflags,
	hv.RegisterAMD64Cr0:    vmRegGuestCr0,
	hv.RegisterAMD64Cr2:    vmRegGuestCr2,
	hv.RegisterAMD64Cr3:    vmRegGuestCr3,
	hv.RegisterAMD64Cr4:    vmRegGuestCr4,
	hv.RegisterAMD64Efer:   vmRegGuestEfer,
}

// Segment registers split across two ioctls: VM_SET_REGISTER carries
// the visible selector, VM_SET_SEGMENT_DESCRIPTOR the hidden state.
var segmentNumbers = map[hv.Register]int32{
	hv.RegisterAMD64Cs:   vmRegGuestCs,
	hv.RegisterAMD64Ss:   vmRegGuestSs,
	hv.RegisterAMD64Ds:   vmRegGuestDs,
	hv.RegisterAMD64Es:   vmRegGuestEs,
	hv.RegisterAMD64Fs:   vmRegGuestFs,
	hv.RegisterAMD64Gs:   vmRegGuestGs,
	hv.RegisterAMD64Tr:   vmRegGuestTr,
	hv.RegisterAMD64Ldtr: vmRegGuestLdtr,
}

var tableNumbers = map[hv.Register]int32{
	hv.RegisterAMD64Gdtr: vmRegGuestGdtr,
	hv.RegisterAMD64Idtr: vmRegGuestIdtr,
}

// MSRs the other x86-64 backends expose by register name. vmm(4) has no
// vm_reg_name for them; the set exists here only to produce a precise
// error.
var msrRegisters = map[hv.Register]bool{
	hv.RegisterAMD64Star:         true,
	hv.RegisterAMD64Lstar:        true,
	hv.RegisterAMD64Cstar:        true,
	hv.RegisterAMD64Sfmask:       true,
	hv.RegisterAMD64KernelGsBase: true,
	hv.RegisterAMD64ApicBase:     true,
}

const segUnusableBit = 1 << 16

func accessWord(s hv.RegisterSegment) uint32 {
	access := uint32(s.Type&0xf) | uint32(s.Dpl&0x3)<<5
	if s.S {
		access |= 1 << 4
	}
	if s.Present {
		access |= 1 << 7
	} else {
		access |= segUnusableBit
	}
	if s.Avl {
		access |= 1 << 12
	}
	if s.L {
		access |= 1 << 13
	}
	if s.Db {
		access |= 1 << 14
	}
	if s.G {
		access |= 1 << 15
	}
	return access
}

func segmentFromDesc(selector uint64, d vmSegDescriptor) hv.RegisterSegment {
	return hv.RegisterSegment{
		Base:     d.Base,
		Limit:    d.Limit,
		Selector: uint16(selector),
		Type:     uint8(d.Access & 0xf),
		Dpl:      uint8(d.Access >> 5 & 0x3),
		S:        d.Access&(1<<4) != 0,
		Present:  d.Access&(1<<7) != 0 && d.Access&segUnusableBit == 0,
		Avl:      d.Access&(1<<12) != 0,
		L:        d.Access&(1<<13) != 0,
		Db:       d.Access&(1<<14) != 0,
		G:        d.Access&(1<<15) != 0,
	}
}

func unsupportedRegisterError(op string, reg hv.Register) error {
	if msrRegisters[reg] {
		return hv.Errorf(hv.KindUnsupported, op,
			"register %d: vmm has no MSR register interface", reg)
	}
	return hv.Errorf(hv.KindInvalidArgument, op,
		"register %d has no x86-64 mapping", reg)
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case registerNumbers[reg] != 0 || reg == hv.RegisterAMD64Rax:
			value, err := getRegister(v.fd, v.cpuid, registerNumbers[reg])
			if err != nil {
				return wrapErrno("vmm: get register", err)
			}
			regs[reg] = hv.Register64(value)

		case segmentNumbers[reg] != 0:
			selector, err := getRegister(v.fd, v.cpuid, segmentNumbers[reg])
			if err != nil {
				return wrapErrno("vmm: get segment selector", err)
			}
			desc, err := getSegDesc(v.fd, v.cpuid, segmentNumbers[reg])
			if err != nil {
				return wrapErrno("vmm: get segment descriptor", err)
			}
			regs[reg] = segmentFromDesc(selector, desc)

		case tableNumbers[reg] != 0:
			desc, err := getSegDesc(v.fd, v.cpuid, tableNumbers[reg])
			if err != nil {
				return wrapErrno("vmm: get descriptor table", err)
			}
			regs[reg] = hv.RegisterTable{Base: desc.Base, Limit: uint16(desc.Limit)}

		default:
			return unsupportedRegisterError("vmm: get registers", reg)
		}
	}

	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		switch val := val.(type) {
		case hv.Register64:
			if registerNumbers[reg] == 0 && reg != hv.RegisterAMD64Rax {
				if segmentNumbers[reg] != 0 || tableNumbers[reg] != 0 {
					return hv.Errorf(hv.KindInvalidArgument, "vmm: set registers",
						"register %d takes a segment or table value", reg)
				}
				return unsupportedRegisterError("vmm: set registers", reg)
			}
			if err := setRegister(v.fd, v.cpuid, registerNumbers[reg], uint64(val)); err != nil {
				return wrapErrno("vmm: set register", err)
			}

		case hv.RegisterSegment:
			regnum, ok := segmentNumbers[reg]
			if !ok {
				return hv.Errorf(hv.KindInvalidArgument, "vmm: set registers",
					"register %d is not a segment register", reg)
			}
			if err := setRegister(v.fd, v.cpuid, regnum, uint64(val.Selector)); err != nil {
				return wrapErrno("vmm: set segment selector", err)
			}
			desc := vmSegDescriptor{Base: val.Base, Limit: val.Limit, Access: accessWord(val)}
			if err := setSegDesc(v.fd, v.cpuid, regnum, desc); err != nil {
				return wrapErrno("vmm: set segment descriptor", err)
			}

		case hv.RegisterTable:
			regnum, ok := tableNumbers[reg]
			if !ok {
				return hv.Errorf(hv.KindInvalidArgument, "vmm: set registers",
					"register %d is not a descriptor table register", reg)
			}
			desc := vmSegDescriptor{Base: val.Base, Limit: uint32(val.Limit)}
			if err := setSegDesc(v.fd, v.cpuid, regnum, desc); err != nil {
				return wrapErrno("vmm: set descriptor table", err)
			}

		default:
			return hv.Errorf(hv.KindInvalidArgument, "vmm: set registers",
				"register %d: unsupported value width", reg)
		}
	}

	return nil
}
