//go:build windows && amd64

package whp

import (
	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/whp/bindings"
)

// registerNames covers the registers valued as plain 64-bit quantities,
// including the MSRs WHP exposes as named registers.
var registerNames = map[hv.Register]bindings.RegisterName{
	hv.RegisterAMD64Rax:    bindings.RegisterRax,
	hv.RegisterAMD64Rbx:    bindings.RegisterRbx,
	hv.RegisterAMD64Rcx:    bindings.RegisterRcx,
	hv.RegisterAMD64Rdx:    bindings.RegisterRdx,
	hv.RegisterAMD64Rsi:    bindings.RegisterRsi,
	hv.RegisterAMD64Rdi:    bindings.RegisterRdi,
	hv.RegisterAMD64Rsp:    bindings.RegisterRsp,
	hv.RegisterAMD64Rbp:    bindings.RegisterRbp,
	hv.RegisterAMD64R8:     bindings.RegisterR8,
	hv.RegisterAMD64R9:     bindings.RegisterR9,
	hv.RegisterAMD64R10:    bindings.RegisterR10,
	hv.RegisterAMD64R11:    bindings.RegisterR11,
	hv.RegisterAMD64R12:    bindings.RegisterR12,
	hv.RegisterAMD64R13:    bindings.RegisterR13,
	hv.RegisterAMD64R14:    bindings.RegisterR14,
	hv.RegisterAMD64R15:    bindings.RegisterR15,
	hv.RegisterAMD64Rip:    bindings.RegisterRip,
	hv.RegisterAMD64Rflags: bindings.RegisterRflags,
	hv.RegisterAMD64Cr0:    bindings.RegisterCr0,
	hv.RegisterAMD64Cr2:    bindings.RegisterCr2,
	hv.RegisterAMD64Cr3:    bindings.RegisterCr3,
	hv.RegisterAMD64Cr4:    bindings.RegisterCr4,
	hv.RegisterAMD64Cr8:    bindings.RegisterCr8,
	hv.RegisterAMD64Efer:   bindings.RegisterEfer,

	hv.RegisterAMD64Star:         bindings.RegisterStar,
	hv.RegisterAMD64Lstar:        bindings.RegisterLstar,
	hv.RegisterAMD64Cstar:        bindings.RegisterCstar,
	hv.RegisterAMD64Sfmask:       bindings.RegisterSfmask,
	hv.RegisterAMD64KernelGsBase: bindings.RegisterKernelGsBase,
	hv.RegisterAMD64ApicBase:     bindings.RegisterApicBase,
}

var segmentNames = map[hv.Register]bindings.RegisterName{
	hv.RegisterAMD64Cs:   bindings.RegisterCs,
	hv.RegisterAMD64Ss:   bindings.RegisterSs,
	hv.RegisterAMD64Ds:   bindings.RegisterDs,
	hv.RegisterAMD64Es:   bindings.RegisterEs,
	hv.RegisterAMD64Fs:   bindings.RegisterFs,
	hv.RegisterAMD64Gs:   bindings.RegisterGs,
	hv.RegisterAMD64Tr:   bindings.RegisterTr,
	hv.RegisterAMD64Ldtr: bindings.RegisterLdtr,
}

var tableNames = map[hv.Register]bindings.RegisterName{
	hv.RegisterAMD64Gdtr: bindings.RegisterGdtr,
	hv.RegisterAMD64Idtr: bindings.RegisterIdtr,
}

func lookupName(reg hv.Register) (bindings.RegisterName, bool) {
	if name, ok := registerNames[reg]; ok {
		return name, true
	}
	if name, ok := segmentNames[reg]; ok {
		return name, true
	}
	name, ok := tableNames[reg]
	return name, ok
}

func segmentAttributes(s hv.RegisterSegment) uint16 {
	attrs := uint16(s.Type&0xf) | uint16(s.Dpl&0x3)<<5
	if s.S {
		attrs |= 1 << 4
	}
	if s.Present {
		attrs |= 1 << 7
	}
	if s.Avl {
		attrs |= 1 << 12
	}
	if s.L {
		attrs |= 1 << 13
	}
	if s.Db {
		attrs |= 1 << 14
	}
	if s.G {
		attrs |= 1 << 15
	}
	return attrs
}

func segmentFromWhp(s bindings.X64SegmentRegister) hv.RegisterSegment {
	return hv.RegisterSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     uint8(s.Attributes & 0xf),
		Dpl:      uint8(s.Attributes >> 5 & 0x3),
		S:        s.Attributes&(1<<4) != 0,
		Present:  s.Attributes&(1<<7) != 0,
		Avl:      s.Attributes&(1<<12) != 0,
		L:        s.Attributes&(1<<13) != 0,
		Db:       s.Attributes&(1<<14) != 0,
		G:        s.Attributes&(1<<15) != 0,
	}
}

// The batch register calls take parallel name/value arrays, so both get
// and set are one WinHv call regardless of how many registers move.

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if len(regs) == 0 {
		return nil
	}

	names := make([]bindings.RegisterName, 0, len(regs))
	order := make([]hv.Register, 0, len(regs))

	for reg := range regs {
		name, ok := lookupName(reg)
		if !ok {
			return hv.Errorf(hv.KindInvalidArgument, "whp: get registers",
				"register %d has no x86-64 mapping", reg)
		}
		names = append(names, name)
		order = append(order, reg)
	}

	values := make([]bindings.RegisterValue, len(names))
	if err := bindings.GetVirtualProcessorRegisters(v.partition, v.index, names, values); err != nil {
		return wrapHRESULT("whp: get registers", err)
	}

	for i, reg := range order {
		switch {
		case segmentNames[reg] != 0:
			regs[reg] = segmentFromWhp(*values[i].AsSegment())
		case tableNames[reg] != 0:
			t := values[i].AsTable()
			regs[reg] = hv.RegisterTable{Base: t.Base, Limit: t.Limit}
		default:
			regs[reg] = hv.Register64(*values[i].AsUint64())
		}
	}

	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if len(regs) == 0 {
		return nil
	}

	names := make([]bindings.RegisterName, 0, len(regs))
	values := make([]bindings.RegisterValue, 0, len(regs))

	for reg, val := range regs {
		name, ok := lookupName(reg)
		if !ok {
			return hv.Errorf(hv.KindInvalidArgument, "whp: set registers",
				"register %d has no x86-64 mapping", reg)
		}

		var rv bindings.RegisterValue
		switch val := val.(type) {
		case hv.Register64:
			if registerNames[reg] == 0 && reg != hv.RegisterAMD64Rax {
				return hv.Errorf(hv.KindInvalidArgument, "whp: set registers",
					"register %d takes a segment or table value", reg)
			}
			rv.SetUint64(uint64(val))
		case hv.RegisterSegment:
			if segmentNames[reg] == 0 {
				return hv.Errorf(hv.KindInvalidArgument, "whp: set registers",
					"register %d is not a segment register", reg)
			}
			*rv.AsSegment() = bindings.X64SegmentRegister{
				Base:       val.Base,
				Limit:      val.Limit,
				Selector:   val.Selector,
				Attributes: segmentAttributes(val),
			}
		case hv.RegisterTable:
			if tableNames[reg] == 0 {
				return hv.Errorf(hv.KindInvalidArgument, "whp: set registers",
					"register %d is not a descriptor table register", reg)
			}
			rv.AsTable().Base = val.Base
			rv.AsTable().Limit = val.Limit
		default:
			return hv.Errorf(hv.KindInvalidArgument, "whp: set registers",
				"register %d: unsupported value width", reg)
		}

		names = append(names, name)
		values = append(values, rv)
	}

	if err := bindings.SetVirtualProcessorRegisters(v.partition, v.index, names, values); err != nil {
		return wrapHRESULT("whp: set registers", err)
	}

	return nil
}
