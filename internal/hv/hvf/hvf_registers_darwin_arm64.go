//go:build darwin && arm64

package hvf

import (
	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/hvf/bindings"
)

var registerMap = func() map[hv.Register]bindings.Reg {
	regs := make(map[hv.Register]bindings.Reg, 33)

	for i := 0; i <= 30; i++ {
		regs[hv.Register(int(hv.RegisterARM64X0)+i)] = bindings.HV_REG_X0 + bindings.Reg(i)
	}

	regs[hv.RegisterARM64Pc] = bindings.HV_REG_PC
	regs[hv.RegisterARM64Pstate] = bindings.HV_REG_CPSR

	return regs
}()

var sysRegisterMap = map[hv.Register]bindings.SysReg{
	hv.RegisterARM64Sp:   bindings.HV_SYS_REG_SP_EL1,
	hv.RegisterARM64Vbar: bindings.HV_SYS_REG_VBAR_EL1,
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if reg == hv.RegisterARM64Xzr {
			regs[reg] = hv.Register64(0)
			continue
		}
		if hvReg, ok := registerMap[reg]; ok {
			var value uint64
			if r := bindings.HvVcpuGetReg(v.id, hvReg, &value); r != bindings.HV_SUCCESS {
				return wrapReturn("hvf: get register", r)
			}
			regs[reg] = hv.Register64(value)
		} else if hvReg, ok := sysRegisterMap[reg]; ok {
			var value uint64
			if r := bindings.HvVcpuGetSysReg(v.id, hvReg, &value); r != bindings.HV_SUCCESS {
				return wrapReturn("hvf: get system register", r)
			}
			regs[reg] = hv.Register64(value)
		} else {
			return hv.Errorf(hv.KindInvalidArgument, "hvf: get registers",
				"register %d has no arm64 mapping", reg)
		}
	}

	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		v64, ok := val.(hv.Register64)
		if !ok {
			return hv.Errorf(hv.KindInvalidArgument, "hvf: set registers",
				"register %d: unsupported value width", reg)
		}

		if hvReg, ok := registerMap[reg]; ok {
			if r := bindings.HvVcpuSetReg(v.id, hvReg, uint64(v64)); r != bindings.HV_SUCCESS {
				return wrapReturn("hvf: set register", r)
			}
		} else if hvReg, ok := sysRegisterMap[reg]; ok {
			if r := bindings.HvVcpuSetSysReg(v.id, hvReg, uint64(v64)); r != bindings.HV_SUCCESS {
				return wrapReturn("hvf: set system register", r)
			}
		} else {
			return hv.Errorf(hv.KindInvalidArgument, "hvf: set registers",
				"register %d has no arm64 mapping", reg)
		}
	}

	return nil
}
