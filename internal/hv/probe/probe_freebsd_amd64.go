//go:build freebsd && amd64

package probe

import (
	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/vmm"
)

func Open() (*hv.Hypervisor, error) {
	backend, err := vmm.Open()
	if err != nil {
		return nil, err
	}
	return hv.NewHypervisor(backend), nil
}
