//go:build linux && amd64

package probe

import (
	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/kvm"
)

func Open() (*hv.Hypervisor, error) {
	backend, err := kvm.Open()
	if err != nil {
		return nil, err
	}
	return hv.NewHypervisor(backend), nil
}
