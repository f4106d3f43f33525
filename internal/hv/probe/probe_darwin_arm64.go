//go:build darwin && arm64

package probe

import (
	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/hvf"
)

func Open() (*hv.Hypervisor, error) {
	backend, err := hvf.Open()
	if err != nil {
		return nil, err
	}
	return hv.NewHypervisor(backend), nil
}
