//go:build windows && amd64

package probe

import (
	"github.com/highrise-vm/highrise/internal/hv"
	"github.com/highrise-vm/highrise/internal/hv/whp"
)

func Open() (*hv.Hypervisor, error) {
	backend, err := whp.Open()
	if err != nil {
		return nil, err
	}
	return hv.NewHypervisor(backend), nil
}
