//go:build !((linux && amd64) || (windows && amd64) || (darwin && arm64) || (freebsd && amd64))

package probe

import (
	"runtime"

	"github.com/highrise-vm/highrise/internal/hv"
)

func Open() (*hv.Hypervisor, error) {
	return nil, hv.ProbeError("probe",
		"no hypervisor backend for "+runtime.GOOS+"/"+runtime.GOARCH)
}
