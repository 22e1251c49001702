//go:build !linux || !cgo

package thread

import "github.com/pkg/errors"

// SetCPUAffinity is only supported on Linux.
func SetCPUAffinity(coreID int) error {
	return errors.Errorf("cpu affinity not supported, core %d", coreID)
}
