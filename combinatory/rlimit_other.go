//go:build !linux && !darwin

package combinatory

import "errors"

// RLimit is unavailable on this platform.
type RLimit struct{}

func (RLimit) Get() (uint64, uint64, error) {
	return 0, 0, errors.ErrUnsupported
}

func (RLimit) Set(uint64, uint64) error {
	return errors.ErrUnsupported
}
