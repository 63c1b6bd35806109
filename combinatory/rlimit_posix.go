//go:build linux || darwin

package combinatory

import (
	"golang.org/x/sys/unix"
)

// RLimit is the RLIMIT_NOFILE limit of the running process.
type RLimit struct{}

func (RLimit) Get() (uint64, uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, 0, err
	}
	return uint64(lim.Cur), uint64(lim.Max), nil
}

func (RLimit) Set(soft, hard uint64) error {
	lim := unix.Rlimit{Cur: soft, Max: hard}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
