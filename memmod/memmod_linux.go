//go:build linux

package memmod

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// allocatePages backs a region with an anonymous private mapping so module
// images live outside the Go heap, the way the loader sees them on hardware.
func allocatePages(size int) ([]byte, func() error, error) {
	for {
		data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, nil, fmt.Errorf("mmap anonymous pages: %w", err)
		}
		released := false
		release := func() error {
			if released {
				return nil
			}
			released = true
			if err := unix.Munmap(data); err != nil {
				return fmt.Errorf("munmap anonymous pages: %w", err)
			}
			return nil
		}
		return data, release, nil
	}
}
