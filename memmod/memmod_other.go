//go:build !linux

package memmod

func allocatePages(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
