// Package memmod emulates the address space module images are mapped into.
//
// Every access goes through Slice, which validates the requested range against
// a single mapped region before handing out a view of its backing pages.
package memmod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sliverarmory/rtld/svc"
)

const PageSize = 0x1000

var (
	ErrUnmapped    = errors.New("address is not mapped")
	ErrOutOfBounds = errors.New("access crosses region boundary")
	ErrOverlap     = errors.New("region overlaps an existing mapping")
	ErrUnaligned   = errors.New("region is not page aligned")
	ErrClosed      = errors.New("address space is closed")
)

// Memory is a readable and writable view of foreign memory.
type Memory interface {
	Slice(address, size uint64) ([]byte, error)
}

// Region is one mapping in an AddressSpace.
type Region struct {
	Address    uint64
	State      svc.MemoryState
	Permission svc.MemoryPermission
	Attribute  svc.MemoryAttribute

	data    []byte
	release func() error
}

func (region *Region) Size() uint64 { return uint64(len(region.data)) }

func (region *Region) End() uint64 { return region.Address + region.Size() }

// Bytes returns the backing pages of the region.
func (region *Region) Bytes() []byte { return region.data }

func (region *Region) info() svc.MemoryInfo {
	return svc.MemoryInfo{
		Address:    region.Address,
		Size:       region.Size(),
		State:      region.State,
		Attribute:  region.Attribute,
		Permission: region.Permission,
	}
}

// AddressSpace is a sparse 64-bit address space made of page-aligned regions.
// Permissions are reported by QueryMemory but not enforced by Slice; the
// linker writes into code-data regions it does not own.
type AddressSpace struct {
	mu      sync.RWMutex
	regions []*Region
	closed  bool
}

func New() *AddressSpace {
	return &AddressSpace{}
}

// Map creates a zero-filled region.
func (space *AddressSpace) Map(address, size uint64, state svc.MemoryState, perm svc.MemoryPermission) (*Region, error) {
	if size == 0 || address%PageSize != 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("map %#x+%#x: %w", address, size, ErrUnaligned)
	}
	if address+size < address && address+size != 0 {
		return nil, fmt.Errorf("map %#x+%#x: %w", address, size, ErrOutOfBounds)
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("map %#x+%#x: region too large", address, size)
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	if space.closed {
		return nil, ErrClosed
	}
	for _, existing := range space.regions {
		if address < existing.End() && existing.Address < address+size {
			return nil, fmt.Errorf("map %#x+%#x: %w (%#x+%#x)", address, size, ErrOverlap, existing.Address, existing.Size())
		}
	}

	data, release, err := allocatePages(int(size))
	if err != nil {
		return nil, fmt.Errorf("map %#x+%#x: %w", address, size, err)
	}
	region := &Region{
		Address:    address,
		State:      state,
		Permission: perm,
		data:       data,
		release:    release,
	}
	space.regions = append(space.regions, region)
	sort.Slice(space.regions, func(i, j int) bool {
		return space.regions[i].Address < space.regions[j].Address
	})
	return region, nil
}

// MapBytes maps a region large enough for data, rounded up to whole pages,
// and copies data to its start.
func (space *AddressSpace) MapBytes(address uint64, data []byte, state svc.MemoryState, perm svc.MemoryPermission) (*Region, error) {
	region, err := space.Map(address, AlignUp(uint64(len(data))), state, perm)
	if err != nil {
		return nil, err
	}
	copy(region.data, data)
	return region, nil
}

// Unmap removes the region starting at address.
func (space *AddressSpace) Unmap(address uint64) error {
	space.mu.Lock()
	defer space.mu.Unlock()

	for i, region := range space.regions {
		if region.Address != address {
			continue
		}
		space.regions = append(space.regions[:i], space.regions[i+1:]...)
		return region.release()
	}
	return fmt.Errorf("unmap %#x: %w", address, ErrUnmapped)
}

// Close releases every region.
func (space *AddressSpace) Close() error {
	space.mu.Lock()
	defer space.mu.Unlock()

	if space.closed {
		return nil
	}
	space.closed = true

	var errs []error
	for _, region := range space.regions {
		if err := region.release(); err != nil {
			errs = append(errs, err)
		}
	}
	space.regions = nil
	return errors.Join(errs...)
}

// Regions returns the mapped regions in address order.
func (space *AddressSpace) Regions() []svc.MemoryInfo {
	space.mu.RLock()
	defer space.mu.RUnlock()

	out := make([]svc.MemoryInfo, 0, len(space.regions))
	for _, region := range space.regions {
		out = append(out, region.info())
	}
	return out
}

// QueryMemory returns the region containing address. Unmapped gaps are
// reported as free regions spanning up to the next mapping, or to the top of
// the address space.
func (space *AddressSpace) QueryMemory(address uint64) (svc.MemoryInfo, uint32, error) {
	space.mu.RLock()
	defer space.mu.RUnlock()

	if space.closed {
		return svc.MemoryInfo{}, 0, ErrClosed
	}

	var gapStart uint64
	for _, region := range space.regions {
		if address < region.Address {
			return svc.MemoryInfo{
				Address: gapStart,
				Size:    region.Address - gapStart,
				State:   svc.MemoryStateFree,
			}, 0, nil
		}
		if address-region.Address < region.Size() {
			return region.info(), 0, nil
		}
		gapStart = region.End()
	}
	return svc.MemoryInfo{
		Address: gapStart,
		Size:    -gapStart,
		State:   svc.MemoryStateFree,
	}, 0, nil
}

// Slice returns the backing bytes of [address, address+size). The range must
// lie inside one region.
func (space *AddressSpace) Slice(address, size uint64) ([]byte, error) {
	space.mu.RLock()
	defer space.mu.RUnlock()

	if space.closed {
		return nil, ErrClosed
	}

	index := sort.Search(len(space.regions), func(i int) bool {
		return space.regions[i].End()-1 >= address
	})
	if index == len(space.regions) || address < space.regions[index].Address {
		return nil, fmt.Errorf("%#x: %w", address, ErrUnmapped)
	}
	region := space.regions[index]
	offset := address - region.Address
	if size > region.Size()-offset {
		return nil, fmt.Errorf("%#x+%#x: %w", address, size, ErrOutOfBounds)
	}
	return region.data[offset : offset+size : offset+size], nil
}

// AlignUp rounds size up to a whole number of pages.
func AlignUp(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

func ReadUint32(memory Memory, address uint64) (uint32, error) {
	b, err := memory.Slice(address, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func ReadUint64(memory Memory, address uint64) (uint64, error) {
	b, err := memory.Slice(address, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func WriteUint64(memory Memory, address uint64, value uint64) error {
	b, err := memory.Slice(address, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}

// Zero clears [address, address+size).
func Zero(memory Memory, address, size uint64) error {
	if size == 0 {
		return nil
	}
	b, err := memory.Slice(address, size)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
