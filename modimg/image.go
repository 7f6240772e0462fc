package modimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

var ErrNotRelocatable = errors.New("modimg: image is not a position-independent shared object")

// Segment is one mapping of an image. Offset is counted from the image base.
type Segment struct {
	Offset     uint64
	Data       []byte
	State      svc.MemoryState
	Permission svc.MemoryPermission
}

func (segment Segment) End() uint64 { return segment.Offset + memmod.AlignUp(uint64(len(segment.Data))) }

// Image is a laid-out module image ready to be mapped.
type Image struct {
	Arch     module.Arch
	Segments []Segment

	HeaderOffset  uint64
	DynamicOffset uint64
	GOTOffset     uint64
	ObjectOffset  uint64
	PLTSlots      []uint64
}

// Size is the extent of the image from its base, in whole pages.
func (image *Image) Size() uint64 {
	var size uint64
	for _, segment := range image.Segments {
		size = max(size, segment.End())
	}
	return size
}

// Map copies every segment into space at base. Segments already mapped are
// unmapped again if a later one fails.
func (image *Image) Map(space *memmod.AddressSpace, base uint64) error {
	if base%memmod.PageSize != 0 {
		return fmt.Errorf("map image at %#x: %w", base, memmod.ErrUnaligned)
	}
	var mapped []uint64
	for _, segment := range image.Segments {
		if _, err := space.MapBytes(base+segment.Offset, segment.Data, segment.State, segment.Permission); err != nil {
			for _, address := range mapped {
				_ = space.Unmap(address)
			}
			return fmt.Errorf("map image segment %#x: %w", segment.Offset, err)
		}
		mapped = append(mapped, base+segment.Offset)
	}
	return nil
}

// FromELF adapts a 64-bit ELF shared object into a module image: its PT_LOAD
// segments are laid out from vaddr 0, a code-data page holding the MOD0 header
// and the module object is appended, and the word at offset 4 of the first
// page is overwritten with the header offset. Only the segment at the base is
// mapped executable so discovery sees a single module.
func FromELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid ELF image: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s %s", ErrNotRelocatable, f.Class, f.Data)
	}
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: unsupported ELF file type: %s", ErrNotRelocatable, f.Type)
	}
	arch, err := module.ArchByMachine(f.Machine)
	if err != nil {
		return nil, err
	}

	var loads []*elf.Prog
	var dynamic *elf.Prog
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			loads = append(loads, prog)
		case elf.PT_DYNAMIC:
			dynamic = prog
		}
	}
	if len(loads) == 0 || dynamic == nil {
		return nil, fmt.Errorf("%w: missing PT_LOAD or PT_DYNAMIC", ErrNotRelocatable)
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })
	if loads[0].Vaddr != 0 {
		return nil, fmt.Errorf("%w: first PT_LOAD at %#x", ErrNotRelocatable, loads[0].Vaddr)
	}

	type span struct {
		start, end uint64
		flags      elf.ProgFlag
	}
	var spans []span
	for _, prog := range loads {
		start := prog.Vaddr &^ (memmod.PageSize - 1)
		end := memmod.AlignUp(prog.Vaddr + prog.Memsz)
		if n := len(spans); n > 0 && start < spans[n-1].end {
			spans[n-1].end = max(spans[n-1].end, end)
			spans[n-1].flags |= prog.Flags
			continue
		}
		spans = append(spans, span{start: start, end: end, flags: prog.Flags})
	}

	headerOffset := spans[len(spans)-1].end
	objectOffset := headerOffset + memmod.AlignUp(module.HeaderSize)
	flat := make([]byte, objectOffset+ObjectSize)
	for _, prog := range loads {
		if prog.Filesz == 0 {
			continue
		}
		if _, err := prog.ReadAt(flat[prog.Vaddr:prog.Vaddr+prog.Filesz], 0); err != nil {
			return nil, fmt.Errorf("read PT_LOAD at %#x: %w", prog.Vaddr, err)
		}
	}

	binary.LittleEndian.PutUint32(flat[module.HeaderPointerOffset:], uint32(headerOffset))
	header := module.Header{
		Magic:              module.Magic,
		DynamicOffset:      uint32(int32(int64(dynamic.Vaddr) - int64(headerOffset))),
		BSSStartOffset:     uint32(objectOffset - headerOffset),
		BSSEndOffset:       uint32(objectOffset + ObjectSize - headerOffset),
		ModuleObjectOffset: uint32(objectOffset - headerOffset),
	}
	header.Encode(flat[headerOffset:])

	image := &Image{
		Arch:          arch,
		HeaderOffset:  headerOffset,
		DynamicOffset: dynamic.Vaddr,
		ObjectOffset:  objectOffset,
	}
	for i, span := range spans {
		segment := Segment{
			Offset:     span.start,
			Data:       flat[span.start:span.end],
			State:      svc.MemoryStateCode,
			Permission: svc.PermissionRead,
		}
		switch {
		case i == 0:
			segment.Permission = svc.PermissionRX
		case span.flags&elf.PF_W != 0:
			segment.State = svc.MemoryStateCodeData
			segment.Permission = svc.PermissionRW
		}
		image.Segments = append(image.Segments, segment)
	}
	image.Segments = append(image.Segments, Segment{
		Offset:     headerOffset,
		Data:       flat[headerOffset:],
		State:      svc.MemoryStateCodeData,
		Permission: svc.PermissionRW,
	})

	if got, err := dynamicValue(f, elf.DT_PLTGOT); err == nil {
		image.GOTOffset = got
	}
	return image, nil
}

func dynamicValue(f *elf.File, tag elf.DynTag) (uint64, error) {
	values, err := f.DynValue(tag)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no %s entry", tag)
	}
	return values[0], nil
}
