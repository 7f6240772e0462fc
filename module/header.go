package module

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
)

// Magic is the "MOD0" sentinel opening every module header.
const Magic uint32 = 0x30444F4D

// HeaderSize is the on-image size of a Header.
const HeaderSize = 28

// HeaderPointerOffset is where the image stores the header offset, counted
// from the image base.
const HeaderPointerOffset = 4

var ErrBadMagic = errors.New("module header magic mismatch")

// Header is the fixed record locating a module's dynamic section, BSS range,
// unwind info and Module Object. Offsets are relative to the header itself.
type Header struct {
	Magic              uint32
	DynamicOffset      uint32
	BSSStartOffset     uint32
	BSSEndOffset       uint32
	UnwindStartOffset  uint32
	UnwindEndOffset    uint32
	ModuleObjectOffset uint32

	// Address is where the header was read from.
	Address uint64
}

// HeaderAddress follows the offset stored HeaderPointerOffset bytes past base.
func HeaderAddress(memory memmod.Memory, base uint64) (uint64, error) {
	offset, err := memmod.ReadUint32(memory, base+HeaderPointerOffset)
	if err != nil {
		return 0, fmt.Errorf("read module header offset: %w", err)
	}
	return base + uint64(offset), nil
}

// ReadHeader locates and decodes the header of the image mapped at base.
// A magic mismatch is reported as ErrBadMagic with the header still filled in.
func ReadHeader(memory memmod.Memory, base uint64) (Header, error) {
	address, err := HeaderAddress(memory, base)
	if err != nil {
		return Header{}, err
	}
	raw, err := memory.Slice(address, HeaderSize)
	if err != nil {
		return Header{}, fmt.Errorf("read module header: %w", err)
	}
	header := DecodeHeader(raw)
	header.Address = address
	if header.Magic != Magic {
		return header, fmt.Errorf("%w at %#x: %#08x", ErrBadMagic, address, header.Magic)
	}
	return header, nil
}

func DecodeHeader(raw []byte) Header {
	le := binary.LittleEndian
	return Header{
		Magic:              le.Uint32(raw[0:]),
		DynamicOffset:      le.Uint32(raw[4:]),
		BSSStartOffset:     le.Uint32(raw[8:]),
		BSSEndOffset:       le.Uint32(raw[12:]),
		UnwindStartOffset:  le.Uint32(raw[16:]),
		UnwindEndOffset:    le.Uint32(raw[20:]),
		ModuleObjectOffset: le.Uint32(raw[24:]),
	}
}

// Encode writes the header's on-image form into raw.
func (header Header) Encode(raw []byte) {
	le := binary.LittleEndian
	le.PutUint32(raw[0:], header.Magic)
	le.PutUint32(raw[4:], header.DynamicOffset)
	le.PutUint32(raw[8:], header.BSSStartOffset)
	le.PutUint32(raw[12:], header.BSSEndOffset)
	le.PutUint32(raw[16:], header.UnwindStartOffset)
	le.PutUint32(raw[20:], header.UnwindEndOffset)
	le.PutUint32(raw[24:], header.ModuleObjectOffset)
}

// Offsets are signed on the image so a header can sit after the data it
// points at.
func (header Header) resolve(offset uint32) uint64 {
	return header.Address + uint64(int64(int32(offset)))
}

func (header Header) DynamicAddress() uint64 { return header.resolve(header.DynamicOffset) }

func (header Header) ObjectAddress() uint64 { return header.resolve(header.ModuleObjectOffset) }

func (header Header) BSS() (start, end uint64) {
	return header.resolve(header.BSSStartOffset), header.resolve(header.BSSEndOffset)
}

func (header Header) Unwind() (start, end uint64) {
	return header.resolve(header.UnwindStartOffset), header.resolve(header.UnwindEndOffset)
}

// ClearBSS zeroes the BSS range if it is not empty.
func (header Header) ClearBSS(memory memmod.Memory) error {
	start, end := header.BSS()
	if start >= end {
		return nil
	}
	if err := memmod.Zero(memory, start, end-start); err != nil {
		return fmt.Errorf("clear bss: %w", err)
	}
	return nil
}
