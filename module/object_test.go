package module_test

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/modimg"
	"github.com/sliverarmory/rtld/module"
)

func TestInitialize(t *testing.T) {
	b := modimg.NewBuilder(module.AArch64)
	b.Soname = "liba.so"
	b.Init = 0x40
	b.Fini = 0x80
	b.Pointer(0x20)
	b.GlobDat(b.Import("ext"))
	b.PLT(b.Import("fn"))
	space, object := load(t, b)

	require.Equal(t, uint64(testBase), object.Base)
	require.Equal(t, "aarch64", object.Arch().Name)
	require.Equal(t, uint64(testBase+0x40), object.Init)
	require.Equal(t, uint64(testBase+0x80), object.Fini)
	require.Equal(t, "liba.so", object.Name(space))

	require.Zero(t, object.Rel.Len())
	require.Equal(t, uint64(2), object.Rela.Len())
	require.Equal(t, uint64(1), object.RelaCount)
	require.True(t, object.IsRela())
	require.Equal(t, uint64(1), object.PLT.Len())
	require.NotZero(t, object.GOT)
	require.Zero(t, object.GOTStub)
}

func TestInitializeRejectsEntrySize(t *testing.T) {
	for _, tag := range []elf.DynTag{elf.DT_RELENT, elf.DT_RELAENT, elf.DT_SYMENT} {
		b := modimg.NewBuilder(module.AArch64)
		b.Extra = []elf.Dyn64{{Tag: int64(tag), Val: 8}}
		image, err := b.Build()
		require.NoError(t, err)

		space := memmod.New()
		require.NoError(t, image.Map(space, testBase))
		header, err := module.ReadHeader(space, testBase)
		require.NoError(t, err)

		object := module.NewObject(header.ObjectAddress())
		err = object.Initialize(space, module.AArch64, testBase, header.DynamicAddress())
		require.ErrorIs(t, err, module.ErrEntrySize, tag.String())
		require.NoError(t, space.Close())
	}
}

func TestInitializeRejectsPLTRel(t *testing.T) {
	b := modimg.NewBuilder(module.AArch64)
	b.Extra = []elf.Dyn64{{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_JMPREL)}}
	image, err := b.Build()
	require.NoError(t, err)

	space := memmod.New()
	defer space.Close()
	require.NoError(t, image.Map(space, testBase))
	header, err := module.ReadHeader(space, testBase)
	require.NoError(t, err)

	object := module.NewObject(header.ObjectAddress())
	err = object.Initialize(space, module.AArch64, testBase, header.DynamicAddress())
	require.ErrorIs(t, err, module.ErrPLTRelType)
}

func TestRelocate(t *testing.T) {
	for _, kind := range []module.RelocKind{module.KindRel, module.KindRela} {
		t.Run(kind.String(), func(t *testing.T) {
			b := modimg.NewBuilder(module.X86_64)
			b.Kind = kind
			first := b.Pointer(0x20)
			second := b.Pointer(0x1234)
			slot := b.GlobDat(b.Import("ext"))
			space, object := load(t, b)

			applied, err := object.Relocate(space)
			require.NoError(t, err)
			require.Equal(t, 2, applied)

			for offset, want := range map[uint64]uint64{first: testBase + 0x20, second: testBase + 0x1234, slot: 0} {
				got, err := memmod.ReadUint64(space, testBase+offset)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
		})
	}
}

func TestApplyRelativeCountOverflow(t *testing.T) {
	b := modimg.NewBuilder(module.AArch64)
	b.Pointer(0x20)
	space, object := load(t, b)

	_, err := module.ApplyRelative(space, module.AArch64, object.Base, object.Rela, object.Rela.Len()+1)
	require.ErrorIs(t, err, module.ErrTableBounds)
}

func TestReadHeader(t *testing.T) {
	b := modimg.NewBuilder(module.AArch64)
	b.BSSSize = 0x40
	image, err := b.Build()
	require.NoError(t, err)

	space := memmod.New()
	defer space.Close()
	require.NoError(t, image.Map(space, testBase))

	header, err := module.ReadHeader(space, testBase)
	require.NoError(t, err)
	require.Equal(t, module.Magic, header.Magic)
	require.Equal(t, uint64(testBase+modimg.HeaderOffset), header.Address)
	require.Equal(t, uint64(testBase)+image.DynamicOffset, header.DynamicAddress())
	require.Equal(t, uint64(testBase)+image.ObjectOffset, header.ObjectAddress())

	start, end := header.BSS()
	require.Equal(t, uint64(modimg.ObjectSize+0x40), end-start)
	require.NoError(t, memmod.WriteUint64(space, start, 0xdeadbeef))
	require.NoError(t, header.ClearBSS(space))
	value, err := memmod.ReadUint64(space, start)
	require.NoError(t, err)
	require.Zero(t, value)
}

func TestReadHeaderBadMagic(t *testing.T) {
	b := modimg.NewBuilder(module.AArch64)
	b.Magic = 0x31444F4D
	image, err := b.Build()
	require.NoError(t, err)

	space := memmod.New()
	defer space.Close()
	require.NoError(t, image.Map(space, testBase))

	header, err := module.ReadHeader(space, testBase)
	require.ErrorIs(t, err, module.ErrBadMagic)
	require.Equal(t, uint32(0x31444F4D), header.Magic)
}

func TestHeaderSignedOffsets(t *testing.T) {
	raw := make([]byte, module.HeaderSize)
	module.Header{Magic: module.Magic, DynamicOffset: uint32(0xfffff000)}.Encode(raw)
	header := module.DecodeHeader(raw)
	header.Address = 0x5000
	require.Equal(t, uint64(0x4000), header.DynamicAddress())
}

func TestHeaderOffsetsAtSignBoundary(t *testing.T) {
	header := module.Header{
		Magic:              module.Magic,
		DynamicOffset:      0x80000000,
		ModuleObjectOffset: 0x7fffffff,
		UnwindStartOffset:  0xffffffff,
		UnwindEndOffset:    0x10,
		Address:            0x1_0000_0000,
	}

	require.Equal(t, uint64(0x8000_0000), header.DynamicAddress())
	require.Equal(t, uint64(0x1_7fff_ffff), header.ObjectAddress())
	start, end := header.Unwind()
	require.Equal(t, uint64(0xffff_ffff), start)
	require.Equal(t, uint64(0x1_0000_0010), end)
}
