package modimg

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

func TestBuildLayout(t *testing.T) {
	b := NewBuilder(module.AArch64)
	b.Soname = "libtest.so"
	b.Pointer(0x10)
	b.PLT(b.Import("fn"))
	b.PLT(b.Import("other"))
	image, err := b.Build()
	require.NoError(t, err)

	require.Len(t, image.Segments, 3)
	text := image.Segments[0]
	require.Equal(t, uint64(0), text.Offset)
	require.Equal(t, svc.MemoryStateCode, text.State)
	require.Equal(t, svc.PermissionRX, text.Permission)
	require.Equal(t, svc.PermissionRW, image.Segments[1].Permission)
	require.Equal(t, svc.PermissionRead, image.Segments[2].Permission)

	require.Equal(t, uint64(HeaderOffset), image.HeaderOffset)
	require.Equal(t, []uint64{image.GOTOffset + 24, image.GOTOffset + 32}, image.PLTSlots)
	require.Greater(t, image.ObjectOffset, image.GOTOffset)
	require.Zero(t, image.Size()%memmod.PageSize)

	header := module.DecodeHeader(text.Data[HeaderOffset:])
	require.Equal(t, module.Magic, header.Magic)
	header.Address = HeaderOffset
	require.Equal(t, image.DynamicOffset, header.DynamicAddress())
	require.Equal(t, image.ObjectOffset, header.ObjectAddress())
}

func TestBuildDynamic(t *testing.T) {
	b := NewBuilder(module.X86_64)
	b.Kind = module.KindRel
	b.Pointer(0x10)
	b.GlobDat(b.Import("ext"))
	b.Pointer(0x20)
	image, err := b.Build()
	require.NoError(t, err)

	space := memmod.New()
	defer space.Close()
	require.NoError(t, image.Map(space, 0x100000))

	tags := map[elf.DynTag]uint64{}
	require.NoError(t, module.WalkDynamic(space, 0x100000+image.DynamicOffset, func(tag elf.DynTag, value uint64) error {
		tags[tag] = value
		return nil
	}))
	require.Equal(t, uint64(2), tags[elf.DT_RELCOUNT])
	require.Equal(t, uint64(3*module.RelSize), tags[elf.DT_RELSZ])
	require.Equal(t, uint64(elf.DT_REL), tags[elf.DT_PLTREL])
	require.NotContains(t, tags, elf.DT_RELA)
	require.NotContains(t, tags, elf.DT_JMPREL)

	object := module.NewObject(0)
	require.NoError(t, object.Initialize(space, module.X86_64, 0x100000, 0x100000+image.DynamicOffset))
	for i, want := range []uint32{module.X86_64.Relative, module.X86_64.Relative, module.X86_64.GlobDat} {
		reloc, err := object.Rel.Entry(space, uint64(i))
		require.NoError(t, err)
		require.Equal(t, want, reloc.Type())
	}
}

func TestMapRollsBack(t *testing.T) {
	image, err := NewBuilder(module.AArch64).Build()
	require.NoError(t, err)

	space := memmod.New()
	defer space.Close()
	_, err = space.Map(0x200000+image.Segments[2].Offset, memmod.PageSize, svc.MemoryStateNormal, svc.PermissionRW)
	require.NoError(t, err)

	require.ErrorIs(t, image.Map(space, 0x200000), memmod.ErrOverlap)
	require.Len(t, space.Regions(), 1)
	require.ErrorIs(t, image.Map(space, 0x200010), memmod.ErrUnaligned)
}

func TestFromELFRejects(t *testing.T) {
	_, err := FromELF([]byte("definitely not an elf"))
	require.Error(t, err)
}
