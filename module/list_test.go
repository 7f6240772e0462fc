package module_test

import (
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld/module"
)

func collect(seq iter.Seq[*module.Object]) []uint64 {
	var out []uint64
	for object := range seq {
		out = append(out, object.Address)
	}
	return out
}

func TestList(t *testing.T) {
	var list module.List
	require.True(t, list.Empty())
	require.Zero(t, list.Len())
	require.Nil(t, list.Front())
	require.Nil(t, list.Back())

	a, b, c := module.NewObject(0xa), module.NewObject(0xb), module.NewObject(0xc)
	require.False(t, a.Linked())
	for _, object := range []*module.Object{a, b, c} {
		require.NoError(t, list.PushFront(object))
	}

	require.False(t, list.Empty())
	require.Equal(t, 3, list.Len())
	require.True(t, a.Linked())
	require.Same(t, c, list.Front())
	require.Same(t, a, list.Back())

	require.Equal(t, []uint64{0xa, 0xb, 0xc}, collect(list.Discovery()))
	require.Equal(t, []uint64{0xc, 0xb, 0xa}, collect(list.Reverse()))

	require.ErrorIs(t, list.PushFront(b), module.ErrAlreadyLinked)
}

func TestListEarlyBreak(t *testing.T) {
	var list module.List
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, list.PushFront(module.NewObject(i)))
	}

	var seen []uint64
	for object := range list.Discovery() {
		seen = append(seen, object.Address)
		if len(seen) == 2 {
			break
		}
	}
	require.Equal(t, []uint64{1, 2}, seen)
}
