package rtld_test

import (
	"debug/elf"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/modimg"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

func TestFatalImages(t *testing.T) {
	tests := []struct {
		name   string
		build  func(b *modimg.Builder)
		eager  bool
		reason rtld.FatalReason
	}{
		{
			name:   "bad magic",
			build:  func(b *modimg.Builder) { b.Magic = 0 },
			reason: rtld.FatalBadMagic,
		},
		{
			name: "rela entry size",
			build: func(b *modimg.Builder) {
				b.Extra = []elf.Dyn64{{Tag: int64(elf.DT_RELAENT), Val: module.RelSize}}
			},
			reason: rtld.FatalEntrySize,
		},
		{
			name: "symbol entry size",
			build: func(b *modimg.Builder) {
				b.Extra = []elf.Dyn64{{Tag: int64(elf.DT_SYMENT), Val: 16}}
			},
			reason: rtld.FatalEntrySize,
		},
		{
			name: "plt rel type",
			build: func(b *modimg.Builder) {
				b.Extra = []elf.Dyn64{{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_SYMTAB)}}
			},
			reason: rtld.FatalPLTRelType,
		},
		{
			name: "relative count overflow",
			build: func(b *modimg.Builder) {
				b.Pointer(0x10)
				b.Extra = []elf.Dyn64{{Tag: int64(elf.DT_RELACOUNT), Val: 2}}
			},
			reason: rtld.FatalMemoryAccess,
		},
		{
			name: "lazy stub mismatch",
			build: func(b *modimg.Builder) {
				b.PLT(b.Import("first"))
				b.PLTWithStub(b.Import("second"), modimg.StubOffset+0x10)
			},
			reason: rtld.FatalTrampolineMismatch,
		},
		{
			name: "eager stub mismatch",
			build: func(b *modimg.Builder) {
				b.PLT(b.Import("first"))
				b.PLTWithStub(b.Import("second"), modimg.StubOffset+0x10)
			},
			eager:  true,
			reason: rtld.FatalTrampolineMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, rtld.Config{Eager: tt.eager})
			b := modimg.NewBuilder(module.AArch64)
			tt.build(b)
			h.mapImage(b, baseA)

			h.requireFatal(h.bootstrap(), tt.reason)
		})
	}
}

func TestFatalQueryMemory(t *testing.T) {
	var supervisor rtld.Supervisor
	var breaks []svc.BreakReason

	host := svc.NewHost(nil, nil)
	host.OnBreak = func(reason svc.BreakReason, _, _ uint64) { breaks = append(breaks, reason) }
	space := memmod.New()
	defer space.Close()

	linker, err := rtld.New(host, space, rtld.Config{Halt: supervisor.Halt, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	err = supervisor.Do(func() { linker.Bootstrap(0, 0) })
	var fatal *rtld.FatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, rtld.FatalQueryMemory, fatal.Reason)
	require.ErrorIs(t, err, svc.ErrInvalidAddress)
	require.Equal(t, []svc.BreakReason{svc.BreakReasonPanic}, breaks)
}

func TestFatalLazyBind(t *testing.T) {
	t.Run("unknown module", func(t *testing.T) {
		h := newHarness(t, rtld.Config{})
		pltModules(h)
		require.NoError(t, h.bootstrap())

		h.requireFatal(h.do(func(linker *rtld.Linker) { linker.LazyBindSymbol(0x1234, 0) }), rtld.FatalUnknownModule)
	})

	t.Run("index out of range", func(t *testing.T) {
		h := newHarness(t, rtld.Config{})
		pltModules(h)
		require.NoError(t, h.bootstrap())

		object := h.object(baseB)
		h.requireFatal(h.do(func(linker *rtld.Linker) { linker.LazyBindSymbol(object.Address, 4) }), rtld.FatalPLTIndex)
	})
}

func TestNew(t *testing.T) {
	space := memmod.New()
	defer space.Close()

	_, err := rtld.New(nil, space, rtld.Config{})
	require.ErrorIs(t, err, rtld.ErrNilKernel)
	_, err = rtld.New(svc.NewHost(space, nil), nil, rtld.Config{})
	require.ErrorIs(t, err, rtld.ErrNilMemory)

	linker, err := rtld.New(svc.NewHost(space, nil), space, rtld.Config{DebugFlag: true})
	require.NoError(t, err)
	require.True(t, linker.DebugFlag())
	linker.SetDebugFlag(false)
	require.False(t, linker.DebugFlag())
}

func TestFatalReasonString(t *testing.T) {
	require.Equal(t, "trampoline_mismatch", rtld.FatalTrampolineMismatch.String())
	require.Equal(t, "FatalReason(99)", rtld.FatalReason(99).String())
}

func TestFatalParksWithoutSupervisor(t *testing.T) {
	tests := map[string]rtld.HaltFunc{
		"default halt":   nil,
		"returning halt": func(rtld.FatalReason, error) {},
	}
	for name, halt := range tests {
		t.Run(name, func(t *testing.T) {
			space := memmod.New()
			t.Cleanup(func() { _ = space.Close() })
			b := modimg.NewBuilder(module.AArch64)
			b.Magic = 0
			image, err := b.Build()
			require.NoError(t, err)
			require.NoError(t, image.Map(space, baseA))

			breaks := make(chan svc.BreakReason, 1)
			host := svc.NewHost(space, nil)
			host.OnBreak = func(reason svc.BreakReason, _, _ uint64) { breaks <- reason }

			linker, err := rtld.New(host, space, rtld.Config{Halt: halt, Registerer: prometheus.NewRegistry()})
			require.NoError(t, err)

			done := make(chan struct{})
			go func() {
				defer close(done)
				linker.Bootstrap(0, 0)
			}()

			select {
			case reason := <-breaks:
				require.Equal(t, svc.BreakReasonPanic, reason)
			case <-time.After(5 * time.Second):
				t.Fatal("linker did not break")
			}
			select {
			case <-done:
				t.Fatal("bootstrap returned after a fatal error")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}
