package rtld_test

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/modimg"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

const (
	baseA      = 0x10000000
	baseB      = 0x20000000
	baseC      = 0x30000000
	baseLoader = 0x40000000
	trampoline = 0x7100000000
)

type harness struct {
	t          *testing.T
	space      *memmod.AddressSpace
	host       *svc.Host
	linker     *rtld.Linker
	supervisor rtld.Supervisor

	debug   []string
	breaks  []svc.BreakReason
	results []uint32
	calls   []uint64
}

func newHarness(t *testing.T, cfg rtld.Config) *harness {
	t.Helper()

	h := &harness{t: t, space: memmod.New()}
	t.Cleanup(func() { _ = h.space.Close() })

	h.host = svc.NewHost(h.space, log.NewNopLogger())
	h.host.OnDebugString = func(message string) { h.debug = append(h.debug, message) }
	h.host.OnBreak = func(reason svc.BreakReason, _, _ uint64) { h.breaks = append(h.breaks, reason) }
	h.host.OnReturnFromException = func(result uint32) { h.results = append(h.results, result) }

	cfg.Halt = h.supervisor.Halt
	if cfg.Invoke == nil {
		cfg.Invoke = func(entry uint64) { h.calls = append(h.calls, entry) }
	}
	if cfg.Trampoline == 0 {
		cfg.Trampoline = trampoline
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	linker, err := rtld.New(h.host, h.space, cfg)
	require.NoError(t, err)
	h.linker = linker
	return h
}

func (h *harness) mapImage(b *modimg.Builder, base uint64) *modimg.Image {
	h.t.Helper()

	image, err := b.Build()
	require.NoError(h.t, err)
	require.NoError(h.t, image.Map(h.space, base))
	return image
}

// do runs fn on the linker, returning the FatalError if it halted.
func (h *harness) do(fn func(linker *rtld.Linker)) error {
	return h.supervisor.Do(func() { fn(h.linker) })
}

func (h *harness) bootstrap() error {
	return h.do(func(linker *rtld.Linker) { linker.Bootstrap(0, 0) })
}

func (h *harness) bootstrapLoader(image *modimg.Image) error {
	return h.do(func(linker *rtld.Linker) { linker.Bootstrap(baseLoader, baseLoader+image.DynamicOffset) })
}

func (h *harness) word(address uint64) uint64 {
	h.t.Helper()

	value, err := memmod.ReadUint64(h.space, address)
	require.NoError(h.t, err)
	return value
}

func (h *harness) object(base uint64) *module.Object {
	h.t.Helper()

	for object := range h.linker.AutoLoad().Discovery() {
		if object.Base == base {
			return object
		}
	}
	h.t.Fatalf("no module at %#x", base)
	return nil
}

func (h *harness) bases() []uint64 {
	var out []uint64
	for object := range h.linker.AutoLoad().Discovery() {
		out = append(out, object.Base)
	}
	return out
}

func (h *harness) requireFatal(err error, reason rtld.FatalReason) {
	h.t.Helper()

	var fatal *rtld.FatalError
	require.ErrorAs(h.t, err, &fatal)
	require.Equal(h.t, reason, fatal.Reason)
	require.Equal(h.t, []svc.BreakReason{svc.BreakReasonPanic}, h.breaks)
	require.Equal(h.t, 1.0, testutil.ToFloat64(h.linker.Metrics().Fatal.WithLabelValues(reason.String())))
}

func exporter(arch module.Arch, symbols map[string]uint64) *modimg.Builder {
	b := modimg.NewBuilder(arch)
	for name, value := range symbols {
		b.Define(name, value)
	}
	return b
}
