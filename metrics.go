package rtld

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ModulesDiscovered prometheus.Counter
	Relocations       *prometheus.CounterVec
	SymbolsResolved   *prometheus.CounterVec
	SymbolsUnresolved prometheus.Counter
	LazyBinds         prometheus.Counter
	Fatal             *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ModulesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_modules_discovered_total",
			Help: "Total number of module images found by memory-region discovery",
		}),
		Relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtld_relocations_applied_total",
			Help: "Total number of relocation entries applied",
		}, []string{"class"}),
		SymbolsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtld_symbols_resolved_total",
			Help: "Total number of symbol references resolved",
		}, []string{"scope"}),
		SymbolsUnresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_symbols_unresolved_total",
			Help: "Total number of symbol references left unresolved",
		}),
		LazyBinds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_lazy_binds_total",
			Help: "Total number of PLT slots bound through the lazy resolver",
		}),
		Fatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtld_fatal_total",
			Help: "Total number of unrecoverable loader errors",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ModulesDiscovered,
			m.Relocations,
			m.SymbolsResolved,
			m.SymbolsUnresolved,
			m.LazyBinds,
			m.Fatal,
		)
	}

	return m
}
