package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Symtab *SymtabMetrics

	UnexpectedErrors prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	res := &Metrics{
		Symtab: NewSymtabMetrics(reg),

		UnexpectedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksymtab_unexpected_errors_total",
			Help: "Total number of unexpected errors while watching the module list",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			res.UnexpectedErrors,
		)
	}
	return res
}

type SymtabMetrics struct {
	Loads            prometheus.Counter
	LoadErrors       *prometheus.CounterVec
	LoadedSymbols    prometheus.Gauge
	LoadedModules    prometheus.Gauge
	KnownAddresses   prometheus.Counter
	UnknownAddresses prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

func NewSymtabMetrics(reg prometheus.Registerer) *SymtabMetrics {
	m := &SymtabMetrics{
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksymtab_loads_total",
			Help: "Total number of completed module symbol table loads",
		}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ksymtab_load_errors_total",
			Help: "Total number of errors while reading the kernel symbol listing",
		}, []string{"error"}),
		LoadedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ksymtab_loaded_symbols",
			Help: "Number of module symbols in the current table",
		}),
		LoadedModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ksymtab_loaded_modules",
			Help: "Number of modules in the current table",
		}),
		KnownAddresses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksymtab_known_addresses_total",
			Help: "Total number of successfully resolved addresses",
		}),
		UnknownAddresses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksymtab_unknown_addresses_total",
			Help: "Total number of addresses with no covering module symbol",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksymtab_cache_hits_total",
			Help: "Total number of resolutions served from the address cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksymtab_cache_misses_total",
			Help: "Total number of resolutions missing the address cache",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Loads,
			m.LoadErrors,
			m.LoadedSymbols,
			m.LoadedModules,
			m.KnownAddresses,
			m.UnknownAddresses,
			m.CacheHits,
			m.CacheMisses,
		)
	}

	return m
}
