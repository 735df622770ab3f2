// Package ksymtab resolves kernel addresses to loadable module symbols
// from the kallsyms listing, so log daemons can annotate addresses in
// kernel oops traces.
package ksymtab

import (
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/klogtools/ksymtab/metrics"
	"github.com/klogtools/ksymtab/symtab"
	"github.com/klogtools/ksymtab/util"
)

const (
	DefaultKallsymsPath = "/proc/kallsyms"
	DefaultModulesPath  = "/proc/modules"
	DefaultCacheSize    = 512
)

// Resolver is the daemon-facing interface over the module symbol table.
type Resolver interface {
	// Load rebuilds the table from the kallsyms file, discarding any
	// previous contents. staticSymbols is the size of the caller's
	// static kernel symbol table; when positive, unannotated lines are
	// skipped as already covered by it. A missing kallsyms file is not
	// an error: the kernel has no module support and the table stays
	// empty.
	Load(staticSymbols int) error
	// Resolve reports the module symbol addr falls inside of. The
	// second return is false when no symbol covers addr.
	Resolve(addr uint64) (symtab.Resolution, bool)
	Clear()
	DebugInfo() DebugInfo
}

type ResolverOptions struct {
	KallsymsPath string
	CacheSize    int
	Metrics      *metrics.Metrics // may be nil for tests
}

type DebugInfo struct {
	Loaded      bool `json:"loaded"`
	Modules     int  `json:"modules"`
	Symbols     int  `json:"symbols"`
	CachedAddrs int  `json:"cached_addrs"`
}

type cachedResolution struct {
	res symtab.Resolution
	ok  bool
}

type resolver struct {
	logger  log.Logger
	options ResolverOptions
	metrics *metrics.SymtabMetrics

	// Load and Clear are exclusive against Resolve: the daemon reloads
	// from a watcher goroutine while annotating.
	mutex sync.RWMutex
	store *symtab.Store
	cache *lru.Cache[uint64, cachedResolution]
}

func NewResolver(logger log.Logger, options ResolverOptions) (Resolver, error) {
	if logger == nil {
		logger = util.Logger
	}
	if options.KallsymsPath == "" {
		options.KallsymsPath = DefaultKallsymsPath
	}
	if options.CacheSize == 0 {
		options.CacheSize = DefaultCacheSize
	}
	m := options.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	cache, err := lru.New[uint64, cachedResolution](options.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "address cache create")
	}
	return &resolver{
		logger:  logger,
		options: options,
		metrics: m.Symtab,
		store:   symtab.NewStore(),
		cache:   cache,
	}, nil
}

func (r *resolver) Load(staticSymbols int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.store.Clear()
	r.cache.Purge()

	f, err := os.Open(r.options.KallsymsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.setGauges()
			_ = level.Info(r.logger).Log("msg", "no module symbols loaded",
				"reason", "kernel modules not enabled", "path", r.options.KallsymsPath)
			return nil
		}
		return r.onLoadError(err)
	}
	defer f.Close()

	if err := r.store.Load(f, staticSymbols); err != nil {
		return r.onLoadError(err)
	}

	r.metrics.Loads.Inc()
	r.setGauges()
	symbols := r.store.NumSymbols()
	if symbols == 0 {
		_ = level.Info(r.logger).Log("msg", "no module symbols loaded")
		return nil
	}
	_ = level.Info(r.logger).Log("msg", "loaded module symbols",
		"symbols", symbols, "modules", len(r.store.Modules()))
	return nil
}

func (r *resolver) onLoadError(err error) error {
	r.metrics.LoadErrors.WithLabelValues(errorType(err)).Inc()
	// The store is empty after a failed load; the gauges track it.
	r.setGauges()
	_ = level.Error(r.logger).Log("msg", "error loading kernel symbols", "err", err)
	return errors.Wrap(err, "load kernel symbols")
}

func (r *resolver) setGauges() {
	r.metrics.LoadedSymbols.Set(float64(r.store.NumSymbols()))
	r.metrics.LoadedModules.Set(float64(len(r.store.Modules())))
}

func (r *resolver) Resolve(addr uint64) (symtab.Resolution, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	res, ok := r.lookup(addr)
	if ok {
		r.metrics.KnownAddresses.Inc()
	} else {
		r.metrics.UnknownAddresses.Inc()
	}
	return res, ok
}

// lookup serves addr from the cache, falling back to a table scan.
// Misses are cached too.
func (r *resolver) lookup(addr uint64) (symtab.Resolution, bool) {
	if c, ok := r.cache.Get(addr); ok {
		r.metrics.CacheHits.Inc()
		return c.res, c.ok
	}
	r.metrics.CacheMisses.Inc()
	res, ok := r.store.Resolve(addr)
	r.cache.Add(addr, cachedResolution{res: res, ok: ok})
	return res, ok
}

func (r *resolver) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.store.Clear()
	r.cache.Purge()
	r.setGauges()
}

func (r *resolver) DebugInfo() DebugInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return DebugInfo{
		Loaded:      r.store.Loaded(),
		Modules:     len(r.store.Modules()),
		Symbols:     r.store.NumSymbols(),
		CachedAddrs: r.cache.Len(),
	}
}

func errorType(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "ErrNotExist"
	}
	if errors.Is(err, os.ErrPermission) {
		return "ErrPermission"
	}
	if errors.Is(err, os.ErrClosed) {
		return "ErrClosed"
	}
	if errors.Is(err, os.ErrInvalid) {
		return "ErrInvalid"
	}
	return "Other"
}
