package ksymtab

import (
	"context"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/klogtools/ksymtab/metrics"
	"github.com/klogtools/ksymtab/util"
)

const DefaultPollInterval = 15 * time.Second

// Watcher polls the kernel module list file and invokes onChange when
// its content hash changes, so the daemon knows to reload the symbol
// table. A nil onChange only records the change.
type Watcher struct {
	logger   log.Logger
	options  WatcherOptions
	metrics  *metrics.Metrics
	onChange func()

	sum    uint64
	primed bool
}

type WatcherOptions struct {
	ModulesPath  string
	PollInterval time.Duration
}

func NewWatcher(logger log.Logger, options WatcherOptions, m *metrics.Metrics, onChange func()) *Watcher {
	if logger == nil {
		logger = util.Logger
	}
	if options.ModulesPath == "" {
		options.ModulesPath = DefaultModulesPath
	}
	if options.PollInterval == 0 {
		options.PollInterval = DefaultPollInterval
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Watcher{
		logger:   logger,
		options:  options,
		metrics:  m,
		onChange: onChange,
	}
}

// Run polls until ctx is done. The first check of an unprimed Watcher
// only snapshots the current state; onChange fires on later changes.
func (w *Watcher) Run(ctx context.Context) error {
	w.runCheck()
	ticker := time.NewTicker(w.options.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.runCheck()
		}
	}
}

func (w *Watcher) runCheck() {
	changed, err := w.check()
	if err != nil {
		w.metrics.UnexpectedErrors.Inc()
		_ = level.Warn(w.logger).Log("msg", "module list check failed", "err", err)
		return
	}
	if changed {
		_ = level.Debug(w.logger).Log("msg", "kernel module list changed")
		if w.onChange != nil {
			w.onChange()
		}
	}
}

// check hashes the module list and compares it with the previous read.
// A missing file hashes as empty content, so module support appearing
// or disappearing counts as a change.
func (w *Watcher) check() (bool, error) {
	data, err := os.ReadFile(w.options.ModulesPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, errors.Wrapf(err, "read %s", w.options.ModulesPath)
	}
	sum := xxhash.Sum64(data)
	if !w.primed {
		w.primed = true
		w.sum = sum
		return false, nil
	}
	changed := sum != w.sum
	w.sum = sum
	return changed, nil
}
