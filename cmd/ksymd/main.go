// ksymd keeps a kernel module symbol table loaded, reloading it when
// the kernel module list changes, and annotates hex addresses read
// from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"

	"github.com/klogtools/ksymtab"
	"github.com/klogtools/ksymtab/metrics"
)

type Config struct {
	KallsymsPath  string         `yaml:"kallsyms_path"`
	ModulesPath   string         `yaml:"modules_path"`
	PollInterval  model.Duration `yaml:"poll_interval"`
	StaticSymbols int            `yaml:"static_symbols"`
	CacheSize     int            `yaml:"cache_size"`
	HTTPListen    string         `yaml:"http_listen_addr"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.PollInterval = model.Duration(ksymtab.DefaultPollInterval)
	f.StringVar(&c.KallsymsPath, "kallsyms", ksymtab.DefaultKallsymsPath, "kernel symbol listing to load")
	f.StringVar(&c.ModulesPath, "modules", ksymtab.DefaultModulesPath, "kernel module list watched for changes")
	f.Var(&c.PollInterval, "poll-interval", "how often to check the module list for changes")
	f.IntVar(&c.StaticSymbols, "static-syms", 0, "number of symbols already known from the static kernel symbol table")
	f.IntVar(&c.CacheSize, "cache-size", ksymtab.DefaultCacheSize, "resolved address cache size")
	f.StringVar(&c.HTTPListen, "http-listen-addr", "", "expose /metrics on this address, empty disables")
}

var (
	configFile = flag.String("config", "", "yaml config file, overrides the other flags")
	debug      = flag.Bool("debug", false, "log at debug level")
)

func main() {
	var config Config
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := loadConfigFile(&config); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	resolver, err := ksymtab.NewResolver(logger, ksymtab.ResolverOptions{
		KallsymsPath: config.KallsymsPath,
		CacheSize:    config.CacheSize,
		Metrics:      m,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "resolver create", "err", err)
		os.Exit(1)
	}
	// a failed load leaves an empty table; the watcher retries on the
	// next module list change
	_ = resolver.Load(config.StaticSymbols)

	watcher := ksymtab.NewWatcher(logger, ksymtab.WatcherOptions{
		ModulesPath:  config.ModulesPath,
		PollInterval: time.Duration(config.PollInterval),
	}, m, func() {
		_ = resolver.Load(config.StaticSymbols)
	})

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	g.Add(func() error {
		return watcher.Run(watchCtx)
	}, func(error) {
		cancelWatch()
	})

	g.Add(func() error {
		return annotate(resolver, os.Stdin, os.Stdout)
	}, func(error) {
		_ = os.Stdin.Close()
	})

	if config.HTTPListen != "" {
		server := &http.Server{Addr: config.HTTPListen, Handler: promhttp.Handler()}
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			_ = server.Close()
		})
	}

	if err := g.Run(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			_ = level.Info(logger).Log("msg", "stopping", "signal", sig.Signal.String())
			return
		}
		_ = level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func loadConfigFile(config *Config) error {
	if *configFile == "" {
		return nil
	}
	data, err := os.ReadFile(*configFile)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}

// annotate reads hex addresses line by line and prints where each one
// falls in the module symbol table.
func annotate(resolver ksymtab.Resolver, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(line, "0x"), 16, 64)
		if err != nil {
			fmt.Fprintf(out, "%s: bad address\n", line)
			continue
		}
		res, ok := resolver.Resolve(addr)
		if !ok {
			fmt.Fprintf(out, "%016x not found\n", addr)
			continue
		}
		fmt.Fprintf(out, "%016x (%s)\n", addr, res)
	}
	return scanner.Err()
}
