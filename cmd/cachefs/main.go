//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bazil.org/fuse"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/cachefs/cache"
	"github.com/nestybox/cachefs/config"
	"github.com/nestybox/cachefs/domain"
	cachefuse "github.com/nestybox/cachefs/fuse"
	"github.com/nestybox/cachefs/handler"
	"github.com/nestybox/cachefs/index"
	"github.com/nestybox/cachefs/keyspace"
	"github.com/nestybox/cachefs/metrics"
	"github.com/nestybox/cachefs/store"
	"github.com/nestybox/cachefs/sysio"
)

const (
	usage = `cachefs file-system

cachefs is a daemon that exposes the entries held by a redis-backed metadata
store as a read-only file-system. Entries already present in the local content
cache are served from it; the remaining ones are fetched from their origin.
`
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

const configKey = "config"

// cachefs exit handler goroutine.
func exitHandler(signalChan chan os.Signal, fss domain.FuseServerServiceIface) {

	s := <-signalChan
	logrus.Warnf("Caught OS signal: %s", s)

	daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Unmount cachefs and release the store connection.
	if err := fss.DestroyFuseService(); err != nil {
		logrus.Errorf("Unclean shutdown: %v", err)
		os.Exit(1)
	}

	logrus.Info("Exiting.")
	os.Exit(0)
}

func newApp() *cli.App {

	app := cli.NewApp()
	app.Name = "cachefs"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "yaml config file",
			EnvVar: "CACHEFS_CONFIG",
		},
		cli.StringFlag{
			Name:   "mountpoint",
			Usage:  "mount-point location (temporary directory if not provided)",
			EnvVar: "CACHEFS_MOUNTPOINT",
		},
		cli.StringFlag{
			Name:   "url-root",
			Usage:  "prefix of every store key (e.g. http://origin.example.com)",
			EnvVar: "CACHEFS_URL_ROOT",
		},
		cli.StringFlag{
			Name:   "redis-address",
			Value:  config.DefaultRedisAddress,
			Usage:  "metadata store address",
			EnvVar: "CACHEFS_REDIS_ADDRESS",
		},
		cli.StringFlag{
			Name:   "redis-password",
			Usage:  "metadata store password",
			EnvVar: "CACHEFS_REDIS_PASSWORD",
		},
		cli.IntFlag{
			Name:   "redis-db",
			Usage:  "metadata store database",
			EnvVar: "CACHEFS_REDIS_DB",
		},
		cli.DurationFlag{
			Name:   "redis-timeout",
			Value:  config.DefaultRedisTimeout,
			Usage:  "metadata store connect/command timeout",
			EnvVar: "CACHEFS_REDIS_TIMEOUT",
		},
		cli.StringFlag{
			Name:   "attr-suffix",
			Value:  config.DefaultAttrSuffix,
			Usage:  "suffix selecting attribute records",
			EnvVar: "CACHEFS_ATTR_SUFFIX",
		},
		cli.StringFlag{
			Name:   "list-suffix",
			Value:  config.DefaultListSuffix,
			Usage:  "suffix selecting directory listings",
			EnvVar: "CACHEFS_LIST_SUFFIX",
		},
		cli.StringFlag{
			Name:   "cache-dir",
			Value:  config.DefaultCacheDir,
			Usage:  "local content cache location",
			EnvVar: "CACHEFS_CACHE_DIR",
		},
		cli.StringFlag{
			Name:   "fetch-policy",
			Value:  string(domain.FetchSync),
			Usage:  "handling of entries not cached locally (sync, eagain)",
			EnvVar: "CACHEFS_FETCH_POLICY",
		},
		cli.DurationFlag{
			Name:   "fetch-timeout",
			Value:  config.DefaultFetchTimeout,
			Usage:  "origin fetch timeout, retries included",
			EnvVar: "CACHEFS_FETCH_TIMEOUT",
		},
		cli.StringSliceFlag{
			Name:   "probe-filter",
			Usage:  "top-level names answered with ENOENT without querying the store (trailing * matches a prefix)",
			EnvVar: "CACHEFS_PROBE_FILTER",
		},
		cli.BoolFlag{
			Name:   "strict-errors",
			Usage:  "report store transport failures as EIO rather than ENOENT",
			EnvVar: "CACHEFS_STRICT_ERRORS",
		},
		cli.BoolFlag{
			Name:   "allow-other",
			Usage:  "allow other users to access the mount",
			EnvVar: "CACHEFS_ALLOW_OTHER",
		},
		cli.StringFlag{
			Name:   "metrics-address",
			Usage:  "address to serve prometheus metrics at (disabled if empty)",
			EnvVar: "CACHEFS_METRICS_ADDRESS",
		},
		cli.StringFlag{
			Name:   "log",
			Value:  config.DefaultLog,
			Usage:  "log file path",
			EnvVar: "CACHEFS_LOG",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  config.DefaultLogLevel,
			Usage:  "log categories to include (debug, info, warning, error, fatal)",
			EnvVar: "CACHEFS_LOG_LEVEL",
		},
		cli.BoolFlag{
			Name:  "cpu-profiling",
			Usage: "enable cpu-profiling data collection",
		},
		cli.BoolFlag{
			Name:  "memory-profiling",
			Usage: "enable memory-profiling data collection",
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("cachefs\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Commands = []cli.Command{
		{
			Name:      "index",
			Usage:     "Populate the store out of a content-cache directory",
			ArgsUsage: "[dir]",
			Action: func(ctx *cli.Context) error {
				return runIndex(appConfig(ctx), ctx.Args().First())
			},
		},
	}

	// Build the effective configuration and define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		ctx.App.Metadata = map[string]interface{}{configKey: cfg}

		return setupLogging(cfg)
	}

	// cachefs main-loop execution.
	app.Action = func(ctx *cli.Context) error {
		return run(appConfig(ctx))
	}

	return app
}

func appConfig(ctx *cli.Context) config.Config {
	return ctx.App.Metadata[configKey].(config.Config)
}

// loadConfig merges the config file (if any) with the settings provided
// through env vars and command-line flags, and validates the outcome.
func loadConfig(ctx *cli.Context) (config.Config, error) {

	cfg := config.Default()

	if path := ctx.GlobalString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	applyFlags(ctx, &cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// applyFlags overrides the settings explicitly provided through flags or env
// vars.
func applyFlags(ctx *cli.Context, cfg *config.Config) {

	stringFlags := map[string]*string{
		"mountpoint":      &cfg.MountPoint,
		"url-root":        &cfg.URLRoot,
		"redis-address":   &cfg.RedisAddress,
		"redis-password":  &cfg.RedisPassword,
		"attr-suffix":     &cfg.AttrSuffix,
		"list-suffix":     &cfg.ListSuffix,
		"cache-dir":       &cfg.CacheDir,
		"fetch-policy":    &cfg.FetchPolicy,
		"metrics-address": &cfg.MetricsAddress,
		"log":             &cfg.Log,
		"log-level":       &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if ctx.GlobalIsSet(name) {
			*dst = ctx.GlobalString(name)
		}
	}

	durationFlags := map[string]*time.Duration{
		"redis-timeout": &cfg.RedisTimeout,
		"fetch-timeout": &cfg.FetchTimeout,
	}
	for name, dst := range durationFlags {
		if ctx.GlobalIsSet(name) {
			*dst = ctx.GlobalDuration(name)
		}
	}

	boolFlags := map[string]*bool{
		"strict-errors":    &cfg.StrictErrors,
		"allow-other":      &cfg.AllowOther,
		"cpu-profiling":    &cfg.CPUProfiling,
		"memory-profiling": &cfg.MemoryProfiling,
	}
	for name, dst := range boolFlags {
		if ctx.GlobalIsSet(name) {
			*dst = ctx.GlobalBool(name)
		}
	}

	if ctx.GlobalIsSet("redis-db") {
		cfg.RedisDB = ctx.GlobalInt("redis-db")
	}
	if ctx.GlobalIsSet("probe-filter") {
		cfg.ProbeFilter = ctx.GlobalStringSlice("probe-filter")
	}
}

func setupLogging(cfg config.Config) error {

	// Create/set the log-file destination.
	if path := cfg.Log; path != "" {
		f, err := os.OpenFile(
			path,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
			0666,
		)
		if err != nil {
			logrus.Errorf("Error opening log file %v: %v", path, err)
			return err
		}

		// Set a proper logging formatter.
		logrus.SetFormatter(&logrus.TextFormatter{
			ForceColors:     true,
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
		logrus.SetOutput(f)
	}

	// Set desired log-level.
	switch cfg.LogLevel {
	case "debug":
		// Have Bazil's fuse-lib logs included into cachefs' log stream.
		fuse.Debug = func(msg interface{}) { logrus.Debug(msg) }
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return errors.Errorf("log-level option '%v' not recognized", cfg.LogLevel)
	}

	return nil
}

// Services shared by the daemon and the 'index' command.
type services struct {
	metrics *metrics.Metrics
	kt      domain.KeyTranslatorIface
	sts     domain.StoreServiceIface
	ios     domain.IOServiceIface
}

func newServices(cfg config.Config) (*services, error) {

	m := metrics.NewMetrics(nil)

	sts := store.NewStoreService(cfg.StoreOptions(), m)
	if err := sts.Connect(); err != nil {
		return nil, err
	}

	return &services{
		metrics: m,
		kt:      keyspace.NewKeyTranslator(cfg.URLRoot),
		sts:     sts,
		ios:     sysio.NewIOService(domain.IOOsFileService, cfg.CacheDir),
	}, nil
}

func run(cfg config.Config) error {

	// Profiling settings.
	if cfg.CPUProfiling {
		defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
	} else if cfg.MemoryProfiling {
		defer profile.Start(profile.MemProfile, profile.NoShutdownHook).Stop()
	}

	// Initialize cachefs' services.

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddress); err != nil {
				logrus.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	policy := domain.FetchPolicy(cfg.FetchPolicy)

	var fetcher domain.FetcherIface
	if policy == domain.FetchSync {
		fetcher = cache.NewOriginFetcher(svc.ios, svc.kt, cfg.FetchTimeout, svc.metrics)
	}

	var cacheService = cache.NewCacheService(policy, fetcher, svc.metrics)

	var handlerService = handler.NewHandlerService(
		svc.kt,
		svc.sts,
		cacheService,
		svc.ios,
		cfg.StrictErrors,
		svc.metrics,
	)
	handlerService.SetProbeFilter(cfg.ProbeFilter)

	// Mountpoints live in the host FS.
	var fuseServerService = cachefuse.NewFuseServerService(
		sysio.NewIOService(domain.IOOsFileService, "/"),
		handlerService,
		cfg.AllowOther,
	)

	// Launch exit handler (performs proper cleanup of cachefs upon receiving
	// termination signals).
	var exitChan = make(chan os.Signal, 1)
	signal.Notify(
		exitChan,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go exitHandler(exitChan, fuseServerService)

	// Initiate cachefs' FUSE service.
	srv, err := fuseServerService.CreateFuseServer(cfg.MountPoint)
	if err != nil {
		svc.sts.Close()
		return err
	}

	logrus.Infof("cachefs ready at %s (url-root %s, fetch-policy %s)",
		srv.MountPoint(), cfg.URLRoot, policy)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.Warnf("Could not notify readiness to systemd: %v", err)
	} else if !ok {
		logrus.Debug("Readiness notification not supported")
	}

	// Serve until unmounted.
	srv.Wait()

	logrus.Infof("cachefs unmounted from %s", srv.MountPoint())

	return fuseServerService.DestroyFuseService()
}

func runIndex(cfg config.Config, dir string) error {

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.sts.Close()

	ix := index.NewIndexer(svc.kt, svc.sts, svc.ios)
	if dir == "" {
		dir = ix.DefaultDir()
	}

	_, err = ix.Index(dir)

	return err
}

// cachefs main function
func main() {

	app := newApp()

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
