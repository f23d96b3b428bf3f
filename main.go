package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/tmshv/fullfeed/config"
	"github.com/tmshv/fullfeed/extract"
	"github.com/tmshv/fullfeed/guard"
	"github.com/tmshv/fullfeed/metrics"
	"github.com/tmshv/fullfeed/render"
	"github.com/tmshv/fullfeed/scheduler"
	"github.com/tmshv/fullfeed/source"
	"github.com/tmshv/fullfeed/store"
	"github.com/tmshv/fullfeed/worker"
)

type CLI struct {
	Debug        bool   `help:"Enable debug logging."`
	DisableCache bool   `help:"Fetch every article and do not touch the cache."`
	Config       string `short:"c" help:"Configuration file." default:"settings.toml" env:"FULLFEED_CONFIG" type:"path"`
	Cache        string `help:"Cache file, overrides the configured one." env:"FULLFEED_CACHE" type:"path"`
	MetricsFile  string `help:"Write run metrics in Prometheus textfile format." type:"path"`
}

// deps are the parts of a run that touch the host beyond the config and
// cache files.
type deps struct {
	stdout   io.Writer
	stderr   io.Writer
	guard    func(ctx context.Context, logger *log.Entry) (*guard.Guard, error)
	schedule func(ctx context.Context, opts scheduler.Options, feeds []config.Feed) []worker.Result
}

func defaultDeps() deps {
	return deps{
		stdout: os.Stdout,
		stderr: os.Stderr,
		guard:  guard.New,
		schedule: func(ctx context.Context, opts scheduler.Options, feeds []config.Feed) []worker.Result {
			return scheduler.New(opts).Run(ctx, feeds)
		},
	}
}

func main() {
	os.Exit(run(os.Args[1:], defaultDeps()))
}

// run executes one batch and returns the process exit code: 0 when the
// batch ran or another instance holds the cache, 1 on startup failures,
// 2 on bad arguments.
func run(args []string, d deps) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("fullfeed"),
		kong.Description("Republish RSS/Atom feeds with the full article content in every entry."),
		kong.UsageOnError(),
		kong.Writers(d.stdout, d.stderr),
	)
	if err != nil {
		panic(err)
	}
	if _, err := parser.Parse(args); err != nil {
		parser.Errorf("%s", err)
		return 2
	}

	logger := log.New()
	logger.SetOutput(d.stderr)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cli.Debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}
	entry := log.NewEntry(logger)

	ctx := context.Background()

	if !cli.DisableCache {
		g, err := d.guard(ctx, entry)
		if err != nil {
			entry.WithError(err).Error("Failed to inspect running processes")
			return 1
		}
		if err := g.TryAcquire(ctx); err != nil {
			if errors.Is(err, guard.ErrAlreadyRunning) {
				entry.WithError(err).Warn("Another process is running. Quit.")
				return 0
			}
			entry.WithError(err).Error("Failed to inspect running processes")
			return 1
		}
	}

	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		entry.WithError(err).WithField("config", cli.Config).Error("Failed to load configuration")
		return 1
	}
	entry.WithFields(log.Fields{
		"config": cli.Config,
		"feeds":  len(cfg.Feeds),
	}).Debug("Configuration loaded")
	if len(cfg.Feeds) == 0 {
		entry.Warn("No feeds configured")
		return 0
	}

	var openCache scheduler.CacheOpener
	if !cli.DisableCache {
		cachePath := cfg.Cache
		if cli.Cache != "" {
			cachePath = cli.Cache
		}
		if err := store.Migrate(cachePath, entry); err != nil {
			entry.WithError(err).WithField("cache", cachePath).Error("Failed to prepare cache")
			return 1
		}
		openCache = func(l *log.Entry) (store.ContentCache, error) {
			return store.Open(cachePath, l)
		}
	}

	m := metrics.New()
	d.schedule(ctx, scheduler.Options{
		NewSource: func() worker.Source {
			return source.New(source.Options{
				UserAgent: cfg.UserAgent,
				Retries:   source.DefaultRetries,
				Logger:    entry,
			})
		},
		NewExtractor: func() worker.Extractor {
			return extract.New(extract.Options{
				UserAgent: cfg.UserAgent,
				Timeout:   cfg.Timeout,
			})
		},
		Publisher: render.NewRSS(),
		OpenCache: openCache,
		Logger:    entry,
		Metrics:   m,
	}, cfg.Feeds)

	if cli.MetricsFile != "" {
		if err := m.WriteTextfile(cli.MetricsFile); err != nil {
			entry.WithError(err).Error("Failed to write metrics")
		}
	}
	return 0
}
