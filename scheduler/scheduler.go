// Package scheduler runs one worker per configured feed in parallel.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tmshv/fullfeed/config"
	"github.com/tmshv/fullfeed/metrics"
	"github.com/tmshv/fullfeed/store"
	"github.com/tmshv/fullfeed/worker"
)

// CacheOpener hands every worker its own cache handle.
type CacheOpener func(logger *log.Entry) (store.ContentCache, error)

type Options struct {
	NewSource    func() worker.Source
	NewExtractor func() worker.Extractor
	Publisher    worker.Publisher
	// OpenCache is nil when caching is disabled.
	OpenCache CacheOpener
	Logger    *log.Entry
	Metrics   *metrics.Metrics
}

type Scheduler struct {
	opts Options
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Scheduler{opts: opts}
}

// Run starts every feed at once and returns when all of them finished.
// Results keep the order of feeds. A failing feed does not stop the others.
func (s *Scheduler) Run(ctx context.Context, feeds []config.Feed) []worker.Result {
	logger := s.opts.Logger.WithField("run", uuid.NewString())
	logger.WithField("feeds", len(feeds)).Debug("Starting workers")

	results := make([]worker.Result, len(feeds))
	var wg sync.WaitGroup
	for i, feed := range feeds {
		wg.Add(1)
		go func(i int, feed config.Feed) {
			defer wg.Done()
			results[i] = s.runFeed(ctx, feed, logger)
		}(i, feed)
	}
	wg.Wait()

	for _, res := range results {
		report(logger, res)
	}
	return results
}

func (s *Scheduler) runFeed(ctx context.Context, feed config.Feed, logger *log.Entry) (res worker.Result) {
	start := time.Now()
	feedLogger := logger.WithField("feed", feed.Label())

	defer func() {
		if r := recover(); r != nil {
			feedLogger.WithField("stack", string(debug.Stack())).Error("Worker panicked")
			res = worker.Result{Feed: feed, Err: fmt.Errorf("worker panicked: %v", r)}
			s.opts.Metrics.Run(feed.Label(), res.Err, time.Since(start))
		}
	}()

	var cache store.ContentCache
	if s.opts.OpenCache != nil {
		c, err := s.opts.OpenCache(feedLogger)
		if err != nil {
			s.opts.Metrics.Run(feed.Label(), err, time.Since(start))
			return worker.Result{Feed: feed, Err: fmt.Errorf("opening cache: %w", err)}
		}
		defer func() {
			if err := c.Close(); err != nil {
				feedLogger.WithError(err).Warn("Failed to close cache")
			}
		}()
		cache = c
	}

	w := worker.New(feed, worker.Options{
		Source:    s.opts.NewSource(),
		Extractor: s.opts.NewExtractor(),
		Publisher: s.opts.Publisher,
		Cache:     cache,
		Logger:    logger,
		Metrics:   s.opts.Metrics,
	})
	return w.Run(ctx)
}

func report(logger *log.Entry, res worker.Result) {
	fields := log.Fields{
		"feed":     res.Feed.Label(),
		"output":   res.Feed.Output,
		"included": res.Included,
		"excluded": res.Excluded,
		"cached":   res.CacheHits,
		"fetched":  res.Fetched,
		"pruned":   res.Pruned,
	}
	if res.Err != nil {
		logger.WithFields(fields).WithError(res.Err).Error("Feed failed")
		return
	}
	logger.WithFields(fields).Info("Feed published")
}
