// Package worker republishes one feed with full article content.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/tmshv/fullfeed/config"
	"github.com/tmshv/fullfeed/internal"
	"github.com/tmshv/fullfeed/metrics"
	"github.com/tmshv/fullfeed/store"
)

type Source interface {
	Fetch(ctx context.Context, feedURL string) (*internal.Snapshot, error)
}

type Extractor interface {
	Extract(ctx context.Context, link string) (string, error)
}

type Publisher interface {
	Write(snap *internal.Snapshot, path string) error
}

// Result summarizes one run. Err is nil only if the output was written and,
// with caching on, the prune succeeded.
type Result struct {
	Feed      config.Feed
	Included  int
	Excluded  int
	CacheHits int
	Fetched   int
	Pruned    int64
	Err       error
}

type Worker struct {
	feed      config.Feed
	source    Source
	extractor Extractor
	publisher Publisher
	cache     store.ContentCache
	logger    *log.Entry
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Options struct {
	Source    Source
	Extractor Extractor
	Publisher Publisher
	// Cache is optional. Without it every entry is extracted and nothing
	// is stored or pruned.
	Cache   store.ContentCache
	Logger  *log.Entry
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(feed config.Feed, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		feed:      feed,
		source:    opts.Source,
		extractor: opts.Extractor,
		publisher: opts.Publisher,
		cache:     opts.Cache,
		logger:    logger.WithField("feed", feed.Label()),
		metrics:   opts.Metrics,
		now:       now,
	}
}

func (w *Worker) Run(ctx context.Context) Result {
	start := time.Now()
	res := w.run(ctx)
	w.metrics.Run(w.feed.Label(), res.Err, time.Since(start))
	return res
}

func (w *Worker) run(ctx context.Context) Result {
	res := Result{Feed: w.feed}

	snap, err := w.source.Fetch(ctx, w.feed.URL)
	if err != nil {
		res.Err = err
		return res
	}
	w.fillHeader(snap)
	feedLink := snap.Link

	w.logger.WithFields(log.Fields{
		"entries": len(snap.Entries),
		"link":    feedLink,
	}).Debug("Feed fetched")

	included := make([]internal.Entry, 0, len(snap.Entries))
	for _, entry := range snap.Entries {
		content, ok, err := w.resolve(ctx, feedLink, entry, &res)
		if err != nil {
			res.Err = err
			return res
		}
		if !ok {
			res.Excluded++
			w.metrics.Entry(w.feed.Label(), metrics.Excluded)
			continue
		}
		entry.Content = &content
		included = append(included, entry)
	}
	res.Included = len(included)
	snap.Entries = included

	if err := w.publisher.Write(snap, w.feed.Output); err != nil {
		res.Err = fmt.Errorf("error writing %s: %w", w.feed.Output, err)
		return res
	}

	if w.cache == nil {
		return res
	}

	keep := lo.Map(included, func(e internal.Entry, _ int) string { return e.Link })
	pruned, err := w.cache.Prune(ctx, feedLink, keep)
	if err != nil {
		w.logger.WithError(err).Error("Failed to prune cache")
		res.Err = err
		return res
	}
	res.Pruned = pruned
	w.metrics.Pruned(w.feed.Label(), pruned)

	if w.logger.Logger.IsLevelEnabled(log.DebugLevel) {
		if rows, err := w.cache.Count(ctx, feedLink); err == nil {
			w.logger.WithFields(log.Fields{"pruned": pruned, "rows": rows}).Debug("Cache pruned")
		}
	}

	return res
}

// resolve returns the full content of entry. ok is false when the entry
// has to be left out of the output. A non-nil error aborts the run.
func (w *Worker) resolve(ctx context.Context, feedLink string, entry internal.Entry, res *Result) (string, bool, error) {
	logger := w.logger.WithField("link", entry.Link)

	if w.cache != nil {
		content, found, err := w.cache.Lookup(ctx, entry.Link)
		switch {
		case err != nil:
			logger.WithError(err).Warn("Cache lookup failed, fetching instead")
		case found:
			res.CacheHits++
			w.metrics.Entry(w.feed.Label(), metrics.CacheHit)
			return content, true, nil
		}
	}

	content, err := w.extractor.Extract(ctx, entry.Link)
	if err != nil {
		logger.WithError(err).Warn("Failed to extract article, skipping entry")
		return "", false, nil
	}
	res.Fetched++
	w.metrics.Entry(w.feed.Label(), metrics.Fetched)

	if w.cache != nil {
		if err := w.cache.Store(ctx, feedLink, entry.Link, w.now(), content); err != nil {
			return "", false, err
		}
	}
	logger.Debug("Article fetched")

	return content, true, nil
}

// fillHeader substitutes missing feed metadata. Each field falls back on
// its own.
func (w *Worker) fillHeader(snap *internal.Snapshot) {
	if snap.Title == "" {
		snap.Title = lo.Ternary(w.feed.Name != "", w.feed.Name, w.feed.URL)
	}
	if snap.Link == "" {
		snap.Link = w.feed.URL
	}
	if snap.Description == "" {
		snap.Description = snap.Title
	}
}
