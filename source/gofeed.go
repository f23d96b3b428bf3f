// Package source turns a feed URL into an internal.Snapshot.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"

	"github.com/tmshv/fullfeed/internal"
)

var ErrFetch = errors.New("feed fetch failed")

const (
	DefaultTimeout = 60 * time.Second
	DefaultRetries = 3
)

type Options struct {
	UserAgent       string
	Timeout         time.Duration
	Retries         uint64
	InitialInterval time.Duration
	Logger          *log.Entry
}

// Gofeed is not safe for concurrent use: the underlying parser keeps
// decoding state. Use one per worker.
type Gofeed struct {
	parser          *gofeed.Parser
	retries         uint64
	initialInterval time.Duration
	logger          *log.Entry
}

func New(opts Options) *Gofeed {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}

	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: opts.Timeout}
	if opts.UserAgent != "" {
		parser.UserAgent = opts.UserAgent
	}

	return &Gofeed{
		parser:          parser,
		retries:         opts.Retries,
		initialInterval: opts.InitialInterval,
		logger:          opts.Logger,
	}
}

// Fetch downloads and parses feedURL. Network failures and 5xx/429 answers
// are retried; everything else fails immediately. Errors wrap ErrFetch.
func (g *Gofeed) Fetch(ctx context.Context, feedURL string) (*internal.Snapshot, error) {
	var feed *gofeed.Feed

	operation := func() error {
		f, err := g.parse(ctx, feedURL)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		feed = f
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.initialInterval
	policy.MaxInterval = 30 * time.Second

	notify := func(err error, wait time.Duration) {
		g.logger.WithFields(log.Fields{
			"url":   feedURL,
			"retry": wait,
		}).Warnf("Feed fetch failed: %v", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, g.retries), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, feedURL, err)
	}

	return toSnapshot(feed, g.logger.WithField("url", feedURL)), nil
}

func (g *Gofeed) parse(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	u, err := url.Parse(feedURL)
	if err == nil && u.Scheme == "file" {
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return g.parser.Parse(f)
	}
	return g.parser.ParseURLWithContext(feedURL, ctx)
}

func permanent(err error) bool {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, gofeed.ErrFeedTypeNotDetected) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, context.Canceled)
}

func toSnapshot(feed *gofeed.Feed, logger *log.Entry) *internal.Snapshot {
	snap := &internal.Snapshot{
		Title:       strings.TrimSpace(feed.Title),
		Link:        strings.TrimSpace(feed.Link),
		Description: strings.TrimSpace(feed.Description),
		PublishDate: firstTime(feed.PublishedParsed, feed.UpdatedParsed),
		Entries:     make([]internal.Entry, 0, len(feed.Items)),
	}

	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			logger.WithField("title", item.Title).Debug("Skipping item without link")
			continue
		}

		entry := internal.Entry{
			Title:       strings.TrimSpace(item.Title),
			Link:        link,
			PublishDate: firstTime(item.PublishedParsed, item.UpdatedParsed),
		}
		if author := authorName(item); author != "" {
			entry.Author = &author
		}
		snap.Entries = append(snap.Entries, entry)
	}

	return snap
}

func authorName(item *gofeed.Item) string {
	people := item.Authors
	if len(people) == 0 && item.Author != nil {
		people = []*gofeed.Person{item.Author}
	}
	for _, p := range people {
		if p == nil {
			continue
		}
		if name := strings.TrimSpace(p.Name); name != "" {
			return name
		}
		if email := strings.TrimSpace(p.Email); email != "" {
			return email
		}
	}
	return ""
}

func firstTime(times ...*time.Time) *time.Time {
	for _, t := range times {
		if t != nil && !t.IsZero() {
			v := *t
			return &v
		}
	}
	return nil
}
