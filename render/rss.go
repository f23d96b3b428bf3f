// Package render serializes a snapshot into an RSS 2.0 document.
package render

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gorilla/feeds"

	"github.com/tmshv/fullfeed/internal"
)

type RSS struct{}

func NewRSS() *RSS {
	return &RSS{}
}

// Write replaces the file at path with the RSS rendering of snap. Readers
// of path see either the previous document or the new one.
func (r *RSS) Write(snap *internal.Snapshot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.Encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (r *RSS) Encode(w io.Writer, snap *internal.Snapshot) error {
	if err := toFeed(snap).WriteRss(w); err != nil {
		return fmt.Errorf("encoding rss: %w", err)
	}
	return nil
}

func toFeed(snap *internal.Snapshot) *feeds.Feed {
	feed := &feeds.Feed{
		Title:       snap.Title,
		Link:        &feeds.Link{Href: snap.Link, Rel: "alternate"},
		Description: snap.Description,
		Items:       make([]*feeds.Item, 0, len(snap.Entries)),
	}
	if snap.PublishDate != nil {
		feed.Created = *snap.PublishDate
	}

	for _, e := range snap.Entries {
		item := &feeds.Item{
			Title: e.Title,
			Link:  &feeds.Link{Href: e.Link, Rel: "alternate"},
		}
		if e.Author != nil {
			item.Author = &feeds.Author{Name: *e.Author}
		}
		if e.PublishDate != nil {
			item.Created = *e.PublishDate
		}
		if e.Content != nil {
			item.Content = *e.Content
		}
		feed.Items = append(feed.Items, item)
	}

	return feed
}
