package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gosimple/slug"
	"github.com/samber/lo"
)

// ErrInvalid wraps every validation failure of a configuration file.
var ErrInvalid = errors.New("invalid configuration")

const DefaultCachePath = "config/fullfeed-cache.sqlite3"

// TomlFeed is one [[feed]] table.
type TomlFeed struct {
	Name   string `toml:"name"`
	URL    string `toml:"url"`
	Output string `toml:"output"`
}

// TomlConfig represents the top-level configuration file.
type TomlConfig struct {
	Cache     string     `toml:"cache"`
	OutputDir string     `toml:"output_dir"`
	UserAgent string     `toml:"user_agent"`
	Timeout   string     `toml:"timeout"`
	Opml      string     `toml:"opml"`
	Feeds     []TomlFeed `toml:"feed"`
}

// Feed is a validated feed definition. Name may be empty.
type Feed struct {
	Name   string
	URL    string
	Output string
}

// Label identifies the feed in logs and metrics.
func (f Feed) Label() string {
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

type Config struct {
	Cache     string
	UserAgent string
	// Per-article download timeout, zero means the extractor default.
	Timeout time.Duration
	Feeds   []Feed
}

// LoadConfig reads and validates the TOML file at path. Relative paths
// inside the file are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var raw TomlConfig
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: error parsing config file: %w", ErrInvalid, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	return build(&raw, filepath.Dir(path))
}

func build(raw *TomlConfig, baseDir string) (*Config, error) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	cfg := &Config{
		Cache:     resolve(lo.Ternary(raw.Cache != "", raw.Cache, DefaultCachePath)),
		UserAgent: raw.UserAgent,
	}

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: timeout %q is not a positive duration", ErrInvalid, raw.Timeout)
		}
		cfg.Timeout = d
	}

	outputDir := resolve(raw.OutputDir)

	for i, f := range raw.Feeds {
		feed, err := validate(f, outputDir, resolve)
		if err != nil {
			return nil, fmt.Errorf("%w: feed %d: %w", ErrInvalid, i+1, err)
		}
		cfg.Feeds = append(cfg.Feeds, feed)
	}

	if raw.Opml != "" {
		imported, err := loadOPML(resolve(raw.Opml))
		if err != nil {
			return nil, fmt.Errorf("%w: opml: %w", ErrInvalid, err)
		}
		for _, f := range imported {
			feed, err := validate(f, outputDir, resolve)
			if err != nil {
				return nil, fmt.Errorf("%w: opml feed %q: %w", ErrInvalid, f.URL, err)
			}
			cfg.Feeds = append(cfg.Feeds, feed)
		}
	}

	dups := lo.FindDuplicates(lo.Map(cfg.Feeds, func(f Feed, _ int) string { return f.Output }))
	if len(dups) > 0 {
		return nil, fmt.Errorf("%w: output written by more than one feed: %s", ErrInvalid, strings.Join(dups, ", "))
	}

	return cfg, nil
}

func validate(f TomlFeed, outputDir string, resolve func(string) string) (Feed, error) {
	f.Name = strings.TrimSpace(f.Name)
	f.URL = strings.TrimSpace(f.URL)

	if f.URL == "" {
		return Feed{}, errors.New("url is required")
	}
	u, err := url.Parse(f.URL)
	if err != nil {
		return Feed{}, fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return Feed{}, fmt.Errorf("url %q has no host", f.URL)
		}
	case "file":
	default:
		return Feed{}, fmt.Errorf("url scheme must be http, https or file, got %q", u.Scheme)
	}

	output := resolve(f.Output)
	if output == "" {
		if outputDir == "" {
			return Feed{}, fmt.Errorf("%q: output is required when output_dir is not set", f.URL)
		}
		output = filepath.Join(outputDir, outputName(f.Name, u)+".xml")
	}

	return Feed{
		Name:   f.Name,
		URL:    f.URL,
		Output: filepath.Clean(output),
	}, nil
}

func outputName(name string, u *url.URL) string {
	if s := slug.Make(name); s != "" {
		return s
	}
	return slug.Make(u.Host + " " + u.Path)
}
