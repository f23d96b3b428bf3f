// Package extract downloads an article page and reduces it to its readable
// HTML content.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cixtor/readability"

	"github.com/tmshv/fullfeed/utils"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.12; rv:49.0) Gecko/20100101 Firefox/49.0"
	DefaultTimeout   = 20 * time.Second

	maxPageSize = 10 << 20
)

type Options struct {
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

// Readability is safe for concurrent use; parser state is created per call.
type Readability struct {
	client    *http.Client
	userAgent string
}

func New(opts Options) *Readability {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Readability{
		client:    client,
		userAgent: opts.UserAgent,
	}
}

// Extract returns the readable HTML of the article at link. Errors wrap
// ErrDownload, ErrParse or ErrEmptyContent.
func (r *Readability) Extract(ctx context.Context, link string) (string, error) {
	page, pageURL, err := r.download(ctx, link)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(page)) == 0 {
		return "", fmt.Errorf("%w: %s: empty page", ErrEmptyContent, link)
	}

	article, err := readability.New().Parse(bytes.NewReader(page), pageURL.String())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrParse, link, err)
	}

	content, err := absolutize(article.Content, pageURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrParse, link, err)
	}
	if content == "" {
		return "", fmt.Errorf("%w: %s: nothing readable", ErrEmptyContent, link)
	}
	return content, nil
}

func (r *Readability) download(ctx context.Context, link string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, utils.DropTrackingParams(link), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDownload, link, err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDownload, link, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: %s: HTTP %d", ErrDownload, link, res.StatusCode)
	}

	page, err := io.ReadAll(io.LimitReader(res.Body, maxPageSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDownload, link, err)
	}
	if len(page) > maxPageSize {
		return nil, nil, fmt.Errorf("%w: %s: page larger than %d bytes", ErrDownload, link, maxPageSize)
	}

	// Redirects change the base for relative references.
	return page, res.Request.URL, nil
}

// absolutize rewrites relative href/src attributes against base and returns
// the body HTML, or "" when the fragment has neither text nor images.
func absolutize(fragment string, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", err
	}

	for _, attr := range []string{"href", "src"} {
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(attr)
			s.SetAttr(attr, utils.ResolveReference(base, v))
		})
	}

	body := doc.Find("body")
	if strings.TrimSpace(body.Text()) == "" && body.Find("img").Length() == 0 {
		return "", nil
	}
	return body.Html()
}
