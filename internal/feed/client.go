package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/services"
)

const maxFeedBytes = 16 << 20

// Client fetches and parses feeds.
type Client struct {
	httpClient *http.Client
	userAgent  string
	hostRate   rate.Limit
	hostBurst  int
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for feed requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a feed client from configuration.
func NewClient(cfg *config.Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.FetchTimeout()},
		userAgent:  cfg.Fetch.UserAgent,
		hostRate:   rate.Limit(cfg.Fetch.HostRate),
		hostBurst:  cfg.Fetch.HostBurst,
		logger:     logging.NewComponentLogger(logger, "feed"),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves rawURL and returns its entries. Every failure is tagged with
// services.ErrFeedFetch.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]Entry, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return nil, services.Wrap(services.ErrFeedFetch, "feed", "parse url", rawURL, err)
	}
	if err := c.limiter(parsed.Host).Wait(ctx); err != nil {
		return nil, services.Wrap(services.ErrFeedFetch, "feed", "rate limit", parsed.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, services.Wrap(services.ErrFeedFetch, "feed", "build request", rawURL, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrFeedFetch, "feed", "request", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, services.Wrap(services.ErrFeedFetch, "feed", "request", fmt.Sprintf("%s returned status %d", rawURL, resp.StatusCode), nil)
	}

	parsedFeed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, services.Wrap(services.ErrFeedFetch, "feed", "parse", rawURL, err)
	}

	entries := Flatten(parsedFeed)
	c.logger.Debug("feed fetched",
		logging.String("url", rawURL),
		logging.Int("entries", len(entries)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return entries, nil
}

// Flatten converts a parsed feed into entries, skipping items without any
// identifying field.
func Flatten(parsed *gofeed.Feed) []Entry {
	if parsed == nil {
		return nil
	}
	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		entry := Entry{
			ID:          strings.TrimSpace(item.GUID),
			Title:       strings.TrimSpace(item.Title),
			Link:        strings.TrimSpace(item.Link),
			Description: item.Description,
		}
		if entry.Description == "" {
			entry.Description = item.Content
		}
		if item.PublishedParsed != nil {
			entry.Published = item.PublishedParsed.UTC().Format(time.RFC3339)
		} else {
			entry.Published = strings.TrimSpace(item.Published)
		}
		for _, enc := range item.Enclosures {
			if enc != nil && strings.TrimSpace(enc.URL) != "" {
				entry.Enclosure = Enclosure{URL: strings.TrimSpace(enc.URL), Type: enc.Type}
				break
			}
		}
		if entry.ID == "" {
			entry.ID = firstNonEmpty(entry.Link, entry.Enclosure.URL, entry.Title)
		}
		if entry.ID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.hostRate, c.hostBurst)
		c.limiters[host] = l
	}
	return l
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
