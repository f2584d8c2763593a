// Package robots enforces robots.txt directives with a bounded,
// per-domain cache (spec §4.4).
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// MaxCacheSize bounds the number of distinct domains cached, per spec §4.4.
const MaxCacheSize = 10_000

// DefaultCacheTTL is how long a parsed robots.txt is trusted before
// re-fetching.
const DefaultCacheTTL = time.Hour

// FetchTimeout bounds a single robots.txt GET.
const FetchTimeout = 10 * time.Second

type cacheEntry struct {
	data     *robotstxt.RobotsData
	cachedAt time.Time
	denyAll  bool
	allowAll bool
}

// Checker fetches and caches robots.txt per domain, defaulting to
// most-restrictive (deny all) whenever fetching fails, per spec §4.4.
type Checker struct {
	userAgent string
	cacheTTL  time.Duration
	client    *http.Client

	cache *lru.Cache[string, *cacheEntry]

	domainMu sync.Map // domain string -> *sync.Mutex, serializes concurrent fetches per domain
}

// NewChecker constructs a Checker for userAgent. A zero cacheTTL defaults
// to DefaultCacheTTL.
func NewChecker(userAgent string, cacheTTL time.Duration) (*Checker, error) {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	cache, err := lru.New[string, *cacheEntry](MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("robots: create cache: %w", err)
	}
	return &Checker{
		userAgent: userAgent,
		cacheTTL:  cacheTTL,
		client:    &http.Client{Timeout: FetchTimeout},
		cache:     cache,
	}, nil
}

func (c *Checker) domainLock(domain string) *sync.Mutex {
	v, _ := c.domainMu.LoadOrStore(domain, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// IsAllowed reports whether rawURL may be fetched under the target
// domain's robots.txt policy for the configured user agent.
func (c *Checker) IsAllowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse url: %w", err)
	}
	domain := parsed.Host

	lock := c.domainLock(domain)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := c.cache.Get(domain)
	if !ok || time.Since(entry.cachedAt) >= c.cacheTTL {
		entry = c.fetch(ctx, parsed.Scheme, domain)
		c.cache.Add(domain, entry)
	}

	if entry.denyAll {
		return false, nil
	}
	if entry.allowAll {
		return true, nil
	}
	return entry.data.TestAgent(parsed.Path, c.userAgent), nil
}

// CrawlDelay returns the Crawl-delay directive for domain, if any, per the
// last fetched robots.txt.
func (c *Checker) CrawlDelay(domain string) (time.Duration, bool) {
	v, ok := c.cache.Get(domain)
	if !ok || v.data == nil {
		return 0, false
	}
	group := v.data.FindGroup(c.userAgent)
	if group == nil || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay, true
}

func (c *Checker) fetch(ctx context.Context, scheme, domain string) *cacheEntry {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{"url": robotsURL, "error": err}).Warn("robots request build failed")
		return &cacheEntry{denyAll: true, cachedAt: time.Now()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{"url": robotsURL, "error": err}).Warn("robots fetch failed, denying by default")
		return &cacheEntry{denyAll: true, cachedAt: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{"url": robotsURL, "status": resp.StatusCode}).Debug("robots not found, allowing all")
		return &cacheEntry{allowAll: true, cachedAt: time.Now()}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logrus.WithFields(logrus.Fields{"url": robotsURL, "error": err}).Warn("robots body read failed, denying by default")
		return &cacheEntry{denyAll: true, cachedAt: time.Now()}
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{"url": robotsURL, "error": err}).Warn("robots parse failed, denying by default")
		return &cacheEntry{denyAll: true, cachedAt: time.Now()}
	}

	logrus.WithField("url", robotsURL).Debug("robots fetched")
	return &cacheEntry{data: data, cachedAt: time.Now()}
}

// Clear empties the cache.
func (c *Checker) Clear() {
	c.cache.Purge()
}
