// Package scheduler enforces politeness delays, per-domain concurrency
// caps, and a global hourly rate limit over the crawl frontier (spec
// §4.4).
package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxQueueSize bounds the number of URLs buffered in the frontier.
const MaxQueueSize = 10_000

// MaxTrackedDomains bounds per-domain state before stale eviction runs.
const MaxTrackedDomains = 50_000

// DomainStaleAfter marks a domain evictable once idle this long.
const DomainStaleAfter = time.Hour

const hourWindow = time.Hour

// domainState is per-domain crawl bookkeeping for politeness enforcement.
type domainState struct {
	lastRequestAt time.Time
	pendingCount  int
	errorCount    int
	crawlDelay    time.Duration // 0 means "use the scheduler default"
}

type queueItem struct {
	url   string
	depth int
}

// Scheduler is a politeness-aware crawl frontier. It is safe for
// concurrent use by one producer (AddURL) and one consumer (NextURL),
// matching the single crawl-loop usage in spec §4.4.
type Scheduler struct {
	politenessDelay  time.Duration
	pendingPerDomain int
	maxDepth         int

	mu          sync.Mutex
	domains     map[string]*domainState
	urlsPerHour int
	hourlyCount int
	hourStart   time.Time

	queue chan queueItem
}

// Options configures a Scheduler, mirroring spec §4.4 defaults.
type Options struct {
	PolitenessDelay  time.Duration // default 1s
	URLsPerHour      int           // 0 = unlimited
	PendingPerDomain int           // default 10
	MaxDepth         int           // 0 = unlimited
}

// New constructs a Scheduler per opts, filling in spec-mandated defaults
// for zero-valued fields.
func New(opts Options) *Scheduler {
	if opts.PolitenessDelay <= 0 {
		opts.PolitenessDelay = time.Second
	}
	if opts.PendingPerDomain <= 0 {
		opts.PendingPerDomain = 10
	}
	return &Scheduler{
		politenessDelay:  opts.PolitenessDelay,
		pendingPerDomain: opts.PendingPerDomain,
		maxDepth:         opts.MaxDepth,
		urlsPerHour:      opts.URLsPerHour,
		domains:          make(map[string]*domainState),
		hourStart:        time.Now(),
		queue:            make(chan queueItem, MaxQueueSize),
	}
}

func domainOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// AddURL enqueues rawURL at the given crawl depth. It returns false
// without error when the URL is rejected by a depth limit, a full
// per-domain pending count, or a full queue.
func (s *Scheduler) AddURL(rawURL string, depth int) bool {
	if s.maxDepth > 0 && depth > s.maxDepth {
		logrus.WithFields(logrus.Fields{"url": rawURL, "depth": depth}).Debug("scheduler: depth exceeded")
		return false
	}

	domain := domainOf(rawURL)

	s.mu.Lock()
	state, ok := s.domains[domain]
	if !ok {
		state = &domainState{}
		s.domains[domain] = state
	}
	if state.pendingCount >= s.pendingPerDomain {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{"url": rawURL, "domain": domain}).Debug("scheduler: domain pending queue full")
		return false
	}
	state.pendingCount++
	s.mu.Unlock()

	select {
	case s.queue <- queueItem{url: rawURL, depth: depth}:
		return true
	default:
		s.mu.Lock()
		state.pendingCount--
		s.mu.Unlock()
		logrus.WithField("url", rawURL).Debug("scheduler: frontier queue full")
		return false
	}
}

// SetURLsPerHour updates the global hourly rate limit; 0 disables it.
func (s *Scheduler) SetURLsPerHour(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urlsPerHour = limit
}

// SetCrawlDelay records a robots.txt Crawl-delay override for domain,
// capped at 60s to bound abusive directives.
func (s *Scheduler) SetCrawlDelay(domain string, delay time.Duration) {
	const maxCrawlDelay = 60 * time.Second
	if delay > maxCrawlDelay {
		delay = maxCrawlDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.domains[domain]
	if !ok {
		state = &domainState{}
		s.domains[domain] = state
	}
	state.crawlDelay = delay
	logrus.WithFields(logrus.Fields{"domain": domain, "delay": delay}).Debug("scheduler: crawl delay set")
}

// NextURL blocks until a URL is ready to crawl, honoring its domain's
// politeness delay and the global hourly limit, or until ctx is done.
func (s *Scheduler) NextURL(ctx context.Context) (string, int, error) {
	for {
		var item queueItem
		select {
		case item = <-s.queue:
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}

		domain := domainOf(item.url)

		s.mu.Lock()
		state, ok := s.domains[domain]
		if !ok {
			state = &domainState{}
			s.domains[domain] = state
		}
		delay := s.politenessDelay
		if state.crawlDelay > 0 {
			delay = state.crawlDelay
		}
		wait := delay - time.Since(state.lastRequestAt)
		s.mu.Unlock()

		if wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return "", 0, err
			}
		}

		s.mu.Lock()
		s.refreshHourLocked()
		if s.urlsPerHour > 0 && s.hourlyCount >= s.urlsPerHour {
			remaining := hourWindow - time.Since(s.hourStart)
			if remaining < time.Second {
				remaining = time.Second
			}
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{"count": s.hourlyCount, "wait": remaining}).Info("scheduler: hourly limit reached")
			select {
			case s.queue <- item:
			default:
				// Queue is full; drop rather than deadlock. The caller's
				// pending-count accounting still reflects this item until
				// MarkDone/MarkError is called by whoever re-discovers it.
			}
			if err := sleepCtx(ctx, remaining); err != nil {
				return "", 0, err
			}
			continue
		}
		state.lastRequestAt = time.Now()
		if s.urlsPerHour > 0 {
			s.hourlyCount++
		}
		s.mu.Unlock()

		return item.url, item.depth, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshHourLocked resets the hourly counter once an hour has elapsed
// and prunes stale domain state. Caller must hold s.mu.
func (s *Scheduler) refreshHourLocked() {
	if time.Since(s.hourStart) < hourWindow {
		return
	}
	s.hourlyCount = 0
	s.hourStart = time.Now()
	s.pruneStaleDomainsLocked()
}

func (s *Scheduler) pruneStaleDomainsLocked() {
	if len(s.domains) <= MaxTrackedDomains {
		return
	}
	cutoff := time.Now().Add(-DomainStaleAfter)
	pruned := 0
	for domain, state := range s.domains {
		if state.pendingCount == 0 && state.lastRequestAt.Before(cutoff) {
			delete(s.domains, domain)
			pruned++
		}
	}
	if pruned > 0 {
		logrus.WithField("count", pruned).Debug("scheduler: stale domains pruned")
	}
}

// MarkDone decrements rawURL's domain pending count after a successful
// (or terminal) crawl attempt.
func (s *Scheduler) MarkDone(rawURL string) {
	domain := domainOf(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.domains[domain]; ok && state.pendingCount > 0 {
		state.pendingCount--
	}
}

// MarkError records a crawl failure for rawURL's domain and releases its
// pending slot.
func (s *Scheduler) MarkError(rawURL string) {
	domain := domainOf(rawURL)
	s.mu.Lock()
	if state, ok := s.domains[domain]; ok {
		state.errorCount++
	}
	s.mu.Unlock()
	s.MarkDone(rawURL)
}

// PendingCount reports the number of URLs currently buffered in the
// frontier queue.
func (s *Scheduler) PendingCount() int {
	return len(s.queue)
}

// ErrorCount reports the recorded error count for domain.
func (s *Scheduler) ErrorCount(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.domains[domain]; ok {
		return state.errorCount
	}
	return 0
}

// Close reports a diagnostic error when the frontier still holds
// in-flight work; callers typically ignore this during normal shutdown.
func (s *Scheduler) Close() error {
	if n := len(s.queue); n > 0 {
		return fmt.Errorf("scheduler: %d urls still pending at close", n)
	}
	return nil
}
