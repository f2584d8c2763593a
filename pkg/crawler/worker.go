// Package crawler implements the fetch → validate → dedup → extract
// pipeline driving InfoMesh's crawl loop (spec §4.5).
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/ssrf"
)

// MaxResponseBytes bounds the crawled response body size, per spec §4.5.
const MaxResponseBytes = 10 << 20

// FetchTimeout bounds a single crawl HTTP GET.
const FetchTimeout = 30 * time.Second

// paywallPhrases are body substrings (checked case-insensitively) that
// indicate a soft paywall even on a 200 response.
var paywallPhrases = []string{"subscribe to continue", "paywall", "metered content"}

var (
	// ErrLockedByPeer indicates another peer holds the crawl lock.
	ErrLockedByPeer = errors.New("crawler: locked by peer")
	// ErrAlreadySeen indicates the URL was already crawled.
	ErrAlreadySeen = errors.New("crawler: already seen")
	// ErrBlockedByRobots indicates robots.txt disallows the URL.
	ErrBlockedByRobots = errors.New("crawler: blocked by robots.txt")
	// ErrExtractionFailed indicates content extraction yielded too little text.
	ErrExtractionFailed = errors.New("crawler: extraction failed")
	// ErrDuplicateContent indicates the page's text hash was already indexed.
	ErrDuplicateContent = errors.New("crawler: duplicate content")
	// ErrNearDuplicate indicates the page is a near-duplicate of an indexed page.
	ErrNearDuplicate = errors.New("crawler: near duplicate")
	// ErrUnsupportedContentType indicates a non-text response.
	ErrUnsupportedContentType = errors.New("crawler: unsupported content type")
	// ErrResponseTooLarge indicates the body exceeded MaxResponseBytes.
	ErrResponseTooLarge = errors.New("crawler: response too large")
	// ErrPaywall indicates the page is behind a paywall.
	ErrPaywall = errors.New("crawler: paywalled")
)

// CrawlLocker abstracts the DHT's network-wide crawl lock (spec §4.11) so
// the crawl worker does not depend on the DHT package directly.
type CrawlLocker interface {
	AcquireCrawlLock(ctx context.Context, url string) (bool, error)
	ReleaseCrawlLock(ctx context.Context, url string) error
}

// Deduplicator abstracts the urlnorm dedup store.
type Deduplicator interface {
	IsURLSeen(url string) (bool, error)
	IsContentSeen(textHash string) (bool, error)
	IsNearDuplicate(text string, threshold int) bool
	MarkSeen(url, textHash, text string) error
}

// RobotsChecker abstracts the robots.txt cache.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, url string) (bool, error)
}

// LinkScheduler abstracts the politeness scheduler's enqueue/done/error API.
type LinkScheduler interface {
	AddURL(url string, depth int) bool
	MarkDone(url string)
	MarkError(url string)
}

// Config configures a Worker, per spec §4.5/§6.
type Config struct {
	UserAgent     string
	MaxDepth      int
	RespectRobots bool
}

// Result is the outcome of a single crawl_url call, per spec §4.5.
type Result struct {
	URL             string
	Success         bool
	Page            *ParsedPage
	Error           error
	ElapsedMs       float64
	DiscoveredLinks []string
}

// SSRFValidator abstracts outbound-URL validation so tests can substitute
// a permissive validator in place of pkg/ssrf's real-network-topology
// checks (which would otherwise reject httptest's loopback listeners).
type SSRFValidator interface {
	Validate(ctx context.Context, rawURL string) (string, error)
	ValidatePostRedirect(ctx context.Context, finalURL string) (string, error)
}

type defaultSSRFValidator struct{}

func (defaultSSRFValidator) Validate(ctx context.Context, rawURL string) (string, error) {
	return ssrf.Validate(ctx, rawURL, ssrf.Options{})
}

func (defaultSSRFValidator) ValidatePostRedirect(ctx context.Context, finalURL string) (string, error) {
	return ssrf.ValidatePostRedirect(ctx, finalURL)
}

// Worker fetches, validates, deduplicates, and extracts content from
// crawled pages, mirroring the reference crawl worker's pipeline.
type Worker struct {
	cfg       Config
	scheduler LinkScheduler
	dedup     Deduplicator
	robots    RobotsChecker
	locker    CrawlLocker // nil when no DHT is configured
	ssrf      SSRFValidator
	client    *http.Client
}

// NewWorker constructs a Worker using the real SSRF validator. locker may
// be nil to disable the network-wide crawl lock (standalone/non-networked
// operation).
func NewWorker(cfg Config, scheduler LinkScheduler, dedup Deduplicator, robots RobotsChecker, locker CrawlLocker) *Worker {
	return NewWorkerWithValidator(cfg, scheduler, dedup, robots, locker, defaultSSRFValidator{})
}

// NewWorkerWithValidator is NewWorker with an injectable SSRF validator,
// primarily for tests.
func NewWorkerWithValidator(cfg Config, scheduler LinkScheduler, dedup Deduplicator, robots RobotsChecker, locker CrawlLocker, validator SSRFValidator) *Worker {
	return &Worker{
		cfg:       cfg,
		scheduler: scheduler,
		dedup:     dedup,
		robots:    robots,
		locker:    locker,
		ssrf:      validator,
		client: &http.Client{
			Timeout: FetchTimeout,
		},
	}
}

// CrawlURL executes the full pipeline for a single URL at the given
// BFS depth, per spec §4.5 steps 1–8. force bypasses the is_url_seen
// dedup check, letting a caller (e.g. a manual recrawl request) fetch
// a URL even though it was already crawled.
func (w *Worker) CrawlURL(ctx context.Context, rawURL string, depth int, force bool) Result {
	start := time.Now()
	lockAcquired := false

	if w.locker != nil {
		acquired, err := w.locker.AcquireCrawlLock(ctx, rawURL)
		if err != nil {
			logrus.WithFields(logrus.Fields{"url": rawURL, "error": err}).Debug("crawler: lock attempt failed, proceeding without it")
		} else if !acquired {
			return w.result(rawURL, start, ErrLockedByPeer, nil)
		} else {
			lockAcquired = true
		}
	}

	defer func() {
		if lockAcquired && w.locker != nil {
			if err := w.locker.ReleaseCrawlLock(ctx, rawURL); err != nil {
				logrus.WithFields(logrus.Fields{"url": rawURL, "error": err}).Debug("crawler: lock release failed")
			}
		}
	}()

	return w.crawlInner(ctx, rawURL, depth, force, start)
}

func (w *Worker) crawlInner(ctx context.Context, rawURL string, depth int, force bool, start time.Time) Result {
	validated, err := w.ssrf.Validate(ctx, rawURL)
	if err != nil {
		return w.result(rawURL, start, fmt.Errorf("blocked: %w", err), nil)
	}

	if !force {
		seen, err := w.dedup.IsURLSeen(validated)
		if err != nil {
			return w.result(rawURL, start, fmt.Errorf("crawler: dedup check: %w", err), nil)
		}
		if seen {
			return w.result(rawURL, start, ErrAlreadySeen, nil)
		}
	}

	if w.cfg.RespectRobots {
		allowed, err := w.robots.IsAllowed(ctx, validated)
		if err != nil {
			logrus.WithFields(logrus.Fields{"url": validated, "error": err}).Warn("crawler: robots check failed, denying by default")
			return w.result(rawURL, start, ErrBlockedByRobots, nil)
		}
		if !allowed {
			return w.result(rawURL, start, ErrBlockedByRobots, nil)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validated, nil)
	if err != nil {
		return w.result(rawURL, start, fmt.Errorf("crawler: build request: %w", err), nil)
	}
	req.Header.Set("User-Agent", w.cfg.UserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		w.scheduler.MarkError(validated)
		return w.result(rawURL, start, fmt.Errorf("crawler: fetch: %w", err), nil)
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if _, err := w.ssrf.ValidatePostRedirect(ctx, finalURL); err != nil {
		return w.result(rawURL, start, fmt.Errorf("redirect_blocked: %w", err), nil)
	}

	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden {
		w.scheduler.MarkDone(validated)
		return w.result(rawURL, start, ErrPaywall, nil)
	}
	if resp.StatusCode >= 400 {
		w.scheduler.MarkError(validated)
		return w.result(rawURL, start, fmt.Errorf("crawler: http_%d", resp.StatusCode), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		w.scheduler.MarkDone(validated)
		return w.result(rawURL, start, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		w.scheduler.MarkError(validated)
		return w.result(rawURL, start, fmt.Errorf("crawler: read body: %w", err), nil)
	}
	if len(body) > MaxResponseBytes {
		w.scheduler.MarkDone(validated)
		return w.result(rawURL, start, ErrResponseTooLarge, nil)
	}

	html := string(body)
	lowerHTML := strings.ToLower(html)
	for _, phrase := range paywallPhrases {
		if strings.Contains(lowerHTML, phrase) {
			w.scheduler.MarkDone(validated)
			return w.result(rawURL, start, ErrPaywall, nil)
		}
	}

	rawHash := hashcodec.ContentHashString(html)
	page, ok := ExtractContent(html, validated, rawHash)
	if !ok {
		w.scheduler.MarkDone(validated)
		return w.result(rawURL, start, ErrExtractionFailed, nil)
	}

	contentSeen, err := w.dedup.IsContentSeen(page.TextHash)
	if err != nil {
		return w.result(rawURL, start, fmt.Errorf("crawler: content dedup check: %w", err), nil)
	}
	if contentSeen {
		w.dedup.MarkSeen(validated, page.TextHash, page.Text)
		w.scheduler.MarkDone(validated)
		return w.result(rawURL, start, ErrDuplicateContent, nil)
	}

	if w.dedup.IsNearDuplicate(page.Text, 0) {
		w.dedup.MarkSeen(validated, page.TextHash, page.Text)
		w.scheduler.MarkDone(validated)
		return w.result(rawURL, start, ErrNearDuplicate, nil)
	}

	if err := w.dedup.MarkSeen(validated, page.TextHash, page.Text); err != nil {
		logrus.WithFields(logrus.Fields{"url": validated, "error": err}).Warn("crawler: mark seen failed")
	}
	w.scheduler.MarkDone(validated)

	var discovered []string
	if depth < w.cfg.MaxDepth {
		discovered = ExtractLinks(html, validated)
		scheduled := 0
		for _, link := range discovered {
			if linkSeen, err := w.dedup.IsURLSeen(link); err == nil && !linkSeen {
				if w.scheduler.AddURL(link, depth+1) {
					scheduled++
				}
			}
		}
		if scheduled > 0 {
			logrus.WithFields(logrus.Fields{
				"url": validated, "discovered": len(discovered), "scheduled": scheduled, "next_depth": depth + 1,
			}).Info("crawler: links scheduled")
		}
	}

	elapsed := time.Since(start)
	logrus.WithFields(logrus.Fields{
		"url": validated, "text_len": len(page.Text), "elapsed_ms": elapsed.Milliseconds(),
	}).Info("crawler: crawl succeeded")

	return Result{
		URL: rawURL, Success: true, Page: page,
		ElapsedMs: float64(elapsed.Microseconds()) / 1000, DiscoveredLinks: discovered,
	}
}

func (w *Worker) result(url string, start time.Time, err error, discovered []string) Result {
	return Result{
		URL:             url,
		Success:         false,
		Error:           err,
		ElapsedMs:       float64(time.Since(start).Microseconds()) / 1000,
		DiscoveredLinks: discovered,
	}
}
