// Package recrawl implements conditional-GET re-crawling with adaptive
// change-frequency learning and tiered recrawl intervals (spec §4.6).
package recrawl

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/ssrf"
)

// Interval tiers, per spec §4.6.
const (
	IntervalHigh   = 6 * time.Hour
	IntervalMedium = 24 * time.Hour
	IntervalLow    = 7 * 24 * time.Hour
	IntervalStatic = 30 * 24 * time.Hour
)

// StaleThreshold is the number of consecutive failures before a document
// is soft-deleted.
const StaleThreshold = 3

// MaxResponseBytes bounds a recrawl fetch body, matching the crawl worker.
const MaxResponseBytes = 10 << 20

// FetchTimeout bounds a single recrawl HTTP GET.
const FetchTimeout = 30 * time.Second

// ComputeRecrawlInterval maps an observed change frequency to a recrawl
// interval tier, per spec §4.6.
func ComputeRecrawlInterval(changeFrequency float64) time.Duration {
	switch {
	case changeFrequency <= 0.0:
		return IntervalStatic
	case changeFrequency < 0.10:
		return IntervalLow
	case changeFrequency <= 0.50:
		return IntervalMedium
	default:
		return IntervalHigh
	}
}

// UpdateChangeFrequency applies an EMA update to a document's change
// frequency, per spec §4.6.
func UpdateChangeFrequency(oldFreq float64, changed bool, alpha float64) float64 {
	newVal := 0.0
	if changed {
		newVal = 1.0
	}
	return alpha*newVal + (1.0-alpha)*oldFreq
}

// Status values for a recrawl attempt.
type Status string

const (
	StatusNotModified Status = "not_modified"
	StatusUpdated     Status = "updated"
	StatusDeleted     Status = "deleted"
	StatusError       Status = "error"
)

// Outcome is the result of a single recrawl attempt, per spec §4.6.
type Outcome struct {
	URL             string
	Status          Status
	NewTextHash     string
	NewETag         string
	NewLastModified string
	StaleCount      int
	ElapsedMs       float64
}

// Candidate describes a document eligible for recrawling.
type Candidate struct {
	DocID           int64
	URL             string
	TextHash        string
	ETag            string
	LastModified    string
	RecrawlInterval time.Duration
	StaleCount      int
	ChangeFrequency float64
	CrawledAt       time.Time
	LastRecrawlAt   time.Time // zero value means "never recrawled"
}

// Extractor pulls plain text out of an HTML document; callers typically
// wire this to crawler.ExtractContent.
type Extractor func(html, url string) (text string, ok bool)

// SSRFValidator abstracts outbound-URL validation, matching
// pkg/crawler's pattern so tests can inject a permissive validator in
// place of pkg/ssrf's real-network-topology checks.
type SSRFValidator interface {
	Validate(ctx context.Context, rawURL string) (string, error)
}

type defaultSSRFValidator struct{}

func (defaultSSRFValidator) Validate(ctx context.Context, rawURL string) (string, error) {
	return ssrf.Validate(ctx, rawURL, ssrf.Options{})
}

// Engine performs conditional-GET recrawls.
type Engine struct {
	userAgent string
	client    *http.Client
	extract   Extractor
	ssrf      SSRFValidator
}

// NewEngine constructs an Engine using extract for text extraction and
// the real SSRF validator.
func NewEngine(userAgent string, extract Extractor) *Engine {
	return NewEngineWithValidator(userAgent, extract, defaultSSRFValidator{})
}

// NewEngineWithValidator is NewEngine with an injectable SSRF validator,
// primarily for tests.
func NewEngineWithValidator(userAgent string, extract Extractor, validator SSRFValidator) *Engine {
	return &Engine{
		userAgent: userAgent,
		client:    &http.Client{Timeout: FetchTimeout},
		extract:   extract,
		ssrf:      validator,
	}
}

// RecrawlURL re-fetches url using conditional GET headers derived from
// etag/lastModified, comparing the extracted text's hash against
// oldTextHash to decide whether content changed, per spec §4.6.
func (e *Engine) RecrawlURL(ctx context.Context, url, etag, lastModified, oldTextHash string, staleCount int) Outcome {
	start := time.Now()

	if _, err := e.ssrf.Validate(ctx, url); err != nil {
		logrus.WithFields(logrus.Fields{"url": url, "error": err}).Warn("recrawl: ssrf blocked")
		return Outcome{URL: url, Status: StatusError, StaleCount: staleCount, ElapsedMs: elapsedMs(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{URL: url, Status: StatusError, StaleCount: staleCount + 1, ElapsedMs: elapsedMs(start)}
	}
	req.Header.Set("User-Agent", e.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{"url": url, "error": err}).Warn("recrawl: network error")
		return Outcome{URL: url, Status: StatusError, StaleCount: staleCount + 1, ElapsedMs: elapsedMs(start)}
	}
	defer resp.Body.Close()

	elapsed := elapsedMs(start)

	if resp.StatusCode == http.StatusNotModified {
		return Outcome{
			URL: url, Status: StatusNotModified,
			NewETag: etag, NewLastModified: lastModified,
			StaleCount: 0, ElapsedMs: elapsed,
		}
	}

	if resp.StatusCode >= 400 {
		newStale := staleCount + 1
		status := StatusError
		if newStale >= StaleThreshold {
			status = StatusDeleted
		}
		logrus.WithFields(logrus.Fields{"url": url, "status": resp.StatusCode, "stale_count": newStale}).Info("recrawl: error status")
		return Outcome{URL: url, Status: status, StaleCount: newStale, ElapsedMs: elapsed}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil || len(body) > MaxResponseBytes {
		logrus.WithField("url", url).Warn("recrawl: response too large or unreadable")
		return Outcome{URL: url, Status: StatusError, StaleCount: staleCount, ElapsedMs: elapsed}
	}

	newETag := resp.Header.Get("ETag")
	newLastModified := resp.Header.Get("Last-Modified")

	html := string(body)
	text := html
	if e.extract != nil {
		extracted, ok := e.extract(html, url)
		if !ok {
			return Outcome{URL: url, Status: StatusError, StaleCount: staleCount, ElapsedMs: elapsed}
		}
		text = extracted
	}

	newHash := hashcodec.ContentHashString(text)
	if newHash == oldTextHash {
		return Outcome{
			URL: url, Status: StatusNotModified, NewTextHash: newHash,
			NewETag: newETag, NewLastModified: newLastModified,
			StaleCount: 0, ElapsedMs: elapsed,
		}
	}

	logrus.WithFields(logrus.Fields{"url": url, "old_hash": truncate(oldTextHash, 12), "new_hash": truncate(newHash, 12)}).Info("recrawl: content updated")
	return Outcome{
		URL: url, Status: StatusUpdated, NewTextHash: newHash,
		NewETag: newETag, NewLastModified: newLastModified,
		StaleCount: 0, ElapsedMs: elapsed,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// SelectCandidates returns the most-overdue candidates from docs, up to
// maxBatch, per spec §4.6.
func SelectCandidates(docs []Candidate, now time.Time, maxBatch int) []Candidate {
	type scored struct {
		overdueBy time.Duration
		candidate Candidate
	}
	var overdue []scored
	for _, doc := range docs {
		last := doc.LastRecrawlAt
		if last.IsZero() {
			last = doc.CrawledAt
		}
		dueAt := last.Add(doc.RecrawlInterval)
		if !now.Before(dueAt) {
			overdue = append(overdue, scored{overdueBy: now.Sub(dueAt), candidate: doc})
		}
	}
	for i := 1; i < len(overdue); i++ {
		for j := i; j > 0 && overdue[j].overdueBy > overdue[j-1].overdueBy; j-- {
			overdue[j], overdue[j-1] = overdue[j-1], overdue[j]
		}
	}
	if maxBatch > 0 && len(overdue) > maxBatch {
		overdue = overdue[:maxBatch]
	}
	result := make([]Candidate, len(overdue))
	for i, s := range overdue {
		result[i] = s.candidate
	}
	return result
}
