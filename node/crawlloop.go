package node

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/crawler"
)

const (
	diskCheckInterval    = 60 * time.Second
	idleRestartThreshold = 10 * time.Second
	ftsOptimizeInterval  = time.Hour
	nextURLTimeout       = 5 * time.Second
	reseedFetchTimeout   = 30 * time.Second
)

// IndexSubmitSender forwards a crawled page to configured indexer peers
// instead of indexing it locally, the crawler role's half of §4.18's
// INDEX_SUBMIT exchange. It is wired externally once a transport layer
// exists; nil means "index locally".
type IndexSubmitSender interface {
	SendPage(ctx context.Context, page *crawler.ParsedPage, discoveredLinks []string) (acked int, err error)
}

// RunCrawlLoop loads the configured seed list, crawls it once to
// rediscover links from already-seen seeds, and then runs the
// continuous crawl loop — pulling URLs from the scheduler, crawling,
// indexing or submitting, and recording credit — until ctx is
// canceled. It requires the crawler-role components (worker, scheduler,
// dedup); calling it on a search-only node is a programming error and
// returns immediately.
func (n *Node) RunCrawlLoop(ctx context.Context, submit IndexSubmitSender, embed Embedder) error {
	if n.Worker == nil || n.Scheduler == nil || n.Dedup == nil {
		logrus.Warn("node: crawl loop skipped, crawler components not initialized (search-only role?)")
		return nil
	}

	seeds := seedsFromConfig(n.Config.Crawl.SeedCategory, n.Config.Crawl.SeedURLs)
	client := &http.Client{Timeout: reseedFetchTimeout}

	queued, rediscovered := n.seedQueue(ctx, seeds, client)
	logrus.WithFields(logrus.Fields{
		"category":     seeds.Category,
		"total":        len(seeds.URLs),
		"new":          queued,
		"rediscovered": rediscovered,
	}).Info("node: seeds queued")

	n.Scheduler.SetURLsPerHour(0)

	var crawlCount int
	var lastDiskCheck time.Time
	lastCrawlAt := time.Now()
	lastFTSOptimize := time.Now()

	for {
		if time.Since(lastDiskCheck) > diskCheckInterval {
			lastDiskCheck = time.Now()
			if diskSpaceCritical(n.DataDir) {
				logrus.Warn("node: disk space critical, pausing crawl")
				if err := sleepOrDone(ctx, 30*time.Second); err != nil {
					return nil
				}
				continue
			}
		}

		fetchCtx, cancel := context.WithTimeout(ctx, nextURLTimeout)
		url, depth, err := n.Scheduler.NextURL(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			idle := time.Since(lastCrawlAt)
			if idle >= idleRestartThreshold {
				logrus.WithFields(logrus.Fields{"idle_secs": idle.Seconds(), "crawled": crawlCount}).Info("node: re-seeding queue after idle timeout")
				added, _ := n.reseedQueue(ctx, client)
				if added > 0 {
					lastCrawlAt = time.Now()
					logrus.WithField("new_urls", added).Info("node: crawl reseed complete")
				} else if err := sleepOrDone(ctx, 5*time.Second); err != nil {
					return nil
				}
			} else if err := sleepOrDone(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		lastCrawlAt = time.Now()
		n.crawlOne(ctx, url, depth, submit, embed, &crawlCount)

		if time.Since(lastFTSOptimize) >= ftsOptimizeInterval {
			lastFTSOptimize = time.Now()
			if err := n.Store.Optimize(); err != nil {
				logrus.WithError(err).Warn("node: fts5 optimize failed")
			} else {
				logrus.WithField("crawl_count", crawlCount).Info("node: fts5 optimize done")
			}
		}
	}
}

func (n *Node) crawlOne(ctx context.Context, url string, depth int, submit IndexSubmitSender, embed Embedder, crawlCount *int) {
	result := n.Worker.CrawlURL(ctx, url, depth, false)
	if !result.Success || result.Page == nil {
		if !result.Success {
			if n.Metrics != nil {
				n.Metrics.CrawlErrorsTotal.Inc()
			}
			logrus.WithFields(logrus.Fields{"url": url, "error": result.Error}).Debug("node: crawl skipped")
		}
		return
	}

	if submit != nil {
		acked, err := submit.SendPage(ctx, result.Page, result.DiscoveredLinks)
		if err != nil {
			logrus.WithError(err).WithField("url", url).Warn("node: index submit failed")
		} else {
			logrus.WithFields(logrus.Fields{"url": url, "acked": acked}).Info("node: index submit sent")
		}
	} else {
		if _, err := n.indexDocument(result.Page, embed); err != nil {
			logrus.WithError(err).WithField("url", url).Warn("node: index document failed")
		}
		if n.LinkGraph != nil && len(result.DiscoveredLinks) > 0 {
			if _, err := n.LinkGraph.AddLinks(url, result.DiscoveredLinks); err != nil {
				logrus.WithError(err).WithField("url", url).Debug("node: link graph update failed")
			}
		}
	}

	*crawlCount++
	if n.Metrics != nil {
		n.Metrics.CrawledTotal.Inc()
	}
	if n.Ledger != nil {
		note := url
		if len(note) > 120 {
			note = note[:120]
		}
		if _, err := n.Ledger.RecordAction(credit.ActionCrawl, 1.0, note, n.KeyPair); err != nil {
			logrus.WithError(err).Debug("node: credit record failed")
		}
	}
}

// seedQueue enqueues each unseen seed URL directly and, for seeds
// already crawled, fetches them once to rediscover fresh child links.
func (n *Node) seedQueue(ctx context.Context, seeds SeedList, client *http.Client) (queued, rediscovered int) {
	for _, url := range seeds.URLs {
		seen, err := n.Dedup.IsURLSeen(url)
		if err != nil {
			continue
		}
		if seen {
			rediscovered += n.rediscoverLinks(ctx, url, client)
			continue
		}
		if n.Scheduler.AddURL(url, 0) {
			queued++
		}
	}
	return queued, rediscovered
}

// reseedQueue re-runs seedQueue over every configured category label
// (the original iterates all bundled categories; here there is one
// configured list, so it is equivalent to seedQueue).
func (n *Node) reseedQueue(ctx context.Context, client *http.Client) (int, error) {
	seeds := seedsFromConfig(n.Config.Crawl.SeedCategory, n.Config.Crawl.SeedURLs)
	queued, rediscovered := n.seedQueue(ctx, seeds, client)
	return queued + rediscovered, nil
}

func (n *Node) rediscoverLinks(ctx context.Context, url string, client *http.Client) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := client.Do(req)
	if err != nil {
		logrus.WithField("url", url).Debug("node: reseed fetch failed")
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, crawler.MaxResponseBytes))
	if err != nil {
		return 0
	}

	added := 0
	for _, link := range crawler.ExtractLinks(string(body), url) {
		if seen, err := n.Dedup.IsURLSeen(link); err == nil && !seen {
			if n.Scheduler.AddURL(link, 1) {
				added++
			}
		}
	}
	return added
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
