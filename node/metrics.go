package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics exposes node-level Prometheus gauges and counters covering
// crawl throughput, DHT activity, router fan-out latency, and ledger
// credits — the node-level slice of SPEC_FULL's prometheus wiring.
type Metrics struct {
	registry *prometheus.Registry

	CrawledTotal      prometheus.Counter
	CrawlErrorsTotal  prometheus.Counter
	QueueDepth        prometheus.Gauge
	DHTPublishedTotal prometheus.Counter
	DHTQueriedTotal   prometheus.Counter
	RouterFanoutMs    prometheus.Gauge
	LedgerCredits     prometheus.Gauge
}

// NewMetrics constructs and registers a fresh metric set on its own
// registry, so multiple Node instances in the same process (as in
// tests) never collide on the default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CrawledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "infomesh_crawled_total",
			Help: "Total pages successfully crawled and indexed or submitted.",
		}),
		CrawlErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "infomesh_crawl_errors_total",
			Help: "Total crawl attempts that failed or were skipped.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "infomesh_queue_depth",
			Help: "Approximate number of URLs pending in the crawl frontier.",
		}),
		DHTPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "infomesh_dht_published_total",
			Help: "Total keyword publishes sent to the DHT.",
		}),
		DHTQueriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "infomesh_dht_queried_total",
			Help: "Total keyword lookups sent to the DHT.",
		}),
		RouterFanoutMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "infomesh_router_fanout_ms",
			Help: "Average peer response latency of the last routed query.",
		}),
		LedgerCredits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "infomesh_ledger_credits",
			Help: "This node's total earned credits.",
		}),
	}
	reg.MustRegister(
		m.CrawledTotal, m.CrawlErrorsTotal, m.QueueDepth,
		m.DHTPublishedTotal, m.DHTQueriedTotal, m.RouterFanoutMs, m.LedgerCredits,
	)
	return m
}

// collectMetrics updates the gauges that summarize a point-in-time snapshot of
// n's components (counters are updated inline by their callers instead).
func (n *Node) collectMetrics() {
	if n.Ledger != nil {
		if stats, err := n.Ledger.Stats(); err == nil {
			n.Metrics.LedgerCredits.Set(stats.TotalEarned)
		}
	}
	if n.Router != nil {
		routingStats := n.Router.Stats()
		n.Metrics.RouterFanoutMs.Set(routingStats.AvgResponseMs)
	}
}

// RunMetricsCollector periodically refreshes gauge snapshots until ctx
// is canceled.
func (n *Node) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.collectMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// ServeMetrics starts an HTTP server exposing this node's Prometheus
// registry at /metrics on addr. It returns immediately; the server runs
// until ctx is canceled.
func (n *Node) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.Metrics.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Error("node: metrics server failed")
		return err
	}
	return nil
}
