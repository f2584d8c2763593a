package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/infomesh/node/pkg/distindex"
)

// Query-routing tuning constants, per spec §4.12.
const (
	SearchTimeout     = 2 * time.Second
	MaxFanout         = 5
	MaxResultsPerPeer = 20
	// HedgeTimeoutFraction is carried for interface parity with the
	// reference implementation, which defines it but never wires it into
	// an actual hedged-request path; this port has the same gap.
	HedgeTimeoutFraction = 0.5
)

// RoutingStats summarizes one router instance's fan-out activity.
type RoutingStats struct {
	QueriesRouted    int64
	QueriesLocalOnly int64
	PeersContacted   int64
	PeersResponded   int64
	PeersTimedOut    int64
	AvgResponseMs    float64

	responseTimes []float64
}

func (s *RoutingStats) recordResponse(elapsedMs float64) {
	s.responseTimes = append(s.responseTimes, elapsedMs)
	s.PeersResponded++
	var sum float64
	for _, v := range s.responseTimes {
		sum += v
	}
	s.AvgResponseMs = sum / float64(len(s.responseTimes))
}

// RemoteSearchResult is a search hit received from a remote peer.
type RemoteSearchResult struct {
	URL     string
	Title   string
	Snippet string
	Score   float64
	PeerID  string
	DocID   int64
}

// SearchRequest is sent to a peer over the search stream protocol
// (wire.ProtocolSearch).
type SearchRequest struct {
	Query     string
	Keywords  []string
	Limit     int
	RequestID string
	Timestamp time.Time
}

// SearchResponse is a peer's reply to a SearchRequest.
type SearchResponse struct {
	RequestID string
	Results   []RemoteSearchResult
	PeerID    string
	ElapsedMs float64
}

// KeywordQuerier abstracts the DHT's inverted-index lookup so this
// package does not depend on pkg/dht directly. pkg/dht.Node and
// pkg/distindex.Index (via its DHTKeywordStore) both satisfy it.
type KeywordQuerier interface {
	QueryKeyword(ctx context.Context, keyword string) ([]distindex.PeerPointer, error)
}

// PeerSearcher abstracts sending a SearchRequest to a remote peer over a
// libp2p stream and decoding its SearchResponse, decoupling this package
// from stream/transport concerns.
type PeerSearcher interface {
	SearchPeer(ctx context.Context, peerID string, req SearchRequest) ([]RemoteSearchResult, error)
}

// LocalSearchFunc runs a query against this node's own index, for use by
// HandleSearchRequest when answering a peer's incoming request.
type LocalSearchFunc func(ctx context.Context, query string, limit int) ([]RemoteSearchResult, error)

// QueryRouter routes search queries to relevant peers via the DHT and
// merges their responses.
type QueryRouter struct {
	dht      KeywordQuerier
	searcher PeerSearcher
	peerID   string
	timeout  time.Duration
	fanout   int
	profiles *PeerProfileTracker

	mu    sync.Mutex
	stats RoutingStats
}

// NewQueryRouter constructs a router with default timeout/fanout.
func NewQueryRouter(dht KeywordQuerier, searcher PeerSearcher, localPeerID string) *QueryRouter {
	return NewQueryRouterWithOptions(dht, searcher, localPeerID, SearchTimeout, MaxFanout, NewPeerProfileTracker())
}

// NewQueryRouterWithOptions is NewQueryRouter with explicit tuning,
// primarily for tests.
func NewQueryRouterWithOptions(dht KeywordQuerier, searcher PeerSearcher, localPeerID string, timeout time.Duration, fanout int, profiles *PeerProfileTracker) *QueryRouter {
	return &QueryRouter{dht: dht, searcher: searcher, peerID: localPeerID, timeout: timeout, fanout: fanout, profiles: profiles}
}

// Stats returns a snapshot of cumulative routing statistics.
func (r *QueryRouter) Stats() RoutingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.responseTimes = nil
	return out
}

// Profiles returns the router's peer performance tracker.
func (r *QueryRouter) Profiles() *PeerProfileTracker {
	return r.profiles
}

// RouteQuery finds peers indexing keywords via the DHT, fans the query
// out to the top candidates (ranked by recent latency, with a diversity
// allowance for slower peers), and returns their merged, score-sorted
// results truncated to limit.
func (r *QueryRouter) RouteQuery(ctx context.Context, query string, keywords []string, limit int) ([]RemoteSearchResult, error) {
	r.mu.Lock()
	r.stats.QueriesRouted++
	r.mu.Unlock()

	peerScores := map[string]float64{}
	order := make([]string, 0)
	for _, kw := range keywords {
		pointers, err := r.dht.QueryKeyword(ctx, kw)
		if err != nil {
			return nil, fmt.Errorf("router: query keyword %q: %w", kw, err)
		}
		for _, p := range pointers {
			if p.PeerID == "" || p.PeerID == r.peerID {
				continue
			}
			score := p.Score
			if score == 0 {
				score = 0.5
			}
			if _, ok := peerScores[p.PeerID]; !ok {
				order = append(order, p.PeerID)
			}
			peerScores[p.PeerID] += score
		}
	}

	if len(peerScores) == 0 {
		logrus.WithField("query", query).Debug("router: no peers found for query")
		r.mu.Lock()
		r.stats.QueriesLocalOnly++
		r.mu.Unlock()
		return nil, nil
	}

	sort.SliceStable(order, func(i, j int) bool { return peerScores[order[i]] > peerScores[order[j]] })
	candidateCap := r.fanout * 2
	if candidateCap > len(order) {
		candidateCap = len(order)
	}
	candidates := order[:candidateCap]

	targets := r.profiles.RankByLatency(candidates, true)
	if len(targets) > r.fanout {
		targets = targets[:r.fanout]
	}
	r.mu.Lock()
	r.stats.PeersContacted += int64(len(targets))
	r.mu.Unlock()

	resultLimit := limit
	if resultLimit > MaxResultsPerPeer {
		resultLimit = MaxResultsPerPeer
	}
	request := SearchRequest{
		Query:     query,
		Keywords:  keywords,
		Limit:     resultLimit,
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
	}

	var mu sync.Mutex
	var all []RemoteSearchResult
	g, gctx := errgroup.WithContext(context.Background())
	for _, pid := range targets {
		pid := pid
		g.Go(func() error {
			peerTimeout := r.profiles.AdaptiveTimeout(pid, r.timeout)
			callCtx, cancel := context.WithTimeout(gctx, peerTimeout)
			defer cancel()

			start := time.Now()
			results, err := r.searcher.SearchPeer(callCtx, pid, request)
			elapsed := float64(time.Since(start).Microseconds()) / 1000.0
			if err != nil {
				r.mu.Lock()
				r.stats.PeersTimedOut++
				r.mu.Unlock()
				r.profiles.Record(pid, elapsed, false)
				logrus.WithFields(logrus.Fields{"peer_id": pid, "elapsed_ms": elapsed, "error": err}).Debug("router: peer query failed")
				return nil
			}
			r.mu.Lock()
			r.stats.recordResponse(elapsed)
			r.mu.Unlock()
			r.profiles.Record(pid, elapsed, true)

			mu.Lock()
			all = append(all, results...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// HandleSearchRequest answers an incoming SearchRequest by running
// localSearch and wrapping its results in a SearchResponse. Actual
// stream I/O (reading the request, writing the response) is the
// transport layer's responsibility.
func (r *QueryRouter) HandleSearchRequest(ctx context.Context, req SearchRequest, localSearch LocalSearchFunc) SearchResponse {
	start := time.Now()
	results, err := localSearch(ctx, req.Query, req.Limit)
	if err != nil {
		logrus.WithError(err).WithField("request_id", req.RequestID).Error("router: local search failed")
		results = nil
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	return SearchResponse{
		RequestID: req.RequestID,
		Results:   results,
		PeerID:    r.peerID,
		ElapsedMs: elapsed,
	}
}
