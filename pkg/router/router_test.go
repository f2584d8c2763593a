package router

import (
	"context"
	"errors"
	"testing"

	"github.com/infomesh/node/pkg/distindex"
)

type fakeKeywordQuerier struct {
	pointers map[string][]distindex.PeerPointer
}

func (f *fakeKeywordQuerier) QueryKeyword(ctx context.Context, keyword string) ([]distindex.PeerPointer, error) {
	return f.pointers[keyword], nil
}

type fakePeerSearcher struct {
	results map[string][]RemoteSearchResult
	fail    map[string]bool
}

func (f *fakePeerSearcher) SearchPeer(ctx context.Context, peerID string, req SearchRequest) ([]RemoteSearchResult, error) {
	if f.fail[peerID] {
		return nil, errors.New("peer unreachable")
	}
	return f.results[peerID], nil
}

func TestRouteQueryReturnsEmptyWhenNoPeersFound(t *testing.T) {
	dht := &fakeKeywordQuerier{pointers: map[string][]distindex.PeerPointer{}}
	searcher := &fakePeerSearcher{}
	r := NewQueryRouter(dht, searcher, "self")

	results, err := r.RouteQuery(context.Background(), "golang", []string{"golang"}, 10)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
	if r.Stats().QueriesLocalOnly != 1 {
		t.Fatalf("expected QueriesLocalOnly incremented")
	}
}

func TestRouteQueryExcludesSelfPeer(t *testing.T) {
	dht := &fakeKeywordQuerier{pointers: map[string][]distindex.PeerPointer{
		"golang": {{PeerID: "self", DocID: 1, Score: 1.0}},
	}}
	searcher := &fakePeerSearcher{}
	r := NewQueryRouter(dht, searcher, "self")

	results, err := r.RouteQuery(context.Background(), "golang", []string{"golang"}, 10)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected self peer excluded from fan-out, got %+v", results)
	}
}

func TestRouteQueryAggregatesAndFansOutToPeers(t *testing.T) {
	dht := &fakeKeywordQuerier{pointers: map[string][]distindex.PeerPointer{
		"golang":      {{PeerID: "peer-a", DocID: 1, Score: 1.0}},
		"concurrency": {{PeerID: "peer-a", DocID: 1, Score: 1.0}, {PeerID: "peer-b", DocID: 2, Score: 0.5}},
	}}
	searcher := &fakePeerSearcher{results: map[string][]RemoteSearchResult{
		"peer-a": {{URL: "https://a.example", Score: 0.9, PeerID: "peer-a"}},
		"peer-b": {{URL: "https://b.example", Score: 0.4, PeerID: "peer-b"}},
	}}
	r := NewQueryRouter(dht, searcher, "self")

	results, err := r.RouteQuery(context.Background(), "golang concurrency", []string{"golang", "concurrency"}, 10)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 merged results, got %+v", results)
	}
	if results[0].URL != "https://a.example" {
		t.Fatalf("expected higher-score result first, got %+v", results)
	}
	stats := r.Stats()
	if stats.PeersContacted != 2 || stats.PeersResponded != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRouteQueryCountsTimedOutPeers(t *testing.T) {
	dht := &fakeKeywordQuerier{pointers: map[string][]distindex.PeerPointer{
		"golang": {{PeerID: "peer-a", DocID: 1, Score: 1.0}},
	}}
	searcher := &fakePeerSearcher{fail: map[string]bool{"peer-a": true}}
	r := NewQueryRouter(dht, searcher, "self")

	results, err := r.RouteQuery(context.Background(), "golang", []string{"golang"}, 10)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results from a failed peer, got %+v", results)
	}
	if r.Stats().PeersTimedOut != 1 {
		t.Fatalf("expected 1 timed-out peer, got %+v", r.Stats())
	}
}

func TestRouteQueryRespectsLimit(t *testing.T) {
	dht := &fakeKeywordQuerier{pointers: map[string][]distindex.PeerPointer{
		"golang": {{PeerID: "peer-a", DocID: 1, Score: 1.0}, {PeerID: "peer-b", DocID: 2, Score: 1.0}},
	}}
	searcher := &fakePeerSearcher{results: map[string][]RemoteSearchResult{
		"peer-a": {{URL: "https://a1", Score: 0.9}, {URL: "https://a2", Score: 0.8}},
		"peer-b": {{URL: "https://b1", Score: 0.7}},
	}}
	r := NewQueryRouter(dht, searcher, "self")

	results, err := r.RouteQuery(context.Background(), "golang", []string{"golang"}, 2)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected results truncated to limit 2, got %d", len(results))
	}
}

func TestHandleSearchRequestWrapsLocalResults(t *testing.T) {
	r := NewQueryRouter(&fakeKeywordQuerier{}, &fakePeerSearcher{}, "self")

	localSearch := func(ctx context.Context, query string, limit int) ([]RemoteSearchResult, error) {
		return []RemoteSearchResult{{URL: "https://local.example", Score: 1.0}}, nil
	}

	resp := r.HandleSearchRequest(context.Background(), SearchRequest{Query: "golang", Limit: 10, RequestID: "req-1"}, localSearch)
	if resp.RequestID != "req-1" || resp.PeerID != "self" || len(resp.Results) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
