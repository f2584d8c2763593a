package distindex

import (
	"context"
	"sync"
	"testing"
)

func TestExtractKeywordsSkipsStopWordsAndShortTokens(t *testing.T) {
	kws := ExtractKeywords("the quick brown fox jumps over the lazy dog and a cat", 10)
	for _, sw := range []string{"the", "a", "and", "over"} {
		for _, k := range kws {
			if k == sw {
				t.Fatalf("expected stop word %q excluded, got %v", sw, kws)
			}
		}
	}
	if len(kws) == 0 {
		t.Fatalf("expected some keywords extracted")
	}
}

func TestExtractKeywordsRanksByFrequency(t *testing.T) {
	kws := ExtractKeywords("golang golang golang concurrency concurrency channels", 10)
	if len(kws) == 0 || kws[0] != "golang" {
		t.Fatalf("expected most frequent keyword first, got %v", kws)
	}
}

func TestExtractKeywordsRespectsMaxKeywords(t *testing.T) {
	kws := ExtractKeywords("alpha bravo charlie delta echo foxtrot golf hotel india juliet", 3)
	if len(kws) != 3 {
		t.Fatalf("expected 3 keywords, got %d", len(kws))
	}
}

type fakeDHT struct {
	mu        sync.Mutex
	published map[string][]PeerPointer
	failKey   string
}

func newFakeDHT() *fakeDHT {
	return &fakeDHT{published: map[string][]PeerPointer{}}
}

func (f *fakeDHT) PublishKeyword(ctx context.Context, keyword string, pointers []PeerPointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if keyword == f.failKey {
		return context.DeadlineExceeded
	}
	f.published[keyword] = append(f.published[keyword], pointers...)
	return nil
}

func (f *fakeDHT) QueryKeyword(ctx context.Context, keyword string) ([]PeerPointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PeerPointer, len(f.published[keyword]))
	copy(out, f.published[keyword])
	return out, nil
}

func TestPublishDocumentPublishesExtractedKeywords(t *testing.T) {
	dht := newFakeDHT()
	idx := New(dht, "peer-1")

	n, err := idx.PublishDocument(context.Background(), 42, "https://example.com/a", "Title",
		"golang concurrency patterns with channels and goroutines", 1.0)
	if err != nil {
		t.Fatalf("PublishDocument: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one keyword published")
	}

	stats := idx.Stats()
	if stats.DocumentsPublished != 1 {
		t.Fatalf("expected 1 document published, got %d", stats.DocumentsPublished)
	}
	if stats.KeywordsPublished != int64(n) {
		t.Fatalf("expected keyword count to match, got %d want %d", stats.KeywordsPublished, n)
	}
}

func TestPublishDocumentSkipsWhenNoKeywords(t *testing.T) {
	dht := newFakeDHT()
	idx := New(dht, "peer-1")

	n, err := idx.PublishDocument(context.Background(), 1, "https://example.com/a", "", "the a an", 1.0)
	if err != nil {
		t.Fatalf("PublishDocument: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 keywords published for an all-stopword document, got %d", n)
	}
}

func TestQueryAggregatesScoresAcrossKeywords(t *testing.T) {
	dht := newFakeDHT()
	idx := New(dht, "peer-1")

	dht.PublishKeyword(context.Background(), "golang", []PeerPointer{{PeerID: "p1", DocID: 1, Score: 1.0}})
	dht.PublishKeyword(context.Background(), "concurrency", []PeerPointer{{PeerID: "p1", DocID: 1, Score: 1.0}})
	dht.PublishKeyword(context.Background(), "concurrency", []PeerPointer{{PeerID: "p2", DocID: 2, Score: 0.5}})

	results, err := idx.Query(context.Background(), []string{"golang", "concurrency"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 distinct (peer, doc) pointers, got %d", len(results))
	}
	if results[0].PeerID != "p1" || results[0].Score != 2.0 {
		t.Fatalf("expected p1/doc1 aggregated to score 2.0 ranked first, got %+v", results[0])
	}
}

func TestPublishBatchSumsKeywordCounts(t *testing.T) {
	dht := newFakeDHT()
	idx := New(dht, "peer-1")

	docs := []Document{
		{DocID: 1, URL: "https://example.com/a", Title: "A", Text: "golang channels goroutines", Score: 1.0},
		{DocID: 2, URL: "https://example.com/b", Title: "B", Text: "python asyncio coroutines", Score: 1.0},
	}
	total, err := idx.PublishBatch(context.Background(), docs)
	if err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if total == 0 {
		t.Fatalf("expected nonzero total keywords published")
	}
}
