package recrawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/infomesh/node/pkg/hashcodec"
)

type permissiveSSRF struct{}

func (permissiveSSRF) Validate(ctx context.Context, rawURL string) (string, error) {
	return rawURL, nil
}

func identityExtractor(html, url string) (string, bool) { return html, true }

func TestComputeRecrawlIntervalTiers(t *testing.T) {
	cases := []struct {
		freq float64
		want time.Duration
	}{
		{0.0, IntervalStatic},
		{0.05, IntervalLow},
		{0.10, IntervalMedium},
		{0.5, IntervalMedium},
		{0.51, IntervalHigh},
		{1.0, IntervalHigh},
	}
	for _, c := range cases {
		if got := ComputeRecrawlInterval(c.freq); got != c.want {
			t.Errorf("ComputeRecrawlInterval(%v) = %v, want %v", c.freq, got, c.want)
		}
	}
}

func TestUpdateChangeFrequencyEMA(t *testing.T) {
	got := UpdateChangeFrequency(0.5, true, 0.3)
	alpha, oldFreq := 0.3, 0.5
	want := alpha*1.0 + (1-alpha)*oldFreq
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
	got = UpdateChangeFrequency(0.5, false, 0.3)
	want = 0.7 * 0.5
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRecrawlURLNotModified304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	engine := NewEngineWithValidator("infomesh-test", identityExtractor, permissiveSSRF{})
	outcome := engine.RecrawlURL(context.Background(), srv.URL, "etag-1", "", "oldhash", 0)
	if outcome.Status != StatusNotModified {
		t.Fatalf("expected not_modified, got %v", outcome.Status)
	}
	if outcome.StaleCount != 0 {
		t.Fatalf("expected stale count reset to 0")
	}
}

func TestRecrawlURLUpdatedOnContentChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "new-etag")
		w.Write([]byte("new content"))
	}))
	defer srv.Close()

	oldHash := hashcodec.ContentHashString("old content")
	engine := NewEngineWithValidator("infomesh-test", identityExtractor, permissiveSSRF{})
	outcome := engine.RecrawlURL(context.Background(), srv.URL, "", "", oldHash, 0)
	if outcome.Status != StatusUpdated {
		t.Fatalf("expected updated, got %v", outcome.Status)
	}
	if outcome.NewETag != "new-etag" {
		t.Fatalf("expected new etag to be captured")
	}
}

func TestRecrawlURLUnchangedHashMatch(t *testing.T) {
	const content = "identical content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	hash := hashcodec.ContentHashString(content)
	engine := NewEngineWithValidator("infomesh-test", identityExtractor, permissiveSSRF{})
	outcome := engine.RecrawlURL(context.Background(), srv.URL, "", "", hash, 2)
	if outcome.Status != StatusNotModified {
		t.Fatalf("expected not_modified on matching hash, got %v", outcome.Status)
	}
	if outcome.StaleCount != 0 {
		t.Fatalf("expected stale count reset on match")
	}
}

func TestRecrawlURLErrorStatusIncrementsStaleCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	engine := NewEngineWithValidator("infomesh-test", identityExtractor, permissiveSSRF{})
	outcome := engine.RecrawlURL(context.Background(), srv.URL, "", "", "hash", 1)
	if outcome.Status != StatusError {
		t.Fatalf("expected error status below threshold, got %v", outcome.Status)
	}
	if outcome.StaleCount != 2 {
		t.Fatalf("expected stale count 2, got %d", outcome.StaleCount)
	}
}

func TestRecrawlURLDeletesAtStaleThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	engine := NewEngineWithValidator("infomesh-test", identityExtractor, permissiveSSRF{})
	outcome := engine.RecrawlURL(context.Background(), srv.URL, "", "", "hash", StaleThreshold-1)
	if outcome.Status != StatusDeleted {
		t.Fatalf("expected deleted at stale threshold, got %v", outcome.Status)
	}
}

func TestSelectCandidatesOrdersByMostOverdue(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	docs := []Candidate{
		{URL: "a", CrawledAt: now.Add(-2 * time.Hour), RecrawlInterval: time.Hour},
		{URL: "b", CrawledAt: now.Add(-10 * time.Hour), RecrawlInterval: time.Hour},
		{URL: "c", CrawledAt: now.Add(-30 * time.Minute), RecrawlInterval: time.Hour}, // not due
	}
	selected := SelectCandidates(docs, now, 10)
	if len(selected) != 2 {
		t.Fatalf("expected 2 overdue candidates, got %d", len(selected))
	}
	if selected[0].URL != "b" {
		t.Fatalf("expected most overdue (b) first, got %s", selected[0].URL)
	}
}

func TestSelectCandidatesRespectsMaxBatch(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	var docs []Candidate
	for i := 0; i < 5; i++ {
		docs = append(docs, Candidate{URL: "x", CrawledAt: now.Add(-2 * time.Hour), RecrawlInterval: time.Hour})
	}
	selected := SelectCandidates(docs, now, 3)
	if len(selected) != 3 {
		t.Fatalf("expected batch capped at 3, got %d", len(selected))
	}
}
