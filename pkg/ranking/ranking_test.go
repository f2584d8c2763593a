package ranking

import (
	"testing"
	"time"
)

func TestFreshnessScoreDecaysAtHalfLife(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	crawledAt := now.Add(-FreshnessHalfLife)
	got := FreshnessScore(crawledAt, now)
	if got < 0.49 || got > 0.51 {
		t.Fatalf("expected ~0.5 at one half-life, got %v", got)
	}
}

func TestFreshnessScoreFloorsAtMin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	crawledAt := now.Add(-100 * FreshnessHalfLife)
	got := FreshnessScore(crawledAt, now)
	if got != MinFreshness {
		t.Fatalf("expected floor at MinFreshness, got %v", got)
	}
}

func TestNormalizeBM25MapsMaxScoreToHalf(t *testing.T) {
	got := NormalizeBM25(10, 10)
	if got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestNormalizeBM25ZeroOrNegativeIsZero(t *testing.T) {
	if got := NormalizeBM25(0, 10); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := NormalizeBM25(-5, 10); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestRankResultsSortsByCombinedScoreDescending(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	candidates := []Candidate{
		{DocID: "1", URL: "https://example.com/old", BM25Raw: 5, CrawledAt: now.Add(-30 * 24 * time.Hour), Trust: DefaultTrust},
		{DocID: "2", URL: "https://example.com/new", BM25Raw: 5, CrawledAt: now, Trust: DefaultTrust},
	}
	ranked := RankResults(candidates, now, 10)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 results, got %d", len(ranked))
	}
	if ranked[0].URL != "https://example.com/new" {
		t.Fatalf("expected fresher document ranked first, got %s", ranked[0].URL)
	}
}

func TestRankResultsRespectsLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var candidates []Candidate
	for i := 0; i < 5; i++ {
		candidates = append(candidates, Candidate{URL: "u", BM25Raw: float64(i + 1), CrawledAt: now, Trust: DefaultTrust})
	}
	ranked := RankResults(candidates, now, 2)
	if len(ranked) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(ranked))
	}
}

func TestRankResultsEmptyInput(t *testing.T) {
	if ranked := RankResults(nil, time.Now(), 10); ranked != nil {
		t.Fatalf("expected nil for empty candidates, got %v", ranked)
	}
}

func TestRankLocalResultsAppliesAuthorityFunc(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	results := []LocalResult{
		{DocID: 1, URL: "https://trusted.example.com/page", Title: "T", Score: 5, CrawledAt: now},
		{DocID: 2, URL: "https://random.example.org/page", Title: "R", Score: 5, CrawledAt: now},
	}
	authority := func(url string) float64 {
		if url == "https://trusted.example.com/page" {
			return 1.0
		}
		return 0.0
	}
	ranked := RankLocalResults(results, DefaultTrust, authority, now, 10)
	if ranked[0].URL != "https://trusted.example.com/page" {
		t.Fatalf("expected higher-authority document ranked first, got %s", ranked[0].URL)
	}
}
