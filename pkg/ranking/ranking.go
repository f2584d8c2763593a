// Package ranking combines BM25 relevance, freshness decay, peer trust,
// and domain authority into a single composite score, and fuses FTS5
// and vector results via Reciprocal Rank Fusion, per spec §4.9.
package ranking

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Signal weights, must sum to ~1.0.
const (
	WeightBM25      = 0.45
	WeightFreshness = 0.20
	WeightTrust     = 0.15
	WeightAuthority = 0.20
)

// FreshnessHalfLife is the exponential-decay half-life for document age.
const FreshnessHalfLife = 7 * 24 * time.Hour

// MinFreshness floors the freshness score so very old documents are
// never fully zeroed out.
const MinFreshness = 0.05

// DefaultTrust is applied when no peer trust information is available.
const DefaultTrust = 0.50

// RankedResult is a search result carrying its composite score and the
// individual signals that produced it.
type RankedResult struct {
	DocID          string
	URL            string
	Title          string
	Snippet        string
	BM25Score      float64
	FreshnessScore float64
	TrustScore     float64
	AuthorityScore float64
	CombinedScore  float64
	CrawledAt      time.Time
	PeerID         string // empty for local-only results
}

// FreshnessScore computes a 0..1 freshness score using exponential
// decay: f(t) = max(MinFreshness, 2^(-age/halfLife)).
func FreshnessScore(crawledAt, now time.Time) float64 {
	age := now.Sub(crawledAt)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(2, -age.Seconds()/FreshnessHalfLife.Seconds())
	return math.Max(MinFreshness, decay)
}

// NormalizeBM25 saturates a raw, non-negative BM25 score into [0, 1]
// via score/(score+maxScore), so a score equal to maxScore maps to 0.5.
func NormalizeBM25(score, maxScore float64) float64 {
	if score <= 0 {
		return 0
	}
	return score / (score + maxScore)
}

// CombinedScore is the weighted sum of the four ranking signals, each
// already normalized to [0, 1].
func CombinedScore(bm25, freshness, trust, authority float64) float64 {
	return WeightBM25*bm25 + WeightFreshness*freshness + WeightTrust*trust + WeightAuthority*authority
}

// Candidate is an un-ranked search hit awaiting composite scoring.
type Candidate struct {
	DocID     string
	URL       string
	Title     string
	Snippet   string
	BM25Raw   float64
	CrawledAt time.Time
	PeerID    string
	Trust     float64
	Authority float64
}

// RankResults normalizes BM25 across candidates, combines all four
// signals, sorts descending by combined score, and truncates to limit.
func RankResults(candidates []Candidate, now time.Time, limit int) []RankedResult {
	if len(candidates) == 0 {
		return nil
	}

	maxBM25 := candidates[0].BM25Raw
	for _, c := range candidates[1:] {
		if c.BM25Raw > maxBM25 {
			maxBM25 = c.BM25Raw
		}
	}
	if maxBM25 <= 0 {
		maxBM25 = 1.0
	}

	scored := make([]RankedResult, 0, len(candidates))
	for _, c := range candidates {
		normBM25 := NormalizeBM25(c.BM25Raw, maxBM25)
		fresh := FreshnessScore(c.CrawledAt, now)
		combo := CombinedScore(normBM25, fresh, c.Trust, c.Authority)
		scored = append(scored, RankedResult{
			DocID: c.DocID, URL: c.URL, Title: c.Title, Snippet: c.Snippet,
			BM25Score: round6(normBM25), FreshnessScore: round6(fresh),
			TrustScore: round6(c.Trust), AuthorityScore: round6(c.Authority),
			CombinedScore: round6(combo), CrawledAt: c.CrawledAt, PeerID: c.PeerID,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].CombinedScore > scored[j].CombinedScore })

	logrus.WithFields(logrus.Fields{
		"candidates": len(candidates), "returned": min(limit, len(scored)),
	}).Info("ranking: results ranked")

	if limit > 0 && limit < len(scored) {
		scored = scored[:limit]
	}
	return scored
}

// LocalResult is the subset of index.SearchResult this package needs,
// kept as a local type to avoid an import cycle with pkg/index.
type LocalResult struct {
	DocID     int64
	URL       string
	Title     string
	Snippet   string
	Score     float64
	CrawledAt time.Time
}

// AuthorityFunc returns a domain-authority score in [0, 1] for a URL.
type AuthorityFunc func(url string) float64

// RankLocalResults is a convenience wrapper ranking local FTS5 results
// with a caller-supplied trust value and optional authority function.
func RankLocalResults(results []LocalResult, trust float64, authority AuthorityFunc, now time.Time, limit int) []RankedResult {
	candidates := make([]Candidate, len(results))
	for i, r := range results {
		var auth float64
		if authority != nil {
			auth = authority(r.URL)
		}
		candidates[i] = Candidate{
			DocID: strconv.FormatInt(r.DocID, 10), URL: r.URL, Title: r.Title, Snippet: r.Snippet,
			BM25Raw: r.Score, CrawledAt: r.CrawledAt, Trust: trust, Authority: auth,
		}
	}
	return RankResults(candidates, now, limit)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
