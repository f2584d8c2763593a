package ranking

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// rrfK is the RRF smoothing constant; higher values flatten rank
// differences between adjacent results.
const rrfK = 60

// MergeSource identifies which ranking(s) contributed a merged result.
type MergeSource string

const (
	SourceFTS    MergeSource = "fts"
	SourceVector MergeSource = "vector"
	SourceHybrid MergeSource = "hybrid"
)

// MergedResult is a unified hit from hybrid (FTS5 + vector) search.
type MergedResult struct {
	DocID         string
	URL           string
	Title         string
	Snippet       string
	FTSScore      *float64
	VectorScore   *float64
	CombinedScore float64
	Source        MergeSource
}

// FTSHit is the subset of an FTS5 search result RRF merging needs.
type FTSHit struct {
	DocID   string
	URL     string
	Title   string
	Snippet string
	Score   float64
}

// VectorHit is the subset of a vector search result RRF merging needs.
type VectorHit struct {
	DocID       string
	URL         string
	Title       string
	TextPreview string
	Score       float64
}

// MergeResults fuses FTS5 and vector result sets via Reciprocal Rank
// Fusion, keyed by URL: RRF(d) = Σ_R w_R / (k + rank_R(d)).
func MergeResults(ftsResults []FTSHit, vectorResults []VectorHit, limit int, ftsWeight, vectorWeight float64) []MergedResult {
	type accum struct {
		docID       string
		url         string
		title       string
		snippet     string
		ftsScore    *float64
		vectorScore *float64
		rrf         float64
		source      MergeSource
	}
	scores := make(map[string]*accum)

	for i, r := range ftsResults {
		rank := i + 1
		rrf := ftsWeight / float64(rrfK+rank)
		a, ok := scores[r.URL]
		if !ok {
			a = &accum{docID: r.DocID, url: r.URL, title: r.Title, snippet: r.Snippet, source: SourceFTS}
			scores[r.URL] = a
		}
		score := r.Score
		a.ftsScore = &score
		a.rrf += rrf
	}

	for i, r := range vectorResults {
		rank := i + 1
		rrf := vectorWeight / float64(rrfK+rank)
		a, ok := scores[r.URL]
		if !ok {
			preview := r.TextPreview
			if len(preview) > 200 {
				preview = preview[:200]
			}
			a = &accum{docID: r.DocID, url: r.URL, title: r.Title, snippet: preview, source: SourceVector}
			scores[r.URL] = a
		} else {
			a.source = SourceHybrid
		}
		score := r.Score
		a.vectorScore = &score
		a.rrf += rrf
	}

	ranked := make([]*accum, 0, len(scores))
	for _, a := range scores {
		ranked = append(ranked, a)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].rrf > ranked[j].rrf })

	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}

	merged := make([]MergedResult, len(ranked))
	hybridCount := 0
	for i, a := range ranked {
		merged[i] = MergedResult{
			DocID: a.docID, URL: a.url, Title: a.title, Snippet: a.snippet,
			FTSScore: a.ftsScore, VectorScore: a.vectorScore,
			CombinedScore: round6(a.rrf), Source: a.source,
		}
		if a.source == SourceHybrid {
			hybridCount++
		}
	}

	logrus.WithFields(logrus.Fields{
		"fts_count": len(ftsResults), "vector_count": len(vectorResults),
		"merged_count": len(merged), "hybrid_count": hybridCount,
	}).Info("ranking: results merged")

	return merged
}
