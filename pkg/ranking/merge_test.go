package ranking

import "testing"

func TestMergeResultsMarksHybridWhenBothSourcesMatch(t *testing.T) {
	fts := []FTSHit{{DocID: "1", URL: "https://example.com/a", Title: "A", Score: 2.5}}
	vec := []VectorHit{{DocID: "1", URL: "https://example.com/a", Title: "A", Score: 0.9}}

	merged := MergeResults(fts, vec, 10, 1.0, 1.0)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged result, got %d", len(merged))
	}
	if merged[0].Source != SourceHybrid {
		t.Fatalf("expected hybrid source, got %s", merged[0].Source)
	}
	if merged[0].FTSScore == nil || merged[0].VectorScore == nil {
		t.Fatalf("expected both scores populated")
	}
}

func TestMergeResultsKeepsDistinctSourcesSeparate(t *testing.T) {
	fts := []FTSHit{{DocID: "1", URL: "https://example.com/a", Title: "A", Score: 2.5}}
	vec := []VectorHit{{DocID: "2", URL: "https://example.com/b", Title: "B", Score: 0.9}}

	merged := MergeResults(fts, vec, 10, 1.0, 1.0)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged results, got %d", len(merged))
	}
	sources := map[string]MergeSource{}
	for _, m := range merged {
		sources[m.URL] = m.Source
	}
	if sources["https://example.com/a"] != SourceFTS {
		t.Fatalf("expected fts source for a")
	}
	if sources["https://example.com/b"] != SourceVector {
		t.Fatalf("expected vector source for b")
	}
}

func TestMergeResultsRanksByRRFScore(t *testing.T) {
	fts := []FTSHit{
		{DocID: "1", URL: "https://example.com/first", Score: 5},
		{DocID: "2", URL: "https://example.com/second", Score: 3},
	}
	merged := MergeResults(fts, nil, 10, 1.0, 1.0)
	if merged[0].URL != "https://example.com/first" {
		t.Fatalf("expected rank-1 fts hit first, got %s", merged[0].URL)
	}
}

func TestMergeResultsRespectsLimit(t *testing.T) {
	fts := []FTSHit{
		{DocID: "1", URL: "https://example.com/a", Score: 5},
		{DocID: "2", URL: "https://example.com/b", Score: 4},
		{DocID: "3", URL: "https://example.com/c", Score: 3},
	}
	merged := MergeResults(fts, nil, 2, 1.0, 1.0)
	if len(merged) != 2 {
		t.Fatalf("expected limit 2, got %d", len(merged))
	}
}

func TestMergeResultsTruncatesVectorPreviewSnippet(t *testing.T) {
	longPreview := make([]byte, 400)
	for i := range longPreview {
		longPreview[i] = 'x'
	}
	vec := []VectorHit{{DocID: "1", URL: "https://example.com/a", TextPreview: string(longPreview), Score: 0.8}}
	merged := MergeResults(nil, vec, 10, 1.0, 1.0)
	if len(merged[0].Snippet) != 200 {
		t.Fatalf("expected snippet truncated to 200 chars, got %d", len(merged[0].Snippet))
	}
}
