package vectoradapter

import "testing"

func TestAddDocumentAndSearchRanksByCosineSimilarity(t *testing.T) {
	store := NewMemoryStore("test-model", "test-collection")
	store.AddDocument(1, "https://example.com/a", "A", "preview a", []float32{1, 0, 0})
	store.AddDocument(2, "https://example.com/b", "B", "preview b", []float32{0, 1, 0})
	store.AddDocument(3, "https://example.com/c", "C", "preview c", []float32{0.9, 0.1, 0})

	results, err := store.Search([]float32{1, 0, 0}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].DocID != 1 {
		t.Fatalf("expected doc 1 (exact match) ranked first, got %d", results[0].DocID)
	}
	if results[1].DocID != 3 {
		t.Fatalf("expected doc 3 (near match) ranked second, got %d", results[1].DocID)
	}
}

func TestSearchRespectsMinScore(t *testing.T) {
	store := NewMemoryStore("m", "c")
	store.AddDocument(1, "https://example.com/a", "A", "preview", []float32{1, 0})
	store.AddDocument(2, "https://example.com/b", "B", "preview", []float32{0, 1})

	results, err := store.Search([]float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result above threshold, got %d", len(results))
	}
}

func TestSearchEmptyStoreReturnsEmpty(t *testing.T) {
	store := NewMemoryStore("m", "c")
	results, err := store.Search([]float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestDeleteDocumentRemovesFromSearch(t *testing.T) {
	store := NewMemoryStore("m", "c")
	store.AddDocument(1, "https://example.com/a", "A", "preview", []float32{1, 0})
	store.DeleteDocument(1)

	results, err := store.Search([]float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected document removed, got %d results", len(results))
	}
}

func TestStatsReportsDocumentCount(t *testing.T) {
	store := NewMemoryStore("m", "c")
	store.AddDocument(1, "https://example.com/a", "A", "preview", []float32{1, 0})
	store.AddDocument(2, "https://example.com/b", "B", "preview", []float32{0, 1})

	stats := store.Stats()
	if stats.DocumentCount != 2 {
		t.Fatalf("expected 2 documents, got %d", stats.DocumentCount)
	}
}

func TestEmbedTextTruncatesAtCap(t *testing.T) {
	longText := make([]byte, EmbedTextCap*2)
	for i := range longText {
		longText[i] = 'x'
	}
	combined := EmbedText("title", string(longText))
	if len(combined) != EmbedTextCap {
		t.Fatalf("expected truncation to %d chars, got %d", EmbedTextCap, len(combined))
	}
}
