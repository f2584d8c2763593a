package index

import (
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownTokenizer(t *testing.T) {
	_, err := Open(":memory:", Options{Tokenizer: "evilTokenizer; DROP TABLE documents"})
	if err == nil {
		t.Fatalf("expected error for disallowed tokenizer")
	}
}

func TestOpenAcceptsWhitelistedTokenizer(t *testing.T) {
	s, err := Open(":memory:", Options{Tokenizer: "trigram"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
}

func TestAddDocumentAndSearch(t *testing.T) {
	s := newTestStore(t)

	docID, err := s.AddDocument("https://example.com/a", "Go Concurrency Patterns",
		"Goroutines and channels make concurrent programming in Go approachable and safe.",
		"en", "rawhash1", "texthash1")
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if docID == 0 {
		t.Fatalf("expected nonzero doc id")
	}

	results, err := s.Search("concurrency", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URL != "https://example.com/a" {
		t.Fatalf("unexpected result url %q", results[0].URL)
	}
	if !strings.Contains(results[0].Snippet, "<b>") {
		t.Fatalf("expected highlighted snippet, got %q", results[0].Snippet)
	}
}

func TestAddDocumentRejectsDuplicateTextHash(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AddDocument("https://example.com/a", "A", "some shared text content here", "en", "raw1", "dup-hash"); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	docID, err := s.AddDocument("https://example.com/b", "B", "different text entirely", "en", "raw2", "dup-hash")
	if err != nil {
		t.Fatalf("AddDocument (duplicate): %v", err)
	}
	if docID != 0 {
		t.Fatalf("expected 0 for duplicate text_hash, got %d", docID)
	}
}

func TestSearchClampsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		s.AddDocument("https://example.com/"+string(rune('a'+i)), "title", "shared searchable keyword content", "en",
			"raw"+string(rune('a'+i)), "hash"+string(rune('a'+i)))
	}
	results, err := s.Search("searchable", -5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected default limit to return all 3, got %d", len(results))
	}
}

func TestSearchReturnsEmptyOnMalformedQuery(t *testing.T) {
	s := newTestStore(t)
	results, err := s.Search(`"unterminated`, 10)
	if err != nil {
		t.Fatalf("expected no error for malformed query, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result set, got %d", len(results))
	}
}

func TestGetDocumentByURL(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/a", "Title A", "some body text content about cats", "en", "raw1", "hash1")

	doc, err := s.GetDocumentByURL("https://example.com/a")
	if err != nil {
		t.Fatalf("GetDocumentByURL: %v", err)
	}
	if doc == nil {
		t.Fatalf("expected document, got nil")
	}
	if doc.Title != "Title A" {
		t.Fatalf("unexpected title %q", doc.Title)
	}
}

func TestGetDocumentByURLMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.GetDocumentByURL("https://example.com/missing")
	if err != nil {
		t.Fatalf("GetDocumentByURL: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil for missing document")
	}
}

func TestAddDocumentCompressesLargeText(t *testing.T) {
	s := newTestStore(t)
	large := strings.Repeat("word ", 1000)
	docID, err := s.AddDocument("https://example.com/big", "Big", large, "en", "rawbig", "hashbig")
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	doc, err := s.GetDocument(docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Text != large {
		t.Fatalf("expected decompressed text to round-trip exactly")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/a", "A", "some content about dogs", "en", "raw1", "hash1")
	s.AddDocument("https://example.com/b", "B", "some content about birds", "en", "raw2", "hash2")

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DocumentCount != 2 {
		t.Fatalf("expected 2 documents, got %d", stats.DocumentCount)
	}
}

func TestUpdateDocumentPartialFields(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/a", "Old Title", "original text content", "en", "raw1", "hash1")

	newTitle := "New Title"
	if err := s.UpdateDocument("https://example.com/a", UpdateFields{Title: &newTitle}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	doc, err := s.GetDocumentByURL("https://example.com/a")
	if err != nil {
		t.Fatalf("GetDocumentByURL: %v", err)
	}
	if doc.Title != "New Title" {
		t.Fatalf("expected updated title, got %q", doc.Title)
	}
	if doc.Text != "original text content" {
		t.Fatalf("expected text untouched, got %q", doc.Text)
	}
}

func TestUpdateDocumentReindexesFTS(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/a", "Title", "original unremarkable text", "en", "raw1", "hash1")

	newText := "this document now discusses astrophysics extensively"
	if err := s.UpdateDocument("https://example.com/a", UpdateFields{Text: &newText}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	results, err := s.Search("astrophysics", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected updated text to be searchable, got %d results", len(results))
	}
}

func TestSoftDeleteRemovesFromSearch(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/a", "Title", "unique searchable marmoset content", "en", "raw1", "hash1")

	if err := s.SoftDelete("https://example.com/a"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	results, err := s.Search("marmoset", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected deleted document to disappear from search, got %d", len(results))
	}

	doc, err := s.GetDocumentByURL("https://example.com/a")
	if err != nil {
		t.Fatalf("GetDocumentByURL: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected document gone after soft delete")
	}
}

func TestGetRecrawlCandidatesExcludesStaleAboveThreshold(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/fresh", "Fresh", "fresh content here", "en", "raw1", "hash1")
	s.AddDocument("https://example.com/stale", "Stale", "stale content here", "en", "raw2", "hash2")

	staleCount := 5
	if err := s.UpdateDocument("https://example.com/stale", UpdateFields{StaleCount: &staleCount}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	candidates, err := s.GetRecrawlCandidates(200)
	if err != nil {
		t.Fatalf("GetRecrawlCandidates: %v", err)
	}
	for _, c := range candidates {
		if c.URL == "https://example.com/stale" {
			t.Fatalf("expected stale-above-threshold document excluded")
		}
	}
	found := false
	for _, c := range candidates {
		if c.URL == "https://example.com/fresh" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fresh document to be a recrawl candidate")
	}
}

func TestUpdateDocumentLastRecrawlAt(t *testing.T) {
	s := newTestStore(t)
	s.AddDocument("https://example.com/a", "A", "content here for recrawl timing", "en", "raw1", "hash1")

	now := time.Now()
	if err := s.UpdateDocument("https://example.com/a", UpdateFields{LastRecrawlAt: &now}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	doc, err := s.GetDocumentByURL("https://example.com/a")
	if err != nil {
		t.Fatalf("GetDocumentByURL: %v", err)
	}
	if doc.LastRecrawlAt.Unix() != now.Unix() {
		t.Fatalf("expected last_recrawl_at to round-trip, got %v want %v", doc.LastRecrawlAt, now)
	}
}
