// Package vectoradapter defines the embedding-store boundary used by
// hybrid search (spec §4.8/§4.9). Embedding generation itself is
// delegated to an external model — this package only stores and
// compares vectors a caller has already computed.
package vectoradapter

import (
	"math"
	"sort"
	"sync"
)

// EmbedTextCap mirrors the reference adapter's truncation of
// title+text before handing it to an embedding model (~512 tokens).
const EmbedTextCap = 2000

// SearchResult is a single semantic-similarity hit, per spec §4.8.
type SearchResult struct {
	DocID       int64
	URL         string
	Title       string
	TextPreview string
	Score       float64 // cosine similarity, 0..1, higher is better
}

// Stats reports vector store size.
type Stats struct {
	DocumentCount int
	Model         string
	Collection    string
}

// Store is the capability interface hybrid search depends on; callers
// supply pre-computed embeddings; this package never invokes a model.
type Store interface {
	AddDocument(docID int64, url, title, textPreview string, embedding []float32) error
	DeleteDocument(docID int64) error
	Search(queryEmbedding []float32, limit int, minScore float64) ([]SearchResult, error)
	Stats() Stats
	Close() error
}

type record struct {
	url         string
	title       string
	textPreview string
	embedding   []float32
}

// MemoryStore is an in-memory reference Store, useful for tests and for
// small/standalone nodes that don't want a persistent vector database
// wired in.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[int64]record
	model      string
	collection string
}

// NewMemoryStore constructs an empty in-memory vector store.
func NewMemoryStore(model, collection string) *MemoryStore {
	return &MemoryStore{
		docs:       make(map[int64]record),
		model:      model,
		collection: collection,
	}
}

// AddDocument inserts or replaces a document's embedding, keeping at most
// the first 500 bytes of textPreview as the stored result preview. The
// title is stored as given.
func (m *MemoryStore) AddDocument(docID int64, url, title, textPreview string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	preview := textPreview
	if len(preview) > 500 {
		preview = preview[:500]
	}
	m.docs[docID] = record{url: url, title: title, textPreview: preview, embedding: embedding}
	return nil
}

// DeleteDocument removes a document's embedding.
func (m *MemoryStore) DeleteDocument(docID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

// Search ranks stored embeddings by cosine similarity to queryEmbedding,
// returning up to limit results at or above minScore.
func (m *MemoryStore) Search(queryEmbedding []float32, limit int, minScore float64) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.docs) == 0 {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	results := make([]SearchResult, 0, len(m.docs))
	for docID, rec := range m.docs {
		sim := cosineSimilarity(queryEmbedding, rec.embedding)
		if sim < minScore {
			continue
		}
		results = append(results, SearchResult{
			DocID: docID, URL: rec.url, Title: rec.title,
			TextPreview: rec.textPreview, Score: roundTo(sim, 4),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// Stats reports the in-memory document count.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{DocumentCount: len(m.docs), Model: m.model, Collection: m.collection}
}

// Close discards the in-memory index.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = nil
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func roundTo(v float64, places int) float64 {
	mul := math.Pow(10, float64(places))
	return math.Round(v*mul) / mul
}

// EmbedText combines title and text into the single string an
// embedding model consumes, capped at EmbedTextCap, matching the
// reference adapter's "title. text"[:2000] convention.
func EmbedText(title, text string) string {
	combined := title + ". " + text
	if len(combined) > EmbedTextCap {
		combined = combined[:EmbedTextCap]
	}
	return combined
}
