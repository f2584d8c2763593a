// Package distindex bridges the node-local FTS5 index to the DHT-backed
// distributed inverted index: it extracts keywords from a document and
// publishes hash(keyword) → peer-pointer records so other peers can
// discover documents hosted on this node, per spec §4.10.
package distindex

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// MinKeywordLength is the shortest word considered indexable.
const MinKeywordLength = 2

// MaxKeywordsPerDoc bounds how many keywords a single document
// publishes, keeping per-document DHT fan-out bounded.
const MaxKeywordsPerDoc = 50

// wordPattern tokenizes on ASCII letters/digits, matching the
// reference's \b[a-zA-Z0-9]+\b.
var wordPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"is": true, "it": true, "be": true, "as": true, "do": true, "by": true,
	"he": true, "we": true, "so": true, "if": true, "no": true, "up": true,
	"my": true, "me": true, "am": true, "us": true, "are": true, "was": true,
	"has": true, "had": true, "not": true, "all": true, "can": true, "her": true,
	"his": true, "its": true, "our": true, "you": true, "who": true, "how": true,
	"did": true, "get": true, "may": true, "new": true, "now": true, "old": true,
	"see": true, "way": true, "from": true, "with": true, "this": true, "that": true,
	"have": true, "will": true, "been": true, "each": true, "make": true, "like": true,
	"than": true, "them": true, "then": true, "into": true, "over": true, "such": true,
	"when": true, "very": true, "what": true, "just": true, "also": true, "more": true,
	"some": true, "only": true, "come": true, "could": true, "would": true, "about": true,
	"which": true, "their": true, "there": true, "these": true, "those": true, "other": true,
	"after": true, "being": true, "where": true, "does": true,
}

// ExtractKeywords tokenizes text, drops stop words and short tokens,
// and returns up to maxKeywords terms ordered by descending frequency.
func ExtractKeywords(text string, maxKeywords int) []string {
	if maxKeywords <= 0 {
		maxKeywords = MaxKeywordsPerDoc
	}
	freq := make(map[string]int)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < MinKeywordLength || stopWords[w] {
			continue
		}
		freq[w]++
	}

	keywords := make([]string, 0, len(freq))
	for w := range freq {
		keywords = append(keywords, w)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if freq[keywords[i]] != freq[keywords[j]] {
			return freq[keywords[i]] > freq[keywords[j]]
		}
		return keywords[i] < keywords[j] // deterministic tiebreak
	})
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// PeerPointer is a DHT record pointing at a document hosted by a peer.
// The msgpack tags fix the wire shape published by pkg/dht.
type PeerPointer struct {
	PeerID string  `msgpack:"peer_id"`
	DocID  int64   `msgpack:"doc_id"`
	URL    string  `msgpack:"url"`
	Score  float64 `msgpack:"score"`
	Title  string  `msgpack:"title"`
}

// DHTKeywordStore abstracts the DHT operations this package needs,
// decoupling it from pkg/dht's concrete implementation.
type DHTKeywordStore interface {
	PublishKeyword(ctx context.Context, keyword string, pointers []PeerPointer) error
	QueryKeyword(ctx context.Context, keyword string) ([]PeerPointer, error)
}

// Stats tracks cumulative publish/query activity.
type Stats struct {
	DocumentsPublished int64
	KeywordsPublished  int64
	QueriesPerformed   int64
	PointersFound      int64
}

// Index manages keyword publication and lookup over the DHT.
type Index struct {
	dht    DHTKeywordStore
	peerID string

	mu    sync.Mutex
	stats Stats
}

// New constructs an Index publishing on behalf of localPeerID.
func New(dht DHTKeywordStore, localPeerID string) *Index {
	return &Index{dht: dht, peerID: localPeerID}
}

// Stats returns a snapshot of cumulative counters.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.stats
}

// PublishDocument extracts keywords from text and publishes a pointer
// back to this node for each one, returning the count that succeeded.
func (idx *Index) PublishDocument(ctx context.Context, docID int64, url, title, text string, score float64) (int, error) {
	keywords := ExtractKeywords(text, MaxKeywordsPerDoc)
	if len(keywords) == 0 {
		return 0, nil
	}

	pointer := PeerPointer{PeerID: idx.peerID, DocID: docID, URL: url, Score: score, Title: title}

	published := 0
	for _, kw := range keywords {
		if err := idx.dht.PublishKeyword(ctx, kw, []PeerPointer{pointer}); err != nil {
			logrus.WithFields(logrus.Fields{"keyword": kw, "url": url, "error": err}).Debug("distindex: publish failed")
			continue
		}
		published++
	}

	idx.mu.Lock()
	idx.stats.DocumentsPublished++
	idx.stats.KeywordsPublished += int64(published)
	idx.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"url": url, "keywords_total": len(keywords), "keywords_published": published,
	}).Debug("distindex: document published")
	return published, nil
}

// Query looks up keywords across the DHT, aggregates per-(peer,doc)
// scores across keywords, and returns pointers ranked by aggregate
// score descending.
func (idx *Index) Query(ctx context.Context, keywords []string) ([]PeerPointer, error) {
	idx.mu.Lock()
	idx.stats.QueriesPerformed++
	idx.mu.Unlock()

	type key struct {
		peerID string
		docID  int64
	}
	aggregated := make(map[key]PeerPointer)
	order := make([]key, 0)

	for _, kw := range keywords {
		pointers, err := idx.dht.QueryKeyword(ctx, kw)
		if err != nil {
			return nil, fmt.Errorf("distindex: query keyword %q: %w", kw, err)
		}
		for _, p := range pointers {
			k := key{peerID: p.PeerID, docID: p.DocID}
			if existing, ok := aggregated[k]; ok {
				existing.Score += p.Score
				aggregated[k] = existing
			} else {
				aggregated[k] = p
				order = append(order, k)
			}
		}
	}

	ranked := make([]PeerPointer, 0, len(aggregated))
	for _, k := range order {
		ranked = append(ranked, aggregated[k])
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	idx.mu.Lock()
	idx.stats.PointersFound += int64(len(ranked))
	idx.mu.Unlock()

	return ranked, nil
}

// PublishBatch publishes multiple documents, returning the total number
// of keyword-publish operations that succeeded.
func (idx *Index) PublishBatch(ctx context.Context, docs []Document) (int, error) {
	total := 0
	for _, doc := range docs {
		count, err := idx.PublishDocument(ctx, doc.DocID, doc.URL, doc.Title, doc.Text, doc.Score)
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

// Document is the minimal shape PublishBatch needs from a local index
// row.
type Document struct {
	DocID int64
	URL   string
	Title string
	Text  string
	Score float64
}
