package node

import (
	"fmt"

	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/vectoradapter"
)

// Embedder computes an embedding vector for a document, an external
// model boundary pkg/vectoradapter deliberately does not implement.
type Embedder func(text string) ([]float32, error)

// indexDocument stores a crawled page in the local FTS5 index and, when
// both a vector store and an embedder are configured, in the vector
// store too — the local half of services.py's index_document, shared
// by both the direct-index and index-submit-receiver paths. Link-graph
// updates are the caller's responsibility, since only it knows the
// discovered child links.
func (n *Node) indexDocument(page *crawler.ParsedPage, embed Embedder) (int64, error) {
	docID, err := n.Store.AddDocument(page.URL, page.Title, page.Text, page.Language, page.RawHTMLHash, page.TextHash)
	if err != nil {
		return 0, fmt.Errorf("node: index document: %w", err)
	}

	if n.Vector != nil && embed != nil {
		preview := vectoradapter.EmbedText(page.Title, page.Text)
		if vec, embedErr := embed(preview); embedErr == nil {
			_ = n.Vector.AddDocument(docID, page.URL, page.Title, preview, vec)
		}
	}

	return docID, nil
}
