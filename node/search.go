package node

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/infomesh/node/pkg/distindex"
	"github.com/infomesh/node/pkg/index"
	"github.com/infomesh/node/pkg/ranking"
	"github.com/infomesh/node/pkg/router"
)

// DefaultLocalResultLimit caps how many raw FTS5 rows feed ranking
// before an overall query limit is applied.
const DefaultLocalResultLimit = 50

// LocalSearch answers a query against this node's own index only,
// composite-ranked with link-graph domain authority when a link graph
// is wired. It satisfies router.LocalSearchFunc and is also this
// node's half of a peer's incoming search request.
func (n *Node) LocalSearch(ctx context.Context, query string, limit int) ([]router.RemoteSearchResult, error) {
	if limit <= 0 || limit > DefaultLocalResultLimit {
		limit = DefaultLocalResultLimit
	}
	hits, err := n.Store.Search(index.SanitizeQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("node: local search: %w", err)
	}

	local := make([]ranking.LocalResult, len(hits))
	for i, h := range hits {
		local[i] = ranking.LocalResult{
			DocID: h.DocID, URL: h.URL, Title: h.Title, Snippet: h.Snippet,
			Score: h.Score, CrawledAt: h.CrawledAt,
		}
	}

	var authority ranking.AuthorityFunc
	if n.LinkGraph != nil {
		authority = func(url string) float64 {
			score, err := n.LinkGraph.URLAuthority(url)
			if err != nil {
				return 0
			}
			return score
		}
	}

	ranked := ranking.RankLocalResults(local, ranking.DefaultTrust, authority, time.Now(), limit)
	out := make([]router.RemoteSearchResult, len(ranked))
	for i, r := range ranked {
		id, _ := strconv.ParseInt(r.DocID, 10, 64)
		out[i] = router.RemoteSearchResult{
			URL: r.URL, Title: r.Title, Snippet: r.Snippet, Score: r.CombinedScore,
			PeerID: n.NodeID, DocID: id,
		}
	}
	return out, nil
}

// Search answers query using this node's own index and, when a query
// router is attached, peers discovered via the DHT, merging and
// truncating the combined results to limit.
func (n *Node) Search(ctx context.Context, query string, limit int) ([]router.RemoteSearchResult, error) {
	local, err := n.LocalSearch(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if n.Router == nil {
		return local, nil
	}

	keywords := distindex.ExtractKeywords(query, distindex.MaxKeywordsPerDoc)
	remote, err := n.Router.RouteQuery(ctx, query, keywords, limit)
	if err != nil {
		return local, nil
	}

	merged := append(local, remote...)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
