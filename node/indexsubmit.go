package node

import (
	"errors"

	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/credit"
)

// SubmittedPage is the payload a crawler-role peer forwards to an
// indexer over the index-submit stream protocol, per spec §6 (message
// ids 80/81).
type SubmittedPage struct {
	Page            *crawler.ParsedPage
	DiscoveredLinks []string
	PeerID          string
	Signature       []byte
}

// ErrSubmitterNotAllowed indicates a submitting peer id is not present
// in network.peer_acl.
var ErrSubmitterNotAllowed = errors.New("node: submitting peer not allowed")

// allowedSubmitter reports whether peerID may submit pages, per
// network.peer_acl: an empty list means open.
func (n *Node) allowedSubmitter(peerID string) bool {
	acl := n.Config.Network.PeerACL
	if len(acl) == 0 {
		return true
	}
	for _, allowed := range acl {
		if allowed == peerID {
			return true
		}
	}
	return false
}

// ReceiveSubmittedPage validates sub's sender against network.peer_acl
// and, on acceptance, runs it through the standard index_document path
// — the search role's half of the INDEX_SUBMIT exchange (spec §4.18).
func (n *Node) ReceiveSubmittedPage(sub SubmittedPage, embed Embedder) (int64, error) {
	if !n.allowedSubmitter(sub.PeerID) {
		return 0, ErrSubmitterNotAllowed
	}
	docID, err := n.indexDocument(sub.Page, embed)
	if err != nil {
		return 0, err
	}
	if n.LinkGraph != nil && len(sub.DiscoveredLinks) > 0 {
		_, _ = n.LinkGraph.AddLinks(sub.Page.URL, sub.DiscoveredLinks)
	}
	if n.Ledger != nil {
		note := sub.Page.URL
		if len(note) > 120 {
			note = note[:120]
		}
		_, _ = n.Ledger.RecordAction(credit.ActionIndexSubmit, 1.0, note, n.KeyPair)
	}
	return docID, nil
}
